package distributor

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/helixml/display-distributor/pkg/drm"
	"github.com/helixml/display-distributor/pkg/protocol"
	"github.com/helixml/display-distributor/pkg/udev"
)

// fakeCard implements Card without touching the kernel. Lease fds are real
// descriptors (duplicates of /dev/null) so the teardown path's closes
// behave like production.
type fakeCard struct {
	node       string
	displays   map[string][]drm.DisplayID
	nextLessee uint32
	leased     []uint32
	revoked    []uint32
	leaseErr   error
}

func newFakeCard(node string) *fakeCard {
	return &fakeCard{node: node, displays: make(map[string][]drm.DisplayID)}
}

func (c *fakeCard) Node() string { return c.node }

func (c *fakeCard) AddSeatDisplay(seat string, display drm.DisplayID) {
	c.displays[seat] = append(c.displays[seat], display)
}

func (c *fakeCard) SeatDisplays(seat string) []drm.DisplayID {
	return c.displays[seat]
}

func (c *fakeCard) LeaseDisplays(seat string) (drm.Lease, error) {
	if c.leaseErr != nil {
		return drm.Lease{}, c.leaseErr
	}
	if len(c.displays[seat]) == 0 {
		return drm.Lease{}, fmt.Errorf("%w %q on %s", drm.ErrNoDisplaysForSeat, seat, c.node)
	}
	fd, err := unix.Open("/dev/null", unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		return drm.Lease{}, err
	}
	c.nextLessee++
	c.leased = append(c.leased, c.nextLessee)
	return drm.Lease{FD: fd, LesseeID: c.nextLessee}, nil
}

func (c *fakeCard) RevokeDisplays(lesseeID uint32) error {
	c.revoked = append(c.revoked, lesseeID)
	return nil
}

func newTestDistributor(t *testing.T, cards ...Card) *Distributor {
	t.Helper()
	d := &Distributor{
		cards:        make(map[string]Card),
		leases:       make(map[string]*lease),
		processAlive: func(int) bool { return true },
		connTimeout:  time.Second,
	}
	for _, c := range cards {
		d.cards[c.Node()] = c
	}
	return d
}

func TestRequestDisplaysGrantsLease(t *testing.T) {
	card := newFakeCard("/dev/dri/card0")
	card.AddSeatDisplay("seat0", drm.DisplayID{Kind: "HDMI-A", Instance: 1})
	d := newTestDistributor(t, card)

	resp, fds, err := d.handleRequestDisplays(100, "seat0")
	require.NoError(t, err)
	assert.Equal(t, protocol.LeaseGranted, resp.Type)
	assert.Len(t, fds, 1)

	require.Contains(t, d.leases, "seat0")
	assert.Equal(t, 100, d.leases["seat0"].pid)
}

func TestRequestDisplaysBusyWhileHolderAlive(t *testing.T) {
	card := newFakeCard("/dev/dri/card0")
	card.AddSeatDisplay("seat0", drm.DisplayID{Kind: "HDMI-A", Instance: 1})
	d := newTestDistributor(t, card)

	_, _, err := d.handleRequestDisplays(100, "seat0")
	require.NoError(t, err)

	resp, fds, err := d.handleRequestDisplays(200, "seat0")
	require.NoError(t, err)
	assert.Equal(t, protocol.SeatBusy, resp.Type)
	assert.Empty(t, fds)

	// The original lease is untouched: same holder, nothing revoked.
	assert.Equal(t, 100, d.leases["seat0"].pid)
	assert.Empty(t, card.revoked)
}

func TestRequestDisplaysSupersedesDeadHolder(t *testing.T) {
	card := newFakeCard("/dev/dri/card0")
	card.AddSeatDisplay("seat0", drm.DisplayID{Kind: "HDMI-A", Instance: 1})
	d := newTestDistributor(t, card)

	_, _, err := d.handleRequestDisplays(100, "seat0")
	require.NoError(t, err)
	firstLessee := card.leased[0]

	d.processAlive = func(pid int) bool { return pid != 100 }

	resp, fds, err := d.handleRequestDisplays(200, "seat0")
	require.NoError(t, err)
	assert.Equal(t, protocol.LeaseGranted, resp.Type)
	assert.Len(t, fds, 1)
	assert.Equal(t, 200, d.leases["seat0"].pid)

	// The dead holder's kernel lease was revoked, not just dropped.
	assert.Contains(t, card.revoked, firstLessee)
}

func TestRequestDisplaysAggregatesAcrossCards(t *testing.T) {
	card0 := newFakeCard("/dev/dri/card0")
	card0.AddSeatDisplay("seat0", drm.DisplayID{Kind: "HDMI-A", Instance: 1})
	card1 := newFakeCard("/dev/dri/card1")
	card1.AddSeatDisplay("seat0", drm.DisplayID{Kind: "DP", Instance: 2})
	bare := newFakeCard("/dev/dri/card2") // nothing for seat0
	d := newTestDistributor(t, card0, card1, bare)

	resp, fds, err := d.handleRequestDisplays(100, "seat0")
	require.NoError(t, err)
	assert.Equal(t, protocol.LeaseGranted, resp.Type)
	assert.Len(t, fds, 2)
	assert.Len(t, d.leases["seat0"].infos, 2)
}

func TestRequestDisplaysNoDisplaysAnywhere(t *testing.T) {
	d := newTestDistributor(t, newFakeCard("/dev/dri/card0"))

	resp, fds, err := d.handleRequestDisplays(100, "seat0")
	require.NoError(t, err)
	assert.Equal(t, protocol.NoDisplaysForSeat, resp.Type)
	assert.Empty(t, fds)
	assert.NotContains(t, d.leases, "seat0")
}

func TestRequestDisplaysUnwindsOnCardFailure(t *testing.T) {
	good := newFakeCard("/dev/dri/card0")
	good.AddSeatDisplay("seat0", drm.DisplayID{Kind: "HDMI-A", Instance: 1})
	bad := newFakeCard("/dev/dri/card1")
	bad.AddSeatDisplay("seat0", drm.DisplayID{Kind: "DP", Instance: 1})
	bad.leaseErr = errors.New("CREATE_LEASE: device gone")
	d := newTestDistributor(t, good, bad)

	_, _, err := d.handleRequestDisplays(100, "seat0")
	require.Error(t, err)

	// The lease created on the good card before the failure was revoked,
	// and nothing was installed for the seat.
	assert.Equal(t, good.leased, good.revoked)
	assert.NotContains(t, d.leases, "seat0")
}

func TestReleaseDisplaysByOwner(t *testing.T) {
	card := newFakeCard("/dev/dri/card0")
	card.AddSeatDisplay("seat0", drm.DisplayID{Kind: "HDMI-A", Instance: 1})
	d := newTestDistributor(t, card)

	_, _, err := d.handleRequestDisplays(100, "seat0")
	require.NoError(t, err)

	resp, fds, err := d.handleReleaseDisplays(100, "seat0")
	require.NoError(t, err)
	assert.Equal(t, protocol.LeaseRevoked, resp.Type)
	assert.Empty(t, fds)
	assert.Equal(t, card.leased, card.revoked)

	// A second release finds nothing.
	resp, _, err = d.handleReleaseDisplays(100, "seat0")
	require.NoError(t, err)
	assert.Equal(t, protocol.LeaseNotFound, resp.Type)
}

func TestReleaseDisplaysByStrangerDenied(t *testing.T) {
	card := newFakeCard("/dev/dri/card0")
	card.AddSeatDisplay("seat0", drm.DisplayID{Kind: "HDMI-A", Instance: 1})
	d := newTestDistributor(t, card)

	_, _, err := d.handleRequestDisplays(100, "seat0")
	require.NoError(t, err)

	resp, _, err := d.handleReleaseDisplays(200, "seat0")
	require.NoError(t, err)
	assert.Equal(t, protocol.NoPermission, resp.Type)

	// Lease unchanged.
	assert.Equal(t, 100, d.leases["seat0"].pid)
	assert.Empty(t, card.revoked)
}

func TestReleaseDisplaysWithoutLease(t *testing.T) {
	d := newTestDistributor(t, newFakeCard("/dev/dri/card0"))

	resp, _, err := d.handleReleaseDisplays(100, "seat0")
	require.NoError(t, err)
	assert.Equal(t, protocol.LeaseNotFound, resp.Type)
}

func TestAtMostOneLeasePerSeat(t *testing.T) {
	card := newFakeCard("/dev/dri/card0")
	card.AddSeatDisplay("seat0", drm.DisplayID{Kind: "HDMI-A", Instance: 1})
	card.AddSeatDisplay("seat1", drm.DisplayID{Kind: "DP", Instance: 1})
	d := newTestDistributor(t, card)

	_, _, err := d.handleRequestDisplays(100, "seat0")
	require.NoError(t, err)
	_, _, err = d.handleRequestDisplays(200, "seat1")
	require.NoError(t, err)

	assert.Len(t, d.leases, 2)
	for seat, l := range d.leases {
		assert.Len(t, l.infos, 1, "seat %s", seat)
	}
}

func TestShutdownRevokesEverything(t *testing.T) {
	card := newFakeCard("/dev/dri/card0")
	card.AddSeatDisplay("seat0", drm.DisplayID{Kind: "HDMI-A", Instance: 1})
	card.AddSeatDisplay("seat1", drm.DisplayID{Kind: "DP", Instance: 1})
	d := newTestDistributor(t, card)

	_, _, err := d.handleRequestDisplays(100, "seat0")
	require.NoError(t, err)
	_, _, err = d.handleRequestDisplays(200, "seat1")
	require.NoError(t, err)

	d.Shutdown()
	assert.Empty(t, d.leases)
	assert.ElementsMatch(t, card.leased, card.revoked)
}

// --- discovery ---

type fakeDevice struct {
	sysname string
	devnode string
	devtype string
	props   map[string]string
	parent  udev.Device
}

func (d *fakeDevice) Sysname() string { return d.sysname }
func (d *fakeDevice) Devnode() string { return d.devnode }
func (d *fakeDevice) Devtype() string { return d.devtype }
func (d *fakeDevice) Property(key string) string {
	return d.props[key]
}
func (d *fakeDevice) Parent() udev.Device { return d.parent }

type fakeEnumerator struct {
	devices []udev.Device
	err     error
}

func (e *fakeEnumerator) Devices(udev.Filter) ([]udev.Device, error) {
	return e.devices, e.err
}

func newScanDistributor(t *testing.T, devices ...udev.Device) (*Distributor, map[string]*fakeCard) {
	t.Helper()
	opened := make(map[string]*fakeCard)
	d := &Distributor{
		enumerator:   &fakeEnumerator{devices: devices},
		cards:        make(map[string]Card),
		leases:       make(map[string]*lease),
		processAlive: func(int) bool { return true },
		openCard: func(node string) (Card, error) {
			c := newFakeCard(node)
			opened[node] = c
			return c, nil
		},
	}
	return d, opened
}

func TestScanRegistersGPUsAndConnectors(t *testing.T) {
	gpu := &fakeDevice{sysname: "card0", devnode: "/dev/dri/card0", devtype: "drm_minor"}
	d, opened := newScanDistributor(t,
		gpu,
		&fakeDevice{sysname: "renderD128", devnode: "/dev/dri/renderD128", devtype: "drm_minor"},
		&fakeDevice{
			sysname: "card0-HDMI-A-1",
			devtype: "drm_connector",
			props:   map[string]string{"ID_SEAT": "seat0"},
			parent:  gpu,
		},
		&fakeDevice{
			sysname: "card0-DP-1",
			devtype: "drm_connector",
			props:   map[string]string{"ID_SEAT": "seat-other"},
			parent:  gpu,
		},
		&fakeDevice{
			sysname: "card0-eDP-1",
			devtype: "drm_connector",
			parent:  gpu,
			// no ID_SEAT: not assigned to any seat, ignored
		},
	)

	require.NoError(t, d.scanDevices("seat0"))

	require.Contains(t, d.cards, "/dev/dri/card0")
	assert.NotContains(t, d.cards, "/dev/dri/renderD128")
	assert.Len(t, d.cards, 1)

	card := opened["/dev/dri/card0"]
	require.NotNil(t, card)
	assert.Equal(t, []drm.DisplayID{{Kind: "HDMI-A", Instance: 1}}, card.SeatDisplays("seat0"))
	assert.Empty(t, card.SeatDisplays("seat-other"))
}

func TestScanRegistersGPUViaConnectorParent(t *testing.T) {
	// The connector can be enumerated before (or without) its GPU minor;
	// the parent reference still registers the card.
	gpu := &fakeDevice{sysname: "card1", devnode: "/dev/dri/card1", devtype: "drm_minor"}
	d, opened := newScanDistributor(t,
		&fakeDevice{
			sysname: "card1-DP-2",
			devtype: "drm_connector",
			props:   map[string]string{"ID_SEAT": "seat0"},
			parent:  gpu,
		},
	)

	require.NoError(t, d.scanDevices("seat0"))
	require.Contains(t, d.cards, "/dev/dri/card1")
	assert.Equal(t, []drm.DisplayID{{Kind: "DP", Instance: 2}},
		opened["/dev/dri/card1"].SeatDisplays("seat0"))
}

func TestScanSkipsBrokenConnectors(t *testing.T) {
	gpu := &fakeDevice{sysname: "card0", devnode: "/dev/dri/card0", devtype: "drm_minor"}
	d, opened := newScanDistributor(t,
		gpu,
		&fakeDevice{
			// not prefixed with the parent GPU name
			sysname: "bogus-HDMI-A-1",
			devtype: "drm_connector",
			props:   map[string]string{"ID_SEAT": "seat0"},
			parent:  gpu,
		},
		&fakeDevice{
			// unparseable suffix
			sysname: "card0-HDMI",
			devtype: "drm_connector",
			props:   map[string]string{"ID_SEAT": "seat0"},
			parent:  gpu,
		},
		&fakeDevice{
			// no parent at all
			sysname: "card0-DP-1",
			devtype: "drm_connector",
			props:   map[string]string{"ID_SEAT": "seat0"},
		},
	)

	require.NoError(t, d.scanDevices("seat0"))
	assert.Empty(t, opened["/dev/dri/card0"].SeatDisplays("seat0"))
}

func TestScanFailsWhenGPUCannotOpen(t *testing.T) {
	d, _ := newScanDistributor(t,
		&fakeDevice{sysname: "card0", devnode: "/dev/dri/card0", devtype: "drm_minor"},
	)
	d.openCard = func(node string) (Card, error) {
		return nil, errors.New("permission denied")
	}

	require.Error(t, d.scanDevices("seat0"))
}

func TestScanFailsWhenEnumerationFails(t *testing.T) {
	d, _ := newScanDistributor(t)
	d.enumerator = &fakeEnumerator{err: errors.New("udev unavailable")}

	require.Error(t, d.scanDevices("seat0"))
}
