// Package distributor is the display distributor's arbitration engine. It
// owns the card registry built at startup and the per-seat lease registry,
// and brokers exactly one DRM lease holder per seat at a time.
package distributor

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"

	"github.com/helixml/display-distributor/pkg/config"
	"github.com/helixml/display-distributor/pkg/drm"
	"github.com/helixml/display-distributor/pkg/protocol"
	"github.com/helixml/display-distributor/pkg/udev"
)

// SeatResolver maps an OS process to the seat owning it.
type SeatResolver interface {
	ProcessSeat(pid int) (string, error)
}

// Card is the distributor's view of one GPU: seat/display registration at
// scan time, lease create/revoke at request time. Implemented by drm.Card.
type Card interface {
	Node() string
	AddSeatDisplay(seat string, display drm.DisplayID)
	SeatDisplays(seat string) []drm.DisplayID
	LeaseDisplays(seat string) (drm.Lease, error)
	RevokeDisplays(lesseeID uint32) error
}

// leaseInfo ties one kernel lease back to the card that issued it, so
// revocation goes through the same master handle.
type leaseInfo struct {
	cardNode string
	lesseeID uint32
}

// lease is one active grant: the holder and every per-card kernel lease
// composing it.
type lease struct {
	pid   int
	fds   []int
	infos []leaseInfo
}

// Distributor arbitrates DRM leases between seats. Both registries are
// owned by the single goroutine running the accept loop; the server is
// deliberately iterative (see Listen), so no locking is needed.
type Distributor struct {
	resolver    SeatResolver
	enumerator  udev.Enumerator
	socketPath  string
	connTimeout time.Duration

	cards  map[string]Card   // device node path -> card, append-only after startup
	leases map[string]*lease // seat -> active lease, at most one per seat

	// test seams; production values set by New
	openCard     func(node string) (Card, error)
	processAlive func(pid int) bool
	selfPID      int
}

// New builds a distributor: resolves the daemon's own seat, scans the DRM
// devices belonging to it, and returns the engine ready to Listen. Any
// failure here is startup-fatal.
func New(cfg config.Config, resolver SeatResolver, enumerator udev.Enumerator) (*Distributor, error) {
	d := &Distributor{
		resolver:    resolver,
		enumerator:  enumerator,
		socketPath:  cfg.SocketPath,
		connTimeout: cfg.ConnTimeout,
		cards:       make(map[string]Card),
		leases:      make(map[string]*lease),
		openCard: func(node string) (Card, error) {
			return drm.OpenCard(node)
		},
		processAlive: processAlive,
		selfPID:      os.Getpid(),
	}

	seat, err := resolver.ProcessSeat(d.selfPID)
	if err != nil {
		return nil, fmt.Errorf("resolve own seat: %w", err)
	}
	log.Info().Str("seat", seat).Msg("Running on seat")

	if err := d.scanDevices(seat); err != nil {
		return nil, err
	}
	return d, nil
}

// scanDevices performs the one-time startup discovery: register every
// primary GPU node of the daemon's seat as a Card and associate each
// seat-assigned connector with its parent card.
func (d *Distributor) scanDevices(seat string) error {
	log.Info().Str("seat", seat).Msg("Scanning graphics devices")

	devices, err := d.enumerator.Devices(udev.Filter{
		Subsystem:       "drm",
		Devtypes:        []string{"drm_minor", "drm_connector"},
		InitializedOnly: true,
	})
	if err != nil {
		return fmt.Errorf("enumerate drm devices: %w", err)
	}

	for _, dev := range devices {
		if err := d.processDevice(seat, dev); err != nil {
			return err
		}
	}

	log.Info().Str("seat", seat).Int("cards", len(d.cards)).Msg("Device scan done")
	return nil
}

// processDevice handles one scanned device. A GPU that fails to open is
// fatal; a connector with a broken name or topology is logged and skipped
// so one odd device cannot take the whole daemon down.
func (d *Distributor) processDevice(ownSeat string, dev udev.Device) error {
	switch dev.Devtype() {
	case "drm_minor":
		// Primary nodes only; renderD* nodes cannot issue leases.
		if !strings.Contains(dev.Sysname(), "card") {
			return nil
		}
		if s := dev.Property("ID_SEAT"); s != "" && s != ownSeat {
			return nil
		}
		_, err := d.getOrAddCard(dev)
		return err

	case "drm_connector":
		displaySeat := dev.Property("ID_SEAT")
		if displaySeat == "" || displaySeat != ownSeat {
			return nil
		}

		gpu := dev.Parent()
		if gpu == nil {
			log.Warn().Str("connector", dev.Sysname()).
				Msg("Skipping connector with no parent GPU")
			return nil
		}
		if gpu.Devnode() == "" {
			log.Warn().Str("connector", dev.Sysname()).Str("gpu", gpu.Sysname()).
				Msg("Skipping connector whose parent GPU has no device node")
			return nil
		}

		card, err := d.getOrAddCard(gpu)
		if err != nil {
			return err
		}

		name, ok := strings.CutPrefix(dev.Sysname(), gpu.Sysname()+"-")
		if !ok {
			log.Warn().Str("connector", dev.Sysname()).Str("gpu", gpu.Sysname()).
				Msg("Skipping connector not prefixed with its GPU name")
			return nil
		}
		display, err := drm.ParseDisplayID(name)
		if err != nil {
			log.Warn().Err(err).Str("connector", dev.Sysname()).
				Msg("Skipping unparseable connector")
			return nil
		}

		log.Info().
			Str("seat", displaySeat).
			Str("gpu", gpu.Sysname()).
			Str("display", display.String()).
			Msg("Detected seat connector")
		card.AddSeatDisplay(displaySeat, display)
		return nil
	}
	return nil
}

func (d *Distributor) getOrAddCard(dev udev.Device) (Card, error) {
	node := dev.Devnode()
	if node == "" {
		return nil, fmt.Errorf("GPU %s has no device node", dev.Sysname())
	}
	if card, ok := d.cards[node]; ok {
		return card, nil
	}

	log.Info().Str("gpu", dev.Sysname()).Str("node", node).Msg("Detected GPU")
	card, err := d.openCard(node)
	if err != nil {
		return nil, err
	}
	d.cards[node] = card
	return card, nil
}

// cardNodes returns the registry keys in stable order.
func (d *Distributor) cardNodes() []string {
	nodes := make([]string, 0, len(d.cards))
	for node := range d.cards {
		nodes = append(nodes, node)
	}
	sort.Strings(nodes)
	return nodes
}

// handleRequestDisplays implements the grant side of the per-seat state
// machine. The returned fds accompany the response as SCM_RIGHTS data; a
// non-nil error is a connection-level failure (no response was produced).
func (d *Distributor) handleRequestDisplays(pid int, seat string) (protocol.Response, []int, error) {
	if cur, ok := d.leases[seat]; ok {
		if d.processAlive(cur.pid) {
			return protocol.Response{Type: protocol.SeatBusy}, nil, nil
		}
		// The holder died without releasing. Tear its kernel leases down
		// before granting anew; dropping the records alone would leave the
		// kernel leases dangling until daemon exit.
		log.Warn().Str("seat", seat).Int("dead_pid", cur.pid).Int("new_pid", pid).
			Msg("Superseding lease of dead process")
		delete(d.leases, seat)
		d.teardownLease(cur)
	}

	newLease := &lease{pid: pid}
	for _, node := range d.cardNodes() {
		card := d.cards[node]
		granted, err := card.LeaseDisplays(seat)
		if err != nil {
			if errors.Is(err, drm.ErrNoDisplaysForSeat) {
				// This card has nothing for the seat; it contributes
				// nothing to the aggregate lease.
				continue
			}
			d.teardownLease(newLease)
			return protocol.Response{}, nil, fmt.Errorf("lease displays on %s: %w", node, err)
		}
		newLease.fds = append(newLease.fds, granted.FD)
		newLease.infos = append(newLease.infos, leaseInfo{cardNode: node, lesseeID: granted.LesseeID})
	}

	if len(newLease.fds) == 0 {
		return protocol.Response{Type: protocol.NoDisplaysForSeat}, nil, nil
	}

	d.leases[seat] = newLease
	log.Info().Str("seat", seat).Int("pid", pid).Int("fds", len(newLease.fds)).
		Msg("Lease granted")
	return protocol.Response{Type: protocol.LeaseGranted}, newLease.fds, nil
}

// handleReleaseDisplays implements the release side: only the holding pid
// may release, and revocation failures on individual cards are logged and
// skipped rather than blocking the rest of the teardown.
func (d *Distributor) handleReleaseDisplays(pid int, seat string) (protocol.Response, []int, error) {
	cur, ok := d.leases[seat]
	if !ok {
		return protocol.Response{Type: protocol.LeaseNotFound}, nil, nil
	}
	if cur.pid != pid {
		return protocol.Response{Type: protocol.NoPermission}, nil, nil
	}

	delete(d.leases, seat)
	d.teardownLease(cur)
	log.Info().Str("seat", seat).Int("pid", pid).Msg("Lease revoked")
	return protocol.Response{Type: protocol.LeaseRevoked}, nil, nil
}

// teardownLease is the single exit path for a lease: every kernel lease it
// holds is revoked through its issuing card, and the server-side copies of
// the lease fds are closed. Partial failures do not stop the remainder.
func (d *Distributor) teardownLease(l *lease) {
	for _, info := range l.infos {
		card, ok := d.cards[info.cardNode]
		if !ok {
			log.Warn().Str("card", info.cardNode).
				Msg("Lease points at a card that is not in the registry")
			continue
		}
		if err := card.RevokeDisplays(info.lesseeID); err != nil {
			log.Error().Err(err).Str("card", info.cardNode).Uint32("lessee_id", info.lesseeID).
				Msg("Unable to revoke lease")
		}
	}
	for _, fd := range l.fds {
		if err := unix.Close(fd); err != nil {
			log.Warn().Err(err).Int("fd", fd).Msg("Unable to close lease fd")
		}
	}
	l.fds = nil
	l.infos = nil
}

// Shutdown revokes every outstanding lease. The master handles stay open
// until process exit, at which point the kernel clears whatever lease
// state is left on them.
func (d *Distributor) Shutdown() {
	for seat, l := range d.leases {
		delete(d.leases, seat)
		log.Info().Str("seat", seat).Int("pid", l.pid).Msg("Revoking lease on shutdown")
		d.teardownLease(l)
	}
}

// processAlive probes a pid with the null signal. Anything but "no such
// process" (including EPERM) counts as alive.
func processAlive(pid int) bool {
	err := unix.Kill(pid, 0)
	return !errors.Is(err, unix.ESRCH)
}
