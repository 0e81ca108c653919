// Package drm owns the kernel-facing half of the display distributor: DRM
// master handles, connector identity, and the create/revoke lease ioctls.
package drm

import (
	"errors"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
)

// ErrNoDisplaysForSeat is returned by Card.LeaseDisplays when the card has
// no connector registered for the requested seat.
var ErrNoDisplaysForSeat = errors.New("no displays registered for seat")

// Lease is the result of one successful kernel lease creation on one card:
// the lease fd handed to the client and the lessee ID used to revoke it
// later through the same card.
type Lease struct {
	FD       int
	LesseeID uint32
}

// Card wraps one open DRM primary node. The handle stays open for the
// process lifetime; it is the master handle leases are created against and
// revoked through. Seat/display associations are filled in during the
// startup udev scan and never removed (hot-plug is out of scope).
type Card struct {
	node     string
	file     *os.File
	displays map[string][]DisplayID // seat -> connectors on this card
}

// OpenCard opens the DRM primary node read/write.
func OpenCard(node string) (*Card, error) {
	f, err := os.OpenFile(node, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", node, err)
	}
	return &Card{
		node:     node,
		file:     f,
		displays: make(map[string][]DisplayID),
	}, nil
}

// Node returns the card's device node path.
func (c *Card) Node() string { return c.node }

// AddSeatDisplay records that the connector identified by display belongs
// to seat on this card.
func (c *Card) AddSeatDisplay(seat string, display DisplayID) {
	c.displays[seat] = append(c.displays[seat], display)
}

// SeatDisplays returns the connectors registered for seat on this card.
func (c *Card) SeatDisplays(seat string) []DisplayID {
	return c.displays[seat]
}

// LeaseDisplays creates one kernel DRM lease covering every connector
// registered for seat on this card, plus each CRTC currently reachable
// through those connectors' encoders. A connector with no active encoder
// contributes only itself. Returns ErrNoDisplaysForSeat when nothing is
// registered for the seat.
func (c *Card) LeaseDisplays(seat string) (Lease, error) {
	wanted := c.displays[seat]
	if len(wanted) == 0 {
		return Lease{}, fmt.Errorf("%w %q on %s", ErrNoDisplaysForSeat, seat, c.node)
	}

	wantedSet := make(map[DisplayID]struct{}, len(wanted))
	for _, d := range wanted {
		wantedSet[d] = struct{}{}
	}

	connectorIDs, err := getConnectorIDs(c.file)
	if err != nil {
		return Lease{}, fmt.Errorf("%s: %w", c.node, err)
	}

	var objectIDs []uint32
	seen := make(map[uint32]struct{})
	for _, id := range connectorIDs {
		info, err := getConnector(c.file, id)
		if err != nil {
			return Lease{}, fmt.Errorf("%s: %w", c.node, err)
		}
		display := displayIDFromConnector(info.ConnectorType, info.ConnectorTypeID)
		if _, ok := wantedSet[display]; !ok {
			continue
		}

		objectIDs = append(objectIDs, info.ID)
		for _, encoderID := range info.EncoderIDs {
			crtcID, err := getEncoderCrtc(c.file, encoderID)
			if err != nil {
				return Lease{}, fmt.Errorf("%s: %w", c.node, err)
			}
			if crtcID == 0 {
				continue
			}
			if _, dup := seen[crtcID]; dup {
				continue
			}
			seen[crtcID] = struct{}{}
			objectIDs = append(objectIDs, crtcID)
		}

		log.Debug().
			Str("card", c.node).
			Str("display", display.String()).
			Uint32("connector_id", info.ID).
			Msg("Leasing connector")
	}

	if len(objectIDs) == 0 {
		return Lease{}, fmt.Errorf("%w %q on %s", ErrNoDisplaysForSeat, seat, c.node)
	}

	fd, lesseeID, err := createLease(c.file, objectIDs)
	if err != nil {
		return Lease{}, fmt.Errorf("%s: %w", c.node, err)
	}
	return Lease{FD: fd, LesseeID: lesseeID}, nil
}

// RevokeDisplays revokes a previously created lease by lessee ID. This is
// the only way to return the leased resources before the master handle is
// closed; the error is surfaced so the caller can log partial failures.
func (c *Card) RevokeDisplays(lesseeID uint32) error {
	return revokeLease(c.file, lesseeID)
}

// Close releases the master handle. Only used on daemon shutdown.
func (c *Card) Close() error {
	return c.file.Close()
}
