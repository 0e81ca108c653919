package drm

import (
	"fmt"
	"strconv"
	"strings"
)

// DisplayID identifies one physical connector on a card: the connector
// interface kind (e.g. "HDMI-A", "eDP") plus the kernel's per-kind instance
// number. Connector sysnames look like "card0-HDMI-A-1"; after the GPU
// prefix is stripped, the remainder parses as "<kind>-<instance>".
//
// DisplayID is comparable and is used as a lookup key.
type DisplayID struct {
	Kind     string
	Instance uint32
}

// ParseDisplayID parses a connector name of the form "<kind>-<instance>".
// The split is at the last dash, so multi-dash kinds like "HDMI-A" parse
// correctly ("HDMI-A-1" -> kind "HDMI-A", instance 1).
func ParseDisplayID(s string) (DisplayID, error) {
	i := strings.LastIndex(s, "-")
	if i <= 0 || i == len(s)-1 {
		return DisplayID{}, fmt.Errorf("malformed connector name %q: want <kind>-<instance>", s)
	}
	instance, err := strconv.ParseUint(s[i+1:], 10, 32)
	if err != nil {
		return DisplayID{}, fmt.Errorf("malformed connector instance in %q: %w", s, err)
	}
	return DisplayID{Kind: s[:i], Instance: uint32(instance)}, nil
}

func (d DisplayID) String() string {
	return fmt.Sprintf("%s-%d", d.Kind, d.Instance)
}

// connectorTypeNames maps DRM_MODE_CONNECTOR_* values to the names the
// kernel uses when composing connector sysnames.
var connectorTypeNames = map[uint32]string{
	0:  "Unknown",
	1:  "VGA",
	2:  "DVI-I",
	3:  "DVI-D",
	4:  "DVI-A",
	5:  "Composite",
	6:  "SVIDEO",
	7:  "LVDS",
	8:  "Component",
	9:  "DIN",
	10: "DP",
	11: "HDMI-A",
	12: "HDMI-B",
	13: "TV",
	14: "eDP",
	15: "Virtual",
	16: "DSI",
	17: "DPI",
	18: "Writeback",
	19: "SPI",
	20: "USB",
}

// displayIDFromConnector builds the DisplayID for a kernel connector
// described by its type and per-type instance number.
func displayIDFromConnector(connectorType, connectorTypeID uint32) DisplayID {
	name, ok := connectorTypeNames[connectorType]
	if !ok {
		name = "Unknown"
	}
	return DisplayID{Kind: name, Instance: connectorTypeID}
}
