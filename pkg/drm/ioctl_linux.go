package drm

import (
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// DRM ioctl numbers for 64-bit Linux.
// These use the standard Linux ioctl encoding:
//   _IO(type, nr)          = (type << 8) | nr
//   _IOR(type, nr, size)   = 0x80000000 | (size << 16) | (type << 8) | nr
//   _IOW(type, nr, size)   = 0x40000000 | (size << 16) | (type << 8) | nr
//   _IOWR(type, nr, size)  = 0xC0000000 | (size << 16) | (type << 8) | nr
const (
	// DRM_IOCTL_MODE_GETRESOURCES = _IOWR('d', 0xa0, struct drm_mode_card_res)
	// struct drm_mode_card_res is 64 bytes
	ioctlModeGetResources = 0xc04064a0

	// DRM_IOCTL_MODE_GETENCODER = _IOWR('d', 0xa6, struct drm_mode_get_encoder)
	// struct drm_mode_get_encoder is 20 bytes
	ioctlModeGetEncoder = 0xc01464a6

	// DRM_IOCTL_MODE_GETCONNECTOR = _IOWR('d', 0xa7, struct drm_mode_get_connector)
	// struct drm_mode_get_connector is 80 bytes
	ioctlModeGetConnector = 0xc05064a7

	// DRM_IOCTL_MODE_CREATE_LEASE = _IOWR('d', 0xc6, struct drm_mode_create_lease)
	// struct drm_mode_create_lease is 24 bytes
	ioctlModeCreateLease = 0xc01864c6

	// DRM_IOCTL_MODE_REVOKE_LEASE = _IOW('d', 0xc9, struct drm_mode_revoke_lease)
	// struct drm_mode_revoke_lease is 4 bytes
	ioctlModeRevokeLease = 0x400464c9
)

// drmModeCardRes corresponds to struct drm_mode_card_res.
type drmModeCardRes struct {
	FbIDPtr         uint64
	CrtcIDPtr       uint64
	ConnectorIDPtr  uint64
	EncoderIDPtr    uint64
	CountFbs        uint32
	CountCrtcs      uint32
	CountConnectors uint32
	CountEncoders   uint32
	MinWidth        uint32
	MaxWidth        uint32
	MinHeight       uint32
	MaxHeight       uint32
}

// drmModeGetConnector corresponds to struct drm_mode_get_connector.
type drmModeGetConnector struct {
	EncodersPtr     uint64
	ModesPtr        uint64
	PropsPtr        uint64
	PropValuesPtr   uint64
	CountModes      uint32
	CountProps      uint32
	CountEncoders   uint32
	EncoderID       uint32
	ConnectorID     uint32
	ConnectorType   uint32
	ConnectorTypeID uint32
	Connection      uint32
	MmWidth         uint32
	MmHeight        uint32
	Subpixel        uint32
	Pad             uint32
}

// drmModeGetEncoder corresponds to struct drm_mode_get_encoder.
type drmModeGetEncoder struct {
	EncoderID      uint32
	EncoderType    uint32
	CrtcID         uint32
	PossibleCrtcs  uint32
	PossibleClones uint32
}

// drmModeCreateLease corresponds to struct drm_mode_create_lease.
type drmModeCreateLease struct {
	ObjectIDs   uint64 // pointer to array of object IDs
	ObjectCount uint32
	Flags       uint32
	LesseeID    uint32
	FD          int32
}

// drmModeRevokeLease corresponds to struct drm_mode_revoke_lease.
type drmModeRevokeLease struct {
	LesseeID uint32
}

func drmIoctl(f *os.File, req uintptr, arg unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, f.Fd(), req, uintptr(arg))
	if errno != 0 {
		return errno
	}
	return nil
}

// getConnectorIDs retrieves the card's connector object IDs in the device's
// native resource order.
func getConnectorIDs(f *os.File) ([]uint32, error) {
	// First call: get counts
	var res drmModeCardRes
	if err := drmIoctl(f, ioctlModeGetResources, unsafe.Pointer(&res)); err != nil {
		return nil, fmt.Errorf("MODE_GETRESOURCES (count): %w", err)
	}
	if res.CountConnectors == 0 {
		return nil, nil
	}

	// Second call: fill the connector array
	connectorIDs := make([]uint32, res.CountConnectors)
	res2 := drmModeCardRes{
		ConnectorIDPtr:  uint64(uintptr(unsafe.Pointer(&connectorIDs[0]))),
		CountConnectors: res.CountConnectors,
	}
	if err := drmIoctl(f, ioctlModeGetResources, unsafe.Pointer(&res2)); err != nil {
		return nil, fmt.Errorf("MODE_GETRESOURCES (fill): %w", err)
	}
	if res2.CountConnectors < res.CountConnectors {
		connectorIDs = connectorIDs[:res2.CountConnectors]
	}
	return connectorIDs, nil
}

// connectorInfo is the subset of connector state discovery and leasing need:
// its identity and the encoders it can drive a CRTC through.
type connectorInfo struct {
	ID              uint32
	ConnectorType   uint32
	ConnectorTypeID uint32
	EncoderIDs      []uint32
}

// getConnector retrieves one connector's identity and encoder list.
func getConnector(f *os.File, connectorID uint32) (connectorInfo, error) {
	conn := drmModeGetConnector{ConnectorID: connectorID}
	if err := drmIoctl(f, ioctlModeGetConnector, unsafe.Pointer(&conn)); err != nil {
		return connectorInfo{}, fmt.Errorf("MODE_GETCONNECTOR(%d) (count): %w", connectorID, err)
	}

	info := connectorInfo{
		ID:              conn.ConnectorID,
		ConnectorType:   conn.ConnectorType,
		ConnectorTypeID: conn.ConnectorTypeID,
	}
	if conn.CountEncoders == 0 {
		return info, nil
	}

	encoderIDs := make([]uint32, conn.CountEncoders)
	conn2 := drmModeGetConnector{
		ConnectorID:   connectorID,
		EncodersPtr:   uint64(uintptr(unsafe.Pointer(&encoderIDs[0]))),
		CountEncoders: conn.CountEncoders,
	}
	if err := drmIoctl(f, ioctlModeGetConnector, unsafe.Pointer(&conn2)); err != nil {
		return connectorInfo{}, fmt.Errorf("MODE_GETCONNECTOR(%d) (fill): %w", connectorID, err)
	}
	if conn2.CountEncoders < uint32(len(encoderIDs)) {
		encoderIDs = encoderIDs[:conn2.CountEncoders]
	}
	info.EncoderIDs = encoderIDs
	return info, nil
}

// getEncoderCrtc returns the CRTC the encoder is currently attached to,
// or zero if it is idle.
func getEncoderCrtc(f *os.File, encoderID uint32) (uint32, error) {
	enc := drmModeGetEncoder{EncoderID: encoderID}
	if err := drmIoctl(f, ioctlModeGetEncoder, unsafe.Pointer(&enc)); err != nil {
		return 0, fmt.Errorf("MODE_GETENCODER(%d): %w", encoderID, err)
	}
	return enc.CrtcID, nil
}

// createLease creates a DRM lease for the given object IDs (connectors and
// CRTCs). The lease fd is opened O_CLOEXEC|O_NONBLOCK so it survives neither
// exec nor accidental blocking reads in the client.
// Returns the lease FD and the kernel-assigned lessee ID.
func createLease(f *os.File, objectIDs []uint32) (leaseFD int, lesseeID uint32, err error) {
	if len(objectIDs) == 0 {
		return -1, 0, fmt.Errorf("no object IDs provided")
	}

	req := drmModeCreateLease{
		ObjectIDs:   uint64(uintptr(unsafe.Pointer(&objectIDs[0]))),
		ObjectCount: uint32(len(objectIDs)),
		Flags:       unix.O_CLOEXEC | unix.O_NONBLOCK,
	}
	if err := drmIoctl(f, ioctlModeCreateLease, unsafe.Pointer(&req)); err != nil {
		return -1, 0, fmt.Errorf("MODE_CREATE_LEASE: %w", err)
	}
	return int(req.FD), req.LesseeID, nil
}

// revokeLease revokes a DRM lease by lessee ID. Closing the lease fd alone
// does not return the leased resources; this ioctl is the only way to end a
// lease before the master handle is closed.
func revokeLease(f *os.File, lesseeID uint32) error {
	req := drmModeRevokeLease{LesseeID: lesseeID}
	if err := drmIoctl(f, ioctlModeRevokeLease, unsafe.Pointer(&req)); err != nil {
		return fmt.Errorf("MODE_REVOKE_LEASE(%d): %w", lesseeID, err)
	}
	return nil
}
