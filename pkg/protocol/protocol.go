// Package protocol defines the wire format spoken over the display
// distributor's unix socket. One connection carries exactly one exchange: a
// fixed-size request from the client, then a fixed-size response from the
// server, optionally accompanied by DRM lease file descriptors as
// SCM_RIGHTS ancillary data. Descriptors only ever travel with responses.
package protocol

import (
	"encoding/binary"
	"fmt"
)

// Magic prefixes every message in both directions.
const Magic = 0x52545344 // 'DSTR' little-endian

// RequestType tags a client request. Requests carry no payload beyond the tag.
type RequestType uint32

const (
	RequestDisplays RequestType = iota + 1
	ReleaseDisplays
)

func (t RequestType) String() string {
	switch t {
	case RequestDisplays:
		return "RequestDisplays"
	case ReleaseDisplays:
		return "ReleaseDisplays"
	default:
		return fmt.Sprintf("RequestType(%d)", uint32(t))
	}
}

// ResponseType tags a server response.
type ResponseType uint32

const (
	// LeaseGranted carries one lease fd per contributing card as
	// SCM_RIGHTS data alongside the response bytes.
	LeaseGranted ResponseType = iota + 1
	LeaseRevoked
	LeaseNotFound
	NoPermission
	SeatBusy
	NoDisplaysForSeat
)

func (t ResponseType) String() string {
	switch t {
	case LeaseGranted:
		return "LeaseGranted"
	case LeaseRevoked:
		return "LeaseRevoked"
	case LeaseNotFound:
		return "LeaseNotFound"
	case NoPermission:
		return "NoPermission"
	case SeatBusy:
		return "SeatBusy"
	case NoDisplaysForSeat:
		return "NoDisplaysForSeat"
	default:
		return fmt.Sprintf("ResponseType(%d)", uint32(t))
	}
}

// Wire sizes. Both messages are fixed-size so a single read of the exact
// length is a complete decode unit.
const (
	RequestSize  = 8
	ResponseSize = 12
)

// Request is the client's half of an exchange.
type Request struct {
	Type RequestType
}

// Response is the server's half. NumFDs is the count of file descriptors
// attached as ancillary data, so a client can size its control-message
// buffer before parsing SCM_RIGHTS.
type Response struct {
	Type   ResponseType
	NumFDs uint32
}

// EncodeRequest serializes a request into its fixed wire form.
func EncodeRequest(req Request) [RequestSize]byte {
	var buf [RequestSize]byte
	binary.LittleEndian.PutUint32(buf[0:4], Magic)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(req.Type))
	return buf
}

// DecodeRequest parses a fixed-size request buffer.
func DecodeRequest(buf [RequestSize]byte) (Request, error) {
	if magic := binary.LittleEndian.Uint32(buf[0:4]); magic != Magic {
		return Request{}, fmt.Errorf("bad magic: 0x%x", magic)
	}
	t := RequestType(binary.LittleEndian.Uint32(buf[4:8]))
	switch t {
	case RequestDisplays, ReleaseDisplays:
		return Request{Type: t}, nil
	default:
		return Request{}, fmt.Errorf("unknown request type: %d", t)
	}
}

// EncodeResponse serializes a response into its fixed wire form.
func EncodeResponse(resp Response) [ResponseSize]byte {
	var buf [ResponseSize]byte
	binary.LittleEndian.PutUint32(buf[0:4], Magic)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(resp.Type))
	binary.LittleEndian.PutUint32(buf[8:12], resp.NumFDs)
	return buf
}

// DecodeResponse parses a fixed-size response buffer.
func DecodeResponse(buf [ResponseSize]byte) (Response, error) {
	if magic := binary.LittleEndian.Uint32(buf[0:4]); magic != Magic {
		return Response{}, fmt.Errorf("bad magic: 0x%x", magic)
	}
	t := ResponseType(binary.LittleEndian.Uint32(buf[4:8]))
	switch t {
	case LeaseGranted, LeaseRevoked, LeaseNotFound, NoPermission, SeatBusy, NoDisplaysForSeat:
		return Response{Type: t, NumFDs: binary.LittleEndian.Uint32(buf[8:12])}, nil
	default:
		return Response{}, fmt.Errorf("unknown response type: %d", t)
	}
}
