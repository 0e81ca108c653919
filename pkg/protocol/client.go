package protocol

import (
	"fmt"
	"io"
	"net"

	"golang.org/x/sys/unix"
)

// maxLeaseFDs bounds the SCM_RIGHTS buffer a client prepares. One fd per
// GPU; a machine with more than 16 GPUs contributing displays to a single
// seat is not a configuration we support.
const maxLeaseFDs = 16

// Client talks to a running display distributor over its unix socket.
type Client struct {
	socketPath string
}

// NewClient creates a client for the distributor listening at socketPath.
func NewClient(socketPath string) *Client {
	return &Client{socketPath: socketPath}
}

// LeaseResult is a successful RequestDisplays outcome: one DRM lease fd per
// card that contributed displays for the caller's seat. The caller owns the
// fds and must close them when done; the kernel-side leases themselves are
// released via ReleaseDisplays (or when the distributor exits).
type LeaseResult struct {
	FDs []int
}

// Close closes every lease fd.
func (r *LeaseResult) Close() {
	for _, fd := range r.FDs {
		unix.Close(fd)
	}
	r.FDs = nil
}

// RequestDisplays asks the distributor for a lease on every display of the
// calling process's seat. The distributor resolves the seat from this
// process's socket credentials; there is nothing to pass.
func (c *Client) RequestDisplays() (*LeaseResult, error) {
	resp, fds, err := c.exchange(Request{Type: RequestDisplays})
	if err != nil {
		return nil, err
	}
	if resp.Type != LeaseGranted {
		for _, fd := range fds {
			unix.Close(fd)
		}
		return nil, fmt.Errorf("lease request refused: %s", resp.Type)
	}
	return &LeaseResult{FDs: fds}, nil
}

// ReleaseDisplays gives up the calling process's current lease.
func (c *Client) ReleaseDisplays() error {
	resp, fds, err := c.exchange(Request{Type: ReleaseDisplays})
	if err != nil {
		return err
	}
	// LeaseRevoked carries no descriptors, but close defensively in case
	// an older server re-attaches the torn-down fds.
	for _, fd := range fds {
		unix.Close(fd)
	}
	if resp.Type != LeaseRevoked {
		return fmt.Errorf("lease release refused: %s", resp.Type)
	}
	return nil
}

func (c *Client) exchange(req Request) (Response, []int, error) {
	conn, err := net.Dial("unix", c.socketPath)
	if err != nil {
		return Response{}, nil, fmt.Errorf("connect to %s: %w", c.socketPath, err)
	}
	defer conn.Close()

	unixConn := conn.(*net.UnixConn)

	buf := EncodeRequest(req)
	if _, err := unixConn.Write(buf[:]); err != nil {
		return Response{}, nil, fmt.Errorf("write request: %w", err)
	}

	respBuf := make([]byte, ResponseSize)
	oob := make([]byte, unix.CmsgSpace(4*maxLeaseFDs))
	n, oobn, _, _, err := unixConn.ReadMsgUnix(respBuf, oob)
	if err != nil {
		return Response{}, nil, fmt.Errorf("read response: %w", err)
	}
	if n < ResponseSize {
		return Response{}, nil, fmt.Errorf("short response: %d bytes: %w", n, io.ErrUnexpectedEOF)
	}

	var fixed [ResponseSize]byte
	copy(fixed[:], respBuf)
	resp, err := DecodeResponse(fixed)
	if err != nil {
		return Response{}, nil, fmt.Errorf("decode response: %w", err)
	}

	fds, err := parseRights(oob[:oobn])
	if err != nil {
		return Response{}, nil, err
	}
	return resp, fds, nil
}

func parseRights(oob []byte) ([]int, error) {
	if len(oob) == 0 {
		return nil, nil
	}
	scms, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return nil, fmt.Errorf("parse control message: %w", err)
	}
	var fds []int
	for _, scm := range scms {
		got, err := unix.ParseUnixRights(&scm)
		if err != nil {
			continue
		}
		fds = append(fds, got...)
	}
	return fds, nil
}
