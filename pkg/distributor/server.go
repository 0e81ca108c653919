package distributor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"

	"github.com/helixml/display-distributor/pkg/protocol"
)

// Listen binds the distributor's unix socket and serves client exchanges
// until ctx is cancelled. The server is iterative on purpose: one
// connection is fully serviced before the next accept. Lease traffic is
// session-start/stop cadence, so throughput does not matter, and the
// single goroutine is what lets the registries go unlocked. The
// per-connection deadline keeps a stuck client from starving other seats
// forever.
func (d *Distributor) Listen(ctx context.Context) error {
	// The daemon assumes single-instance ownership of the path; a stale
	// socket from a previous run is removed before binding.
	if err := os.Remove(d.socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove stale socket %s: %w", d.socketPath, err)
	}

	listener, err := net.ListenUnix("unix", &net.UnixAddr{Name: d.socketPath, Net: "unix"})
	if err != nil {
		return fmt.Errorf("bind %s: %w", d.socketPath, err)
	}
	defer listener.Close()

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	log.Info().Str("socket", d.socketPath).Msg("Listening for clients")
	for {
		conn, err := listener.AcceptUnix()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			log.Error().Err(err).Msg("Unable to accept a client")
			continue
		}
		d.handleClient(conn)
	}
}

// handleClient services one connection completely: resolve the peer's
// credentials and seat, read exactly one request, dispatch, write one
// response. Every failure terminates only this connection.
func (d *Distributor) handleClient(conn *net.UnixConn) {
	defer conn.Close()

	if d.connTimeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(d.connTimeout))
	}

	pid, err := peerPID(conn)
	if err != nil {
		log.Error().Err(err).Msg("Unable to handle a client: no peer pid")
		return
	}

	seat, err := d.resolver.ProcessSeat(pid)
	if err != nil {
		log.Error().Err(err).Int("pid", pid).Msg("Unable to resolve a client's seat")
		return
	}

	var buf [protocol.RequestSize]byte
	if _, err := io.ReadFull(conn, buf[:]); err != nil {
		log.Error().Err(err).Int("pid", pid).Msg("Malformed request from a client")
		return
	}
	req, err := protocol.DecodeRequest(buf)
	if err != nil {
		log.Error().Err(err).Int("pid", pid).Msg("Malformed request from a client")
		return
	}

	log.Debug().Int("pid", pid).Str("seat", seat).Stringer("request", req.Type).
		Msg("Handling client request")

	var resp protocol.Response
	var fds []int
	switch req.Type {
	case protocol.RequestDisplays:
		resp, fds, err = d.handleRequestDisplays(pid, seat)
	case protocol.ReleaseDisplays:
		resp, fds, err = d.handleReleaseDisplays(pid, seat)
	}
	if err != nil {
		log.Error().Err(err).Int("pid", pid).Str("seat", seat).
			Msg("Unable to handle a client")
		return
	}

	if err := sendResponse(conn, resp, fds); err != nil {
		log.Error().Err(err).Int("pid", pid).Msg("Unable to respond to a client")
	}
}

// peerPID reads the connecting process's pid from SO_PEERCRED.
func peerPID(conn *net.UnixConn) (int, error) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return 0, err
	}
	var (
		ucred   *unix.Ucred
		credErr error
	)
	if err := raw.Control(func(fd uintptr) {
		ucred, credErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	}); err != nil {
		return 0, err
	}
	if credErr != nil {
		return 0, fmt.Errorf("SO_PEERCRED: %w", credErr)
	}
	return int(ucred.Pid), nil
}

// sendResponse writes the response bytes and, when the response carries
// descriptors, attaches them as SCM_RIGHTS ancillary data in the same
// sendmsg. Message and descriptors travel together or not at all.
func sendResponse(conn *net.UnixConn, resp protocol.Response, fds []int) error {
	resp.NumFDs = uint32(len(fds))
	buf := protocol.EncodeResponse(resp)

	if len(fds) == 0 {
		if _, err := conn.Write(buf[:]); err != nil {
			return fmt.Errorf("write response: %w", err)
		}
		return nil
	}

	rights := unix.UnixRights(fds...)
	if _, _, err := conn.WriteMsgUnix(buf[:], rights, nil); err != nil {
		return fmt.Errorf("write response with fds: %w", err)
	}
	return nil
}
