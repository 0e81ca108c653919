// Package logind resolves which seat a process belongs to by asking
// systemd-logind over the system bus.
package logind

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/rs/zerolog/log"
)

const (
	login1Service      = "org.freedesktop.login1"
	login1ManagerPath  = "/org/freedesktop/login1"
	login1ManagerIface = "org.freedesktop.login1.Manager"
	login1SessionIface = "org.freedesktop.login1.Session"

	// callTimeout bounds every logind call; logind is expected to answer
	// locally and promptly, so a slow answer is treated as a failure.
	callTimeout = 5 * time.Second
)

// ErrNoSeat means the process has a session but the session is not bound to
// any physical seat (e.g. an SSH login).
var ErrNoSeat = errors.New("session is not bound to a seat")

// Resolver maps a process ID to the logind seat owning it.
type Resolver struct {
	conn *dbus.Conn
}

// NewResolver connects to the system bus.
func NewResolver() (*Resolver, error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("connect to system bus: %w", err)
	}
	return &Resolver{conn: conn}, nil
}

// ProcessSeat returns the non-empty seat ID of the session owning pid.
// Returns ErrNoSeat when the session exists but has no seat.
func (r *Resolver) ProcessSeat(pid int) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()

	manager := r.conn.Object(login1Service, login1ManagerPath)

	log.Trace().Int("pid", pid).Msg("Acquiring session D-Bus path")
	var sessionPath dbus.ObjectPath
	err := manager.CallWithContext(ctx, login1ManagerIface+".GetSessionByPID", 0, uint32(pid)).
		Store(&sessionPath)
	if err != nil {
		return "", fmt.Errorf("GetSessionByPID(%d): %w", pid, err)
	}
	log.Trace().Str("session", string(sessionPath)).Msg("Session path resolved")

	session := r.conn.Object(login1Service, sessionPath)
	var variant dbus.Variant
	err = session.CallWithContext(ctx, "org.freedesktop.DBus.Properties.Get", 0,
		login1SessionIface, "Seat").
		Store(&variant)
	if err != nil {
		return "", fmt.Errorf("get Seat of %s: %w", sessionPath, err)
	}

	var seat struct {
		ID   string
		Path dbus.ObjectPath
	}
	if err := variant.Store(&seat); err != nil {
		return "", fmt.Errorf("decode Seat property of %s: %w", sessionPath, err)
	}
	if seat.ID == "" {
		return "", ErrNoSeat
	}
	return seat.ID, nil
}

// Close tears down the bus connection.
func (r *Resolver) Close() error {
	return r.conn.Close()
}
