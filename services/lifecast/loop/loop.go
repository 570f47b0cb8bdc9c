// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package loop drives one connection's simulation from accept to close.
//
// # Description
//
// After an initial render, every iteration:
//  1. renders the grid and sends it (also while paused),
//  2. polls the transport once for a client frame and applies it,
//  3. sleeps for the session's tick period,
//  4. advances the grid unless the session is paused.
//
// The loop ends, in state Closed, when a send fails, the transport reports
// the peer gone, or the context is cancelled.
//
// # Thread Safety
//
// A Loop is owned by the goroutine that calls Run. State may be read from
// other goroutines.
package loop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/AleutianAI/lifecast/services/lifecast/command"
	"github.com/AleutianAI/lifecast/services/lifecast/session"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

// =============================================================================
// Interfaces
// =============================================================================

// Transport is the duplex text channel to one client.
type Transport interface {
	// Send writes one rendered fragment.
	Send(ctx context.Context, fragment string) error

	// TryReceive returns a waiting client frame, if any, without blocking.
	// A non-nil error means the peer is gone.
	TryReceive() (command.Frame, bool, error)
}

// Observer is notified of loop events. *observability.Metrics implements it.
type Observer interface {
	FrameSent()
	Ticked(advanced bool)
	CommandHandled(name string, recognized bool)
	DecodeFailed()
	SendFailed()
}

// SleepFunc pauses for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Sleep is the production SleepFunc.
func Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// =============================================================================
// Errors and State
// =============================================================================

var (
	// ErrSendFailed wraps the transport error that closed the loop.
	ErrSendFailed = errors.New("loop: send failed")

	// ErrPeerGone is returned when the transport reports the client gone.
	ErrPeerGone = errors.New("loop: peer gone")
)

// State is the connection state.
type State int32

const (
	// Running advances the grid every tick.
	Running State = iota

	// Paused keeps rendering the same grid.
	Paused

	// Closed is terminal.
	Closed
)

func (s State) String() string {
	switch s {
	case Running:
		return "running"
	case Paused:
		return "paused"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// =============================================================================
// Loop
// =============================================================================

// Config holds a Loop's collaborators. Session and Transport are required.
type Config struct {
	Session   *session.Session
	Transport Transport

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// Observer defaults to a no-op.
	Observer Observer

	// Sleep defaults to Sleep.
	Sleep SleepFunc
}

// Loop is one connection's tick cycle.
type Loop struct {
	sess      *session.Session
	transport Transport
	logger    *slog.Logger
	observer  Observer
	sleep     SleepFunc

	state   atomic.Int32
	frames  atomic.Uint64
	diagLog rate.Sometimes
}

// New builds a Loop from cfg.
func New(cfg Config) *Loop {
	l := &Loop{
		sess:      cfg.Session,
		transport: cfg.Transport,
		logger:    cfg.Logger,
		observer:  cfg.Observer,
		sleep:     cfg.Sleep,
		diagLog:   rate.Sometimes{First: 3, Interval: 30 * time.Second},
	}
	if l.logger == nil {
		l.logger = slog.Default()
	}
	if l.observer == nil {
		l.observer = nopObserver{}
	}
	if l.sleep == nil {
		l.sleep = Sleep
	}
	l.syncState()
	return l
}

// State returns the current connection state.
func (l *Loop) State() State {
	return State(l.state.Load())
}

// FramesSent returns how many fragments have been written.
func (l *Loop) FramesSent() uint64 {
	return l.frames.Load()
}

// Run drives the connection until it closes.
//
// # Description
//
// Sends the seeded grid immediately, then repeats render, poll, sleep and
// advance. Client frames are handled synchronously between the render and
// the sleep, one per iteration at most.
//
// # Outputs
//
//   - error: why the loop stopped. ErrSendFailed or ErrPeerGone (wrapping
//     the transport error), or the context error on cancellation. Never nil.
func (l *Loop) Run(ctx context.Context) error {
	defer l.state.Store(int32(Closed))

	l.logger.Debug("session loop started", "speed", l.sess.Speed())
	if err := l.send(ctx); err != nil {
		return err
	}

	for {
		if err := l.send(ctx); err != nil {
			return err
		}

		if err := l.poll(ctx); err != nil {
			return err
		}

		if err := l.sleep(ctx, l.sess.TickPeriod()); err != nil {
			return fmt.Errorf("loop stopped: %w", err)
		}

		l.observer.Ticked(l.sess.Advance())
	}
}

func (l *Loop) send(ctx context.Context) error {
	if err := l.transport.Send(ctx, l.sess.Fragment()); err != nil {
		l.observer.SendFailed()
		l.logger.Info("closing session after failed send", "error", err, "frames", l.frames.Load())
		return fmt.Errorf("%w: %w", ErrSendFailed, err)
	}
	l.frames.Add(1)
	l.observer.FrameSent()
	return nil
}

// poll handles at most one waiting client frame.
func (l *Loop) poll(ctx context.Context) error {
	frame, ok, err := l.transport.TryReceive()
	if err != nil {
		l.logger.Info("client disconnected", "error", err, "frames", l.frames.Load())
		return fmt.Errorf("%w: %w", ErrPeerGone, err)
	}
	if !ok {
		return nil
	}
	if !frame.Text {
		l.logger.Debug("ignoring non-text frame", "bytes", len(frame.Payload))
		return nil
	}

	cmd, ok := command.Decode(frame)
	if !ok {
		l.observer.DecodeFailed()
		l.diagLog.Do(func() {
			l.logger.Warn("inbound frame carried no command", "bytes", len(frame.Payload))
		})
		return nil
	}

	l.apply(ctx, cmd)
	return nil
}

func (l *Loop) apply(ctx context.Context, cmd command.Command) {
	recognized := l.sess.Apply(cmd)
	l.observer.CommandHandled(cmd.Name, recognized)
	l.syncState()

	trace.SpanFromContext(ctx).AddEvent("command", trace.WithAttributes(
		attribute.String("command", cmd.String()),
		attribute.Bool("recognized", recognized),
		attribute.Int("speed", l.sess.Speed()),
	))

	if !recognized {
		l.diagLog.Do(func() {
			l.logger.Warn("unrecognized command", "command", cmd.Name, "args", cmd.Args)
		})
		return
	}
	l.logger.Debug("command applied",
		"command", cmd.String(),
		"speed", l.sess.Speed(),
		"paused", l.sess.Paused(),
		"period", l.sess.TickPeriod())
}

func (l *Loop) syncState() {
	if l.sess.Paused() {
		l.state.Store(int32(Paused))
	} else {
		l.state.Store(int32(Running))
	}
}

type nopObserver struct{}

func (nopObserver) FrameSent()                  {}
func (nopObserver) Ticked(bool)                 {}
func (nopObserver) CommandHandled(string, bool) {}
func (nopObserver) DecodeFailed()               {}
func (nopObserver) SendFailed()                 {}
