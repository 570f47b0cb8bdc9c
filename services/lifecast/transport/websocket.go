// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package transport adapts a gorilla/websocket connection to the
// send / try-receive contract of the connection loop.
//
// # Description
//
// gorilla/websocket reads block, but the loop must never wait for client
// input. Conn runs one reader goroutine per connection that pushes frames
// into a small buffered channel; TryReceive polls that channel without
// blocking.
//
// # Thread Safety
//
// Send and TryReceive must be called from a single goroutine (the loop).
// Close and Done are safe to call from any goroutine.
package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/AleutianAI/lifecast/services/lifecast/command"
	"github.com/gorilla/websocket"
)

// ErrClosed is returned by TryReceive once the peer has gone away.
var ErrClosed = errors.New("transport: connection closed")

// Config tunes a Conn.
type Config struct {
	// WriteTimeout bounds each frame write. Default: 10s
	WriteTimeout time.Duration

	// InboundBuffer is how many unread client frames are held before the
	// reader stops pulling from the socket. Default: 16
	InboundBuffer int

	// ReadLimit is the largest accepted client frame in bytes. Default: 64 KiB
	ReadLimit int64
}

// DefaultConfig returns the settings used by the server.
func DefaultConfig() Config {
	return Config{
		WriteTimeout:  10 * time.Second,
		InboundBuffer: 16,
		ReadLimit:     64 * 1024,
	}
}

func applyDefaults(cfg Config) Config {
	def := DefaultConfig()
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.InboundBuffer <= 0 {
		cfg.InboundBuffer = def.InboundBuffer
	}
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = def.ReadLimit
	}
	return cfg
}

// Conn is a websocket connection with a non-blocking receive side.
type Conn struct {
	ws  *websocket.Conn
	cfg Config

	inbound chan command.Frame
	stop    chan struct{}
	done    chan struct{}

	// readErr is written by the reader before done is closed.
	readErr error

	closeOnce sync.Once
	closeErr  error
}

// New wraps ws and starts its reader goroutine.
func New(ws *websocket.Conn, cfg Config) *Conn {
	cfg = applyDefaults(cfg)
	ws.SetReadLimit(cfg.ReadLimit)

	c := &Conn{
		ws:      ws,
		cfg:     cfg,
		inbound: make(chan command.Frame, cfg.InboundBuffer),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c
}

func (c *Conn) readLoop() {
	defer close(c.done)
	for {
		kind, payload, err := c.ws.ReadMessage()
		if err != nil {
			c.readErr = err
			return
		}
		frame := command.Frame{Text: kind == websocket.TextMessage, Payload: payload}
		select {
		case c.inbound <- frame:
		case <-c.stop:
			c.readErr = ErrClosed
			return
		}
	}
}

// Send writes fragment as one text frame.
//
// # Outputs
//
//   - error: wrapped write error; the connection is unusable afterwards.
func (c *Conn) Send(ctx context.Context, fragment string) error {
	deadline := time.Now().Add(c.cfg.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.ws.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if err := c.ws.WriteMessage(websocket.TextMessage, []byte(fragment)); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// TryReceive returns the oldest unread frame without blocking.
//
// # Outputs
//
//   - command.Frame: the frame, valid when the bool is true.
//   - bool: false when no frame is waiting.
//   - error: ErrClosed (wrapping the read error) once the reader has stopped
//     and every buffered frame has been handed out.
func (c *Conn) TryReceive() (command.Frame, bool, error) {
	select {
	case f := <-c.inbound:
		return f, true, nil
	default:
	}

	select {
	case <-c.done:
		// The reader may have queued a last frame before stopping.
		select {
		case f := <-c.inbound:
			return f, true, nil
		default:
		}
		if errors.Is(c.readErr, ErrClosed) {
			return command.Frame{}, false, ErrClosed
		}
		return command.Frame{}, false, fmt.Errorf("%w: %w", ErrClosed, c.readErr)
	default:
		return command.Frame{}, false, nil
	}
}

// Done is closed when the reader stops, i.e. the peer closed or the
// connection failed.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Close sends a close frame with code and reason, then closes the socket.
// Only the first call has any effect.
func (c *Conn) Close(code int, reason string) error {
	c.closeOnce.Do(func() {
		close(c.stop)
		msg := websocket.FormatCloseMessage(code, reason)
		// The peer may already be gone; the close frame is best effort.
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		c.closeErr = c.ws.Close()
	})
	return c.closeErr
}
