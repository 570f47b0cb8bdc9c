// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package viewer is a terminal client for a lifecast server.
//
// # Description
//
// Client speaks the same protocol as the browser page: it receives
// rendered grid fragments and sends htmx trigger messages. Model is a
// bubbletea program that draws the received grid and maps keys to
// commands.
//
// # Thread Safety
//
// Client.Send and Client.Close may be called from any goroutine. Listen
// must run in exactly one goroutine. Model is used only inside the
// bubbletea event loop.
package viewer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/AleutianAI/lifecast/services/lifecast/command"
	"github.com/AleutianAI/lifecast/services/lifecast/grid"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/gorilla/websocket"
)

// =============================================================================
// Messages
// =============================================================================

// FrameMsg carries one grid received from the server.
type FrameMsg struct {
	Grid grid.Grid
}

// BadFrameMsg reports a server frame that could not be parsed. The
// connection stays open.
type BadFrameMsg struct {
	Err error
}

// DisconnectedMsg ends the program: the server closed or the read failed.
type DisconnectedMsg struct {
	Err error
}

// =============================================================================
// Client
// =============================================================================

// Client is a websocket connection to a lifecast server.
type Client struct {
	ws *websocket.Conn

	writeMu   sync.Mutex
	closeOnce sync.Once
}

// Dial connects to url, e.g. "ws://127.0.0.1:7936/".
func Dial(ctx context.Context, url string) (*Client, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	ws, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return &Client{ws: ws}, nil
}

// Listen reads frames until the connection ends and hands each one to
// deliver as a FrameMsg or BadFrameMsg. The final message is always a
// DisconnectedMsg. Pass (*tea.Program).Send as deliver.
func (c *Client) Listen(deliver func(tea.Msg)) {
	for {
		kind, payload, err := c.ws.ReadMessage()
		if err != nil {
			deliver(DisconnectedMsg{Err: disconnectReason(err)})
			return
		}
		if kind != websocket.TextMessage {
			continue
		}
		g, err := grid.ParseFragment(string(payload))
		if err != nil {
			deliver(BadFrameMsg{Err: err})
			continue
		}
		deliver(FrameMsg{Grid: g})
	}
}

// disconnectReason turns a normal closure into a nil error.
func disconnectReason(err error) error {
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return nil
	}
	return err
}

// Send encodes cmd as an htmx trigger message and writes it.
func (c *Client) Send(cmd command.Command) error {
	payload, err := command.Encode(cmd)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if err := c.ws.WriteMessage(websocket.TextMessage, payload); err != nil {
		return fmt.Errorf("send %s: %w", cmd, err)
	}
	return nil
}

// Close sends a normal closure frame and closes the socket.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		werr := c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		c.writeMu.Unlock()
		if errors.Is(werr, websocket.ErrCloseSent) {
			werr = nil
		}
		err = errors.Join(werr, c.ws.Close())
	})
	return err
}
