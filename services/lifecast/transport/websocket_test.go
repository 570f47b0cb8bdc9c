// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Test Setup
// ============================================================================

// pair starts a server that wraps each upgraded connection in a Conn and
// hands it to the test, and returns the client side.
func pair(t *testing.T) (*Conn, *websocket.Conn) {
	t.Helper()

	conns := make(chan *Conn, 1)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		conns <- New(ws, Config{InboundBuffer: 4})
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	select {
	case c := <-conns:
		t.Cleanup(func() { c.Close(websocket.CloseNormalClosure, "") })
		return c, client
	case <-time.After(5 * time.Second):
		t.Fatal("server never accepted the connection")
		return nil, nil
	}
}

// ============================================================================
// Config Tests
// ============================================================================

func TestApplyDefaults(t *testing.T) {
	cfg := applyDefaults(Config{})

	assert.Equal(t, DefaultConfig(), cfg)

	custom := applyDefaults(Config{WriteTimeout: time.Second, InboundBuffer: 2, ReadLimit: 10})
	assert.Equal(t, time.Second, custom.WriteTimeout)
	assert.Equal(t, 2, custom.InboundBuffer)
	assert.Equal(t, int64(10), custom.ReadLimit)
}

// ============================================================================
// Conn Tests
// ============================================================================

func TestConn_SendDeliversTextFrame(t *testing.T) {
	conn, client := pair(t)

	require.NoError(t, conn.Send(context.Background(), "<div>hello</div>"))

	kind, payload, err := client.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.TextMessage, kind)
	assert.Equal(t, "<div>hello</div>", string(payload))
}

func TestConn_TryReceiveDoesNotBlock(t *testing.T) {
	conn, _ := pair(t)

	start := time.Now()
	_, ok, err := conn.TryReceive()

	assert.NoError(t, err)
	assert.False(t, ok)
	assert.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestConn_TryReceiveReturnsFramesInOrder(t *testing.T) {
	conn, client := pair(t)

	require.NoError(t, client.WriteMessage(websocket.TextMessage, []byte("first")))
	require.NoError(t, client.WriteMessage(websocket.BinaryMessage, []byte{0x01}))

	var got []string
	var text []bool
	require.Eventually(t, func() bool {
		f, ok, err := conn.TryReceive()
		if err != nil {
			return false
		}
		if ok {
			got = append(got, string(f.Payload))
			text = append(text, f.Text)
		}
		return len(got) == 2
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, []string{"first", "\x01"}, got)
	assert.Equal(t, []bool{true, false}, text, "binary frames are flagged as non-text")
}

func TestConn_PeerCloseSurfacesErrClosed(t *testing.T) {
	conn, client := pair(t)

	require.NoError(t, client.WriteMessage(websocket.TextMessage, []byte("last words")))
	require.NoError(t, client.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, "bye")))

	select {
	case <-conn.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("reader did not stop after peer close")
	}

	f, ok, err := conn.TryReceive()
	require.NoError(t, err, "buffered frames are handed out before the close")
	require.True(t, ok)
	assert.Equal(t, "last words", string(f.Payload))

	_, ok, err = conn.TryReceive()
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrClosed)
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr, "underlying close error is wrapped")
	assert.Equal(t, websocket.CloseGoingAway, closeErr.Code)
}

func TestConn_CloseSendsCloseFrame(t *testing.T) {
	conn, client := pair(t)

	require.NoError(t, conn.Close(websocket.CloseNormalClosure, "shutting down"))
	assert.NoError(t, conn.Close(websocket.CloseNormalClosure, "again"), "second close is a no-op")

	_, _, err := client.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure))
}

func TestConn_SendAfterPeerGoneFails(t *testing.T) {
	conn, client := pair(t)
	require.NoError(t, client.Close())

	<-conn.Done()

	// The kernel may accept a few writes before reporting the reset.
	var err error
	for i := 0; i < 50 && err == nil; i++ {
		err = conn.Send(context.Background(), strings.Repeat("x", 64*1024))
	}
	assert.Error(t, err)
}
