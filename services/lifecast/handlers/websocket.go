// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AleutianAI/lifecast/services/lifecast/loop"
	"github.com/AleutianAI/lifecast/services/lifecast/observability"
	"github.com/AleutianAI/lifecast/services/lifecast/session"
	"github.com/AleutianAI/lifecast/services/lifecast/transport"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var upgrader = websocket.Upgrader{
	// The page is served from anywhere; any origin may watch.
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Tracker counts live sessions and lets shutdown wait for them.
type Tracker struct {
	active atomic.Int64
	wg     sync.WaitGroup
}

// Active returns the number of sessions currently running.
func (t *Tracker) Active() int64 {
	return t.active.Load()
}

// Wait blocks until every session has ended or ctx is done.
func (t *Tracker) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *Tracker) begin() {
	t.wg.Add(1)
	t.active.Add(1)
}

func (t *Tracker) end() {
	t.active.Add(-1)
	t.wg.Done()
}

// SessionDeps are shared by every connection.
type SessionDeps struct {
	Metrics   *observability.Metrics
	Tracker   *Tracker
	Logger    *slog.Logger
	Transport transport.Config

	// NewSession defaults to session.New.
	NewSession func() *session.Session

	// Sleep defaults to loop.Sleep.
	Sleep loop.SleepFunc
}

// HandleSessionWebSocket upgrades the request and runs one simulation over
// it until the client leaves or the request context ends.
//
// # Description
//
// Each connection gets its own session, transport and loop, all owned by
// this handler's goroutine. On exit the socket is closed with a normal
// closure frame.
func HandleSessionWebSocket(deps SessionDeps) gin.HandlerFunc {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	newSession := deps.NewSession
	if newSession == nil {
		newSession = func() *session.Session { return session.New() }
	}
	tracer := otel.Tracer(observability.ServiceName)

	return func(c *gin.Context) {
		// Counted before the upgrade: once hijacked, the connection is no
		// longer tracked by http.Server.Shutdown.
		if deps.Tracker != nil {
			deps.Tracker.begin()
			defer deps.Tracker.end()
		}

		ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			// Upgrade has already written the HTTP error.
			logger.Warn("failed to upgrade the websocket", "error", err, "remote", c.ClientIP())
			return
		}

		sess := newSession()
		log := logger.With("session_id", sess.ID(), "remote", c.ClientIP())

		ctx, span := tracer.Start(c.Request.Context(), "lifecast.session",
			trace.WithAttributes(attribute.String("session.id", sess.ID())))
		defer span.End()

		conn := transport.New(ws, deps.Transport)
		defer func() {
			if err := conn.Close(websocket.CloseNormalClosure, ""); err != nil {
				log.Debug("websocket close", "error", err)
			}
		}()

		started := time.Now()
		var observer loop.Observer
		if deps.Metrics != nil {
			deps.Metrics.SessionStarted()
			defer func() { deps.Metrics.SessionEnded(time.Since(started)) }()
			observer = deps.Metrics
		}

		log.Info("session started")
		l := loop.New(loop.Config{
			Session:   sess,
			Transport: conn,
			Logger:    log,
			Observer:  observer,
			Sleep:     deps.Sleep,
		})
		err = l.Run(ctx)

		span.SetAttributes(attribute.Int64("frames", int64(l.FramesSent())))
		switch {
		case errors.Is(err, context.Canceled), errors.Is(err, loop.ErrPeerGone):
			log.Info("session ended", "reason", err, "frames", l.FramesSent(), "duration", time.Since(started))
		default:
			span.RecordError(err)
			log.Warn("session ended", "reason", err, "frames", l.FramesSent(), "duration", time.Since(started))
		}
	}
}
