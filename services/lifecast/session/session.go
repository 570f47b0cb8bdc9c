// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package session holds the per-connection simulation state.
//
// # Description
//
// A Session owns one grid, a speed counter and a pause flag. It is created
// when a websocket connection is accepted and discarded when it closes.
//
// # Thread Safety
//
// Not safe for concurrent use. Each connection goroutine owns its Session
// exclusively, so no locking is done.
package session

import (
	"math/rand/v2"
	"time"

	"github.com/AleutianAI/lifecast/services/lifecast/command"
	"github.com/AleutianAI/lifecast/services/lifecast/grid"
	"github.com/google/uuid"
)

// DefaultSpeed is the speed of a new session and of a "speed" command with
// no arguments.
const DefaultSpeed = 1

// basePeriod is divided by the speed to get the tick period.
const basePeriod = 1000 * time.Millisecond

// Session is the state of one connection's simulation.
type Session struct {
	id     string
	rng    grid.Source
	board  grid.Grid
	speed  int
	paused bool
}

// Option customizes a Session at construction.
type Option func(*Session)

// WithSource seeds the session from src instead of a random PCG stream.
func WithSource(src grid.Source) Option {
	return func(s *Session) {
		s.rng = src
	}
}

// WithID overrides the generated session ID.
func WithID(id string) Option {
	return func(s *Session) {
		s.id = id
	}
}

// New creates a running session with a freshly spawned grid.
//
// # Outputs
//
//   - *Session: speed DefaultSpeed, not paused, seeded grid, uuid v4 ID.
func New(opts ...Option) *Session {
	s := &Session{
		speed: DefaultSpeed,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.id == "" {
		s.id = uuid.New().String()
	}
	if s.rng == nil {
		s.rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	s.board = grid.Spawn(s.rng)
	return s
}

// ID returns the session identifier used in logs and traces.
func (s *Session) ID() string { return s.id }

// Speed returns the current speed counter.
func (s *Session) Speed() int { return s.speed }

// Paused reports whether ticks currently leave the grid unchanged.
func (s *Session) Paused() bool { return s.paused }

// Snapshot returns a copy of the current grid.
func (s *Session) Snapshot() grid.Grid { return s.board }

// Fragment renders the current grid.
func (s *Session) Fragment() string {
	return grid.Render(&s.board)
}

// TickPeriod returns 1000ms divided by the speed, in whole milliseconds.
//
// # Description
//
// A "speed" command can drive the counter down to zero. The divisor is
// clamped to 1 in that case, so a zero speed ticks once per second instead
// of dividing by zero. The counter itself keeps the value 0.
func (s *Session) TickPeriod() time.Duration {
	divisor := s.speed
	if divisor < 1 {
		divisor = 1
	}
	return time.Duration(basePeriod.Milliseconds()/int64(divisor)) * time.Millisecond
}

// Advance moves the simulation one generation forward unless paused.
//
// # Outputs
//
//   - bool: true when the grid was transitioned.
func (s *Session) Advance() bool {
	if s.paused {
		return false
	}
	s.board = grid.Transition(&s.board)
	return true
}

// Apply executes cmd against the session.
//
// # Description
//
//   - reset: replaces the grid with a fresh spawn.
//   - speed: "-" increments the counter; any other argument decrements it
//     while it is at least 1; no arguments restores DefaultSpeed.
//   - pause / play: set or clear the pause flag.
//
// # Outputs
//
//   - bool: false for an unrecognized command name. State is unchanged.
func (s *Session) Apply(cmd command.Command) bool {
	switch cmd.Name {
	case command.Reset:
		s.board = grid.Spawn(s.rng)
	case command.Speed:
		s.applySpeed(cmd.Args)
	case command.Pause:
		s.paused = true
	case command.Play:
		s.paused = false
	default:
		return false
	}
	return true
}

func (s *Session) applySpeed(args []string) {
	switch {
	case len(args) > 0 && args[0] == command.SlowerArg:
		s.speed++
	case len(args) > 0 && s.speed >= 1:
		s.speed--
	case len(args) == 0:
		s.speed = DefaultSpeed
	}
}
