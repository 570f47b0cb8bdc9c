// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package loop

import (
	"context"
	"errors"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/AleutianAI/lifecast/services/lifecast/command"
	"github.com/AleutianAI/lifecast/services/lifecast/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Test Fakes
// ============================================================================

var errStopTicking = errors.New("test: stop ticking")

// fakeTransport records sends and hands out one queued inbound frame per
// TryReceive call.
type fakeTransport struct {
	sent      []string
	inbound   []command.Frame
	polls     int
	failSend  int // 1-based send call that fails; 0 never fails
	recvErr   error
	errOnPoll int // 1-based poll that returns recvErr
}

func (f *fakeTransport) Send(_ context.Context, fragment string) error {
	if f.failSend > 0 && len(f.sent)+1 == f.failSend {
		return errors.New("broken pipe")
	}
	f.sent = append(f.sent, fragment)
	return nil
}

func (f *fakeTransport) TryReceive() (command.Frame, bool, error) {
	f.polls++
	if f.recvErr != nil && f.polls >= f.errOnPoll {
		return command.Frame{}, false, f.recvErr
	}
	if len(f.inbound) == 0 {
		return command.Frame{}, false, nil
	}
	frame := f.inbound[0]
	f.inbound = f.inbound[1:]
	return frame, true, nil
}

type countingObserver struct {
	frames, advanced, paused, decodeFailures, sendFailures int
	commands                                                []string
	unrecognized                                            []string
}

func (o *countingObserver) FrameSent() { o.frames++ }
func (o *countingObserver) Ticked(advanced bool) {
	if advanced {
		o.advanced++
	} else {
		o.paused++
	}
}
func (o *countingObserver) CommandHandled(name string, recognized bool) {
	if recognized {
		o.commands = append(o.commands, name)
	} else {
		o.unrecognized = append(o.unrecognized, name)
	}
}
func (o *countingObserver) DecodeFailed() { o.decodeFailures++ }
func (o *countingObserver) SendFailed()   { o.sendFailures++ }

// tickSleeper lets the loop sleep n times and fails the next call. It
// records every requested period.
type tickSleeper struct {
	n       int
	periods []time.Duration
	onSleep func()
}

func (s *tickSleeper) sleep(_ context.Context, d time.Duration) error {
	s.periods = append(s.periods, d)
	if s.onSleep != nil {
		s.onSleep()
	}
	if len(s.periods) > s.n {
		return errStopTicking
	}
	return nil
}

func textFrame(t *testing.T, name string, args ...string) command.Frame {
	t.Helper()
	cmd := command.Command{Name: name}
	if len(args) > 0 {
		cmd.Args = args
	}
	payload, err := command.Encode(cmd)
	require.NoError(t, err)
	return command.Frame{Text: true, Payload: payload}
}

type harness struct {
	sess      *session.Session
	transport *fakeTransport
	observer  *countingObserver
	sleeper   *tickSleeper
	loop      *Loop
}

func newHarness(t *testing.T, ticks int, inbound ...command.Frame) *harness {
	t.Helper()
	h := &harness{
		sess:      session.New(session.WithSource(rand.New(rand.NewPCG(1, 2))), session.WithID("loop-test")),
		transport: &fakeTransport{inbound: inbound},
		observer:  &countingObserver{},
		sleeper:   &tickSleeper{n: ticks},
	}
	h.loop = New(Config{
		Session:   h.sess,
		Transport: h.transport,
		Observer:  h.observer,
		Sleep:     h.sleeper.sleep,
	})
	return h
}

// ============================================================================
// Cycle Tests
// ============================================================================

func TestRun_InitialRenderPrecedesCycle(t *testing.T) {
	h := newHarness(t, 0)
	initial := h.sess.Fragment()

	err := h.loop.Run(context.Background())

	require.ErrorIs(t, err, errStopTicking)
	require.Len(t, h.transport.sent, 2, "initial render plus the first cycle render")
	assert.Equal(t, initial, h.transport.sent[0])
	assert.Equal(t, initial, h.transport.sent[1])
	assert.Equal(t, 1, h.transport.polls)
	assert.Equal(t, Closed, h.loop.State())
}

func TestRun_RunningAdvancesEveryTick(t *testing.T) {
	h := newHarness(t, 3)

	err := h.loop.Run(context.Background())

	require.ErrorIs(t, err, errStopTicking)
	// initial + one render per cycle; the fourth cycle stops in its sleep.
	require.Len(t, h.transport.sent, 5)
	assert.Equal(t, h.transport.sent[0], h.transport.sent[1])
	assert.NotEqual(t, h.transport.sent[1], h.transport.sent[2], "grid advances between renders")
	assert.Equal(t, 3, h.observer.advanced)
	assert.Equal(t, 0, h.observer.paused)
	assert.Equal(t, 5, h.observer.frames)
	assert.Equal(t, uint64(5), h.loop.FramesSent())
	assert.Equal(t, []time.Duration{time.Second, time.Second, time.Second, time.Second}, h.sleeper.periods)
}

func TestRun_PauseFreezesRenders(t *testing.T) {
	h := newHarness(t, 3, textFrame(t, command.Pause))
	var states []State
	h.sleeper.onSleep = func() { states = append(states, h.loop.State()) }

	err := h.loop.Run(context.Background())

	require.ErrorIs(t, err, errStopTicking)
	require.Len(t, h.transport.sent, 5)
	for i := 1; i < len(h.transport.sent); i++ {
		assert.Equal(t, h.transport.sent[0], h.transport.sent[i], "render %d while paused", i)
	}
	assert.Equal(t, 0, h.observer.advanced)
	assert.Equal(t, 3, h.observer.paused)
	assert.Equal(t, []string{command.Pause}, h.observer.commands)
	assert.Equal(t, Paused, states[0])
}

func TestRun_PlayResumes(t *testing.T) {
	h := newHarness(t, 3, textFrame(t, command.Pause), textFrame(t, command.Play))

	err := h.loop.Run(context.Background())

	require.ErrorIs(t, err, errStopTicking)
	// tick 1 paused, ticks 2 and 3 advance.
	assert.Equal(t, 1, h.observer.paused)
	assert.Equal(t, 2, h.observer.advanced)
	assert.Equal(t, h.transport.sent[1], h.transport.sent[2])
	assert.NotEqual(t, h.transport.sent[2], h.transport.sent[3])
}

func TestRun_OneFramePerIteration(t *testing.T) {
	h := newHarness(t, 2,
		textFrame(t, command.Pause),
		textFrame(t, command.Play),
		textFrame(t, command.Reset))
	var paused []bool
	h.sleeper.onSleep = func() { paused = append(paused, h.sess.Paused()) }

	err := h.loop.Run(context.Background())

	require.ErrorIs(t, err, errStopTicking)
	assert.Equal(t, []bool{true, false, false}, paused)
	assert.Equal(t, []string{command.Pause, command.Play, command.Reset}, h.observer.commands)
	assert.Empty(t, h.transport.inbound)
}

func TestRun_SpeedChangesPeriod(t *testing.T) {
	h := newHarness(t, 3,
		textFrame(t, command.Speed, command.SlowerArg),
		textFrame(t, command.Speed, command.SlowerArg),
		textFrame(t, command.Speed))

	err := h.loop.Run(context.Background())

	require.ErrorIs(t, err, errStopTicking)
	assert.Equal(t, []time.Duration{
		500 * time.Millisecond,
		333 * time.Millisecond,
		time.Second,
		time.Second,
	}, h.sleeper.periods)
}

// ============================================================================
// Inbound Frame Handling Tests
// ============================================================================

func TestRun_IgnoresUndecodableAndBinaryFrames(t *testing.T) {
	h := newHarness(t, 3,
		command.Frame{Text: true, Payload: []byte("not a trigger")},
		command.Frame{Text: false, Payload: []byte{0xff}},
		textFrame(t, "explode"))

	err := h.loop.Run(context.Background())

	require.ErrorIs(t, err, errStopTicking)
	assert.Equal(t, 1, h.observer.decodeFailures, "binary frames are not decode failures")
	assert.Empty(t, h.observer.commands)
	assert.Equal(t, []string{"explode"}, h.observer.unrecognized)
	assert.Equal(t, 3, h.observer.advanced, "bad input never stops the simulation")
	assert.Equal(t, session.DefaultSpeed, h.sess.Speed())
}

// ============================================================================
// Termination Tests
// ============================================================================

func TestRun_SendFailureCloses(t *testing.T) {
	h := newHarness(t, 10)
	h.transport.failSend = 3

	err := h.loop.Run(context.Background())

	require.ErrorIs(t, err, ErrSendFailed)
	assert.Contains(t, err.Error(), "broken pipe")
	assert.Len(t, h.transport.sent, 2)
	assert.Equal(t, 1, h.observer.sendFailures)
	assert.Equal(t, Closed, h.loop.State())
}

func TestRun_InitialSendFailure(t *testing.T) {
	h := newHarness(t, 10)
	h.transport.failSend = 1

	err := h.loop.Run(context.Background())

	require.ErrorIs(t, err, ErrSendFailed)
	assert.Empty(t, h.transport.sent)
	assert.Zero(t, h.transport.polls)
	assert.Empty(t, h.sleeper.periods)
}

func TestRun_PeerGoneCloses(t *testing.T) {
	gone := errors.New("connection reset")
	h := newHarness(t, 10)
	h.transport.recvErr = gone
	h.transport.errOnPoll = 2

	err := h.loop.Run(context.Background())

	require.ErrorIs(t, err, ErrPeerGone)
	require.ErrorIs(t, err, gone)
	assert.Len(t, h.transport.sent, 3)
	assert.Equal(t, 1, h.observer.advanced)
	assert.Equal(t, Closed, h.loop.State())
}

func TestRun_ContextCancelStopsSleep(t *testing.T) {
	sess := session.New(session.WithSource(rand.New(rand.NewPCG(3, 4))))
	transport := &fakeTransport{}
	l := New(Config{Session: sess, Transport: transport})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	// The first real sleep is a full second; cancel well before it ends.
	time.Sleep(50 * time.Millisecond)
	start := time.Now()
	cancel()

	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
		assert.Less(t, time.Since(start), 500*time.Millisecond)
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not stop after cancel")
	}
	assert.Equal(t, Closed, l.State())
}

// ============================================================================
// Sleep and State Tests
// ============================================================================

func TestSleep(t *testing.T) {
	require.NoError(t, Sleep(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, Sleep(ctx, time.Hour), context.Canceled)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "running", Running.String())
	assert.Equal(t, "paused", Paused.String())
	assert.Equal(t, "closed", Closed.String())
	assert.Equal(t, "unknown", State(9).String())
}

func TestNew_InitialState(t *testing.T) {
	sess := session.New()
	l := New(Config{Session: sess, Transport: &fakeTransport{}})
	assert.Equal(t, Running, l.State())

	sess.Apply(command.Command{Name: command.Pause})
	assert.Equal(t, Paused, New(Config{Session: sess, Transport: &fakeTransport{}}).State())
}
