// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package command turns inbound websocket frames into session commands.
//
// # Description
//
// Browsers drive lifecast through the htmx websocket extension, which sends
// each trigger as a JSON object whose "HEADERS" member carries the
// HX-Trigger-Name of the element that fired. The command travels in that
// header value, optionally followed by a colon and comma separated
// arguments:
//
//	hx-trigger-name="pause"     -> {Name: "pause"}
//	hx-trigger-name="speed:-"   -> {Name: "speed", Args: ["-"]}
//
// Decode does not parse JSON. It splits the raw text on fixed delimiters,
// and clients depend on exactly that behavior, so keep it byte-for-byte.
//
// # Thread Safety
//
// All functions are pure and safe for concurrent use.
package command

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Command names understood by a session.
const (
	Reset = "reset"
	Speed = "speed"
	Pause = "pause"
	Play  = "play"
)

// SlowerArg is the speed argument that increments the speed counter.
// Any other argument decrements it.
const SlowerArg = "-"

// TriggerNameHeader is the htmx header whose value carries the command.
const TriggerNameHeader = "HX-Trigger-Name"

// Command is one decoded client request. Args is nil when the trigger value
// carried no colon.
type Command struct {
	Name string
	Args []string
}

// HasArgs reports whether the command carried an argument list.
func (c Command) HasArgs() bool {
	return c.Args != nil
}

// String renders the command in trigger-value form, e.g. "speed:-".
func (c Command) String() string {
	if c.Args == nil {
		return c.Name
	}
	return c.Name + ":" + strings.Join(c.Args, ",")
}

// Frame is one inbound websocket message.
type Frame struct {
	// Text is true for text frames. Only text frames can carry a command.
	Text bool

	// Payload is the raw message body.
	Payload []byte
}

// Decode extracts a Command from an inbound frame.
//
// # Description
//
// The payload is split on '{'; the third segment holds the htmx headers.
// That segment is split on ',' into "key":"value" entries, each split once
// on ':' and stripped of one surrounding quote on each side. The first
// HX-Trigger-Name entry with a non-empty value is the command.
//
// # Outputs
//
//   - Command: the decoded command.
//   - bool: false when the frame is binary, has fewer than three segments,
//     or carries no usable HX-Trigger-Name.
func Decode(f Frame) (Command, bool) {
	if !f.Text {
		return Command{}, false
	}
	return DecodeText(string(f.Payload))
}

// DecodeText is Decode for a payload already known to be text.
func DecodeText(payload string) (Command, bool) {
	segments := strings.Split(payload, "{")
	if len(segments) < 3 {
		return Command{}, false
	}

	value, ok := triggerValue(segments[2])
	if !ok {
		return Command{}, false
	}

	name, args, hasArgs := strings.Cut(value, ":")
	if !hasArgs {
		return Command{Name: value}, true
	}
	return Command{Name: name, Args: strings.Split(args, ",")}, true
}

// triggerValue scans the header segment for the first non-empty
// HX-Trigger-Name value.
func triggerValue(headers string) (string, bool) {
	for _, entry := range strings.Split(headers, ",") {
		key, value, ok := strings.Cut(entry, ":")
		if !ok {
			continue
		}
		if trimQuote(key) == TriggerNameHeader {
			if v := trimQuote(value); v != "" {
				return v, true
			}
		}
	}
	return "", false
}

// trimQuote strips at most one '"' from each end of s.
func trimQuote(s string) string {
	s = strings.TrimPrefix(s, "\"")
	return strings.TrimSuffix(s, "\"")
}

// triggerHeaders mirrors the header block the htmx websocket extension
// sends. Field order is significant: it fixes the entry order on the wire.
type triggerHeaders struct {
	Request     string `json:"HX-Request"`
	Trigger     string `json:"HX-Trigger"`
	TriggerName string `json:"HX-Trigger-Name"`
	Target      string `json:"HX-Target"`
	CurrentURL  string `json:"HX-Current-URL"`
}

type triggerMessage struct {
	Headers triggerHeaders `json:"HEADERS"`
}

// Encode builds the htmx-style payload a browser would send for cmd.
//
// # Description
//
// Used by non-browser clients so the server sees the same wire format
// regardless of who sent it. Decode(Encode(cmd)) yields cmd for every
// command Encode accepts.
//
// # Outputs
//
//   - []byte: the JSON payload.
//   - error: when the name is empty, more than one argument is given, or a
//     value contains a delimiter Decode splits on.
func Encode(cmd Command) ([]byte, error) {
	if cmd.Name == "" {
		return nil, fmt.Errorf("encode command: empty name")
	}
	if strings.ContainsAny(cmd.Name, "{,\"\\:") {
		return nil, fmt.Errorf("encode command %q: name contains a reserved delimiter", cmd.Name)
	}
	if cmd.Args != nil && len(cmd.Args) != 1 {
		// Arguments are comma separated inside a comma separated entry list,
		// so exactly one can reach the server.
		return nil, fmt.Errorf("encode command %q: want one argument, got %d", cmd.Name, len(cmd.Args))
	}
	for _, a := range cmd.Args {
		if strings.ContainsAny(a, "{,\"\\") {
			return nil, fmt.Errorf("encode command %q: argument %q contains a reserved delimiter", cmd.Name, a)
		}
	}

	msg := triggerMessage{Headers: triggerHeaders{
		Request:     "true",
		Trigger:     cmd.Name,
		TriggerName: cmd.String(),
		Target:      "container",
		CurrentURL:  "lifecast://watch",
	}}
	return json.Marshal(msg)
}
