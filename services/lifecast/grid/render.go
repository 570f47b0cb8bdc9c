// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package grid

import (
	"errors"
	"fmt"
	"strings"
)

// Markup produced by Render. The container carries hx-swap-oob so htmx
// replaces the whole board on every frame.
const (
	containerOpen = "<div id=\"container\" class=\"container\" hx-swap-oob=\"true\">\n"
	containerEnd  = "</div>"
	rowOpen       = "<div class=\"row\">\n"
	rowEnd        = "</div>\n"
	aliveSpan     = "\t<span class=\"alive\"></span>\n"
	deadSpan      = "\t<span></span>\n"

	// AliveMarker appears once per live cell in a rendered fragment.
	AliveMarker = "class=\"alive\""
)

// ErrMalformedFragment is returned by ParseFragment for input that Render
// could not have produced.
var ErrMalformedFragment = errors.New("grid: malformed fragment")

// fragmentLen is the exact byte length of every rendered fragment minus the
// extra bytes contributed by live cells.
const fragmentLen = len(containerOpen) + Size*(len(rowOpen)+len(rowEnd)) +
	Size*Size*len(deadSpan) + len(containerEnd)

// Render returns the board as an HTML fragment: one container, one row div
// per grid row and one span per cell in row-major order.
func Render(g *Grid) string {
	var b strings.Builder
	b.Grow(fragmentLen + g.Alive()*(len(aliveSpan)-len(deadSpan)))

	b.WriteString(containerOpen)
	for row := range g {
		b.WriteString(rowOpen)
		for col := range g[row] {
			if g[row][col] == Alive {
				b.WriteString(aliveSpan)
			} else {
				b.WriteString(deadSpan)
			}
		}
		b.WriteString(rowEnd)
	}
	b.WriteString(containerEnd)

	return b.String()
}

// ParseFragment rebuilds a Grid from the output of Render.
//
// # Description
//
// Used by clients that display frames outside a browser. Whitespace between
// elements is ignored; any other deviation from the rendered layout is
// rejected.
//
// # Outputs
//
//   - Grid: the decoded board.
//   - error: ErrMalformedFragment (wrapped) on layout or dimension mismatch.
func ParseFragment(s string) (Grid, error) {
	var g Grid

	body, ok := strings.CutPrefix(strings.TrimSpace(s), strings.TrimSpace(containerOpen))
	if !ok {
		return g, fmt.Errorf("missing container: %w", ErrMalformedFragment)
	}
	body, ok = strings.CutSuffix(body, containerEnd)
	if !ok {
		return g, fmt.Errorf("unterminated container: %w", ErrMalformedFragment)
	}

	rows := strings.Split(body, strings.TrimSpace(rowOpen))
	// rows[0] is the whitespace before the first row.
	if strings.TrimSpace(rows[0]) != "" || len(rows)-1 != Size {
		return g, fmt.Errorf("want %d rows, got %d: %w", Size, len(rows)-1, ErrMalformedFragment)
	}

	for r, raw := range rows[1:] {
		cells, ok := strings.CutSuffix(strings.TrimSpace(raw), strings.TrimSpace(rowEnd))
		if !ok {
			return g, fmt.Errorf("row %d unterminated: %w", r, ErrMalformedFragment)
		}
		fields := strings.Fields(cells)
		col := 0
		for i := 0; i < len(fields); i++ {
			if col == Size {
				return g, fmt.Errorf("row %d has more than %d cells: %w", r, Size, ErrMalformedFragment)
			}
			switch {
			case fields[i] == "<span></span>":
			case fields[i] == "<span" && i+1 < len(fields) && fields[i+1] == AliveMarker+"></span>":
				g[r][col] = Alive
				i++
			default:
				return g, fmt.Errorf("row %d col %d: unexpected %q: %w", r, col, fields[i], ErrMalformedFragment)
			}
			col++
		}
		if col != Size {
			return g, fmt.Errorf("row %d has %d cells: %w", r, col, ErrMalformedFragment)
		}
	}

	return g, nil
}
