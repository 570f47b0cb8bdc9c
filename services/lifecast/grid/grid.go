// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package grid implements the Game of Life board used by every lifecast
// session: seeding, the transition rule, and the HTML fragment renderer.
//
// # Description
//
// A Grid is a fixed 50x50 array value. Boundaries are not wrapped, so edge
// cells see five neighbors at most and corner cells three. All functions in
// this package are pure except Spawn, which consumes draws from the Source it
// is handed.
//
// # Thread Safety
//
// Grid is a plain value. Copies are independent; a single Grid must not be
// mutated from multiple goroutines.
package grid

import (
	"errors"
	"fmt"
)

// Size is the number of rows and columns of every grid.
const Size = 50

// AliveSpawnChance is the percentage used to seed a cell as alive.
// A cell is alive when its draw in [0,100) exceeds 100-AliveSpawnChance.
const AliveSpawnChance = 10

// ErrOutOfBounds is returned when a coordinate falls outside the grid.
var ErrOutOfBounds = errors.New("grid: coordinate out of bounds")

// Cell is the state of one grid position.
type Cell bool

const (
	// Dead is the empty cell state.
	Dead Cell = false

	// Alive is the populated cell state.
	Alive Cell = true
)

// Grid is one simulation snapshot, indexed [row][col].
type Grid [Size][Size]Cell

// Source supplies uniform draws in [0,n). *rand.Rand from math/rand/v2
// satisfies it.
type Source interface {
	IntN(n int) int
}

// At returns the cell at (row, col) and whether the coordinate is in range.
func (g *Grid) At(row, col int) (Cell, bool) {
	if !inBounds(row, col) {
		return Dead, false
	}
	return g[row][col], true
}

// Set stores c at (row, col).
//
// # Outputs
//
//   - error: ErrOutOfBounds (wrapped) when the coordinate is outside the grid.
func (g *Grid) Set(row, col int, c Cell) error {
	if !inBounds(row, col) {
		return fmt.Errorf("set (%d,%d): %w", row, col, ErrOutOfBounds)
	}
	g[row][col] = c
	return nil
}

// Alive returns the number of live cells.
func (g *Grid) Alive() int {
	n := 0
	for row := range g {
		for col := range g[row] {
			if g[row][col] == Alive {
				n++
			}
		}
	}
	return n
}

// Spawn returns a freshly seeded grid.
//
// # Description
//
// Every cell takes its own draw from src, in row-major order. There is no
// draw reuse between cells.
func Spawn(src Source) Grid {
	var g Grid
	threshold := 100 - AliveSpawnChance
	for row := range g {
		for col := range g[row] {
			if src.IntN(100) > threshold {
				g[row][col] = Alive
			}
		}
	}
	return g
}

// AliveNeighbors counts the live cells among the up to eight positions
// around (row, col). Positions beyond the grid edge are skipped, never
// wrapped. row and col must be inside the grid.
func (g *Grid) AliveNeighbors(row, col int) int {
	last := Size - 1
	alive := 0
	for dr := -1; dr <= 1; dr++ {
		for dc := -1; dc <= 1; dc++ {
			if dr == 0 && dc == 0 ||
				dr == 1 && row == last ||
				dc == 1 && col == last ||
				dr == -1 && row == 0 ||
				dc == -1 && col == 0 {
				continue
			}
			if g[row+dr][col+dc] == Alive {
				alive++
			}
		}
	}
	return alive
}

// Transition computes the next generation of prev using Conway's B3/S23
// rule. Neighbor counts are always taken from prev; the result is a new
// value and prev is left untouched.
func Transition(prev *Grid) Grid {
	next := *prev
	for row := range prev {
		for col := range prev[row] {
			next[row][col] = nextState(prev[row][col], prev.AliveNeighbors(row, col))
		}
	}
	return next
}

// nextState applies the rule table to a single cell.
func nextState(c Cell, neighbors int) Cell {
	if c == Alive {
		if neighbors < 2 || neighbors > 3 {
			return Dead
		}
		return Alive
	}
	if neighbors == 3 {
		return Alive
	}
	return Dead
}

func inBounds(row, col int) bool {
	return row >= 0 && row < Size && col >= 0 && col < Size
}
