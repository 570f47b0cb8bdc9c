// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command lifecast serves per-client Game of Life simulations over
// websockets and includes a terminal viewer for them.
//
// Usage:
//
//	lifecast serve --addr 127.0.0.1:7936
//	lifecast watch --url ws://127.0.0.1:7936/
//	lifecast config
package main

import (
	"os"
)

func main() {
	// Cobra prints the error; the exit status is all that is left to do.
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
