// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routes

import (
	"github.com/AleutianAI/lifecast/services/lifecast/handlers"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Options selects what SetupRoutes registers.
type Options struct {
	// SessionPath is where clients open the websocket. Default: "/"
	SessionPath string

	// Gatherer serves /metrics when non-nil.
	Gatherer prometheus.Gatherer
}

// SetupRoutes registers the session websocket, /health and, when a
// gatherer is given, /metrics.
func SetupRoutes(router *gin.Engine, deps handlers.SessionDeps, opts Options) {
	path := opts.SessionPath
	if path == "" {
		path = "/"
	}

	router.GET("/health", handlers.HealthCheck(deps.Tracker))
	if opts.Gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{})))
	}
	router.GET(path, handlers.HandleSessionWebSocket(deps))
}
