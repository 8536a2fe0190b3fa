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
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/AleutianAI/f1gpt/services/orchestrator/handlers"
	"github.com/AleutianAI/f1gpt/services/orchestrator/middleware"
)

// Paths served by the orchestrator.
const (
	PathHealth     = "/health"
	PathMetrics    = "/metrics"
	PathChat       = "/api/chat"
	PathChatStream = "/v1/chat/stream"
)

// RouteOptions controls the middleware placed in front of the chat routes.
type RouteOptions struct {
	// RateLimitRPS is the sustained request rate. Zero disables limiting.
	RateLimitRPS float64
	// RateLimitBurst is the bucket size. Values below one are treated as one.
	RateLimitBurst int
	// APIToken enables bearer authentication when non-empty.
	APIToken string
	// MetricsHandler serves /metrics. Nil means promhttp.Handler().
	MetricsHandler http.Handler
}

// SetupRoutes registers every route on router.
//
// # Description
//
// Liveness and metrics are always unauthenticated. The chat endpoint and
// its versioned alias share one handler and sit behind the rate limiter
// and the optional bearer check.
//
// # Inputs
//
//   - router: Engine to register on.
//   - chat: Streaming chat handler. Must not be nil.
//   - opts: Middleware settings.
func SetupRoutes(router *gin.Engine, chat handlers.StreamingChatHandler, opts RouteOptions) {
	router.GET(PathHealth, handlers.HealthCheck)

	metricsHandler := opts.MetricsHandler
	if metricsHandler == nil {
		metricsHandler = promhttp.Handler()
	}
	router.GET(PathMetrics, gin.WrapH(metricsHandler))

	api := router.Group("",
		middleware.RateLimit(opts.RateLimitRPS, opts.RateLimitBurst),
		middleware.BearerAuth(opts.APIToken),
	)
	{
		api.POST(PathChat, chat.HandleChatStream)
		api.POST(PathChatStream, chat.HandleChatStream)
	}
}
