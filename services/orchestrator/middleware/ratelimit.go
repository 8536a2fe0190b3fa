// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package middleware

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// RateLimit rejects requests beyond a process-wide token bucket.
//
// # Description
//
// The bucket refills at rps tokens per second and holds at most burst.
// A request that finds it empty gets 429 {"error":"Too Many Requests"}
// and never reaches the handler.
//
// # Inputs
//
//   - rps: Sustained requests per second. <= 0 disables limiting.
//   - burst: Bucket size. Values below 1 are raised to 1.
//
// # Examples
//
//	api.Use(middleware.RateLimit(5, 10))
//
// # Limitations
//
//   - One bucket for the whole process, not per client.
func RateLimit(rps float64, burst int) gin.HandlerFunc {
	if rps <= 0 {
		return func(c *gin.Context) { c.Next() }
	}
	if burst < 1 {
		burst = 1
	}
	limiter := rate.NewLimiter(rate.Limit(rps), burst)

	return func(c *gin.Context) {
		if !limiter.Allow() {
			slog.Warn("Rate limit exceeded",
				"requestId", GetRequestID(c),
				"path", c.FullPath(),
			)
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "Too Many Requests",
			})
			return
		}
		c.Next()
	}
}
