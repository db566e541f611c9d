package api

import "github.com/mattjoyce/peng/internal/history"

// InvocationListResponse is returned by GET /invocations
type InvocationListResponse struct {
	Invocations []history.Record `json:"invocations"`
	Count       int              `json:"count"`
}

// ErrorResponse is returned on errors
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status        string `json:"status"`
	Profile       string `json:"profile,omitempty"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Subscribers   int    `json:"subscribers"`
}
