// Package metrics provides interfaces and implementations for collecting
// mail retrieval metrics. This package defines the Collector interface for
// recording metrics and the Server interface for exposing them.
package metrics

import "context"

// Collector defines the interface for recording pop3fetch metrics.
type Collector interface {
	// Connection metrics
	ConnectionOpened()
	ConnectionClosed()
	TLSConnectionEstablished()

	// Authentication metrics (server host)
	AuthAttempt(host string, success bool)

	// Command metrics
	CommandSent(command string)

	// Message retrieval metrics
	MessageFetched(host string, sizeBytes int64)
	MessageDeleted(host string)

	// Poll outcome, result is the result code name
	PollCompleted(host string, result string)
}

// Server defines the interface for a metrics HTTP server.
type Server interface {
	// Start begins serving metrics. It blocks until the context is canceled
	// or an error occurs.
	Start(ctx context.Context) error

	// Shutdown gracefully stops the metrics server.
	Shutdown(ctx context.Context) error
}
