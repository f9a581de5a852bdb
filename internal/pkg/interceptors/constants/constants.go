// Package constants holds the header names shared by the HTTP and gRPC
// edges.
package constants

const (
	HeaderXRequestID     = "x-request-id"
	HeaderXCorrelationID = "x-correlation-id"
)
