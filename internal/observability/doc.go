// Package observability builds the service's zap logger and carries the
// request ID through contexts so every log line of a request can be
// correlated.
package observability
