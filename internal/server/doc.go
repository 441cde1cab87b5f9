// Package server exposes the metrics engine over the network: a UDP ingest
// server for JSON frame datagrams, and an HTTP API with session monitoring,
// Prometheus metrics and a WebSocket transport that streams metric updates.
package server
