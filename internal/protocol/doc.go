// Package protocol implements the JSON message format shared by the UDP and
// WebSocket transports. Clients send start, frame, reset and end messages;
// the server answers with session, metrics, activity and error messages.
package protocol
