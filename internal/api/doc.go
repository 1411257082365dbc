// Package api exposes the session lifecycle over HTTP. REST endpoints wrap
// every response in a {success, data, error} envelope; agent events stream
// to clients through Server-Sent Events or an authenticated WebSocket.
package api
