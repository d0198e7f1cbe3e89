// Package server implements the relay's connection-handling core: the
// per-connection session state machine, the shared client registry with its
// broadcast fan-out, TCP and WebSocket ingress, configuration, and metrics.
//
// The implementation is organized into specialized files for configuration,
// hub management, sessions, transports, and HTTP handlers to keep the
// codebase maintainable and testable as the project grows.
package server
