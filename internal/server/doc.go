// Package server provides the embedding-host HTTP server.
//
// It orchestrates the outer surfaces around the messaging core:
//   - HTTP routing with Gin (health, metrics, session inspection)
//   - Middleware stack (CORS, recovery)
//   - WebSocket upgrade into a transport, one host session per socket
//   - Host-side method registration (stats, session listing)
//
// Lifecycle:
//  1. Load configuration from environment/TOML
//  2. Initialize logger and Prometheus registry
//  3. Setup routes and middleware
//  4. Accept sockets; each runs its own handshake and dispatch loop
//  5. Graceful shutdown tears down every live session
package server
