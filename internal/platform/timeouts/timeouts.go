// Package timeouts defines shared timeout constants used across services.
// Centralizing these values prevents drift between service boundaries and
// makes the durations discoverable.
package timeouts

import "time"

// ReadHeader limits how long an HTTP server waits for request headers.
const ReadHeader = 5 * time.Second

// Shutdown limits how long an HTTP server waits for in-flight requests
// during graceful shutdown.
const Shutdown = 5 * time.Second

// FrameWrite caps a single outbound WebSocket frame write. A peer that cannot
// accept a frame within this window is treated as disconnected.
const FrameWrite = 5 * time.Second

// Persist caps one durable change write.
const Persist = 3 * time.Second

// AuthVerify caps identity verification during the WebSocket handshake.
const AuthVerify = 3 * time.Second
