// Package constants defines magic numbers and default values used throughout the proxy
package constants

import "time"

// Connection timeouts and limits
const (
	DefaultIdleTimeout     = 90 * time.Second
	DefaultConnTimeout     = 10 * time.Second
	DefaultReadTimeout     = 30 * time.Second
	DefaultPingInterval    = 15 * time.Second
	MaxConnectionIdleTime  = 5 * time.Minute
	HealthCheckInterval    = 30 * time.Second
	CleanupInterval        = 30 * time.Second
)

// HTTP/2 limits
const (
	MaxTotalStreams       = 10000
	SettingsAckTimeout    = 10 * time.Second
	DefaultHpackTableSize = 4096
)

// HTTP limits
const (
	MaxContentLength = 1024 * 1024 * 1024 * 1024 // 1TB
)

// Buffer limits
const (
	DefaultBodyMemLimit = 4 * 1024 * 1024 // 4MB
	MaxRawBufferSize    = 100 * 1024 * 1024 // 100MB cap for raw buffer
)

// Proxy server defaults (client/server recv buffers, idle timeout, select tick).
const (
	DefaultClientRecvBufSize = 1024 * 1024 // 1 MiB, per spec client_recvbuf_size
	DefaultServerRecvBufSize = 1024 * 1024 // 1 MiB, per spec server_recvbuf_size
	DefaultHandlerTimeout    = 120 * time.Second
	DefaultSelectTimeout     = 1 * time.Second
	DefaultFlushTimeout      = 1 * time.Second
)

// Certificate mint defaults.
const (
	DefaultCertValidityDays = 730
	CertMintTimeout         = 10 * time.Second
	DefaultCertKeyBits      = 2048
)

// Hop-by-hop / proxy-only headers stripped before forwarding upstream.
var HopByHopHeaders = []string{
	"proxy-connection",
	"proxy-authorization",
}

// ViaAgentToken is the product token appended to the Via header.
const ViaAgentToken = "goproxy"

// Janitor defaults (SPEC_FULL.md §2.9).
const (
	DefaultJanitorInterval = 1 * time.Hour
	DefaultCertMaxAge      = 30 * 24 * time.Hour
)
