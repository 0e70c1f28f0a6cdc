// Package timing brackets the three upstream-connection stages
// pkg/proxyplugin drives per request — TCP dial, the interception
// handshake, and time-to-first-byte — and rolls them into the
// access-log context spec.md §4.5's on_client_connection_close builds
// (pkg/metrics' RequestDuration histogram observes the same timer's
// total; the event record does not carry StageTiming).
package timing

import (
	"fmt"
	"time"
)

// StageTiming is the per-request breakdown handed to OnAccessLog
// plugin hooks and pkg/metrics.
type StageTiming struct {
	TCPConnect   time.Duration
	TLSHandshake time.Duration
	TTFB         time.Duration
	TotalTime    time.Duration
}

// ConnectionTime is the time spent establishing the upstream leg
// before any request bytes could be sent: dial plus, when
// interception is enabled, the client handshake to the real origin.
func (s StageTiming) ConnectionTime() time.Duration {
	return s.TCPConnect + s.TLSHandshake
}

// ServerTime is the upstream's own processing latency: the gap
// between the request finishing and its first response byte arriving.
func (s StageTiming) ServerTime() time.Duration {
	return s.TTFB
}

func (s StageTiming) String() string {
	return fmt.Sprintf("tcp_connect=%v tls_handshake=%v ttfb=%v total=%v",
		s.TCPConnect, s.TLSHandshake, s.TTFB, s.TotalTime)
}

// StageTimer accumulates the bracketed stage durations for one
// request's lifetime, from construction (request start) through
// GetMetrics (connection teardown).
type StageTimer struct {
	start time.Time

	tcpStart, tcpEnd   time.Time
	tlsStart, tlsEnd   time.Time
	ttfbStart, ttfbEnd time.Time
}

// NewTimer starts a stage timer at the current request's arrival.
func NewTimer() *StageTimer {
	return &StageTimer{start: time.Now()}
}

// StartTCP marks the beginning of the upstream dial.
func (t *StageTimer) StartTCP() { t.tcpStart = time.Now() }

// EndTCP marks the upstream dial's completion.
func (t *StageTimer) EndTCP() { t.tcpEnd = time.Now() }

// StartTLS marks the beginning of the interception client handshake
// to the real upstream (pkg/proxyplugin.intercept); left unbracketed
// when interception is disabled, so TLSHandshake reads zero.
func (t *StageTimer) StartTLS() { t.tlsStart = time.Now() }

// EndTLS marks the interception handshake's completion.
func (t *StageTimer) EndTLS() { t.tlsEnd = time.Now() }

// StartTTFB marks the point the upstream pump starts waiting for the
// first response byte.
func (t *StageTimer) StartTTFB() { t.ttfbStart = time.Now() }

// EndTTFB marks the first upstream byte's arrival; pkg/proxyplugin
// calls this at most once per request even though pumpUpstream's read
// loop runs for the connection's remaining lifetime.
func (t *StageTimer) EndTTFB() { t.ttfbEnd = time.Now() }

// GetMetrics rolls the bracketed stages into a StageTiming snapshot.
// A stage whose Start/End pair was never called (e.g. TLSHandshake
// with interception disabled) reads as a zero duration.
func (t *StageTimer) GetMetrics() StageTiming {
	var m StageTiming
	m.TotalTime = time.Since(t.start)
	if !t.tcpStart.IsZero() && !t.tcpEnd.IsZero() {
		m.TCPConnect = t.tcpEnd.Sub(t.tcpStart)
	}
	if !t.tlsStart.IsZero() && !t.tlsEnd.IsZero() {
		m.TLSHandshake = t.tlsEnd.Sub(t.tlsStart)
	}
	if !t.ttfbStart.IsZero() && !t.ttfbEnd.IsZero() {
		m.TTFB = t.ttfbEnd.Sub(t.ttfbStart)
	}
	return m
}
