// Package conn implements the buffered, optionally TLS-wrapped socket
// abstraction shared by the client and upstream legs of the proxy.
package conn

import (
	"crypto/tls"
	"io"
	"net"
	"sync"
	"time"

	"github.com/relaymesh/goproxy/pkg/constants"
	goerrors "github.com/relaymesh/goproxy/pkg/errors"
)

// Tag identifies which leg of the proxy a Conn represents.
type Tag string

const (
	// TagClient marks the downstream, client-facing connection.
	TagClient Tag = "client"
	// TagServer marks the upstream, origin-facing connection.
	TagServer Tag = "server"
)

// ErrClosed is returned by Recv once the peer has closed the connection.
// It is distinct from an empty read.
var ErrClosed = io.EOF

// Conn wraps a net.Conn (plain TCP or TLS) with an outbound byte queue,
// byte counters and a monotonic TLS-wrap transition, per spec.md §4.1.
type Conn struct {
	mu sync.Mutex

	raw  net.Conn
	tls  *tls.Conn
	addr net.Addr
	tag  Tag

	buffer [][]byte
	closed bool

	totalSent     int64
	totalReceived int64
}

// New wraps an already-accepted or already-dialed net.Conn.
func New(c net.Conn, tag Tag) *Conn {
	return &Conn{raw: c, addr: c.RemoteAddr(), tag: tag}
}

// Underlying returns the current net.Conn (TLS session if wrapped, else raw).
func (c *Conn) Underlying() net.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current()
}

func (c *Conn) current() net.Conn {
	if c.tls != nil {
		return c.tls
	}
	return c.raw
}

// Addr returns the peer address captured at construction time.
func (c *Conn) Addr() net.Addr {
	return c.addr
}

// Tag reports which leg of the proxy this connection represents.
func (c *Conn) Tag() Tag {
	return c.tag
}

// Closed reports whether Close has already run to completion.
func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// TotalSent returns the cumulative byte count written to the peer.
func (c *Conn) TotalSent() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.totalSent
}

// TotalReceived returns the cumulative byte count read from the peer.
func (c *Conn) TotalReceived() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.totalReceived
}

// Recv reads up to max bytes. Returns (nil, ErrClosed) once the peer has
// performed an orderly close; returns (nil, err) classified per
// pkg/errors for retryable/reset/timeout/fatal conditions on any other
// read error; returns (data, nil) otherwise, including a zero-length
// read that is not end-of-stream.
func (c *Conn) Recv(max int, deadline time.Duration) ([]byte, error) {
	c.mu.Lock()
	current := c.current()
	c.mu.Unlock()

	if deadline > 0 {
		_ = current.SetReadDeadline(time.Now().Add(deadline))
	}

	buf := make([]byte, max)
	n, err := current.Read(buf)
	if n > 0 {
		c.mu.Lock()
		c.totalReceived += int64(n)
		c.mu.Unlock()
	}
	if err != nil {
		if err == io.EOF {
			return nil, ErrClosed
		}
		return nil, err
	}
	return buf[:n], nil
}

// Queue appends data to the outbound buffer without writing it.
func (c *Conn) Queue(data []byte) {
	if len(data) == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	c.buffer = append(c.buffer, cp)
}

// HasBuffer reports whether any queued bytes remain unflushed.
func (c *Conn) HasBuffer() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.buffer) > 0
}

// Flush writes the oldest queued chunk with a single write bounded by
// constants.DefaultFlushTimeout, returning the number of bytes written.
// Bytes the peer accepted leave the queue even when the write then
// fails, so a retry resumes after them.
func (c *Conn) Flush() (int, error) {
	c.mu.Lock()
	if len(c.buffer) == 0 {
		c.mu.Unlock()
		return 0, nil
	}
	chunk := c.buffer[0]
	current := c.current()
	c.mu.Unlock()

	_ = current.SetWriteDeadline(time.Now().Add(constants.DefaultFlushTimeout))
	n, err := current.Write(chunk)

	c.mu.Lock()
	defer c.mu.Unlock()
	if n > 0 {
		c.totalSent += int64(n)
	}
	if n == len(chunk) {
		c.buffer = c.buffer[1:]
	} else if n > 0 {
		c.buffer[0] = chunk[n:]
	}
	return n, err
}

// WrapClient performs a client-side TLS handshake toward an upstream
// host, used for the interception sub-protocol's leg to the origin
// server (spec.md §4.5 step "initiate TLS as a client to the upstream").
// The wrap is monotonic: calling it twice on an already-wrapped
// connection is an error.
func (c *Conn) WrapClient(serverName string, cfg *tls.Config) (*tls.ConnectionState, error) {
	c.mu.Lock()
	if c.tls != nil {
		c.mu.Unlock()
		return nil, goerrors.NewValidationError("connection already TLS-wrapped")
	}
	raw := c.raw
	c.mu.Unlock()

	cfgCopy := cfg.Clone()
	if cfgCopy == nil {
		cfgCopy = &tls.Config{}
	}
	if cfgCopy.ServerName == "" {
		cfgCopy.ServerName = serverName
	}

	tlsConn := tls.Client(raw, cfgCopy)
	if err := tlsConn.Handshake(); err != nil {
		return nil, goerrors.NewTLSError(serverName, 0, err)
	}
	state := tlsConn.ConnectionState()

	c.mu.Lock()
	c.tls = tlsConn
	c.mu.Unlock()
	return &state, nil
}

// WrapServer performs a server-side TLS handshake toward a downstream
// client using the given certificate, used both for inbound TLS
// termination (key_file/cert_file) and for the minted leaf certificate
// during interception. Per spec.md §4.1, the handshake happens on a
// temporarily blocking socket; callers relying on deadline-based
// non-blocking semantics should not call this concurrently with Recv.
func (c *Conn) WrapServer(cert tls.Certificate) error {
	c.mu.Lock()
	if c.tls != nil {
		c.mu.Unlock()
		return goerrors.NewValidationError("connection already TLS-wrapped")
	}
	raw := c.raw
	c.mu.Unlock()

	cfg := &tls.Config{Certificates: []tls.Certificate{cert}}
	tlsConn := tls.Server(raw, cfg)
	if err := tlsConn.Handshake(); err != nil {
		return goerrors.NewTLSError("", 0, err)
	}

	c.mu.Lock()
	c.tls = tlsConn
	c.mu.Unlock()
	return nil
}

// Close performs the shutdown protocol of spec.md §4.1: if TLS-wrapped,
// a clean unwrap is attempted, then the underlying TCP connection's
// write half is closed, then the socket is closed. OS errors during
// shutdown are swallowed so teardown always proceeds to completion.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	tlsConn := c.tls
	raw := c.raw
	c.mu.Unlock()

	if tlsConn != nil {
		_ = tlsConn.CloseWrite()
	}
	if tcp, ok := raw.(*net.TCPConn); ok {
		_ = tcp.CloseWrite()
	}
	return raw.Close()
}

// IsAlive performs a zero-byte liveness probe without consuming data,
// adapted from the teacher's pooled-connection staleness check
// (pkg/transport's isConnectionAlive) for use on the single upstream
// connection this proxy holds per client connection.
func (c *Conn) IsAlive() bool {
	c.mu.Lock()
	current := c.current()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return false
	}
	_ = current.SetReadDeadline(time.Now().Add(time.Millisecond))
	one := make([]byte, 1)
	_, err := current.Read(one)
	_ = current.SetReadDeadline(time.Time{})
	if err == nil {
		return true
	}
	ne, ok := err.(net.Error)
	return ok && ne.Timeout()
}
