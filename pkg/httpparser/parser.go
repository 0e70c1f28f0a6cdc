// Package httpparser implements the incremental, resumable HTTP/1.1
// request and response parser used by the protocol handler and proxy
// plugin (spec.md §4.2). Callers feed arbitrary byte slices via Feed
// and inspect State between feeds; the parser never owns a socket.
//
// The header-folding, chunked-body, and fixed-body reading rules are
// adapted from the teacher module's pkg/client/client.go (readHeaders,
// readChunkedBody, readFixedBody), generalized from a one-shot blocking
// reader into an incremental state machine.
package httpparser

import (
	"bytes"
	"net/textproto"
	"strconv"
	"strings"

	"github.com/relaymesh/goproxy/pkg/buffer"
	goerrors "github.com/relaymesh/goproxy/pkg/errors"
	"golang.org/x/net/http/httpguts"
)

// State is the parser's finite-state-machine position.
type State int

const (
	StateInitialized State = iota
	StateLineRcvd
	StateRcvingHeaders
	StateHeadersComplete
	StateRcvingBody
	StateComplete
)

func (s State) String() string {
	switch s {
	case StateInitialized:
		return "INITIALIZED"
	case StateLineRcvd:
		return "LINE_RCVD"
	case StateRcvingHeaders:
		return "RCVING_HEADERS"
	case StateHeadersComplete:
		return "HEADERS_COMPLETE"
	case StateRcvingBody:
		return "RCVING_BODY"
	case StateComplete:
		return "COMPLETE"
	default:
		return "UNKNOWN"
	}
}

// Type distinguishes a request parser from a response parser.
type Type int

const (
	// TypeRequest parses request-lines (method, path, version).
	TypeRequest Type = iota
	// TypeResponse parses status-lines (version, status code, reason).
	TypeResponse
)

type bodyMode int

const (
	bodyModeNone bodyMode = iota
	bodyModeChunked
	bodyModeFixed
	bodyModeUntilClose
)

type chunkSubState int

const (
	chunkReadSize chunkSubState = iota
	chunkReadData
	chunkReadCRLF
	chunkReadTrailers
)

// headerEntry preserves original case and all values for one header name.
type headerEntry struct {
	name   string
	values []string
}

// Parser is an incremental HTTP/1.1 message parser. It is not safe for
// concurrent use; each connection owns its own request/response/pipeline
// parsers, per spec.md §3.
type Parser struct {
	typ   Type
	state State

	pending []byte // unconsumed bytes fed but not yet parsed past the current boundary

	Method  string
	Path    string
	Version string

	StatusCode int
	Reason     string

	Host string
	Port int

	headerOrder []string // lowercased keys, insertion order
	headers     map[string]*headerEntry

	Body      *buffer.Body
	TotalSize int64

	mode          bodyMode
	contentLength int64
	bodyReceived  int64
	chunkSub      chunkSubState
	chunkRemain   int64

	isConnect bool
}

// New creates a parser of the given type in the INITIALIZED state.
func New(t Type) *Parser {
	return &Parser{
		typ:     t,
		state:   StateInitialized,
		headers: make(map[string]*headerEntry),
		Body:    buffer.NewBody(buffer.DefaultBodyLimit),
	}
}

// State returns the parser's current FSM state.
func (p *Parser) State() State { return p.state }

// Type returns whether this is a request or response parser.
func (p *Parser) Type() Type { return p.typ }

// IsConnect reports whether a REQUEST parser parsed a CONNECT method.
func (p *Parser) IsConnect() bool { return p.isConnect }

// HasHost reports whether a host was determined from the absolute URI,
// CONNECT authority, or Host header.
func (p *Parser) HasHost() bool { return p.Host != "" }

// IsConnectionUpgrade reports whether Connection: upgrade and an
// Upgrade header are both present, per spec.md §3.
func (p *Parser) IsConnectionUpgrade() bool {
	conn, _ := p.Header("Connection")
	upg, ok := p.Header("Upgrade")
	return ok && upg != "" && strings.Contains(strings.ToLower(conn), "upgrade")
}

// Header returns the first value of a case-insensitively matched header.
func (p *Parser) Header(name string) (string, bool) {
	e, ok := p.headers[strings.ToLower(name)]
	if !ok || len(e.values) == 0 {
		return "", false
	}
	return e.values[0], true
}

// HeaderValues returns all values recorded for a header name.
func (p *Parser) HeaderValues(name string) []string {
	e, ok := p.headers[strings.ToLower(name)]
	if !ok {
		return nil
	}
	return e.values
}

// AddHeader appends a value for name, case-insensitive on name,
// preserving the original case of the first occurrence.
func (p *Parser) AddHeader(name, value string) {
	key := strings.ToLower(name)
	e, ok := p.headers[key]
	if !ok {
		e = &headerEntry{name: name}
		p.headers[key] = e
		p.headerOrder = append(p.headerOrder, key)
	}
	e.values = append(e.values, value)
}

// DelHeader removes a header by name, case-insensitive.
func (p *Parser) DelHeader(name string) {
	key := strings.ToLower(name)
	if _, ok := p.headers[key]; !ok {
		return
	}
	delete(p.headers, key)
	for i, k := range p.headerOrder {
		if k == key {
			p.headerOrder = append(p.headerOrder[:i], p.headerOrder[i+1:]...)
			break
		}
	}
}

// Headers returns headers in insertion order, original case, all values.
func (p *Parser) Headers() []struct {
	Name   string
	Values []string
} {
	out := make([]struct {
		Name   string
		Values []string
	}, 0, len(p.headerOrder))
	for _, key := range p.headerOrder {
		e := p.headers[key]
		out = append(out, struct {
			Name   string
			Values []string
		}{Name: e.name, Values: e.values})
	}
	return out
}

// Reset returns the parser to INITIALIZED, discarding all parsed state,
// for reuse as a pipeline parser (spec.md §4.5 "resets upon each completion").
func (p *Parser) Reset() {
	if p.Body != nil {
		_ = p.Body.Close()
	}
	*p = Parser{
		typ:     p.typ,
		state:   StateInitialized,
		headers: make(map[string]*headerEntry),
		Body:    buffer.NewBody(buffer.DefaultBodyLimit),
	}
}

// Feed supplies newly received bytes to the parser. It advances state
// as far as the currently available bytes allow; callers inspect State
// between Feed calls. Feeding the same logical message in arbitrary
// chunkings yields the same final state and fields (spec.md §8
// Incrementality).
func (p *Parser) Feed(data []byte) error {
	if p.state == StateComplete {
		// Invariant: once COMPLETE, additional bytes are not consumed.
		return nil
	}
	p.pending = append(p.pending, data...)
	p.TotalSize += int64(len(data))

	for {
		progressed, err := p.step()
		if err != nil {
			return err
		}
		if !progressed || p.state == StateComplete {
			break
		}
	}
	return nil
}

// CloseBody signals that the peer has closed the connection, which is
// the terminating condition for a response body read "until close"
// (spec.md §4.2). No-op unless the parser is waiting on such a body.
func (p *Parser) CloseBody() {
	if p.state == StateRcvingBody && p.mode == bodyModeUntilClose {
		p.state = StateComplete
	}
}

// step attempts one unit of progress and reports whether it advanced.
func (p *Parser) step() (bool, error) {
	switch p.state {
	case StateInitialized:
		line, rest, found := findLine(p.pending)
		if !found {
			return false, nil
		}
		p.pending = rest
		if err := p.parseFirstLine(line); err != nil {
			return false, err
		}
		p.state = StateLineRcvd
		return true, nil

	case StateLineRcvd:
		p.state = StateRcvingHeaders
		return true, nil

	case StateRcvingHeaders:
		return p.stepHeaders()

	case StateHeadersComplete:
		p.decideBodyFraming()
		return true, nil

	case StateRcvingBody:
		return p.stepBody()

	default:
		return false, nil
	}
}

func findLine(buf []byte) (line []byte, rest []byte, found bool) {
	if idx := bytes.IndexByte(buf, '\n'); idx >= 0 {
		end := idx
		if end > 0 && buf[end-1] == '\r' {
			end--
		}
		return buf[:end], buf[idx+1:], true
	}
	return nil, buf, false
}

func (p *Parser) parseFirstLine(line []byte) error {
	// Tolerate arbitrary whitespace between tokens, per spec.md §4.2.
	fields := strings.Fields(string(line))
	if p.typ == TypeRequest {
		if len(fields) < 2 {
			return goerrors.NewProtocolError("malformed request line", nil)
		}
		p.Method = strings.ToUpper(fields[0])
		p.Path = fields[1]
		if len(fields) >= 3 {
			p.Version = fields[2]
		} else {
			p.Version = "HTTP/1.1"
		}
		p.isConnect = p.Method == "CONNECT"
		p.extractHostFromRequest()
		return nil
	}

	if len(fields) < 2 {
		return goerrors.NewProtocolError("malformed status line", nil)
	}
	p.Version = fields[0]
	code, err := strconv.Atoi(fields[1])
	if err != nil {
		return goerrors.NewProtocolError("invalid status code", err)
	}
	p.StatusCode = code
	if len(fields) >= 3 {
		p.Reason = strings.Join(fields[2:], " ")
	}
	return nil
}

// extractHostFromRequest derives Host/Port from the CONNECT authority or
// an absolute-form request URI; the Host header is consulted once
// headers complete, when stepHeaders reaches the blank line.
func (p *Parser) extractHostFromRequest() {
	if p.isConnect {
		host, port := splitHostPort(p.Path, 443)
		p.Host, p.Port = host, port
		return
	}
	if strings.HasPrefix(p.Path, "http://") || strings.HasPrefix(p.Path, "https://") {
		rest := p.Path
		defaultPort := 80
		if strings.HasPrefix(rest, "https://") {
			rest = rest[len("https://"):]
			defaultPort = 443
		} else {
			rest = rest[len("http://"):]
		}
		if idx := strings.IndexByte(rest, '/'); idx >= 0 {
			rest = rest[:idx]
		}
		host, port := splitHostPort(rest, defaultPort)
		p.Host, p.Port = host, port
	}
}

func splitHostPort(authority string, defaultPort int) (string, int) {
	if idx := strings.LastIndexByte(authority, ':'); idx >= 0 && !strings.Contains(authority[idx:], "]") {
		host := authority[:idx]
		if port, err := strconv.Atoi(authority[idx+1:]); err == nil {
			return host, port
		}
	}
	return authority, defaultPort
}

func (p *Parser) stepHeaders() (bool, error) {
	line, rest, found := findLine(p.pending)
	if !found {
		return false, nil
	}
	p.pending = rest

	if len(line) == 0 {
		p.state = StateHeadersComplete
		if p.Host == "" {
			if h, ok := p.Header("Host"); ok {
				host, port := splitHostPort(h, defaultPortFor(p))
				p.Host, p.Port = host, port
			}
		}
		return true, nil
	}

	// RFC 7230 §3.2.4 header continuation (leading whitespace).
	if len(p.headerOrder) > 0 && (line[0] == ' ' || line[0] == '\t') {
		key := p.headerOrder[len(p.headerOrder)-1]
		e := p.headers[key]
		if len(e.values) > 0 {
			e.values[len(e.values)-1] += " " + strings.TrimSpace(string(line))
		}
		return true, nil
	}

	parts := bytes.SplitN(line, []byte(":"), 2)
	if len(parts) != 2 {
		return true, nil // tolerate malformed header line, skip it
	}
	name := strings.TrimSpace(string(parts[0]))
	value := strings.TrimSpace(string(parts[1]))
	if httpguts.ValidHeaderFieldName(name) {
		p.AddHeader(name, value)
	} else {
		p.AddHeader(textproto.CanonicalMIMEHeaderKey(name), value)
	}
	return true, nil
}

func defaultPortFor(p *Parser) int {
	if p.isConnect {
		return 443
	}
	return 80
}

// decideBodyFraming applies spec.md §4.2's precedence: chunked wins
// over Content-Length (the Open Question is resolved this way per
// SPEC_FULL.md §10); otherwise Content-Length; otherwise, for
// responses, until-close; otherwise COMPLETE immediately.
func (p *Parser) decideBodyFraming() {
	if p.isConnect {
		p.state = StateComplete
		return
	}

	te, _ := p.Header("Transfer-Encoding")
	cl, hasCL := p.Header("Content-Length")

	switch {
	case strings.Contains(strings.ToLower(te), "chunked"):
		p.mode = bodyModeChunked
		p.chunkSub = chunkReadSize
		p.state = StateRcvingBody
	case hasCL:
		n, err := strconv.ParseInt(strings.TrimSpace(cl), 10, 64)
		if err != nil || n < 0 {
			p.state = StateComplete
			return
		}
		p.mode = bodyModeFixed
		p.contentLength = n
		if n == 0 {
			p.state = StateComplete
			return
		}
		p.state = StateRcvingBody
	case p.typ == TypeResponse && !noBodyStatus(p.StatusCode):
		p.mode = bodyModeUntilClose
		p.state = StateRcvingBody
	default:
		p.state = StateComplete
	}
}

func noBodyStatus(code int) bool {
	return (code >= 100 && code < 200) || code == 204 || code == 304
}

func (p *Parser) stepBody() (bool, error) {
	switch p.mode {
	case bodyModeFixed:
		remain := p.contentLength - p.bodyReceived
		if remain <= 0 {
			p.state = StateComplete
			return true, nil
		}
		take := int64(len(p.pending))
		if take == 0 {
			return false, nil
		}
		if take > remain {
			take = remain
		}
		if _, err := p.Body.Write(p.pending[:take]); err != nil {
			return false, err
		}
		p.bodyReceived += take
		p.pending = p.pending[take:]
		if p.bodyReceived >= p.contentLength {
			p.state = StateComplete
		}
		return true, nil

	case bodyModeUntilClose:
		if len(p.pending) == 0 {
			return false, nil
		}
		if _, err := p.Body.Write(p.pending); err != nil {
			return false, err
		}
		p.bodyReceived += int64(len(p.pending))
		p.pending = nil
		return false, nil

	case bodyModeChunked:
		return p.stepChunked()

	default:
		p.state = StateComplete
		return true, nil
	}
}

func (p *Parser) stepChunked() (bool, error) {
	switch p.chunkSub {
	case chunkReadSize:
		line, rest, found := findLine(p.pending)
		if !found {
			return false, nil
		}
		p.pending = rest
		sizeStr := string(line)
		if idx := strings.IndexByte(sizeStr, ';'); idx >= 0 {
			sizeStr = sizeStr[:idx]
		}
		size, err := strconv.ParseInt(strings.TrimSpace(sizeStr), 16, 64)
		if err != nil {
			return false, goerrors.NewProtocolError("invalid chunk size", err)
		}
		if size == 0 {
			p.chunkSub = chunkReadTrailers
			return true, nil
		}
		p.chunkRemain = size
		p.chunkSub = chunkReadData
		return true, nil

	case chunkReadData:
		if p.chunkRemain == 0 {
			p.chunkSub = chunkReadCRLF
			return true, nil
		}
		take := int64(len(p.pending))
		if take == 0 {
			return false, nil
		}
		if take > p.chunkRemain {
			take = p.chunkRemain
		}
		if _, err := p.Body.Write(p.pending[:take]); err != nil {
			return false, err
		}
		p.bodyReceived += take
		p.chunkRemain -= take
		p.pending = p.pending[take:]
		if p.chunkRemain == 0 {
			p.chunkSub = chunkReadCRLF
		}
		return true, nil

	case chunkReadCRLF:
		_, rest, found := findLine(p.pending)
		if !found {
			return false, nil
		}
		p.pending = rest
		p.chunkSub = chunkReadSize
		return true, nil

	case chunkReadTrailers:
		line, rest, found := findLine(p.pending)
		if !found {
			return false, nil
		}
		p.pending = rest
		if len(line) == 0 {
			p.state = StateComplete
			return true, nil
		}
		return true, nil

	default:
		return false, nil
	}
}
