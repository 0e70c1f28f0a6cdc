// Package proxyplugin implements the built-in forward-proxy behavior
// of spec.md §4.5: upstream connect, CONNECT tunneling, TLS
// interception, request forwarding, response streaming, and access
// logging. Grounded on proxy/http/proxy/server.py's HttpProxyPlugin.
//
// The source wires a nested plugin bus (HttpProxyBasePlugin) and a
// back-pointer from every such plugin to the client connection, so
// that TLS interception can swap every plugin's socket reference in
// lockstep (spec.md §9 Design Notes, "cyclic references"). Because
// pkg/conn.Conn wraps TLS in place rather than replacing the
// underlying net.Conn's identity, no such broadcast is needed here:
// every holder of *conn.Conn observes the wrap through the same
// pointer.
package proxyplugin

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/relaymesh/goproxy/pkg/certmint"
	"github.com/relaymesh/goproxy/pkg/config"
	"github.com/relaymesh/goproxy/pkg/conn"
	"github.com/relaymesh/goproxy/pkg/constants"
	"github.com/relaymesh/goproxy/pkg/events"
	goerrors "github.com/relaymesh/goproxy/pkg/errors"
	"github.com/relaymesh/goproxy/pkg/httpparser"
	"github.com/relaymesh/goproxy/pkg/metrics"
	"github.com/relaymesh/goproxy/pkg/pluginbus"
	"github.com/relaymesh/goproxy/pkg/timing"
	"github.com/relaymesh/goproxy/pkg/tlsconfig"
)

// tunnelEstablished is the fixed CONNECT success line of spec.md §4.5
// step 3 and §6.
var tunnelEstablished = []byte("HTTP/1.1 200 Connection established\r\n\r\n")

// Plugin is the built-in forward-proxy component of spec.md's
// component table. It is owned directly by the protocol handler (not
// registered into the handler's pluginbus.Bus), and in turn dispatches
// the finer §4.4 hooks through that same bus to any user-registered
// extension plugins.
type Plugin struct {
	id  uuid.UUID
	cfg *config.Config
	bus *pluginbus.Bus
	ev  *events.Queue
	met *metrics.Registry
	log *logrus.Entry

	mint    *certmint.Mint
	rootCAs *x509.CertPool

	client *conn.Conn
	server *conn.Conn

	startTime time.Time
	timer     *timing.StageTimer
	ttfbDone  bool

	response        *httpparser.Parser
	pipelineRequest *httpparser.Parser

	opaque bool // CONNECT tunnel with interception disabled: no further parsing

	doneOnce sync.Once
	done     chan struct{}
}

// New constructs a Plugin bound to one client connection and its
// request UUID, which also serves as the leaf certificate's serial
// per spec.md §4.3.
func New(id uuid.UUID, cfg *config.Config, bus *pluginbus.Bus, client *conn.Conn, mint *certmint.Mint, rootCAs *x509.CertPool, ev *events.Queue, met *metrics.Registry, log *logrus.Entry) *Plugin {
	return &Plugin{
		id:        id,
		cfg:       cfg,
		bus:       bus,
		ev:        ev,
		met:       met,
		log:       log,
		mint:      mint,
		rootCAs:   rootCAs,
		client:    client,
		startTime: time.Now(),
		timer:     timing.NewTimer(),
		response:  httpparser.New(httpparser.TypeResponse),
		done:      make(chan struct{}),
	}
}

// Done reports upstream pump termination, signaling the handler to
// tear down the connection.
func (p *Plugin) Done() <-chan struct{} { return p.done }

func (p *Plugin) signalDone() {
	p.doneOnce.Do(func() { close(p.done) })
}

// TLSInterceptionEnabled mirrors spec.md §4.5's gate: all four CA
// fields must be present together.
func (p *Plugin) TLSInterceptionEnabled() bool {
	return p.mint != nil
}

// OnRequestComplete implements spec.md §4.5's on_request_complete:
// the CONNECT path (tunneling, optional interception) and the HTTP
// forwarding path. teardown reports whether the handler must end the
// connection immediately (plugin rejection, upstream failure).
func (p *Plugin) OnRequestComplete(req *httpparser.Parser) (teardown bool, err error) {
	if !req.HasHost() {
		return false, nil
	}

	p.emitRequestComplete(req)

	doConnect, rej := p.bus.DispatchBeforeUpstreamConnection(req)
	if rej != nil {
		return true, rej
	}

	ok, rej := p.bus.DispatchHandleClientRequest(req)
	if rej != nil {
		return true, rej
	}
	if !ok {
		return true, nil
	}

	// Connect upstream only once no plugin has rejected the request, so
	// a filter match (spec.md §7 Scenario 5) never opens a socket it's
	// about to tear down.
	if doConnect {
		if connErr := p.connectUpstream(req.Host, req.Port); connErr != nil {
			return true, connErr
		}
	}

	if p.server == nil {
		return false, nil
	}

	if req.IsConnect() {
		p.client.Queue(tunnelEstablished)
		if p.TLSInterceptionEnabled() {
			if iErr := p.intercept(req); iErr != nil {
				return true, iErr
			}
		} else {
			p.opaque = true
		}
	} else {
		req.DelHeader("proxy-authorization")
		req.DelHeader("proxy-connection")
		req.AddHeader("Via", "1.1 "+constants.ViaAgentToken)
		p.server.Queue(req.Build(p.cfg.DisableHeaderSet()))
	}

	go p.pumpUpstream(req)
	return false, nil
}

// connectUpstream opens a non-blocking TCP connection to the
// request's host:port, per spec.md §4.5 step 2. A dial failure
// surfaces as an upstream-connect error the caller translates into a
// synthesized 502.
func (p *Plugin) connectUpstream(host string, port int) error {
	if host == "" || port == 0 {
		return goerrors.NewProtocolError("CONNECT/absolute-URI request missing host or port", nil)
	}
	addr := fmt.Sprintf("%s:%d", host, port)
	start := time.Now()
	p.timer.StartTCP()
	raw, err := net.DialTimeout("tcp", addr, constants.DefaultHandlerTimeout)
	p.timer.EndTCP()
	if err != nil {
		return goerrors.NewUpstreamConnectError(host, port, err)
	}
	p.log.WithFields(logrus.Fields{"host": host, "port": port, "elapsed": time.Since(start)}).Debug("connected upstream")
	p.server = conn.New(raw, conn.TagServer)
	return nil
}

// intercept implements spec.md §4.5's interception sub-protocol: TLS
// client handshake to upstream, mint/fetch the leaf, flush pending
// client bytes, TLS server handshake with the client using the leaf.
func (p *Plugin) intercept(req *httpparser.Parser) error {
	profile, err := tlsconfig.ProfileByName(p.cfg.TLSProfile)
	if err != nil {
		return goerrors.NewInterceptError(req.Host, "resolve_tls_profile", err)
	}
	tlsCfg := &tls.Config{InsecureSkipVerify: true}
	profile.Configure(tlsCfg)
	if p.rootCAs != nil {
		tlsCfg.InsecureSkipVerify = false
		tlsCfg.RootCAs = p.rootCAs
	}

	p.timer.StartTLS()
	state, err := p.server.WrapClient(req.Host, tlsCfg)
	p.timer.EndTLS()
	if err != nil {
		return goerrors.NewInterceptError(req.Host, "wrap_server_leg", err)
	}
	var peerCert *x509.Certificate
	if len(state.PeerCertificates) > 0 {
		peerCert = state.PeerCertificates[0]
	}
	p.log.WithFields(logrus.Fields{"host": req.Host, "negotiated_version": tlsconfig.VersionName(state.Version), "profile": profile.Name}).Debug("upstream handshake negotiated")

	mintStart := time.Now()
	_, hit, mintErr := p.mint.GenerateLeaf(req.Host, peerCert, p.id)
	if mintErr != nil {
		return mintErr
	}
	if p.met != nil {
		p.met.RecordCertMint(hit, time.Since(mintStart).Seconds())
	}
	leaf, err := p.mint.LoadLeaf(req.Host)
	if err != nil {
		return err
	}

	for p.client.HasBuffer() {
		if _, err := p.client.Flush(); err != nil {
			return goerrors.NewInterceptError(req.Host, "flush_before_wrap", err)
		}
	}

	if err := p.client.WrapServer(leaf); err != nil {
		return goerrors.NewInterceptError(req.Host, "wrap_client_leg", err)
	}
	p.log.WithField("host", req.Host).Debug("TLS interception established")
	return nil
}

// HandleClientData routes raw client bytes per spec.md §4.5's
// "Pipelined client requests" and the pre-upstream on_client_data
// behavior. drop reports the handler must not additionally feed raw
// into the main request parser this tick.
func (p *Plugin) HandleClientData(raw []byte, req *httpparser.Parser) (out []byte, drop bool, err error) {
	if !req.HasHost() {
		return raw, false, nil
	}

	if p.server == nil {
		data, ok := p.bus.DispatchHandleClientData(raw)
		if !ok {
			return nil, true, nil
		}
		return data, false, nil
	}

	if p.server.Closed() {
		return raw, false, nil
	}

	pipelineEligible := req.State() == httpparser.StateComplete &&
		(!req.IsConnect() || p.TLSInterceptionEnabled())
	if !pipelineEligible {
		p.server.Queue(raw)
		return nil, true, nil
	}

	if p.pipelineRequest != nil && p.pipelineRequest.IsConnectionUpgrade() {
		p.server.Queue(raw)
		return nil, true, nil
	}

	if p.pipelineRequest == nil {
		p.pipelineRequest = httpparser.New(httpparser.TypeRequest)
	}
	if feedErr := p.pipelineRequest.Feed(raw); feedErr != nil {
		return nil, true, goerrors.NewProtocolError("pipeline request parse failed", feedErr)
	}
	if p.pipelineRequest.State() == httpparser.StateComplete {
		pending := p.pipelineRequest
		ok, rej := p.bus.DispatchHandleClientRequest(pending)
		if rej != nil {
			p.pipelineRequest = nil
			return nil, true, rej
		}
		if !ok {
			p.pipelineRequest = nil
			return nil, true, nil
		}
		p.server.Queue(pending.Build(p.cfg.DisableHeaderSet()))
		if !pending.IsConnectionUpgrade() {
			p.pipelineRequest = nil
		}
	}
	return nil, true, nil
}

// pumpUpstream flushes bytes queued for the upstream and reads upstream
// bytes for the lifetime of the server connection, queueing them to the
// client, per spec.md §4.5 step 5 and §4.7. It preserves the source's literal behavior (server.py
// read_from_descriptors): response parsing is skipped entirely for
// CONNECT requests, intercepted or not, and only total_size is
// accumulated — see SPEC_FULL.md §10's Open Question decision.
func (p *Plugin) pumpUpstream(req *httpparser.Parser) {
	defer p.signalDone()

	p.timer.StartTTFB()
	var pipelineResponse *httpparser.Parser
	for {
		if p.server.HasBuffer() {
			n, err := p.server.Flush()
			if p.met != nil {
				p.met.RecordBytes("client_to_server", n)
			}
			if err != nil {
				switch goerrors.Classify(err) {
				case goerrors.ClassRetryable, goerrors.ClassTimeout:
				default:
					p.log.WithError(err).Warn("error flushing buffer to upstream")
					return
				}
			}
		}
		raw, err := p.server.Recv(p.cfg.ServerRecvBufSize, constants.DefaultSelectTimeout)
		if err != nil {
			if err == conn.ErrClosed {
				p.log.Debug("upstream closed connection")
				return
			}
			switch goerrors.Classify(err) {
			case goerrors.ClassRetryable, goerrors.ClassTimeout:
				// The per-tick read deadline expired with nothing to
				// read: this is the polling mechanism, not a stalled
				// upstream, so keep pumping.
				continue
			case goerrors.ClassReset:
				p.log.WithError(err).Warn("upstream connection reset")
				return
			default:
				p.log.WithError(err).Error("fatal error reading from upstream")
				return
			}
		}
		if len(raw) == 0 {
			continue
		}
		if !p.ttfbDone {
			p.timer.EndTTFB()
			p.ttfbDone = true
		}

		raw = p.bus.DispatchHandleUpstreamChunk(raw)

		if req.IsConnect() {
			p.response.TotalSize += int64(len(raw))
		} else if p.response.State() != httpparser.StateComplete {
			_ = p.response.Feed(raw)
		} else {
			if pipelineResponse == nil {
				pipelineResponse = httpparser.New(httpparser.TypeResponse)
			}
			_ = pipelineResponse.Feed(raw)
			if pipelineResponse.State() == httpparser.StateComplete {
				pipelineResponse = nil
			}
		}

		chunk, ok := p.bus.DispatchOnResponseChunk(raw)
		if !ok {
			continue
		}
		p.client.Queue(chunk)
		if p.met != nil {
			p.met.RecordBytes("server_to_client", len(chunk))
		}
	}
}

// OnClientConnectionClose implements spec.md §4.5's access-log
// construction and teardown propagation to plugins and the upstream
// connection.
func (p *Plugin) OnClientConnectionClose(req *httpparser.Parser) {
	if !req.HasHost() {
		return
	}

	var serverHost string
	var serverPort int
	if p.server != nil {
		if tcp, ok := p.server.Addr().(*net.TCPAddr); ok {
			serverHost, serverPort = tcp.IP.String(), tcp.Port
		}
	}
	clientIP, clientPort := "", 0
	if tcp, ok := p.client.Addr().(*net.TCPAddr); ok {
		clientIP, clientPort = tcp.IP.String(), tcp.Port
	}

	tm := p.timer.GetMetrics()
	ctx := map[string]any{
		"client_ip":          clientIP,
		"client_port":        clientPort,
		"request_method":     req.Method,
		"request_path":       req.Path,
		"server_host":        serverHost,
		"server_port":        serverPort,
		"response_bytes":     p.response.TotalSize,
		"connection_time_ms": fmt.Sprintf("%.2f", time.Since(p.startTime).Seconds()*1000),
		"upstream_connect_ms": fmt.Sprintf("%.2f", tm.ConnectionTime().Seconds()*1000),
		"server_time_ms":      fmt.Sprintf("%.2f", tm.ServerTime().Seconds()*1000),
		"response_code":       p.response.StatusCode,
		"response_reason":     p.response.Reason,
		"timing":              tm.String(),
	}
	if p.met != nil {
		p.met.RequestDuration.Observe(tm.TotalTime.Seconds())
	}

	_, handled := p.bus.DispatchOnAccessLog(ctx)
	if !handled {
		p.accessLog(req, ctx)
	}

	p.bus.DispatchOnUpstreamConnectionClose()

	if p.server != nil {
		_ = p.server.Close()
	}
}

func (p *Plugin) accessLog(req *httpparser.Parser, ctx map[string]any) {
	if req.IsConnect() {
		p.log.WithFields(ctx).Infof("%s:%d -> %s:%d",
			ctx["client_ip"], ctx["client_port"], ctx["server_host"], ctx["server_port"])
		return
	}
	p.log.WithFields(ctx).Infof("%s:%d -> %s %s -> %v %s",
		ctx["client_ip"], ctx["client_port"], req.Method, req.Path,
		ctx["response_code"], ctx["response_reason"])
}

func (p *Plugin) emitRequestComplete(req *httpparser.Parser) {
	if p.ev == nil {
		return
	}
	url := req.Path
	if !req.IsConnect() {
		url = fmt.Sprintf("http://%s:%d%s", req.Host, req.Port, req.Path)
	}
	headers := make(map[string]any, len(req.Headers()))
	for _, h := range req.Headers() {
		headers[h.Name] = strings.Join(h.Values, ", ")
	}
	var body any
	if req.Method == "POST" {
		b, _ := req.Body.ReadAll()
		body = string(b)
	}
	p.ev.Publish(p.id, events.RequestComplete, map[string]any{
		"url":     url,
		"method":  req.Method,
		"headers": headers,
		"body":    body,
	}, "ProxyPlugin")
}
