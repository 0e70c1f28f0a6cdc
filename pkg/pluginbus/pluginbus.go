// Package pluginbus implements the ordered plugin registry and
// dispatch contract of spec.md §4.4.
//
// The source (proxy/http/proxy/server.py's HttpProxyBasePlugin and
// proxy/http/handler.py's HttpProtocolHandlerPlugin) discovers plugins
// by class name string. Per spec.md §9 Design Notes, this is replaced
// by a statically-typed Go interface registered explicitly at startup;
// the bus is simply an ordered slice of such instances.
package pluginbus

import (
	goerrors "github.com/relaymesh/goproxy/pkg/errors"
	"github.com/relaymesh/goproxy/pkg/httpparser"
)

// Descriptor identifies a plugin-owned file descriptor participating
// in the handler's readiness loop (spec.md §4.4 get_descriptors).
type Descriptor interface {
	Fd() uintptr
}

// Plugin is the static trait every registered plugin implements.
// Each hook mirrors one callback of spec.md §4.4. A hook that can
// short-circuit returns (value, false) to signal "terminate the chain
// and abort this operation"; a hook that cannot short-circuit returns
// only a transformed value.
type Plugin interface {
	// Name identifies the plugin for logging and the handler's
	// insertion-ordered plugin map (spec.md §3 Protocol handler).
	Name() string

	// BeforeUpstreamConnection may suppress the upstream connect by
	// returning ok=false, rej=nil — the plugin handles the request
	// itself without an upstream (e.g. serving from cache). Returning a
	// non-nil rej rejects the request outright, mirroring the source's
	// HttpRequestRejected: the handler synthesizes rej's status/headers
	// back to the client and never opens an upstream connection.
	BeforeUpstreamConnection(req *httpparser.Parser) (ok bool, rej *goerrors.RejectedError)

	// HandleClientRequest performs final request transformation;
	// returning ok=false aborts the request, and a non-nil rej carries
	// the status code/headers/reason to surface to the client verbatim
	// before teardown (spec.md §4.4/§7 "Request rejected").
	HandleClientRequest(req *httpparser.Parser) (ok bool, rej *goerrors.RejectedError)

	// HandleClientData is invoked for bytes received before an
	// upstream is established, or for opaque post-CONNECT payloads.
	// Returning (nil, false) means the plugin consumed the data and no
	// further plugin or parser should see it.
	HandleClientData(raw []byte) (out []byte, ok bool)

	// HandleUpstreamChunk transforms bytes received from upstream
	// before they are queued to the client.
	HandleUpstreamChunk(raw []byte) []byte

	// OnResponseChunk is the last-mile hook before bytes are flushed
	// to the client; returning (nil, false) drops the chunk.
	OnResponseChunk(chunk []byte) (out []byte, ok bool)

	// OnAccessLog receives the access-log context; returning ok=false
	// means the plugin claimed ownership of logging this connection.
	OnAccessLog(ctx map[string]any) (out map[string]any, ok bool)

	OnClientConnectionClose()
	OnUpstreamConnectionClose()

	GetDescriptors() (readable []Descriptor, writable []Descriptor)
	ReadFromDescriptors(readable []Descriptor) (teardown bool)
	WriteToDescriptors(writable []Descriptor) (teardown bool)
}

// Bus is the ordered, insertion-order registry of plugins a Protocol
// handler dispatches lifecycle callbacks through (spec.md §4.4).
type Bus struct {
	order   []string
	plugins map[string]Plugin
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{plugins: make(map[string]Plugin)}
}

// Register appends a plugin, keyed by its Name, in insertion order.
func (b *Bus) Register(p Plugin) {
	name := p.Name()
	if _, exists := b.plugins[name]; exists {
		return
	}
	b.order = append(b.order, name)
	b.plugins[name] = p
}

// Plugins returns the registered plugins in insertion order.
func (b *Bus) Plugins() []Plugin {
	out := make([]Plugin, 0, len(b.order))
	for _, name := range b.order {
		out = append(out, b.plugins[name])
	}
	return out
}

// DispatchBeforeUpstreamConnection runs the chain in order; the first
// plugin to return ok=false short-circuits the remainder. A non-nil
// rej on that plugin is returned to the caller for synthesis into a
// rejection response; ok=false with a nil rej just means "skip the
// upstream connect" (e.g. a caching plugin answering in its place).
func (b *Bus) DispatchBeforeUpstreamConnection(req *httpparser.Parser) (bool, *goerrors.RejectedError) {
	for _, p := range b.Plugins() {
		ok, rej := p.BeforeUpstreamConnection(req)
		if rej != nil {
			return false, rej
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

// DispatchHandleClientRequest runs the chain in order with
// short-circuit; a non-nil rej from the rejecting plugin is returned
// to the caller to surface as the synthesized rejection response.
func (b *Bus) DispatchHandleClientRequest(req *httpparser.Parser) (bool, *goerrors.RejectedError) {
	for _, p := range b.Plugins() {
		ok, rej := p.HandleClientRequest(req)
		if rej != nil {
			return false, rej
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

// DispatchHandleClientData runs the chain in order, each plugin
// observing the prior plugin's transformed bytes.
func (b *Bus) DispatchHandleClientData(raw []byte) ([]byte, bool) {
	data := raw
	for _, p := range b.Plugins() {
		out, ok := p.HandleClientData(data)
		if !ok {
			return nil, false
		}
		data = out
	}
	return data, true
}

// DispatchHandleUpstreamChunk runs the chain in order; it cannot
// short-circuit (spec.md §4.4 signature has no None return).
func (b *Bus) DispatchHandleUpstreamChunk(raw []byte) []byte {
	data := raw
	for _, p := range b.Plugins() {
		data = p.HandleUpstreamChunk(data)
	}
	return data
}

// DispatchOnResponseChunk runs the chain in order; a plugin may drop
// the chunk entirely.
func (b *Bus) DispatchOnResponseChunk(chunk []byte) ([]byte, bool) {
	data := chunk
	for _, p := range b.Plugins() {
		out, ok := p.OnResponseChunk(data)
		if !ok {
			return nil, false
		}
		data = out
	}
	return data, true
}

// DispatchOnAccessLog runs the chain in order; the first plugin to
// claim ownership (ok=false) stops further plugins and tells the
// caller not to emit the default log line.
func (b *Bus) DispatchOnAccessLog(ctx map[string]any) (map[string]any, bool) {
	cur := ctx
	for _, p := range b.Plugins() {
		out, ok := p.OnAccessLog(cur)
		if !ok {
			return out, false
		}
		cur = out
	}
	return cur, true
}

// DispatchOnClientConnectionClose notifies every plugin in order.
func (b *Bus) DispatchOnClientConnectionClose() {
	for _, p := range b.Plugins() {
		p.OnClientConnectionClose()
	}
}

// DispatchOnUpstreamConnectionClose notifies every plugin in order.
func (b *Bus) DispatchOnUpstreamConnectionClose() {
	for _, p := range b.Plugins() {
		p.OnUpstreamConnectionClose()
	}
}
