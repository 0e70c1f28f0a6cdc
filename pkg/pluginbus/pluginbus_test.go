package pluginbus

import (
	"testing"

	goerrors "github.com/relaymesh/goproxy/pkg/errors"
	"github.com/relaymesh/goproxy/pkg/httpparser"
)

// stubPlugin lets each hook's return value be configured per test.
type stubPlugin struct {
	name          string
	allowUpstream bool
	allowRequest  bool
	rejectUpstream *goerrors.RejectedError
	rejectRequest  *goerrors.RejectedError
	dataOK        bool
	closeCalls    *[]string
}

func (s *stubPlugin) Name() string { return s.name }
func (s *stubPlugin) BeforeUpstreamConnection(*httpparser.Parser) (bool, *goerrors.RejectedError) {
	return s.allowUpstream, s.rejectUpstream
}
func (s *stubPlugin) HandleClientRequest(*httpparser.Parser) (bool, *goerrors.RejectedError) {
	return s.allowRequest, s.rejectRequest
}
func (s *stubPlugin) HandleClientData(raw []byte) ([]byte, bool) {
	if !s.dataOK {
		return nil, false
	}
	return append(raw, '!'), true
}
func (s *stubPlugin) HandleUpstreamChunk(raw []byte) []byte { return append(raw, '?') }
func (s *stubPlugin) OnResponseChunk(chunk []byte) ([]byte, bool) { return chunk, true }
func (s *stubPlugin) OnAccessLog(ctx map[string]any) (map[string]any, bool) { return ctx, true }
func (s *stubPlugin) OnClientConnectionClose() {
	if s.closeCalls != nil {
		*s.closeCalls = append(*s.closeCalls, s.name)
	}
}
func (s *stubPlugin) OnUpstreamConnectionClose()                                   {}
func (s *stubPlugin) GetDescriptors() (readable, writable []Descriptor)            { return nil, nil }
func (s *stubPlugin) ReadFromDescriptors(readable []Descriptor) (teardown bool)     { return false }
func (s *stubPlugin) WriteToDescriptors(writable []Descriptor) (teardown bool)      { return false }

func TestRegisterIsInsertionOrdered(t *testing.T) {
	b := New()
	b.Register(&stubPlugin{name: "a", allowUpstream: true, allowRequest: true, dataOK: true})
	b.Register(&stubPlugin{name: "b", allowUpstream: true, allowRequest: true, dataOK: true})
	b.Register(&stubPlugin{name: "a", allowUpstream: false}) // duplicate name, ignored

	names := make([]string, 0, 2)
	for _, p := range b.Plugins() {
		names = append(names, p.Name())
	}
	if len(names) != 2 || names[0] != "a" || names[1] != "b" {
		t.Fatalf("unexpected plugin order: %v", names)
	}
}

func TestDispatchBeforeUpstreamConnectionShortCircuits(t *testing.T) {
	b := New()
	b.Register(&stubPlugin{name: "allow", allowUpstream: true})
	b.Register(&stubPlugin{name: "deny", allowUpstream: false})
	b.Register(&stubPlugin{name: "never-reached", allowUpstream: true})

	req := httpparser.New(httpparser.TypeRequest)
	if ok, rej := b.DispatchBeforeUpstreamConnection(req); ok || rej != nil {
		t.Fatal("expected dispatch to short-circuit on deny with no rejection")
	}
}

func TestDispatchHandleClientRequestCarriesRejection(t *testing.T) {
	b := New()
	b.Register(&stubPlugin{name: "allow", allowRequest: true})
	b.Register(&stubPlugin{
		name:          "block",
		rejectRequest: goerrors.NewRejectedError(404, "Blocked", map[string]string{"Connection": "close"}),
	})
	b.Register(&stubPlugin{name: "never-reached", allowRequest: true})

	req := httpparser.New(httpparser.TypeRequest)
	ok, rej := b.DispatchHandleClientRequest(req)
	if ok || rej == nil {
		t.Fatal("expected dispatch to short-circuit with a rejection")
	}
	if rej.StatusCode != 404 || rej.Reason != "Blocked" {
		t.Fatalf("unexpected rejection detail: %+v", rej)
	}
}

func TestDispatchHandleClientDataChains(t *testing.T) {
	b := New()
	b.Register(&stubPlugin{name: "first", dataOK: true})
	b.Register(&stubPlugin{name: "second", dataOK: true})

	out, ok := b.DispatchHandleClientData([]byte("x"))
	if !ok {
		t.Fatal("expected ok=true")
	}
	if string(out) != "x!!" {
		t.Fatalf("expected chained transform %q, got %q", "x!!", out)
	}
}

func TestDispatchHandleClientDataDropsOnReject(t *testing.T) {
	b := New()
	b.Register(&stubPlugin{name: "first", dataOK: true})
	b.Register(&stubPlugin{name: "reject", dataOK: false})

	_, ok := b.DispatchHandleClientData([]byte("x"))
	if ok {
		t.Fatal("expected ok=false once a plugin rejects")
	}
}

func TestDispatchOnClientConnectionCloseNotifiesAll(t *testing.T) {
	var calls []string
	b := New()
	b.Register(&stubPlugin{name: "a", closeCalls: &calls})
	b.Register(&stubPlugin{name: "b", closeCalls: &calls})

	b.DispatchOnClientConnectionClose()

	if len(calls) != 2 || calls[0] != "a" || calls[1] != "b" {
		t.Fatalf("expected both plugins notified in order, got %v", calls)
	}
}
