package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
)

func TestRecordCertMintDistinguishesHitAndMiss(t *testing.T) {
	r := New()
	r.RecordCertMint(true, 0.01)
	r.RecordCertMint(false, 0.2)

	body := scrape(t, r)
	if !strings.Contains(body, `goproxy_cert_mint_total{outcome="hit"} 1`) {
		t.Errorf("expected one hit recorded, body:\n%s", body)
	}
	if !strings.Contains(body, `goproxy_cert_mint_total{outcome="miss"} 1`) {
		t.Errorf("expected one miss recorded, body:\n%s", body)
	}
}

func TestRecordBytesIgnoresNonPositive(t *testing.T) {
	r := New()
	r.RecordBytes("client_to_server", 0)
	r.RecordBytes("client_to_server", -5)
	r.RecordBytes("client_to_server", 100)

	body := scrape(t, r)
	if !strings.Contains(body, `goproxy_bytes_forwarded_total{direction="client_to_server"} 100`) {
		t.Errorf("expected only the positive write counted, body:\n%s", body)
	}
}

func TestRecordTeardownIncrementsReason(t *testing.T) {
	r := New()
	r.RecordTeardown("timeout")
	r.RecordTeardown("timeout")
	r.RecordTeardown("reset")

	body := scrape(t, r)
	if !strings.Contains(body, `goproxy_teardowns_total{reason="timeout"} 2`) {
		t.Errorf("expected 2 timeout teardowns, body:\n%s", body)
	}
	if !strings.Contains(body, `goproxy_teardowns_total{reason="reset"} 1`) {
		t.Errorf("expected 1 reset teardown, body:\n%s", body)
	}
}

func scrape(t *testing.T, r *Registry) string {
	t.Helper()
	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, req)
	return rec.Body.String()
}
