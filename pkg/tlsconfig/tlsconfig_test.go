package tlsconfig

import (
	"crypto/tls"
	"testing"
)

func TestProfileByNameDefaultsToSecure(t *testing.T) {
	p, err := ProfileByName("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Name != "secure" {
		t.Fatalf("expected default profile secure, got %q", p.Name)
	}
}

func TestProfileByNameUnknown(t *testing.T) {
	if _, err := ProfileByName("nonexistent"); err == nil {
		t.Fatal("expected an error for an unknown tls_profile name")
	}
}

func TestHandshakeProfileConfigureSecure(t *testing.T) {
	p, err := ProfileByName("secure")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	cfg := &tls.Config{}
	p.Configure(cfg)
	if cfg.MinVersion != tls.VersionTLS12 || cfg.MaxVersion != tls.VersionTLS13 {
		t.Fatalf("unexpected version range: min=%#x max=%#x", cfg.MinVersion, cfg.MaxVersion)
	}
	if len(cfg.CipherSuites) == 0 {
		t.Error("expected a non-empty cipher suite list for the secure profile")
	}
}

func TestHandshakeProfileConfigureModernLeavesCipherSuitesNil(t *testing.T) {
	p, err := ProfileByName("modern")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	cfg := &tls.Config{}
	p.Configure(cfg)
	if cfg.CipherSuites != nil {
		t.Error("expected nil CipherSuites for the TLS 1.3-only modern profile")
	}
}

func TestHandshakeProfileConfigureCompatibleIncludesCBCSuites(t *testing.T) {
	p, err := ProfileByName("compatible")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	cfg := &tls.Config{}
	p.Configure(cfg)
	found := false
	for _, s := range cfg.CipherSuites {
		if s == tls.TLS_ECDHE_RSA_WITH_AES_128_CBC_SHA {
			found = true
		}
	}
	if !found {
		t.Error("expected a CBC-mode cipher suite in the compatible profile")
	}
}

func TestVersionName(t *testing.T) {
	cases := []struct {
		version uint16
		want    string
	}{
		{tls.VersionTLS10, "TLS 1.0"},
		{tls.VersionTLS12, "TLS 1.2"},
		{tls.VersionTLS13, "TLS 1.3"},
		{0xffff, "unknown"},
	}
	for _, c := range cases {
		if got := VersionName(c.version); got != c.want {
			t.Errorf("VersionName(%#x) = %q, want %q", c.version, got, c.want)
		}
	}
}
