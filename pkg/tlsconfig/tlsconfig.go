// Package tlsconfig resolves the interception handshake's configured
// security profile (spec.md §6's tls_profile) into a concrete
// crypto/tls.Config version range and cipher suite list, for the
// upstream client-leg handshake pkg/proxyplugin.intercept performs
// when minting a leaf certificate (spec.md §4.5/§4.3).
package tlsconfig

import (
	"fmt"
	"sort"

	"crypto/tls"
)

// HandshakeProfile bundles the version range and cipher suite set the
// interception handshake negotiates with the real upstream, keyed by
// name so operators can select one via spec.md §6's tls_profile.
type HandshakeProfile struct {
	Name        string
	Min         uint16
	Max         uint16
	CipherSuite func(minVersion uint16) []uint16
	Description string
}

// Configure applies both the version range and the matching cipher
// suite list to cfg in one step; the interception handshake has no
// use for a version bound without its paired cipher set, unlike a
// generic TLS config helper that might apply either independently.
func (hp HandshakeProfile) Configure(cfg *tls.Config) {
	cfg.MinVersion = hp.Min
	cfg.MaxVersion = hp.Max
	if hp.CipherSuite != nil {
		cfg.CipherSuites = hp.CipherSuite(hp.Min)
	}
}

var (
	// secureCiphers is used only by profiles whose floor is TLS 1.2+;
	// TLS 1.3 negotiates its own suites regardless of CipherSuites.
	secureCiphers = []uint16{
		tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
		tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
		tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
		tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
		tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305_SHA256,
		tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256,
	}

	compatibleCiphers = append(append([]uint16{}, secureCiphers...),
		tls.TLS_ECDHE_RSA_WITH_AES_128_CBC_SHA256,
		tls.TLS_ECDHE_RSA_WITH_AES_128_CBC_SHA,
		tls.TLS_ECDHE_ECDSA_WITH_AES_128_CBC_SHA256,
		tls.TLS_ECDHE_ECDSA_WITH_AES_128_CBC_SHA,
		tls.TLS_ECDHE_RSA_WITH_AES_256_CBC_SHA,
		tls.TLS_ECDHE_ECDSA_WITH_AES_256_CBC_SHA,
	)

	// profiles is the tls_profile registry, ordered least to most
	// permissive; ProfileByName looks names up here directly rather
	// than exposing each profile as its own package-level var.
	profiles = map[string]HandshakeProfile{
		"modern": {
			Name:        "modern",
			Min:         tls.VersionTLS13,
			Max:         tls.VersionTLS13,
			Description: "TLS 1.3 only, upstreams that don't support it fail the handshake",
		},
		"secure": {
			Name: "secure",
			Min:  tls.VersionTLS12,
			Max:  tls.VersionTLS13,
			CipherSuite: func(uint16) []uint16 {
				return secureCiphers
			},
			Description: "TLS 1.2+ with AEAD-only cipher suites (default)",
		},
		"compatible": {
			Name: "compatible",
			Min:  tls.VersionTLS10,
			Max:  tls.VersionTLS13,
			CipherSuite: func(uint16) []uint16 {
				return compatibleCiphers
			},
			Description: "TLS 1.0+, accepts CBC-mode suites for legacy upstreams",
		},
	}

	// DefaultProfile is applied when spec.md §6's tls_profile is unset.
	DefaultProfile = profiles["secure"]
)

// ProfileByName resolves a configured tls_profile name, per spec.md
// §6. An unknown name is a configuration error surfaced at startup
// rather than silently falling back to DefaultProfile.
func ProfileByName(name string) (HandshakeProfile, error) {
	if name == "" {
		return DefaultProfile, nil
	}
	p, ok := profiles[name]
	if !ok {
		return HandshakeProfile{}, fmt.Errorf("unknown tls_profile %q (want one of %s)", name, profileNames())
	}
	return p, nil
}

func profileNames() string {
	names := make([]string, 0, len(profiles))
	for n := range profiles {
		names = append(names, n)
	}
	sort.Strings(names)
	out := ""
	for i, n := range names {
		if i > 0 {
			out += ", "
		}
		out += n
	}
	return out
}

// VersionName returns a human-readable label for a negotiated
// tls.ConnectionState.Version; pkg/proxyplugin logs it at debug level
// when the interception handshake with the upstream completes.
func VersionName(version uint16) string {
	switch version {
	case tls.VersionTLS10:
		return "TLS 1.0"
	case tls.VersionTLS11:
		return "TLS 1.1"
	case tls.VersionTLS12:
		return "TLS 1.2"
	case tls.VersionTLS13:
		return "TLS 1.3"
	default:
		return "unknown"
	}
}
