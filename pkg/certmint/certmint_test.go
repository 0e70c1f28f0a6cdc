package certmint

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
)

func testCA(t *testing.T) CA {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generating CA key: %v", err)
	}
	template := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "test CA"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().AddDate(1, 0, 0),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("self-signing CA: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("parsing CA cert: %v", err)
	}
	return CA{Cert: cert, Key: key, CertDir: t.TempDir(), Bits: 2048}
}

func TestGenerateLeafMintsAndCaches(t *testing.T) {
	m := New(testCA(t))
	connID := uuid.New()

	path1, hit1, err := m.GenerateLeaf("example.com", nil, connID)
	if err != nil {
		t.Fatalf("GenerateLeaf: %v", err)
	}
	if hit1 {
		t.Fatal("expected cache miss on first mint")
	}
	if path1 != filepath.Join(m.ca.CertDir, "example.com.pem") {
		t.Fatalf("unexpected leaf path: %s", path1)
	}

	path2, hit2, err := m.GenerateLeaf("example.com", nil, uuid.New())
	if err != nil {
		t.Fatalf("GenerateLeaf second call: %v", err)
	}
	if !hit2 {
		t.Fatal("expected cache hit on second mint for the same host")
	}
	if path1 != path2 {
		t.Fatalf("expected identical path across hits, got %s vs %s", path1, path2)
	}
}

func TestGenerateLeafCopiesPeerSubjectFields(t *testing.T) {
	m := New(testCA(t))
	peer := &x509.Certificate{
		Subject: pkix.Name{
			Country:      []string{"NL"},
			Organization: []string{"Acme"},
		},
	}

	path, _, err := m.GenerateLeaf("secure.example.com", peer, uuid.New())
	if err != nil {
		t.Fatalf("GenerateLeaf: %v", err)
	}

	leaf, err := m.LoadLeaf("secure.example.com")
	if err != nil {
		t.Fatalf("LoadLeaf: %v", err)
	}
	parsed, err := x509.ParseCertificate(leaf.Certificate[0])
	if err != nil {
		t.Fatalf("parsing minted leaf: %v", err)
	}
	if len(parsed.Subject.Organization) != 1 || parsed.Subject.Organization[0] != "Acme" {
		t.Fatalf("expected organization copied from peer cert, got %v", parsed.Subject.Organization)
	}
	if len(parsed.DNSNames) != 1 || parsed.DNSNames[0] != "secure.example.com" {
		t.Fatalf("expected SAN to be the requested host, got %v", parsed.DNSNames)
	}
	_ = path
}

func TestUUIDToSerialIsDeterministic(t *testing.T) {
	id := uuid.New()
	a := uuidToSerial(id)
	b := uuidToSerial(id)
	if a.Cmp(b) != 0 {
		t.Fatal("expected the same UUID to produce the same serial")
	}
}
