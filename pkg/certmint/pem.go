package certmint

import (
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"os"

	goerrors "github.com/relaymesh/goproxy/pkg/errors"
)

func encodeCertPEM(der []byte) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
}

func encodeKeyPEM(key *rsa.PrivateKey) []byte {
	return pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
}

func writeRSAKey(path string, key *rsa.PrivateKey) error {
	if err := os.WriteFile(path, encodeKeyPEM(key), 0o600); err != nil {
		return goerrors.NewInterceptError(path, "write_key", err)
	}
	return nil
}

func loadRSAKey(path string) (*rsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, goerrors.NewInterceptError(path, "read_key", err)
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, goerrors.NewInterceptError(path, "decode_key", nil)
	}
	key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, goerrors.NewInterceptError(path, "parse_key", err)
	}
	return key, nil
}

// LoadCA reads a CA certificate and RSA signing key from PEM files,
// used by the acceptor at startup to populate a CA struct from the
// ca_cert_file / ca_key_file configuration values of spec.md §6.
func LoadCA(certFile, keyFile, certDir string) (CA, error) {
	certPEM, err := os.ReadFile(certFile)
	if err != nil {
		return CA{}, goerrors.NewInterceptError(certFile, "read_ca_cert", err)
	}
	block, _ := pem.Decode(certPEM)
	if block == nil {
		return CA{}, goerrors.NewInterceptError(certFile, "decode_ca_cert", nil)
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return CA{}, goerrors.NewInterceptError(certFile, "parse_ca_cert", err)
	}

	key, err := loadRSAKey(keyFile)
	if err != nil {
		return CA{}, err
	}

	return CA{Cert: cert, Key: key, CertDir: certDir}, nil
}

// LoadLeaf reads back a minted leaf (cert+key concatenated by
// signLeaf) as a tls.Certificate ready for (*conn.Conn).WrapServer.
func (m *Mint) LoadLeaf(host string) (tls.Certificate, error) {
	path := m.LeafPath(host)
	data, err := os.ReadFile(path)
	if err != nil {
		return tls.Certificate{}, goerrors.NewInterceptError(host, "read_leaf", err)
	}
	certBlock, rest := pem.Decode(data)
	if certBlock == nil {
		return tls.Certificate{}, goerrors.NewInterceptError(host, "decode_leaf_cert", nil)
	}
	keyBlock, _ := pem.Decode(rest)
	if keyBlock == nil {
		return tls.Certificate{}, goerrors.NewInterceptError(host, "decode_leaf_key", nil)
	}
	cert, err := tls.X509KeyPair(pem.EncodeToMemory(certBlock), pem.EncodeToMemory(keyBlock))
	if err != nil {
		return tls.Certificate{}, goerrors.NewInterceptError(host, "x509_key_pair", err)
	}
	return cert, nil
}
