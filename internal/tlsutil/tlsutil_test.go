package tlsutil

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// generateSelfSignedCert creates a self-signed certificate and private key,
// returning them as PEM-encoded byte slices.
func generateSelfSignedCert(t *testing.T, cn string) (certPEM, keyPEM []byte) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		t.Fatalf("generate serial: %v", err)
	}

	template := x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: cn},
		DNSNames:              []string{cn},
		NotBefore:             time.Now().Add(-1 * time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}
	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})

	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})

	return certPEM, keyPEM
}

func writePair(t *testing.T, dir, cn string) (certPath, keyPath string) {
	t.Helper()
	certPEM, keyPEM := generateSelfSignedCert(t, cn)
	certPath = filepath.Join(dir, "tls.crt")
	keyPath = filepath.Join(dir, "tls.key")
	if err := os.WriteFile(keyPath, keyPEM, 0600); err != nil {
		t.Fatalf("write key: %v", err)
	}
	if err := os.WriteFile(certPath, certPEM, 0600); err != nil {
		t.Fatalf("write cert: %v", err)
	}
	return certPath, keyPath
}

func commonName(t *testing.T, cert *tls.Certificate) string {
	t.Helper()
	parsed, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		t.Fatalf("parse certificate: %v", err)
	}
	return parsed.Subject.CommonName
}

func TestNewReloader(t *testing.T) {
	t.Run("loads the initial pair", func(t *testing.T) {
		certPath, keyPath := writePair(t, t.TempDir(), "imgdispatch.local")

		r, err := NewReloader(certPath, keyPath)
		if err != nil {
			t.Fatalf("NewReloader: %v", err)
		}
		defer r.Close()

		cert, err := r.GetCertificate(nil)
		if err != nil || cert == nil {
			t.Fatalf("GetCertificate = %v, %v", cert, err)
		}
		if cn := commonName(t, cert); cn != "imgdispatch.local" {
			t.Errorf("CN = %q", cn)
		}
	})

	t.Run("missing files", func(t *testing.T) {
		if _, err := NewReloader("/nonexistent/tls.crt", "/nonexistent/tls.key"); err == nil {
			t.Fatal("expected error")
		}
	})

	t.Run("mismatched pair", func(t *testing.T) {
		dir := t.TempDir()
		certPath, _ := writePair(t, dir, "one")
		_, keyPEM := generateSelfSignedCert(t, "two")
		keyPath := filepath.Join(dir, "other.key")
		if err := os.WriteFile(keyPath, keyPEM, 0600); err != nil {
			t.Fatalf("write key: %v", err)
		}
		if _, err := NewReloader(certPath, keyPath); err == nil {
			t.Fatal("expected error for mismatched cert/key")
		}
	})
}

func TestReloadOnRotation(t *testing.T) {
	dir := t.TempDir()
	certPath, keyPath := writePair(t, dir, "original")

	r, err := NewReloader(certPath, keyPath)
	if err != nil {
		t.Fatalf("NewReloader: %v", err)
	}
	defer r.Close()

	// Rotate by writing new files elsewhere and renaming them into place.
	staging := t.TempDir()
	newCert, newKey := writePair(t, staging, "rotated")
	if err := os.Rename(newKey, keyPath); err != nil {
		t.Fatalf("rename key: %v", err)
	}
	if err := os.Rename(newCert, certPath); err != nil {
		t.Fatalf("rename cert: %v", err)
	}

	deadline := time.After(3 * time.Second)
	for {
		cert, _ := r.GetCertificate(nil)
		if commonName(t, cert) == "rotated" {
			return
		}
		select {
		case <-r.reloaded:
		case <-time.After(100 * time.Millisecond):
		case <-deadline:
			t.Fatal("certificate was not reloaded within 3 seconds")
		}
	}
}

func TestServerConfig(t *testing.T) {
	certPath, keyPath := writePair(t, t.TempDir(), "server")
	r, err := NewReloader(certPath, keyPath)
	if err != nil {
		t.Fatalf("NewReloader: %v", err)
	}
	defer r.Close()

	cfg := r.ServerConfig()
	if cfg.MinVersion != tls.VersionTLS12 {
		t.Errorf("MinVersion = %x", cfg.MinVersion)
	}
	if cfg.GetCertificate == nil {
		t.Fatal("expected GetCertificate callback")
	}
	cert, err := cfg.GetCertificate(&tls.ClientHelloInfo{ServerName: "server"})
	if err != nil || cert == nil {
		t.Fatalf("GetCertificate = %v, %v", cert, err)
	}
}
