package serverutil

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"log/slog"
	"math/big"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// startRun launches Run in the background and waits for the listener to bind.
func startRun(t *testing.T, ctx context.Context, cfg Config) <-chan error {
	t.Helper()

	ready := make(chan struct{})
	cfg.Ready = ready

	done := make(chan error, 1)
	go func() {
		done <- Run(ctx, cfg)
	}()

	select {
	case <-ready:
	case err := <-done:
		t.Fatalf("run exited before binding: %v", err)
	case <-time.After(time.Second):
		t.Fatal("listener never bound")
	}
	return done
}

func awaitShutdown(t *testing.T, done <-chan error) {
	t.Helper()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("run did not return after cancel")
	}
}

func TestRunGracefulShutdown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	done := startRun(t, ctx, Config{
		Server:          &http.Server{Addr: "127.0.0.1:0", Handler: http.NewServeMux()},
		ShutdownTimeout: time.Second,
	})

	cancel()
	awaitShutdown(t, done)
}

func TestRunLogsBoundAddress(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	done := startRun(t, ctx, Config{
		Server:          &http.Server{Addr: "127.0.0.1:0", Handler: http.NewServeMux()},
		ShutdownTimeout: time.Second,
		Logger:          logger,
	})

	cancel()
	awaitShutdown(t, done)

	out := buf.String()
	if !strings.Contains(out, "listener bound") {
		t.Fatalf("expected bind log, got %q", out)
	}
	if !strings.Contains(out, "tls=false") {
		t.Fatalf("expected tls=false in %q", out)
	}
}

func TestRunUsesTLSWhenConfigured(t *testing.T) {
	certFile, keyFile := writeSelfSignedCert(t)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	done := startRun(t, ctx, Config{
		Server:          &http.Server{Addr: "127.0.0.1:0", Handler: http.NewServeMux()},
		ShutdownTimeout: time.Second,
		TLS:             TLSConfig{CertFile: certFile, KeyFile: keyFile},
	})

	cancel()
	awaitShutdown(t, done)
}

func TestRunReportsBindFailure(t *testing.T) {
	occupied, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = occupied.Close() })

	ready := make(chan struct{})
	runErr := Run(context.Background(), Config{
		Server:          &http.Server{Addr: occupied.Addr().String(), Handler: http.NewServeMux()},
		ShutdownTimeout: time.Second,
		Ready:           ready,
	})
	if runErr == nil {
		t.Fatal("expected bind error for occupied address")
	}

	select {
	case <-ready:
		t.Fatal("ready closed despite bind failure")
	default:
	}
}

func writeSelfSignedCert(t *testing.T) (string, string) {
	t.Helper()

	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	tmpl := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "localhost"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{"localhost"},
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &priv.PublicKey, priv)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(priv)})

	dir := t.TempDir()
	certPath := filepath.Join(dir, "cert.pem")
	keyPath := filepath.Join(dir, "key.pem")

	if err := os.WriteFile(certPath, certPEM, 0o600); err != nil {
		t.Fatalf("write cert: %v", err)
	}
	if err := os.WriteFile(keyPath, keyPEM, 0o600); err != nil {
		t.Fatalf("write key: %v", err)
	}
	return certPath, keyPath
}
