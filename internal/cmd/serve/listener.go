package serve

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"math/big"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/chirino/ai-proxy-monitor/internal/config"
	"github.com/soheilhy/cmux"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// Listener is one TCP port answering HTTP, HTTPS, or both.
type Listener struct {
	Port int

	root    net.Listener
	servers []*http.Server
	once    sync.Once
}

// Listen serves handler on cfg.Port. With both protocols enabled, cmux
// routes TLS handshakes to the HTTPS server and everything else to h2c.
func Listen(cfg config.ListenerConfig, handler http.Handler) (*Listener, error) {
	if !cfg.EnablePlainText && !cfg.EnableTLS {
		return nil, errors.New("listener needs plaintext or tls enabled")
	}
	if cfg.ReadHeaderTimeout == 0 {
		cfg.ReadHeaderTimeout = 5 * time.Second
	}

	var cert tls.Certificate
	if cfg.EnableTLS {
		var err error
		if cert, err = serverCertificate(cfg.TLSCertFile, cfg.TLSKeyFile); err != nil {
			return nil, err
		}
	}

	root, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Port))
	if err != nil {
		return nil, fmt.Errorf("listen on port %d: %w", cfg.Port, err)
	}
	l := &Listener{root: root}
	if addr, ok := root.Addr().(*net.TCPAddr); ok {
		l.Port = addr.Port
	}

	mux := cmux.New(root)
	// TLS must be matched before the catch-all.
	if cfg.EnableTLS {
		https := tls.NewListener(mux.Match(cmux.TLS()), &tls.Config{
			Certificates: []tls.Certificate{cert},
			NextProtos:   []string{"h2", "http/1.1"},
			MinVersion:   tls.VersionTLS12,
		})
		l.serve("https", https, handler, cfg.ReadHeaderTimeout)
	}
	if cfg.EnablePlainText {
		l.serve("http", mux.Match(cmux.Any()), h2c.NewHandler(handler, &http2.Server{}), cfg.ReadHeaderTimeout)
	}
	go func() {
		if err := mux.Serve(); err != nil && !errors.Is(err, net.ErrClosed) && !strings.Contains(err.Error(), "use of closed network connection") {
			log.Error("Connection mux stopped", "port", l.Port, "err", err)
		}
	}()
	return l, nil
}

func (l *Listener) serve(scheme string, lis net.Listener, handler http.Handler, readHeaderTimeout time.Duration) {
	s := &http.Server{Handler: handler, ReadHeaderTimeout: readHeaderTimeout}
	l.servers = append(l.servers, s)
	go func() {
		if err := s.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("HTTP server stopped", "scheme", scheme, "port", l.Port, "err", err)
		}
	}()
}

// Close drains in-flight requests until ctx expires, then releases the port.
// Later calls are no-ops.
func (l *Listener) Close(ctx context.Context) error {
	var errs []error
	l.once.Do(func() {
		for _, s := range l.servers {
			if err := s.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errs = append(errs, err)
			}
		}
		_ = l.root.Close()
	})
	return errors.Join(errs...)
}

// serverCertificate loads the configured key pair, or mints a throwaway
// localhost certificate when none is configured.
func serverCertificate(certFile, keyFile string) (tls.Certificate, error) {
	if strings.TrimSpace(certFile) == "" || strings.TrimSpace(keyFile) == "" {
		return selfSignedCertificate()
	}
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("load tls key pair: %w", err)
	}
	return cert, nil
}

func selfSignedCertificate() (tls.Certificate, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("generate tls key: %w", err)
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("generate tls serial: %w", err)
	}

	now := time.Now()
	leaf := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: "ai-proxy-monitor"},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.AddDate(1, 0, 0),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              []string{"localhost"},
		IPAddresses:           []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback},
	}
	der, err := x509.CreateCertificate(rand.Reader, leaf, leaf, &key.PublicKey, key)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("sign tls certificate: %w", err)
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key, Leaf: leaf}, nil
}
