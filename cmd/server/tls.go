package main

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"log"
	"log/slog"
	"math/big"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/afero"
	"golang.org/x/crypto/acme/autocert"

	"github.com/tariel-x/sleepchecker/internal/config"
)

const (
	certRenewalCheck = 24 * time.Hour

	selfSignedCertFile    = "self-signed.crt"
	selfSignedKeyFile     = "self-signed.key"
	selfSignedValidity    = 90 * 24 * time.Hour
	selfSignedRenewBefore = 14 * 24 * time.Hour
)

func newHTTPServer(addr string, handler http.Handler, errorLog *log.Logger) *http.Server {
	return &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
		ErrorLog:     errorLog,
	}
}

// startServer starts the listeners for the configured mode and returns
// without blocking.
func startServer(fs afero.Fs, router *gin.Engine, cfg *config.Config, selfSigned bool, logger *slog.Logger) (*serverGroup, error) {
	errorLog := log.New(newTLSErrorWriter(logger), "", 0)
	group := newServerGroup()

	if cfg.HTTPOnly {
		srv := newHTTPServer(":"+cfg.HTTPPort, router, errorLog)
		logger.Info("Starting HTTP server", "port", cfg.HTTPPort, "frontend_uri", cfg.FrontendURI)
		group.run(srv, srv.ListenAndServe)
		return group, nil
	}

	if selfSigned {
		return group, startSelfSignedHTTPS(fs, group, router, cfg, errorLog, logger)
	}

	if err := fs.MkdirAll(cfg.CertsDir(), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create certs directory: %w", err)
	}

	domain := normalizeDomain(cfg.Domain)
	if domain == "" {
		return nil, fmt.Errorf("DOMAIN is required for Let's Encrypt; use --http-only or --self-signed")
	}
	if domain == "localhost" || domain == "127.0.0.1" {
		logger.Warn("Let's Encrypt will not work for localhost. Use --self-signed for local development.")
	}

	m := &autocert.Manager{
		Prompt: autocert.AcceptTOS,
		HostPolicy: func(ctx context.Context, host string) error {
			if normalizeDomain(host) != domain {
				return fmt.Errorf("host %q not configured (expected %q)", host, domain)
			}
			return nil
		},
		Cache: autocert.DirCache(cfg.CertsDir()),
	}

	// ACME challenges are answered here, everything else goes to HTTPS.
	redirect := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "https://"+r.Host+r.RequestURI, http.StatusMovedPermanently)
	})
	httpSrv := newHTTPServer(":"+cfg.HTTPPort, m.HTTPHandler(redirect), errorLog)

	httpsSrv := newHTTPServer(":"+cfg.HTTPSPort, router, errorLog)
	httpsSrv.TLSConfig = m.TLSConfig()

	logger.Info("HTTP server (ACME challenge & redirects) starting", "port", cfg.HTTPPort)
	group.run(httpSrv, httpSrv.ListenAndServe)

	logger.Info("HTTPS server starting", "port", cfg.HTTPSPort, "domain", domain, "certs_dir", cfg.CertsDir())
	group.run(httpsSrv, func() error { return httpsSrv.ListenAndServeTLS("", "") })

	go watchCertificate(m, domain, logger)
	return group, nil
}

func startSelfSignedHTTPS(fs afero.Fs, group *serverGroup, router *gin.Engine, cfg *config.Config, errorLog *log.Logger, logger *slog.Logger) error {
	host := selfSignedHost(cfg.Domain)
	cert, err := loadSelfSignedCert(fs, cfg.CertsDir(), host, time.Now())
	if err != nil {
		return err
	}

	httpsSrv := newHTTPServer(":"+cfg.HTTPSPort, router, errorLog)
	httpsSrv.TLSConfig = &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}

	redirect := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := r.Host
		if name, _, err := net.SplitHostPort(h); err == nil {
			h = name
		}
		target := "https://" + net.JoinHostPort(h, cfg.HTTPSPort) + r.URL.RequestURI()
		http.Redirect(w, r, target, http.StatusMovedPermanently)
	})
	httpSrv := newHTTPServer(":"+cfg.HTTPPort, redirect, errorLog)

	logger.Info("HTTP redirect server starting", "port", cfg.HTTPPort)
	group.run(httpSrv, httpSrv.ListenAndServe)

	logger.Info("HTTPS server (self-signed) starting", "port", cfg.HTTPSPort, "host", host,
		"certs_dir", cfg.CertsDir())
	group.run(httpsSrv, func() error { return httpsSrv.ListenAndServeTLS("", "") })
	return nil
}

// watchCertificate logs the certificate expiry daily and asks autocert for
// the certificate, which renews it when it is close to expiring.
func watchCertificate(m *autocert.Manager, domain string, logger *slog.Logger) {
	// Let the first certificate be obtained by real traffic.
	time.Sleep(30 * time.Second)

	ticker := time.NewTicker(certRenewalCheck)
	defer ticker.Stop()

	for {
		checkCertificate(m, domain, logger)
		<-ticker.C
	}
}

func checkCertificate(m *autocert.Manager, domain string, logger *slog.Logger) {
	cert, err := m.GetCertificate(&tls.ClientHelloInfo{ServerName: domain})
	if err != nil || cert == nil || len(cert.Certificate) == 0 {
		logger.Warn("certificate not available yet", "domain", domain, "error", err)
		return
	}

	leaf := cert.Leaf
	if leaf == nil {
		leaf, err = x509.ParseCertificate(cert.Certificate[0])
		if err != nil {
			logger.Error("failed to parse certificate", "domain", domain, "error", err)
			return
		}
	}
	days := int(time.Until(leaf.NotAfter).Hours() / 24)
	logger.Info("certificate status", "domain", domain, "expires", leaf.NotAfter.Format("2006-01-02"), "days_left", days)
}

// normalizeDomain lowercases and strips a leading www.
func normalizeDomain(domain string) string {
	domain = strings.ToLower(strings.TrimSpace(domain))
	return strings.TrimPrefix(domain, "www.")
}

// selfSignedHost is the name the development certificate is issued for:
// DOMAIN without port or www prefix, or localhost.
func selfSignedHost(domain string) string {
	domain = strings.TrimSpace(domain)
	if h, _, err := net.SplitHostPort(domain); err == nil {
		domain = h
	}
	if domain = normalizeDomain(domain); domain == "" {
		return "localhost"
	}
	return domain
}

// loadSelfSignedCert reuses the certificate kept in dir while it still covers
// host and is not about to expire. Otherwise it issues a new one and stores it.
func loadSelfSignedCert(fs afero.Fs, dir, host string, now time.Time) (tls.Certificate, error) {
	certPath := filepath.Join(dir, selfSignedCertFile)
	keyPath := filepath.Join(dir, selfSignedKeyFile)

	if cert, ok := readSelfSignedCert(fs, certPath, keyPath, host, now); ok {
		return cert, nil
	}

	certPEM, keyPEM, err := generateSelfSignedCert(host, now)
	if err != nil {
		return tls.Certificate{}, err
	}
	if err := fs.MkdirAll(dir, 0o700); err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to create certs directory: %w", err)
	}
	if err := afero.WriteFile(fs, keyPath, keyPEM, 0o600); err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to write %s: %w", keyPath, err)
	}
	if err := afero.WriteFile(fs, certPath, certPEM, 0o644); err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to write %s: %w", certPath, err)
	}
	return tls.X509KeyPair(certPEM, keyPEM)
}

func readSelfSignedCert(fs afero.Fs, certPath, keyPath, host string, now time.Time) (tls.Certificate, bool) {
	certPEM, err := afero.ReadFile(fs, certPath)
	if err != nil {
		return tls.Certificate{}, false
	}
	keyPEM, err := afero.ReadFile(fs, keyPath)
	if err != nil {
		return tls.Certificate{}, false
	}
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return tls.Certificate{}, false
	}
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		return tls.Certificate{}, false
	}
	if now.Add(selfSignedRenewBefore).After(leaf.NotAfter) || leaf.VerifyHostname(host) != nil {
		return tls.Certificate{}, false
	}
	return cert, true
}

// generateSelfSignedCert issues a P-256 certificate for a single DNS name or
// IP address and returns it with its PKCS#8 key, both PEM encoded.
func generateSelfSignedCert(host string, now time.Time) (certPEM, keyPEM []byte, err error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate private key: %w", err)
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate serial number: %w", err)
	}

	tmpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{Organization: []string{config.AppName}, CommonName: host},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(selfSignedValidity),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}
	if ip := net.ParseIP(host); ip != nil {
		tmpl.IPAddresses = []net.IP{ip}
	} else {
		tmpl.DNSNames = []string{host}
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create certificate: %w", err)
	}
	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal private key: %w", err)
	}

	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER})
	return certPEM, keyPEM, nil
}
