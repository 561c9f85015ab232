package tls

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	tlsCaCrt = "tls_ca.crt"
	tlsCrt   = "tls.crt"
	tlsKey   = "tls.key"
)

var ErrNoCertificate = errors.New("tls enabled but no certificate configured")

func joinDir(dir, name string) string { return filepath.Join(dir, name) }

func parseVersion(ver string) (uint16, error) {
	switch strings.ToLower(strings.TrimSpace(ver)) {
	case "", "default", "1.3", "tls1.3":
		return tls.VersionTLS13, nil
	case "1.2", "tls1.2":
		return tls.VersionTLS12, nil
	}
	return 0, fmt.Errorf("unsupported tls version %q", ver)
}

// Validate checks the configuration without touching the filesystem.
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	var errs []error
	minV, err := parseVersion(c.MinVersion)
	if err != nil {
		errs = append(errs, err)
	}
	maxV, err := parseVersion(c.MaxVersion)
	if err != nil {
		errs = append(errs, err)
	}
	if minV > maxV {
		errs = append(errs, fmt.Errorf("tls min_version %q above max_version %q", c.MinVersion, c.MaxVersion))
	}
	if cert, _, _ := c.CertPaths(); cert == "" {
		errs = append(errs, ErrNoCertificate)
	}
	return errors.Join(errs...)
}

// safeReadFile reads p, refusing paths that escape baseDir.
func safeReadFile(baseDir, p string) ([]byte, error) {
	clean := filepath.Clean(p)
	if baseDir != "" {
		absBase, _ := filepath.Abs(baseDir)
		absFile, _ := filepath.Abs(clean)
		if !strings.HasPrefix(absFile, absBase+string(filepath.Separator)) && absFile != absBase {
			return nil, errors.New("file path outside of allowed directory")
		}
	}
	return os.ReadFile(clean)
}

// certLoader re-reads the key pair on every handshake so rotated
// certificates are picked up without a restart.
func certLoader(certFile, keyFile string) func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	return func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
		certPEM, err := safeReadFile(filepath.Dir(certFile), certFile)
		if err != nil {
			return nil, err
		}
		keyPEM, err := safeReadFile(filepath.Dir(keyFile), keyFile)
		if err != nil {
			return nil, err
		}
		pair, err := tls.X509KeyPair(certPEM, keyPEM)
		if err != nil {
			return nil, err
		}
		return &pair, nil
	}
}

// Setup builds the server TLS configuration. It returns nil, nil when TLS is
// disabled.
func Setup(c Config) (*tls.Config, error) {
	if !c.Enabled {
		return nil, nil
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	minV, _ := parseVersion(c.MinVersion)
	maxV, _ := parseVersion(c.MaxVersion)

	certPath, keyPath, caPath := c.CertPaths()
	if c.CertFile == "" && c.AutoGenerate && !certificatesExist(certPath, keyPath) {
		if err := generate(c.AutoGen, c.Dir, certPath, keyPath, caPath); err != nil {
			return nil, fmt.Errorf("certificate generation failed: %w", err)
		}
	}
	// fail at startup rather than on the first handshake
	if _, err := certLoader(certPath, keyPath)(nil); err != nil {
		return nil, fmt.Errorf("load certificate: %w", err)
	}
	// #nosec G402 min version is configurable down to 1.2 only
	tc := &tls.Config{
		GetCertificate: certLoader(certPath, keyPath),
		MinVersion:     minV,
		MaxVersion:     maxV,
	}
	if c.ClientCA != "" {
		pool, err := loadPool(c.ClientCA)
		if err != nil {
			return nil, fmt.Errorf("client ca: %w", err)
		}
		tc.ClientCAs = pool
		tc.ClientAuth = tls.RequireAndVerifyClientCert
	}
	return tc, nil
}

func loadPool(path string) (*x509.CertPool, error) {
	b, err := safeReadFile(filepath.Dir(path), path)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(b) {
		return nil, fmt.Errorf("no certificates in %s", path)
	}
	return pool, nil
}

func certificatesExist(certPath, keyPath string) bool {
	_, certErr := os.Stat(certPath)
	_, keyErr := os.Stat(keyPath)
	return certErr == nil && keyErr == nil
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func generate(a AutoGen, dir, certPath, keyPath, caPath string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create certificate directory: %w", err)
	}
	dns := a.DNSNames
	if len(dns) == 0 {
		dns = []string{"localhost"}
	}
	ips := a.IPAddresses
	if len(ips) == 0 {
		ips = []string{"127.0.0.1"}
	}
	days := a.ValidDays
	if days <= 0 {
		days = 365
	}
	return GenerateSelfSignedCert(CertConfig{
		CommonName:   orDefault(a.CommonName, "localhost"),
		Organization: orDefault(a.Organization, "tailvisor"),
		DNSNames:     dns,
		IPAddresses:  ips,
		NotAfter:     time.Now().AddDate(0, 0, days),
		CertPath:     certPath,
		KeyPath:      keyPath,
		CACertPath:   caPath,
	})
}
