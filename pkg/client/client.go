package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/websocket"
)

const DefaultBaseURL = "http://localhost:8232/api"

// Client talks to a tailvisor daemon over its HTTP API.
type Client struct {
	baseURL   string
	client    *http.Client
	tlsConfig *tls.Config
	auth      func(http.Header)
	logger    *slog.Logger
}

// Config holds client configuration
type Config struct {
	BaseURL  string
	Timeout  time.Duration
	Logger   *slog.Logger // Optional logger for client operations
	TLS      *TLSClientConfig
	Insecure bool // Skip TLS verification

	// Credentials for a daemon with [server.auth] enabled. Token wins over
	// Username/Password.
	Username string
	Password string
	Token    string
}

// TLSClientConfig holds TLS configuration for client
type TLSClientConfig struct {
	Enabled    bool   // Enable TLS
	CACert     string // CA certificate file path
	ClientCert string // Client certificate file, for a daemon with client_ca
	ClientKey  string // Client private key file
}

// DefaultConfig returns default client configuration
func DefaultConfig() Config {
	return Config{
		BaseURL: DefaultBaseURL,
		Timeout: 10 * time.Second,
	}
}

// New creates a new API client. TLS setup errors are returned since a
// silently downgraded transport would fail later with a less useful error.
func New(config Config) (*Client, error) {
	if config.BaseURL == "" {
		config.BaseURL = DefaultBaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = 10 * time.Second
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	var tlsConfig *tls.Config
	if config.TLS != nil && config.TLS.Enabled || config.Insecure {
		var err error
		tlsConfig, err = setupClientTLS(config)
		if err != nil {
			return nil, fmt.Errorf("tls setup: %w", err)
		}
		transport.TLSClientConfig = tlsConfig
	}

	return &Client{
		baseURL:   strings.TrimRight(config.BaseURL, "/"),
		tlsConfig: tlsConfig,
		auth:      authHeader(config),
		logger:    config.Logger,
		client: &http.Client{
			Timeout:   config.Timeout,
			Transport: transport,
		},
	}, nil
}

func authHeader(config Config) func(http.Header) {
	switch {
	case config.Token != "":
		return func(h http.Header) { h.Set("Authorization", "Bearer "+config.Token) }
	case config.Username != "":
		return func(h http.Header) {
			r := http.Request{Header: h}
			r.SetBasicAuth(config.Username, config.Password)
		}
	}
	return func(http.Header) {}
}

// BaseURL returns the API root the client talks to.
func (c *Client) BaseURL() string { return c.baseURL }

// IsReachable checks if the daemon is running and reachable
func (c *Client) IsReachable(ctx context.Context) bool {
	_, err := c.do(ctx, http.MethodGet, "/list", nil)
	if err != nil {
		c.logger.Debug("Daemon unreachable", "error", err)
		return false
	}
	return true
}

// Create submits a new process and returns its identifier.
func (c *Client) Create(ctx context.Context, req CreateRequest) (uint64, error) {
	c.logger.Debug("Creating process", "name", req.Name, "command", req.Command, "user", req.User)
	body, err := c.doJSON(ctx, http.MethodPost, "/new", req)
	if err != nil {
		return 0, err
	}
	return parseID(body)
}

// List returns every process known to the daemon.
func (c *Client) List(ctx context.Context) ([]Process, error) {
	body, err := c.do(ctx, http.MethodGet, "/list", nil)
	if err != nil {
		return nil, err
	}
	var out []Process
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decode list: %w", err)
	}
	return out, nil
}

// Log returns the retained output of a process.
func (c *Client) Log(ctx context.Context, id uint64) ([]byte, error) {
	return c.do(ctx, http.MethodGet, idPath(id, ""), nil)
}

// Update replaces a process with a new configuration and returns the
// identifier of the replacement.
func (c *Client) Update(ctx context.Context, id uint64, req CreateRequest) (uint64, error) {
	c.logger.Debug("Updating process", "id", id, "command", req.Command)
	body, err := c.doJSON(ctx, http.MethodPatch, idPath(id, ""), req)
	if err != nil {
		return 0, err
	}
	return parseID(body)
}

// Delete kills and removes a process.
func (c *Client) Delete(ctx context.Context, id uint64) error {
	_, err := c.do(ctx, http.MethodDelete, idPath(id, ""), nil)
	return err
}

// Restart restarts monitoring of a process with a fresh log.
func (c *Client) Restart(ctx context.Context, id uint64) error {
	_, err := c.do(ctx, http.MethodPost, idPath(id, "/restart"), nil)
	return err
}

// Kill terminates a process and disables its autostart.
func (c *Client) Kill(ctx context.Context, id uint64) error {
	_, err := c.do(ctx, http.MethodPost, idPath(id, "/kill"), nil)
	return err
}

// Tail streams live output of a process into w until ctx is done or the
// server closes the stream. With history set the retained log is written
// first.
func (c *Client) Tail(ctx context.Context, id uint64, history bool, w io.Writer) error {
	target, origin, err := c.wsURLs(idPath(id, "/tail"), history)
	if err != nil {
		return err
	}
	// probe over plain HTTP first so API errors (404, 409) keep their message
	if err := c.probeTail(ctx, id); err != nil {
		return err
	}
	cfg, err := websocket.NewConfig(target, origin)
	if err != nil {
		return fmt.Errorf("websocket config: %w", err)
	}
	cfg.TlsConfig = c.tlsConfig
	c.auth(cfg.Header)
	conn, err := cfg.DialContext(ctx)
	if err != nil {
		return fmt.Errorf("websocket dial: %w", err)
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()
	defer func() { _ = conn.Close() }()

	for {
		var chunk []byte
		if err := websocket.Message.Receive(conn, &chunk); err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("tail receive: %w", err)
		}
		if _, err := w.Write(chunk); err != nil {
			return err
		}
	}
}

// probeTail checks the record exists via the log endpoint; a plain GET of the
// tail route would be rejected as a bad websocket handshake.
func (c *Client) probeTail(ctx context.Context, id uint64) error {
	_, err := c.do(ctx, http.MethodGet, idPath(id, ""), nil)
	return err
}

func (c *Client) wsURLs(path string, history bool) (target, origin string, err error) {
	u, err := url.Parse(c.baseURL + path)
	if err != nil {
		return "", "", fmt.Errorf("parse url: %w", err)
	}
	origin = u.Scheme + "://" + u.Host
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	if history {
		u.RawQuery = "history=1"
	}
	return u.String(), origin, nil
}

func idPath(id uint64, suffix string) string {
	return "/" + strconv.FormatUint(id, 10) + suffix
}

func parseID(body []byte) (uint64, error) {
	id, err := strconv.ParseUint(strings.TrimSpace(string(body)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("unexpected id response %q: %w", body, err)
	}
	return id, nil
}

// setupClientTLS configures TLS settings for HTTP client
func setupClientTLS(config Config) (*tls.Config, error) {
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}

	if config.Insecure {
		// #nosec G402 explicit opt-in
		tlsConfig.InsecureSkipVerify = true
	}

	if config.TLS != nil {
		if config.TLS.CACert != "" {
			if err := loadCACert(tlsConfig, config.TLS.CACert); err != nil {
				return nil, fmt.Errorf("failed to load CA certificate: %w", err)
			}
		}
		if (config.TLS.ClientCert == "") != (config.TLS.ClientKey == "") {
			return nil, errors.New("client certificate and key must be given together")
		}
		if config.TLS.ClientCert != "" {
			cert, err := tls.LoadX509KeyPair(config.TLS.ClientCert, config.TLS.ClientKey)
			if err != nil {
				return nil, fmt.Errorf("failed to load client certificate: %w", err)
			}
			tlsConfig.Certificates = []tls.Certificate{cert}
		}
	}

	return tlsConfig, nil
}

// loadCACert loads CA certificate from file and adds it to TLS config
func loadCACert(tlsConfig *tls.Config, caCertPath string) error {
	caCert, err := os.ReadFile(caCertPath)
	if err != nil {
		return fmt.Errorf("failed to read CA certificate file: %w", err)
	}

	caCertPool := x509.NewCertPool()
	if !caCertPool.AppendCertsFromPEM(caCert) {
		return fmt.Errorf("failed to parse CA certificate")
	}

	tlsConfig.RootCAs = caCertPool
	return nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	return c.do(ctx, method, path, data)
}

// do performs a request and returns the response body, turning non-2xx
// responses into *APIError.
func (c *Client) do(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}
	target := c.baseURL + path
	req, err := http.NewRequestWithContext(ctx, method, target, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.auth(req.Header)

	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("HTTP request failed", "error", err, "url", target)
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := decodeError(resp.StatusCode, data)
		c.logger.Debug("API request failed", "error", apiErr, "status", resp.StatusCode)
		return nil, apiErr
	}
	return data, nil
}
