package opensearch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/loykin/tailvisor/internal/history"
)

// Sink indexes lifecycle events as documents in an OpenSearch (or
// Elasticsearch) index. Each event is written with PUT so a retried send
// overwrites the same document instead of duplicating it.
type Sink struct {
	client   *http.Client
	baseURL  string
	index    string
	username string
	password string
}

type Option func(*Sink)

// WithBasicAuth sets credentials sent with every request.
func WithBasicAuth(username, password string) Option {
	return func(s *Sink) { s.username, s.password = username, password }
}

// WithHTTPClient replaces the default client (5s timeout).
func WithHTTPClient(c *http.Client) Option {
	return func(s *Sink) { s.client = c }
}

func New(baseURL, index string, opts ...Option) *Sink {
	s := &Sink{
		client:  &http.Client{Timeout: 5 * time.Second},
		baseURL: strings.TrimRight(baseURL, "/"),
		index:   index,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

type document struct {
	Timestamp time.Time `json:"@timestamp"`
	history.Event
}

// DocumentID identifies an event: process id, type and occurrence time.
func DocumentID(e history.Event) string {
	return fmt.Sprintf("%d-%s-%d", e.ID, e.Type, e.OccurredAt.UnixNano())
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	b, err := json.Marshal(document{Timestamp: e.OccurredAt, Event: e})
	if err != nil {
		return err
	}
	u := fmt.Sprintf("%s/%s/_doc/%s", s.baseURL, s.index, DocumentID(e))
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, u, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.username != "" {
		req.SetBasicAuth(s.username, s.password)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("opensearch: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("opensearch: index %s: status %d: %s", s.index, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
