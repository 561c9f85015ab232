package auth

import (
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// Service checks request credentials against the configured users and
// tokens.
type Service struct {
	users  map[string][]byte
	tokens []TokenConfig
}

// NewService validates cfg and builds the credential tables.
func NewService(cfg Config) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Service{users: make(map[string][]byte, len(cfg.Users)), tokens: cfg.Tokens}
	for _, u := range cfg.Users {
		if _, err := bcrypt.Cost([]byte(u.PasswordHash)); err != nil {
			return nil, fmt.Errorf("user %q: %w", u.Username, err)
		}
		s.users[u.Username] = []byte(u.PasswordHash)
	}
	return s, nil
}

// HashPassword returns the bcrypt hash to put in users.password_hash.
func HashPassword(password string, cost int) (string, error) {
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	h, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}

// Authenticate inspects the Authorization header. Bearer tokens may also be
// passed as the access_token query parameter, for websocket clients that
// cannot set headers.
func (s *Service) Authenticate(r *http.Request) (*Result, error) {
	if username, password, ok := r.BasicAuth(); ok {
		return s.authenticateBasic(username, password)
	}
	token := ""
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, value, _ := strings.Cut(h, " ")
		if !strings.EqualFold(scheme, "bearer") {
			return &Result{}, ErrInvalidCredentials
		}
		token = strings.TrimSpace(value)
	} else {
		token = r.URL.Query().Get("access_token")
	}
	if token == "" {
		return &Result{}, ErrMissingCredentials
	}
	return s.authenticateToken(token)
}

func (s *Service) authenticateBasic(username, password string) (*Result, error) {
	hash, ok := s.users[username]
	if !ok || password == "" {
		return &Result{}, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword(hash, []byte(password)); err != nil {
		return &Result{}, ErrInvalidCredentials
	}
	return &Result{Success: true, Username: username, Method: MethodBasic}, nil
}

func (s *Service) authenticateToken(token string) (*Result, error) {
	for _, t := range s.tokens {
		if subtle.ConstantTimeCompare([]byte(t.Token), []byte(token)) == 1 {
			return &Result{Success: true, Username: t.Name, Method: MethodToken}, nil
		}
	}
	return &Result{}, ErrInvalidCredentials
}
