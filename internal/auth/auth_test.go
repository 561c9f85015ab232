package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"
)

const testToken = "0123456789abcdef-ci"

func newService(t *testing.T) *Service {
	t.Helper()
	hash, err := HashPassword("s3cret", bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	s, err := NewService(Config{
		Enabled: true,
		Users:   []UserConfig{{Username: "ops", PasswordHash: hash}},
		Tokens:  []TokenConfig{{Name: "ci", Token: testToken}},
	})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return s
}

func TestValidate(t *testing.T) {
	cases := map[string]Config{
		"empty":       {Enabled: true},
		"no username": {Enabled: true, Users: []UserConfig{{PasswordHash: "$2a$10$x"}}},
		"plain pass":  {Enabled: true, Users: []UserConfig{{Username: "a", PasswordHash: "hunter2"}}},
		"short token": {Enabled: true, Tokens: []TokenConfig{{Name: "t", Token: "abc"}}},
		"duplicate": {Enabled: true, Users: []UserConfig{
			{Username: "a", PasswordHash: "$2a$10$x"}, {Username: "a", PasswordHash: "$2a$10$y"},
		}},
	}
	for name, c := range cases {
		if err := c.Validate(); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
	if err := (Config{}).Validate(); err != nil {
		t.Fatalf("disabled config rejected: %v", err)
	}
}

func TestNewServiceRejectsBrokenHash(t *testing.T) {
	_, err := NewService(Config{Enabled: true, Users: []UserConfig{{Username: "a", PasswordHash: "$2a$10$short"}}})
	if err == nil {
		t.Fatal("expected bcrypt error")
	}
}

func TestAuthenticate(t *testing.T) {
	s := newService(t)
	cases := []struct {
		name    string
		prepare func(r *http.Request)
		user    string
		err     error
	}{
		{"basic ok", func(r *http.Request) { r.SetBasicAuth("ops", "s3cret") }, "ops", nil},
		{"basic bad password", func(r *http.Request) { r.SetBasicAuth("ops", "nope") }, "", ErrInvalidCredentials},
		{"basic unknown user", func(r *http.Request) { r.SetBasicAuth("root", "s3cret") }, "", ErrInvalidCredentials},
		{"bearer ok", func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+testToken) }, "ci", nil},
		{"bearer bad", func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+testToken+"x") }, "", ErrInvalidCredentials},
		{"unknown scheme", func(r *http.Request) { r.Header.Set("Authorization", "Digest abc") }, "", ErrInvalidCredentials},
		{"query token", func(r *http.Request) { r.URL.RawQuery = "access_token=" + testToken }, "ci", nil},
		{"none", func(r *http.Request) {}, "", ErrMissingCredentials},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/api/list", nil)
			tc.prepare(r)
			res, err := s.Authenticate(r)
			if !errors.Is(err, tc.err) {
				t.Fatalf("err = %v, want %v", err, tc.err)
			}
			if tc.err == nil && (!res.Success || res.Username != tc.user) {
				t.Fatalf("result %+v", res)
			}
		})
	}
}

func TestGinAuth(t *testing.T) {
	gin.SetMode(gin.TestMode)
	s := newService(t)
	g := gin.New()
	g.Use(s.GinAuth())
	g.GET("/who", func(c *gin.Context) {
		res, _ := FromContext(c)
		c.String(http.StatusOK, string(res.Method)+":"+res.Username)
	})

	rec := httptest.NewRecorder()
	g.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/who", nil))
	if rec.Code != http.StatusUnauthorized || rec.Header().Get("WWW-Authenticate") == "" {
		t.Fatalf("anonymous: %d %v", rec.Code, rec.Header())
	}

	req := httptest.NewRequest(http.MethodGet, "/who", nil)
	req.SetBasicAuth("ops", "s3cret")
	rec = httptest.NewRecorder()
	g.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || rec.Body.String() != "basic:ops" {
		t.Fatalf("basic: %d %s", rec.Code, rec.Body.String())
	}

	var nilSvc *Service
	open := gin.New()
	open.Use(nilSvc.GinAuth())
	open.GET("/x", func(c *gin.Context) { c.Status(http.StatusNoContent) })
	rec = httptest.NewRecorder()
	open.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x", nil))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("nil service should pass through, got %d", rec.Code)
	}
}
