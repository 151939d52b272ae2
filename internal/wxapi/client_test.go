package wxapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"wxgate/internal/domain"
	"wxgate/internal/message"
	"wxgate/internal/store"
	"wxgate/internal/token"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

var epoch = time.Unix(1700000000, 0)

func newTestClient(t *testing.T, mux *http.ServeMux) *Client {
	t.Helper()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return NewClient(ClientConfig{
		BaseURL:     srv.URL,
		HTTPClient:  srv.Client(),
		BackoffBase: time.Millisecond,
		Logger:      testLogger(),
		Now:         func() time.Time { return epoch },
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func TestClientCredential(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /cgi-bin/token", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("grant_type") != "client_credential" || q.Get("appid") != "wx1" || q.Get("secret") != "s3cret" {
			writeJSON(w, map[string]any{"errcode": 40013, "errmsg": "invalid appid"})
			return
		}
		writeJSON(w, map[string]any{"access_token": "AT1", "expires_in": 7200})
	})
	c := newTestClient(t, mux)

	tok, err := c.ClientCredential(context.Background(), domain.Credentials{AppID: "wx1", Secret: "s3cret"})
	if err != nil {
		t.Fatal(err)
	}
	if tok.Value != "AT1" || !tok.ExpiresAt.Equal(epoch.Add(7200*time.Second)) {
		t.Errorf("unexpected token %+v", tok)
	}
}

func TestClientCredential_APIError(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /cgi-bin/token", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"errcode": 40013, "errmsg": "invalid appid"})
	})
	c := newTestClient(t, mux)

	_, err := c.ClientCredential(context.Background(), domain.Credentials{AppID: "wx1", Secret: "x"})
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Code != 40013 {
		t.Fatalf("expected APIError 40013, got %v", err)
	}
	if errors.Is(err, token.ErrTokenInvalid) {
		t.Error("40013 should not be treated as a stale token")
	}
}

func TestAPIError_TokenInvalidCodes(t *testing.T) {
	for _, code := range []int{40001, 40014, 42001} {
		err := fmt.Errorf("wrapped: %w", &APIError{Code: code})
		if !errors.Is(err, token.ErrTokenInvalid) {
			t.Errorf("code %d should match ErrTokenInvalid", code)
		}
	}
}

func TestCall_RetriesServerErrors(t *testing.T) {
	var hits atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("GET /cgi-bin/token", func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			http.Error(w, "busy", http.StatusBadGateway)
			return
		}
		writeJSON(w, map[string]any{"access_token": "AT", "expires_in": 60})
	})
	c := newTestClient(t, mux)

	if _, err := c.ClientCredential(context.Background(), domain.Credentials{AppID: "wx1", Secret: "s"}); err != nil {
		t.Fatal(err)
	}
	if hits.Load() != 3 {
		t.Errorf("expected 3 attempts, got %d", hits.Load())
	}
}

func TestComponentToken_NoTicket(t *testing.T) {
	c := newTestClient(t, http.NewServeMux())
	_, err := c.ComponentToken(context.Background(), domain.Credentials{AppID: "wxc", Secret: "s"})
	if !errors.Is(err, ErrNoTicket) {
		t.Errorf("expected ErrNoTicket, got %v", err)
	}
}

func TestFetcher_HostedAccount(t *testing.T) {
	var componentCalls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("POST /cgi-bin/component/api_component_token", func(w http.ResponseWriter, r *http.Request) {
		componentCalls.Add(1)
		var in map[string]string
		json.NewDecoder(r.Body).Decode(&in)
		if in["component_verify_ticket"] != "ticket@@@" || in["component_appid"] != "wxc" {
			writeJSON(w, map[string]any{"errcode": 61004, "errmsg": "bad ticket"})
			return
		}
		writeJSON(w, map[string]any{"component_access_token": "CAT", "expires_in": 7200})
	})
	mux.HandleFunc("POST /cgi-bin/component/api_authorizer_token", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("component_access_token") != "CAT" {
			writeJSON(w, map[string]any{"errcode": 40001, "errmsg": "invalid credential"})
			return
		}
		var in map[string]string
		json.NewDecoder(r.Body).Decode(&in)
		writeJSON(w, map[string]any{
			"authorizer_access_token":  "AAT-" + in["authorizer_appid"],
			"expires_in":               7200,
			"authorizer_refresh_token": "refresh-2",
		})
	})
	c := newTestClient(t, mux)

	comp := domain.Credentials{AppID: "wxc", Secret: "cs", Ticket: "ticket@@@"}
	f := &Fetcher{
		Client:         c,
		ComponentAppID: "wxc",
		LoadComponent:  func(context.Context) (*domain.Credentials, error) { return &comp, nil },
	}
	cache := token.NewCache(token.CacheConfig{Fetcher: f, Logger: testLogger(), Now: func() time.Time { return epoch }})
	f.Tokens = cache

	hosted := domain.Credentials{AppID: "wxh", ComponentAppID: "wxc", RefreshToken: "refresh-1"}
	updated, err := f.Fetch(context.Background(), hosted)
	if err != nil {
		t.Fatal(err)
	}
	if updated.Access.Value != "AAT-wxh" || updated.RefreshToken != "refresh-2" {
		t.Errorf("unexpected credentials %+v", updated)
	}

	if _, err := f.Fetch(context.Background(), hosted); err != nil {
		t.Fatal(err)
	}
	if componentCalls.Load() != 1 {
		t.Errorf("component token should be cached, fetched %d times", componentCalls.Load())
	}
}

func TestFetcher_ComponentReloadsTicket(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /cgi-bin/component/api_component_token", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"component_access_token": "CAT", "expires_in": 7200})
	})
	c := newTestClient(t, mux)
	f := &Fetcher{
		Client:         c,
		ComponentAppID: "wxc",
		LoadComponent: func(context.Context) (*domain.Credentials, error) {
			return &domain.Credentials{AppID: "wxc", Ticket: "fresh"}, nil
		},
	}
	got, err := f.Fetch(context.Background(), domain.Credentials{AppID: "wxc", Secret: "cs"})
	if err != nil {
		t.Fatal(err)
	}
	if got.Access.Value != "CAT" {
		t.Errorf("expected CAT, got %q", got.Access.Value)
	}
}

func TestFetcher_ComponentPrefersStoredTicket(t *testing.T) {
	var sent atomic.Value
	mux := http.NewServeMux()
	mux.HandleFunc("POST /cgi-bin/component/api_component_token", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		sent.Store(body["component_verify_ticket"])
		writeJSON(w, map[string]any{"component_access_token": "CAT", "expires_in": 7200})
	})
	c := newTestClient(t, mux)

	st := store.NewMemoryStore()
	ctx := context.Background()
	if err := st.Save(ctx, domain.Credentials{AppID: "wxc", Secret: "cs", Ticket: "T2", Token: "tok"}); err != nil {
		t.Fatal(err)
	}
	f := &Fetcher{
		Client:         c,
		ComponentAppID: "wxc",
		LoadComponent: func(ctx context.Context) (*domain.Credentials, error) {
			return st.Load(ctx, "wxc")
		},
	}
	cache := token.NewCache(token.CacheConfig{Fetcher: f, Load: st.Load, Save: st.Save, Logger: testLogger()})
	f.Tokens = cache

	stale := domain.Credentials{AppID: "wxc", Secret: "cs", Ticket: "T1"}
	tok, err := cache.Get(ctx, stale, true)
	if err != nil {
		t.Fatal(err)
	}
	if tok != "CAT" {
		t.Errorf("token = %q", tok)
	}
	if got := sent.Load(); got != "T2" {
		t.Errorf("minted with ticket %v, want the stored T2", got)
	}
	stored, _ := st.Load(ctx, "wxc")
	if stored.Ticket != "T2" || stored.Token != "tok" {
		t.Errorf("stored = %+v, want ticket T2 and token kept", stored)
	}
	if stored.Access.Value != "CAT" {
		t.Errorf("stored access = %q", stored.Access.Value)
	}
}

func TestFetcher_ComponentLoadError(t *testing.T) {
	f := &Fetcher{
		Client:         NewClient(ClientConfig{Logger: testLogger()}),
		ComponentAppID: "wxc",
		LoadComponent: func(context.Context) (*domain.Credentials, error) {
			return nil, errors.New("db down")
		},
	}
	if _, err := f.Fetch(context.Background(), domain.Credentials{AppID: "wxc", Ticket: "T1"}); err == nil {
		t.Error("expected load error")
	}
}

func TestPush_RefreshesOnInvalidToken(t *testing.T) {
	var tokenCalls, sends atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("GET /cgi-bin/token", func(w http.ResponseWriter, r *http.Request) {
		n := tokenCalls.Add(1)
		writeJSON(w, map[string]any{"access_token": fmt.Sprintf("AT%d", n), "expires_in": 7200})
	})
	mux.HandleFunc("POST /cgi-bin/message/custom/send", func(w http.ResponseWriter, r *http.Request) {
		sends.Add(1)
		if r.URL.Query().Get("access_token") != "AT2" {
			writeJSON(w, map[string]any{"errcode": 40001, "errmsg": "invalid credential"})
			return
		}
		body, _ := io.ReadAll(r.Body)
		var in map[string]any
		if err := json.Unmarshal(body, &in); err != nil || in["touser"] != "o_user" || in["msgtype"] != "text" {
			writeJSON(w, map[string]any{"errcode": 44002, "errmsg": "bad body"})
			return
		}
		writeJSON(w, map[string]any{"errcode": 0, "errmsg": "ok"})
	})
	c := newTestClient(t, mux)
	cache := token.NewCache(token.CacheConfig{Fetcher: &Fetcher{Client: c}, Logger: testLogger(), Now: func() time.Time { return epoch }})
	c.SetTokenSource(cache)

	err := c.Push(context.Background(), domain.Credentials{AppID: "wx1", Secret: "s"}, "o_user", message.TextPacket{Content: "hi"})
	if err != nil {
		t.Fatal(err)
	}
	if tokenCalls.Load() != 2 || sends.Load() != 2 {
		t.Errorf("expected one refresh and one retry, got tokens=%d sends=%d", tokenCalls.Load(), sends.Load())
	}
}

func TestPush_WithoutTokenSource(t *testing.T) {
	c := newTestClient(t, http.NewServeMux())
	err := c.Push(context.Background(), domain.Credentials{AppID: "wx1"}, "o", message.TextPacket{Content: "x"})
	if err == nil {
		t.Error("expected error without token source")
	}
}
