package marketplace

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestWithCustomHeaders(t *testing.T) {
	customHeaders := map[string]string{
		"CF-Access-Client-Id":     "test-client-id",
		"CF-Access-Client-Secret": "test-client-secret",
		"X-Custom-Header":         "custom-value",
	}

	var got http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	client := New(srv.URL,
		WithCredentials("test-id", "test-token"),
		WithCustomHeaders(customHeaders),
	)
	if client == nil {
		t.Fatal("client should not be nil")
	}

	if _, err := client.Get(context.Background(), "/api/v1/ping"); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	for k, v := range customHeaders {
		if got.Get(k) != v {
			t.Errorf("expected header %s=%s, got %q", k, v, got.Get(k))
		}
	}
	if got.Get("Authorization") != "Bearer test-id.test-token" {
		t.Errorf("unexpected authorization header: %q", got.Get("Authorization"))
	}
}

func TestWithCustomHeadersNil(t *testing.T) {
	option := WithCustomHeaders(nil)
	if option == nil {
		t.Fatal("WithCustomHeaders should not return nil even with nil input")
	}

	client := New(
		"https://example.com",
		WithCredentials("test-id", "test-token"),
		WithCustomHeaders(nil),
	)
	if client == nil {
		t.Fatal("client should not be nil")
	}
}

func TestPostErrorResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write([]byte(`{"error": "module inventory is malformed"}`))
	}))
	defer srv.Close()

	client := New(srv.URL)
	_, err := client.Post(context.Background(), "/api/v1/updates/check", map[string]string{})
	if err == nil {
		t.Fatal("expected an error for a non-2xx response")
	}
	rerr, ok := err.(*RequestError)
	if !ok {
		t.Fatalf("expected a RequestError, got %T", err)
	}
	if rerr.Code != http.StatusUnprocessableEntity || rerr.Detail != "module inventory is malformed" {
		t.Errorf("unexpected request error: %+v", rerr)
	}
}
