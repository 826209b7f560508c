package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestClientIPPrefersFirstForwardedEntry(t *testing.T) {
	cases := []struct {
		name       string
		forwarded  string
		remoteAddr string
		want       string
	}{
		{name: "forwarded chain", forwarded: "203.0.113.7, 10.0.0.1", remoteAddr: "10.0.0.1:5000", want: "203.0.113.7"},
		{name: "remote addr", remoteAddr: "198.51.100.4:443", want: "198.51.100.4"},
		{name: "blank forwarded", forwarded: " ,10.0.0.2", remoteAddr: "192.0.2.9:80", want: "192.0.2.9"},
		{name: "remote addr without port", remoteAddr: "192.0.2.10", want: "192.0.2.10"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var got string
			handler := ClientIP(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				got = GetClientIP(r.Context())
			}))
			request := httptest.NewRequest(http.MethodGet, "/api/v1/jobs", nil)
			request.RemoteAddr = tc.remoteAddr
			if tc.forwarded != "" {
				request.Header.Set("X-Forwarded-For", tc.forwarded)
			}
			handler.ServeHTTP(httptest.NewRecorder(), request)
			if got != tc.want {
				t.Fatalf("expected %q, got %q", tc.want, got)
			}
		})
	}
}

func TestRateLimitPerClient(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	handler := ClientIP(RateLimit(ctx, 0.001, 2)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})))
	send := func(ip string) int {
		request := httptest.NewRequest(http.MethodGet, "/api/v1/jobs", nil)
		request.Header.Set("X-Forwarded-For", ip)
		recorder := httptest.NewRecorder()
		handler.ServeHTTP(recorder, request)
		return recorder.Code
	}

	for i := 0; i < 2; i++ {
		if code := send("203.0.113.1"); code != http.StatusOK {
			t.Fatalf("request %d within burst: expected 200, got %d", i, code)
		}
	}
	if code := send("203.0.113.1"); code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 after burst, got %d", code)
	}
	if code := send("203.0.113.2"); code != http.StatusOK {
		t.Fatalf("other clients keep their own bucket, got %d", code)
	}
}
