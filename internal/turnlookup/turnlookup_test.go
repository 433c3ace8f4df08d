package turnlookup

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestResolveExplicitURLWins(t *testing.T) {
	r := Resolver{ExplicitURL: "turn:example.com:3478"}
	url, ok := r.Resolve(context.Background())
	if !ok || url != "turn:example.com:3478" {
		t.Fatalf("got %q ok=%v", url, ok)
	}
}

func TestResolveFromPublicIPService(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("203.0.113.9\n"))
	}))
	defer ts.Close()

	r := Resolver{TurnPort: 3478, PublicIPService: ts.URL}
	url, ok := r.Resolve(context.Background())
	if !ok {
		t.Fatalf("expected ok=true")
	}
	if url != "turn:203.0.113.9:3478" {
		t.Fatalf("got %q", url)
	}
}

func TestResolveFailsClosedOnServiceError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()

	r := Resolver{TurnPort: 3478, PublicIPService: ts.URL}
	_, ok := r.Resolve(context.Background())
	if ok {
		t.Fatalf("expected ok=false on service error")
	}
}
