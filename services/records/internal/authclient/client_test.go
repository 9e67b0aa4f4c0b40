package authclient

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestMe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/auth/me" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		switch r.Header.Get("Authorization") {
		case "Bearer good":
			_, _ = w.Write([]byte(`{"id":"u-1","email":"ana@example.com","status":"active"}`))
		case "Bearer revoked":
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"unauthorized","code":"UNAUTHORIZED"}`))
		case "Bearer empty":
			_, _ = w.Write([]byte(`{}`))
		default:
			w.WriteHeader(http.StatusBadGateway)
		}
	}))
	defer srv.Close()
	c := NewClient(srv.URL + "/")
	ctx := context.Background()

	user, err := c.Me(ctx, "good")
	if err != nil || user.ID != "u-1" || user.Email != "ana@example.com" {
		t.Fatalf("unexpected user %+v, %v", user, err)
	}
	if _, err := c.Me(ctx, "revoked"); !errors.Is(err, ErrRejected) {
		t.Fatalf("expected ErrRejected, got %v", err)
	}
	if _, err := c.Me(ctx, "empty"); err == nil {
		t.Fatalf("expected response without id to fail")
	}
	_, err = c.Me(ctx, "other")
	if err == nil || errors.Is(err, ErrRejected) {
		t.Fatalf("expected upstream error, got %v", err)
	}
}
