package media

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
)

func TestFetchHTTPSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("image-bytes"))
	}))
	defer srv.Close()

	data, err := Fetch(context.Background(), srv.Client(), nil, srv.URL)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(data) != "image-bytes" {
		t.Fatalf("expected image-bytes, got %q", data)
	}
}

func TestFetchHTTPNonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := Fetch(context.Background(), srv.Client(), nil, srv.URL)
	if err == nil {
		t.Fatal("expected error on non-200 status")
	}
}

func TestFetchLocalFallsBackToSecondRoot(t *testing.T) {
	rootA := t.TempDir()
	rootB := t.TempDir()

	if err := os.WriteFile(filepath.Join(rootB, "banner.png"), []byte("local-bytes"), 0o600); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	data, err := Fetch(context.Background(), nil, []string{rootA, rootB}, "/banner.png")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(data) != "local-bytes" {
		t.Fatalf("expected local-bytes, got %q", data)
	}
}

func TestFetchLocalNotFoundInAnyRoot(t *testing.T) {
	_, err := Fetch(context.Background(), nil, []string{t.TempDir(), t.TempDir()}, "/missing.png")
	if err == nil {
		t.Fatal("expected error when reference is not found in any root")
	}
}

func TestFetchRejectsUnrecognisedReference(t *testing.T) {
	_, err := Fetch(context.Background(), nil, nil, "not-a-url-or-path")
	if err == nil {
		t.Fatal("expected error for unrecognised reference")
	}
}
