package downloader

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/unionidx/unionidx/errs"
	"github.com/unionidx/unionidx/internal/schema"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client[schema.ItemMeta] {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client, err := NewItemMeta(ClientConfig{
		Provider:     "test-provider",
		BaseURL:      srv.URL,
		PathTemplate: "/v0.1/items/%s/meta",
		Timeout:      2 * time.Second,
	})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return client
}

func TestClientDownloadDecodesPayload(t *testing.T) {
	var gotPath string
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"name":"Cool Cat #7","attributes":[{"key":"fur","value":"grey"}]}`))
	})

	got, err := client.Download(context.Background(), "ETHEREUM:0xabc:7")
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	if got.Name != "Cool Cat #7" {
		t.Fatalf("name = %q", got.Name)
	}
	if len(got.Attributes) != 1 || got.Attributes[0].Key != "fur" {
		t.Fatalf("attributes = %+v", got.Attributes)
	}
	if gotPath != "/v0.1/items/ETHEREUM:0xabc:7/meta" {
		t.Fatalf("path = %q", gotPath)
	}
}

func TestClientDownloadNotFound(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "no such item", http.StatusNotFound)
	})

	_, err := client.Download(context.Background(), "ETHEREUM:0xabc:404")
	var envelope *errs.E
	if !errors.As(err, &envelope) {
		t.Fatalf("expected *errs.E, got %T", err)
	}
	if envelope.Code != errs.CodeNotFound {
		t.Fatalf("code = %s", envelope.Code)
	}
	if envelope.Canonical != errs.CanonicalMetaNotFound {
		t.Fatalf("canonical = %s", envelope.Canonical)
	}
	if envelope.HTTP != http.StatusNotFound {
		t.Fatalf("http = %d", envelope.HTTP)
	}
}

func TestClientDownloadRateLimited(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "slow down", http.StatusTooManyRequests)
	})

	_, err := client.Download(context.Background(), "ETHEREUM:0xabc:1")
	var envelope *errs.E
	if !errors.As(err, &envelope) {
		t.Fatalf("expected *errs.E, got %T", err)
	}
	if envelope.Code != errs.CodeRateLimited {
		t.Fatalf("code = %s", envelope.Code)
	}
	if envelope.Canonical != errs.CanonicalRateLimited {
		t.Fatalf("canonical = %s", envelope.Canonical)
	}
}

func TestClientDownloadServerError(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	})

	_, err := client.Download(context.Background(), "ETHEREUM:0xabc:1")
	var envelope *errs.E
	if !errors.As(err, &envelope) {
		t.Fatalf("expected *errs.E, got %T", err)
	}
	if envelope.Code != errs.CodeProvider {
		t.Fatalf("code = %s", envelope.Code)
	}
	if envelope.RawMsg != "boom" {
		t.Fatalf("raw = %q", envelope.RawMsg)
	}
}

func TestClientDownloadUnparseableBody(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`<html>not json</html>`))
	})

	_, err := client.Download(context.Background(), "ETHEREUM:0xabc:1")
	var envelope *errs.E
	if !errors.As(err, &envelope) {
		t.Fatalf("expected *errs.E, got %T", err)
	}
	if envelope.Canonical != errs.CanonicalMetaUnparseable {
		t.Fatalf("canonical = %s", envelope.Canonical)
	}
}

func TestClientDownloadContextCanceled(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		time.Sleep(200 * time.Millisecond)
		_, _ = w.Write([]byte(`{}`))
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := client.Download(ctx, "ETHEREUM:0xabc:1")
	var envelope *errs.E
	if !errors.As(err, &envelope) {
		t.Fatalf("expected *errs.E, got %T", err)
	}
	if envelope.Code != errs.CodeTimeout {
		t.Fatalf("code = %s", envelope.Code)
	}
}

func TestNewClientValidation(t *testing.T) {
	if _, err := NewItemMeta(ClientConfig{BaseURL: "http://x", PathTemplate: "/%s"}); err == nil {
		t.Fatal("expected error for missing provider")
	}
	if _, err := NewItemMeta(ClientConfig{Provider: "p", PathTemplate: "/%s"}); err == nil {
		t.Fatal("expected error for missing base url")
	}
	if _, err := NewItemMeta(ClientConfig{Provider: "p", BaseURL: "http://x", PathTemplate: "/items"}); err == nil {
		t.Fatal("expected error for template without key slot")
	}
}
