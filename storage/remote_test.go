package storage

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
)

// newBlobServer serves /blobs from a MemoryStore, failing the first
// failFirst requests with 503.
func newBlobServer(t *testing.T, failFirst int32, lie bool) (*httptest.Server, *int32) {
	t.Helper()

	mem := NewMemoryStore()
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) <= failFirst {
			http.Error(w, "warming up", http.StatusServiceUnavailable)
			return
		}
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/blobs":
			data, _ := io.ReadAll(r.Body)
			id, err := mem.Put(r.Context(), data)
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			if lie {
				id = ContentID([]byte("something else"))
			}
			w.WriteHeader(http.StatusCreated)
			_ = json.NewEncoder(w).Encode(map[string]string{"contentId": id})
		case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/blobs/"):
			data, err := mem.Get(r.Context(), strings.TrimPrefix(r.URL.Path, "/blobs/"))
			if errors.Is(err, ErrNotFound) {
				http.Error(w, "not found", http.StatusNotFound)
				return
			}
			_, _ = w.Write(data)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(server.Close)
	return server, &calls
}

func TestRemoteStoreContract(t *testing.T) {
	server, _ := newBlobServer(t, 0, false)
	store, err := NewRemoteStore(RemoteOptions{BaseURL: server.URL + "/"})
	if err != nil {
		t.Fatalf("NewRemoteStore failed: %v", err)
	}
	runOfflineStoreContract(t, store)
}

func TestRemoteStoreRetriesServerErrors(t *testing.T) {
	server, calls := newBlobServer(t, 2, false)
	store, err := NewRemoteStore(RemoteOptions{BaseURL: server.URL})
	if err != nil {
		t.Fatalf("NewRemoteStore failed: %v", err)
	}

	id, err := store.Put(context.Background(), []byte("payload"))
	if err != nil {
		t.Fatalf("Put failed after retries: %v", err)
	}
	if id != ContentID([]byte("payload")) {
		t.Fatalf("unexpected id %q", id)
	}
	if got := atomic.LoadInt32(calls); got != 3 {
		t.Fatalf("expected 3 requests, got %d", got)
	}
}

func TestRemoteStoreRejectsMismatchedContentID(t *testing.T) {
	server, _ := newBlobServer(t, 0, true)
	store, err := NewRemoteStore(RemoteOptions{BaseURL: server.URL})
	if err != nil {
		t.Fatalf("NewRemoteStore failed: %v", err)
	}

	_, err = store.Put(context.Background(), []byte("payload"))
	if !errors.Is(err, ErrIntegrity) || !errors.Is(err, ErrOfflineStore) {
		t.Fatalf("expected integrity error, got %v", err)
	}
}

func TestNewRemoteStoreValidatesURL(t *testing.T) {
	for _, raw := range []string{"", "ws://hub:8080", "http://"} {
		if _, err := NewRemoteStore(RemoteOptions{BaseURL: raw}); err == nil {
			t.Fatalf("expected %q to be rejected", raw)
		}
	}
}
