package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
)

// MaxBlobSize bounds one offline blob on the wire.
const MaxBlobSize = 1 << 20

// RemoteStore is an OfflineStore kept on a hub's /blobs endpoint, so a
// recipient can pull what a sender stored.
type RemoteStore struct {
	base       string
	client     *http.Client
	maxRetries uint64
}

// RemoteOptions configures a RemoteStore.
type RemoteOptions struct {
	// BaseURL is the hub's http(s) base url.
	BaseURL    string
	Client     *http.Client
	MaxRetries uint64
}

// NewRemoteStore returns a client for the hub at opts.BaseURL.
func NewRemoteStore(opts RemoteOptions) (*RemoteStore, error) {
	u, err := url.Parse(opts.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("storage: invalid hub url %q", opts.BaseURL)
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	retries := opts.MaxRetries
	if retries == 0 {
		retries = 3
	}
	return &RemoteStore{
		base:       strings.TrimRight(u.String(), "/") + "/blobs",
		client:     client,
		maxRetries: retries,
	}, nil
}

type putResponse struct {
	ContentID string `json:"contentId"`
}

// Put uploads data and returns the content id the hub reports, which must
// match the local hash of data.
func (r *RemoteStore) Put(ctx context.Context, data []byte) (string, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("%w: data is required", ErrOfflineStore)
	}
	want := ContentID(data)

	var got putResponse
	err := r.retry(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.base, bytes.NewReader(data))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/octet-stream")
		resp, err := r.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if err := statusError(resp); err != nil {
			return err
		}
		return json.NewDecoder(resp.Body).Decode(&got)
	})
	if err != nil {
		return "", fmt.Errorf("%w: put blob: %w", ErrOfflineStore, err)
	}
	if got.ContentID != want {
		return "", fmt.Errorf("%w: %w: hub returned %q for %s", ErrOfflineStore, ErrIntegrity, got.ContentID, want)
	}
	return want, nil
}

// Get downloads the blob stored under contentID and re-verifies its hash.
func (r *RemoteStore) Get(ctx context.Context, contentID string) ([]byte, error) {
	if err := validateContentID(contentID); err != nil {
		return nil, err
	}

	var data []byte
	err := r.retry(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.base+"/"+contentID, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		resp, err := r.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if err := statusError(resp); err != nil {
			return err
		}
		data, err = io.ReadAll(io.LimitReader(resp.Body, MaxBlobSize+1))
		if err != nil {
			return err
		}
		if len(data) > MaxBlobSize {
			return backoff.Permanent(fmt.Errorf("blob exceeds %d bytes", MaxBlobSize))
		}
		return nil
	})
	if err != nil {
		var status *httpStatusError
		if errors.As(err, &status) && status.code == http.StatusNotFound {
			return nil, fmt.Errorf("%w: %w", ErrOfflineStore, ErrNotFound)
		}
		return nil, fmt.Errorf("%w: get blob %s: %w", ErrOfflineStore, contentID, err)
	}
	if err := verifyContent(contentID, data); err != nil {
		return nil, err
	}
	return data, nil
}

func (r *RemoteStore) retry(ctx context.Context, op func() error) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 200 * time.Millisecond
	policy.MaxInterval = 2 * time.Second
	return backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(policy, r.maxRetries), ctx))
}

type httpStatusError struct {
	code int
	body string
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("hub answered %d: %s", e.code, e.body)
}

// statusError classifies a non-2xx response. Client errors are permanent.
func statusError(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	err := &httpStatusError{code: resp.StatusCode, body: strings.TrimSpace(string(body))}
	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		return backoff.Permanent(err)
	}
	return err
}
