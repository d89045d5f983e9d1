package server

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"tee-verify/shared"
)

// Fetcher downloads model and dataset blobs referenced by URL, with
// bounded size and retry on transient failures.
type Fetcher struct {
	client   *http.Client
	maxBytes int64
	retry    *shared.RetryConfig
}

func NewFetcher(timeout time.Duration, maxBytes int64) *Fetcher {
	return &Fetcher{
		client:   &http.Client{Timeout: timeout},
		maxBytes: maxBytes,
		retry:    shared.DefaultRetryConfig(),
	}
}

// Fetch downloads url, retrying transient failures with backoff. A
// non-2xx status or an over-limit body fails the attempt.
func (f *Fetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	var body []byte
	err := shared.RetryWithBackoff(f.retry, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return fmt.Errorf("invalid input url: %v", err)
		}
		resp, err := f.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return fmt.Errorf("fetch returned status %d: %s", resp.StatusCode, http.StatusText(resp.StatusCode))
		}

		body, err = io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
		if err != nil {
			return err
		}
		if int64(len(body)) > f.maxBytes {
			return fmt.Errorf("invalid input: body exceeds %d byte limit", f.maxBytes)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return body, nil
}
