package notion

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/erauner12/capsync/internal/domain"
	"github.com/erauner12/capsync/internal/httpx"
)

// rest is the transport layer under Client: auth and version headers,
// retry, rate limiting, and cursor pagination over database queries.
type rest struct {
	baseURL   string
	token     string
	http      *http.Client
	limiter   *httpx.Limiter
	retryMax  int
	retryBase time.Duration
}

func newRest(opts Options) *rest {
	if opts.Timeout == 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.RetryBase == 0 {
		opts.RetryBase = time.Second
	}
	return &rest{
		baseURL:   opts.BaseURL,
		token:     opts.Token,
		http:      &http.Client{Timeout: opts.Timeout},
		limiter:   httpx.NewLimiter(opts.RateRPS, 5),
		retryMax:  opts.RetryMax,
		retryBase: opts.RetryBase,
	}
}

// queryResponse is the wire shape of POST /databases/{id}/query.
type queryResponse struct {
	Results    []page `json:"results"`
	HasMore    bool   `json:"has_more"`
	NextCursor string `json:"next_cursor"`
}

// queryAll runs a database query and follows pagination to the end.
// filter may be nil; extra merges additional top-level body fields
// such as sorts.
func (r *rest) queryAll(ctx context.Context, databaseID string, filter map[string]any, extra map[string]any) ([]page, error) {
	var all []page
	cursor := ""
	for {
		body := map[string]any{"page_size": 100}
		if filter != nil {
			body["filter"] = filter
		}
		for k, v := range extra {
			body[k] = v
		}
		if cursor != "" {
			body["start_cursor"] = cursor
		}

		var resp queryResponse
		if err := r.do(ctx, "POST", "/databases/"+databaseID+"/query", body, &resp); err != nil {
			return nil, err
		}
		all = append(all, resp.Results...)
		if !resp.HasMore || resp.NextCursor == "" {
			return all, nil
		}
		cursor = resp.NextCursor
	}
}

func (r *rest) do(ctx context.Context, method, path string, body, out any) error {
	return httpx.Retry(ctx, r.retryMax, r.retryBase, func() error {
		if err := r.limiter.Wait(ctx); err != nil {
			return err
		}

		var reader io.Reader
		if body != nil {
			b, err := json.Marshal(body)
			if err != nil {
				return domain.Permanent(fmt.Errorf("marshal request: %w", err))
			}
			reader = bytes.NewReader(b)
		}

		req, err := http.NewRequestWithContext(ctx, method, r.baseURL+path, reader)
		if err != nil {
			return domain.Permanent(err)
		}
		req.Header.Set("Authorization", "Bearer "+r.token)
		req.Header.Set("Notion-Version", apiVersion)
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := r.http.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return domain.Retryable(err)
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return domain.Retryable(err)
		}

		if err := httpx.ClassifyStatus(resp.StatusCode, string(data)); err != nil {
			return err
		}

		if out != nil && len(data) > 0 {
			if err := json.Unmarshal(data, out); err != nil {
				return domain.Permanent(fmt.Errorf("decode %s %s: %w", method, path, err))
			}
		}
		return nil
	})
}
