// Package todoist is the source adapter: a typed facade over the
// Todoist REST API implementing domain.Source. It hides pagination,
// retries, and rate limiting; callers see typed records and classified
// errors.
package todoist

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/erauner12/capsync/internal/domain"
	"github.com/erauner12/capsync/internal/httpx"
)

// Client talks to the Todoist REST API.
type Client struct {
	baseURL   string
	token     string
	http      *http.Client
	limiter   *httpx.Limiter
	retryMax  int
	retryBase time.Duration
}

// Options configures a Client.
type Options struct {
	BaseURL   string
	Token     string
	Timeout   time.Duration
	RetryMax  int
	RetryBase time.Duration
	RateRPS   float64
}

// New returns a Client with a shared, pooled HTTP client.
func New(opts Options) *Client {
	if opts.Timeout == 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.RetryBase == 0 {
		opts.RetryBase = time.Second
	}
	return &Client{
		baseURL:   opts.BaseURL,
		token:     opts.Token,
		http:      &http.Client{Timeout: opts.Timeout},
		limiter:   httpx.NewLimiter(opts.RateRPS, 5),
		retryMax:  opts.RetryMax,
		retryBase: opts.RetryBase,
	}
}

// section is the wire shape of GET /sections/{id}.
type section struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	ProjectID string `json:"project_id"`
}

// paginated is the cursor-wrapped list response shape. Endpoints that
// return bare arrays are handled by the fallback in getList.
type paginated struct {
	Results    json.RawMessage `json:"results"`
	NextCursor string          `json:"next_cursor"`
}

// FetchItem returns the item plus its project and comments, or
// domain.ErrNotFound when the item was deleted at the source.
func (c *Client) FetchItem(ctx context.Context, id string) (*domain.ItemBundle, error) {
	var item domain.Item
	if err := c.get(ctx, "/tasks/"+id, nil, &item); err != nil {
		return nil, fmt.Errorf("fetch task %s: %w", id, err)
	}

	project, err := c.GetProject(ctx, item.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("fetch project %s for task %s: %w", item.ProjectID, id, err)
	}

	var comments []domain.Comment
	if err := c.getList(ctx, "/comments", url.Values{"task_id": {id}}, &comments); err != nil {
		return nil, fmt.Errorf("fetch comments for task %s: %w", id, err)
	}

	if item.SectionID != "" {
		var sec section
		if err := c.get(ctx, "/sections/"+item.SectionID, nil, &sec); err != nil {
			// A missing section is not fatal; the name is cosmetic.
			if !errors.Is(err, domain.ErrNotFound) {
				return nil, fmt.Errorf("fetch section %s: %w", item.SectionID, err)
			}
		} else {
			item.SectionName = sec.Name
		}
	}

	return &domain.ItemBundle{Item: item, Project: *project, Comments: comments}, nil
}

// ListTagged returns every item carrying the tag, completed included.
func (c *Client) ListTagged(ctx context.Context, tag string) ([]domain.Item, error) {
	var active []domain.Item
	if err := c.getList(ctx, "/tasks", url.Values{"filter": {"@" + tag}}, &active); err != nil {
		return nil, fmt.Errorf("list tagged: %w", err)
	}

	var completed []domain.Item
	err := c.getList(ctx, "/tasks", url.Values{"filter": {"@" + tag + " & is:completed"}}, &completed)
	if err != nil {
		// Older API deployments reject the completed filter; the
		// reconciler still works on active items alone.
		log.Warn().Err(err).Msg("could not list completed tagged tasks")
	} else {
		active = append(active, completed...)
	}
	return active, nil
}

// ListActive returns every active task, no filter. The REST tasks
// endpoint never includes completed items.
func (c *Client) ListActive(ctx context.Context) ([]domain.Item, error) {
	var items []domain.Item
	if err := c.getList(ctx, "/tasks", nil, &items); err != nil {
		return nil, fmt.Errorf("list active: %w", err)
	}
	return items, nil
}

func (c *Client) ListProjects(ctx context.Context) ([]domain.Project, error) {
	var projects []domain.Project
	if err := c.getList(ctx, "/projects", nil, &projects); err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	return projects, nil
}

func (c *Client) GetProject(ctx context.Context, id string) (*domain.Project, error) {
	var p domain.Project
	if err := c.get(ctx, "/projects/"+id, nil, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// AddTag adds tag to the item's labels. Idempotent: a present tag is a
// no-op. Returns the current label set.
func (c *Client) AddTag(ctx context.Context, id, tag string) ([]string, error) {
	var item domain.Item
	if err := c.get(ctx, "/tasks/"+id, nil, &item); err != nil {
		return nil, fmt.Errorf("add tag %s: %w", tag, err)
	}
	if item.HasLabel(tag) {
		return item.Labels, nil
	}
	labels := append(append([]string{}, item.Labels...), tag)
	if err := c.post(ctx, "/tasks/"+id, map[string]any{"labels": labels}, nil); err != nil {
		return nil, fmt.Errorf("add tag %s: %w", tag, err)
	}
	return labels, nil
}

// RemoveTag removes tag (with or without the "@" prefix) from the
// item's labels. Idempotent. Returns the current label set.
func (c *Client) RemoveTag(ctx context.Context, id, tag string) ([]string, error) {
	var item domain.Item
	if err := c.get(ctx, "/tasks/"+id, nil, &item); err != nil {
		return nil, fmt.Errorf("remove tag %s: %w", tag, err)
	}
	var labels []string
	removed := false
	for _, l := range item.Labels {
		if l == tag || l == "@"+tag {
			removed = true
			continue
		}
		labels = append(labels, l)
	}
	if !removed {
		return item.Labels, nil
	}
	if labels == nil {
		labels = []string{}
	}
	if err := c.post(ctx, "/tasks/"+id, map[string]any{"labels": labels}, nil); err != nil {
		return nil, fmt.Errorf("remove tag %s: %w", tag, err)
	}
	return labels, nil
}

func (c *Client) SetDescription(ctx context.Context, id, text string) error {
	return c.post(ctx, "/tasks/"+id, map[string]any{"description": text}, nil)
}

func (c *Client) AddProjectComment(ctx context.Context, projectID, text string) error {
	return c.post(ctx, "/comments", map[string]any{
		"project_id": projectID,
		"content":    text,
	}, nil)
}

func (c *Client) RenameProject(ctx context.Context, projectID, name string) error {
	return c.post(ctx, "/projects/"+projectID, map[string]any{"name": name}, nil)
}

func (c *Client) SetProjectArchived(ctx context.Context, projectID string, archived bool) error {
	verb := "archive"
	if !archived {
		verb = "unarchive"
	}
	return c.post(ctx, fmt.Sprintf("/projects/%s/%s", projectID, verb), nil, nil)
}

func (c *Client) CompleteItem(ctx context.Context, id string) error {
	return c.post(ctx, "/tasks/"+id+"/close", nil, nil)
}

func (c *Client) ReopenItem(ctx context.Context, id string) error {
	return c.post(ctx, "/tasks/"+id+"/reopen", nil, nil)
}

func (c *Client) UpdateItem(ctx context.Context, id string, patch domain.ItemPatch) error {
	body := map[string]any{}
	if patch.Content != nil {
		body["content"] = *patch.Content
	}
	if patch.Priority != nil {
		body["priority"] = *patch.Priority
	}
	if patch.DueDate != nil {
		if *patch.DueDate == "" {
			body["due_string"] = "no date"
		} else {
			body["due_date"] = *patch.DueDate
		}
	}
	if len(body) == 0 {
		return nil
	}
	return c.post(ctx, "/tasks/"+id, body, nil)
}

func (c *Client) CreateItem(ctx context.Context, item domain.NewItem) (*domain.Item, error) {
	body := map[string]any{
		"content":    item.Content,
		"project_id": item.ProjectID,
	}
	if item.Priority > 0 {
		body["priority"] = item.Priority
	}
	if item.DueDate != "" {
		body["due_date"] = item.DueDate
	}
	if len(item.Labels) > 0 {
		body["labels"] = item.Labels
	}
	var created domain.Item
	if err := c.post(ctx, "/tasks", body, &created); err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}
	return &created, nil
}

// get performs a single-object GET.
func (c *Client) get(ctx context.Context, path string, params url.Values, out any) error {
	return c.do(ctx, http.MethodGet, path, params, nil, out)
}

// post sends a JSON body; out may be nil.
func (c *Client) post(ctx context.Context, path string, body, out any) error {
	return c.do(ctx, http.MethodPost, path, nil, body, out)
}

// getList follows cursor pagination until exhausted, appending pages
// into out (a pointer to a slice).
func (c *Client) getList(ctx context.Context, path string, params url.Values, out any) error {
	if params == nil {
		params = url.Values{}
	}
	var all []json.RawMessage
	cursor := ""
	for {
		p := url.Values{}
		for k, vs := range params {
			p[k] = vs
		}
		if cursor != "" {
			p.Set("cursor", cursor)
		}

		var raw json.RawMessage
		if err := c.do(ctx, http.MethodGet, path, p, nil, &raw); err != nil {
			return err
		}

		var page paginated
		if err := json.Unmarshal(raw, &page); err != nil || page.Results == nil {
			// Bare array response: single page.
			var items []json.RawMessage
			if err := json.Unmarshal(raw, &items); err != nil {
				return domain.Permanent(fmt.Errorf("unexpected list shape at %s: %w", path, err))
			}
			all = append(all, items...)
			break
		}

		var items []json.RawMessage
		if err := json.Unmarshal(page.Results, &items); err != nil {
			return domain.Permanent(fmt.Errorf("unexpected results shape at %s: %w", path, err))
		}
		all = append(all, items...)
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}

	merged, err := json.Marshal(all)
	if err != nil {
		return err
	}
	return json.Unmarshal(merged, out)
}

func (c *Client) do(ctx context.Context, method, path string, params url.Values, body, out any) error {
	return httpx.Retry(ctx, c.retryMax, c.retryBase, func() error {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}

		u := c.baseURL + path
		if len(params) > 0 {
			u += "?" + params.Encode()
		}

		var reader io.Reader
		if body != nil {
			b, err := json.Marshal(body)
			if err != nil {
				return domain.Permanent(fmt.Errorf("marshal request: %w", err))
			}
			reader = bytes.NewReader(b)
		}

		req, err := http.NewRequestWithContext(ctx, method, u, reader)
		if err != nil {
			return domain.Permanent(err)
		}
		req.Header.Set("Authorization", "Bearer "+c.token)
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.http.Do(req)
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
