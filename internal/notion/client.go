// Package notion is the destination adapter: a typed facade over the
// Notion API implementing domain.Destination. Pages are addressed by
// database queries on the source-id property; all property writes go
// through the tagged Property variants in this package.
package notion

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/erauner12/capsync/internal/domain"
	"github.com/erauner12/capsync/internal/mapper"
)

const apiVersion = "2022-06-28"

// Databases holds the ids of the operator-owned destination databases.
type Databases struct {
	Tasks    string
	Projects string
	Areas    string
	People   string
}

// Client talks to the Notion API.
type Client struct {
	rest *rest
	dbs  Databases
}

// Options configures a Client.
type Options struct {
	BaseURL   string
	Token     string
	Databases Databases
	Timeout   time.Duration
	RetryMax  int
	RetryBase time.Duration
	RateRPS   float64
}

func New(opts Options) *Client {
	return &Client{
		rest: newRest(opts),
		dbs:  opts.Databases,
	}
}

// FindByExternalID returns the live page mirroring sourceID, or nil.
// When duplicates exist the oldest-created page wins so repeated syncs
// converge on one mirror.
func (c *Client) FindByExternalID(ctx context.Context, kind domain.PageKind, sourceID string) (*domain.Page, error) {
	db, prop := c.dbs.Tasks, propTaskID
	if kind == domain.KindProject {
		db, prop = c.dbs.Projects, propProjectID
	}
	filter := map[string]any{
		"property":  prop,
		"rich_text": map[string]any{"equals": sourceID},
	}
	pages, err := c.rest.queryAll(ctx, db, filter, map[string]any{
		"sorts": []map[string]any{{"timestamp": "created_time", "direction": "ascending"}},
	})
	if err != nil {
		return nil, fmt.Errorf("find %s by source id: %w", kind, err)
	}
	if len(pages) == 0 {
		return nil, nil
	}
	return c.toPage(&pages[0]), nil
}

func (c *Client) CreatePage(ctx context.Context, p domain.Payload) (*domain.Page, error) {
	body := map[string]any{}
	switch v := p.(type) {
	case domain.TaskPayload:
		body["parent"] = map[string]any{"database_id": c.dbs.Tasks}
		body["properties"] = taskProperties(v)
		if len(v.Blocks) > 0 {
			body["children"] = blockChildren(v.Blocks)
		}
	case domain.ProjectPayload:
		body["parent"] = map[string]any{"database_id": c.dbs.Projects}
		body["properties"] = projectProperties(v, true)
	default:
		return nil, domain.Permanent(fmt.Errorf("unknown payload kind %q", p.Kind()))
	}

	var pg page
	if err := c.rest.do(ctx, "POST", "/pages", body, &pg); err != nil {
		return nil, fmt.Errorf("create %s page: %w", p.Kind(), err)
	}
	return c.toPage(&pg), nil
}

// UpdatePage rewrites properties only; the page body is append-only.
// Project area relations are never rewritten after creation.
func (c *Client) UpdatePage(ctx context.Context, pageID string, p domain.Payload) (*domain.Page, error) {
	var props map[string]Property
	switch v := p.(type) {
	case domain.TaskPayload:
		props = taskProperties(v)
	case domain.ProjectPayload:
		props = projectProperties(v, false)
	default:
		return nil, domain.Permanent(fmt.Errorf("unknown payload kind %q", p.Kind()))
	}

	var pg page
	err := c.rest.do(ctx, "PATCH", "/pages/"+pageID, map[string]any{"properties": props}, &pg)
	if err != nil {
		return nil, fmt.Errorf("update page %s: %w", pageID, err)
	}
	return c.toPage(&pg), nil
}

func (c *Client) ArchivePage(ctx context.Context, pageID string) error {
	return c.setArchived(ctx, pageID, true)
}

func (c *Client) UnarchivePage(ctx context.Context, pageID string) error {
	return c.setArchived(ctx, pageID, false)
}

func (c *Client) setArchived(ctx context.Context, pageID string, archived bool) error {
	err := c.rest.do(ctx, "PATCH", "/pages/"+pageID, map[string]any{"archived": archived}, nil)
	if err != nil {
		return fmt.Errorf("set archived=%t on %s: %w", archived, pageID, err)
	}
	return nil
}

// FindRelationByName looks a relation target up by exact title. It
// never creates; a miss returns "".
func (c *Client) FindRelationByName(ctx context.Context, kind domain.RelationKind, name string) (string, error) {
	var db string
	switch kind {
	case domain.RelationArea:
		db = c.dbs.Areas
	case domain.RelationPerson:
		db = c.dbs.People
	case domain.RelationProject:
		db = c.dbs.Projects
	default:
		return "", domain.Permanent(fmt.Errorf("unknown relation kind %q", kind))
	}
	filter := map[string]any{
		"property": "title",
		"title":    map[string]any{"equals": name},
	}
	pages, err := c.rest.queryAll(ctx, db, filter, nil)
	if err != nil {
		return "", fmt.Errorf("find %s %q: %w", kind, name, err)
	}
	if len(pages) == 0 {
		return "", nil
	}
	return pages[0].ID, nil
}

func (c *Client) QueryRelationTargets(ctx context.Context, relationField, pageID string) ([]string, error) {
	var pg page
	if err := c.rest.do(ctx, "GET", "/pages/"+pageID, nil, &pg); err != nil {
		return nil, fmt.Errorf("read page %s: %w", pageID, err)
	}
	return pg.relationIDs(relationField), nil
}

func (c *Client) ListPeople(ctx context.Context) ([]domain.PersonRecord, error) {
	pages, err := c.rest.queryAll(ctx, c.dbs.People, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("list people: %w", err)
	}
	people := make([]domain.PersonRecord, 0, len(pages))
	for i := range pages {
		name := pages[i].title()
		if name == "" {
			continue
		}
		people = append(people, domain.PersonRecord{ID: pages[i].ID, Name: name})
	}
	return people, nil
}

func (c *Client) ListProjectPages(ctx context.Context) ([]domain.Page, error) {
	pages, err := c.rest.queryAll(ctx, c.dbs.Projects, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("list project pages: %w", err)
	}
	out := make([]domain.Page, 0, len(pages))
	for i := range pages {
		out = append(out, *c.toPage(&pages[i]))
	}
	return out, nil
}

func (c *Client) AppendBlocks(ctx context.Context, pageID string, blocks []domain.Block) error {
	if len(blocks) == 0 {
		return nil
	}
	body := map[string]any{"children": blockChildren(blocks)}
	if err := c.rest.do(ctx, "PATCH", "/blocks/"+pageID+"/children", body, nil); err != nil {
		return fmt.Errorf("append blocks to %s: %w", pageID, err)
	}
	return nil
}

func (c *Client) UpdateProjectStatus(ctx context.Context, pageID, status string) error {
	body := map[string]any{"properties": map[string]Property{
		propStatus: SelectProp{Name: status},
	}}
	if err := c.rest.do(ctx, "PATCH", "/pages/"+pageID, body, nil); err != nil {
		return fmt.Errorf("set status %q on %s: %w", status, pageID, err)
	}
	return nil
}

// ListEditedSince returns reverse-extracted task pages edited after the
// watermark, newest edits last.
func (c *Client) ListEditedSince(ctx context.Context, since time.Time) ([]domain.TaskEdit, error) {
	filter := map[string]any{
		"timestamp":        "last_edited_time",
		"last_edited_time": map[string]any{"after": since.UTC().Format(time.RFC3339)},
	}
	pages, err := c.rest.queryAll(ctx, c.dbs.Tasks, filter, map[string]any{
		"sorts": []map[string]any{{"timestamp": "last_edited_time", "direction": "ascending"}},
	})
	if err != nil {
		return nil, fmt.Errorf("list edited since %s: %w", since, err)
	}
	edits := make([]domain.TaskEdit, 0, len(pages))
	for i := range pages {
		edits = append(edits, c.toEdit(&pages[i]))
	}
	return edits, nil
}

// ListTasksWithoutSource returns task pages whose source id is unset.
func (c *Client) ListTasksWithoutSource(ctx context.Context) ([]domain.TaskEdit, error) {
	filter := map[string]any{
		"property":  propTaskID,
		"rich_text": map[string]any{"is_empty": true},
	}
	pages, err := c.rest.queryAll(ctx, c.dbs.Tasks, filter, nil)
	if err != nil {
		return nil, fmt.Errorf("list tasks without source: %w", err)
	}
	edits := make([]domain.TaskEdit, 0, len(pages))
	for i := range pages {
		edits = append(edits, c.toEdit(&pages[i]))
	}
	return edits, nil
}

func (c *Client) SetTaskSource(ctx context.Context, pageID, sourceID, sourceURL string) error {
	body := map[string]any{"properties": map[string]Property{
		propTaskID: TextProp{Text: sourceID},
		propURL:    URLProp{URL: sourceURL},
	}}
	if err := c.rest.do(ctx, "PATCH", "/pages/"+pageID, body, nil); err != nil {
		return fmt.Errorf("set source on %s: %w", pageID, err)
	}
	return nil
}

// PageURL builds the canonical web URL for a page id.
func (c *Client) PageURL(pageID string) string {
	return "https://www.notion.so/" + strings.ReplaceAll(pageID, "-", "")
}

func (c *Client) toPage(pg *page) *domain.Page {
	sourceID := pg.richTextValue(propTaskID)
	if sourceID == "" {
		sourceID = pg.richTextValue(propProjectID)
	}
	return &domain.Page{
		ID:           pg.ID,
		Title:        pg.title(),
		SourceID:     sourceID,
		Status:       pg.selectValue(propStatus),
		Archived:     pg.Archived,
		URL:          pg.URL,
		LastEditedAt: pg.LastEditedTime,
	}
}

func (c *Client) toEdit(pg *page) domain.TaskEdit {
	edit := domain.TaskEdit{
		PageID:       pg.ID,
		Title:        pg.title(),
		Priority:     mapper.SelectPriority(pg.selectValue(propPriority)),
		DueDate:      pg.dateStart(propDueDate),
		Completed:    pg.checkboxValue(propCompleted),
		SourceID:     pg.richTextValue(propTaskID),
		Archived:     pg.Archived,
		LastEditedAt: pg.LastEditedTime,
	}
	if rels := pg.relationIDs(propProject); len(rels) > 0 {
		edit.ProjectPageID = rels[0]
	}
	// Datetime starts carry the full timestamp; reverse pushes only the
	// date part.
	if i := strings.IndexByte(edit.DueDate, 'T'); i >= 0 {
		edit.DueDate = edit.DueDate[:i]
	}
	return edit
}
