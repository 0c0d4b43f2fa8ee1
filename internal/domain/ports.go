package domain

import (
	"context"
	"time"
)

// PageKind namespaces destination pages.
type PageKind string

const (
	KindTask    PageKind = "task"
	KindProject PageKind = "project"
)

// RelationKind namespaces named relation lookups.
type RelationKind string

const (
	RelationArea    RelationKind = "area"
	RelationPerson  RelationKind = "person"
	RelationProject RelationKind = "project"
)

// BlockKind selects the rendering of a body block.
type BlockKind string

const (
	BlockParagraph BlockKind = "paragraph"
	BlockHeading   BlockKind = "heading"
	BlockDivider   BlockKind = "divider"
)

// Block is one destination page body block.
type Block struct {
	Kind BlockKind `json:"kind"`
	Text string    `json:"text,omitempty"`
}

// DueValue is the destination representation of a due date: the date
// part, an optional wall-clock time, and an optional timezone.
type DueValue struct {
	Date     string `json:"date"`
	Time     string `json:"time,omitempty"`
	Timezone string `json:"timezone,omitempty"`
}

// TaskPayload is the fully mapped and resolved destination task page.
// Relation fields hold destination page ids, never embedded objects.
type TaskPayload struct {
	Title         string    `json:"title"`
	Priority      string    `json:"priority"` // "P1".."P4"
	Labels        []string  `json:"labels"`
	Due           *DueValue `json:"due,omitempty"`
	Completed     bool     `json:"completed"`
	SourceID      string   `json:"source_id"`
	SourceURL     string   `json:"source_url"`
	ProjectPageID string   `json:"project_page_id,omitempty"`
	AreaPageIDs   []string `json:"area_page_ids,omitempty"`
	PersonPageIDs []string `json:"person_page_ids,omitempty"`
	Blocks        []Block  `json:"blocks,omitempty"`
}

func (TaskPayload) Kind() PageKind { return KindTask }

// ProjectPayload is the destination project page written at
// materialization time. Areas are only ever set here.
type ProjectPayload struct {
	Name        string   `json:"name"`
	SourceID    string   `json:"source_id"`
	SourceURL   string   `json:"source_url"`
	Color       string   `json:"color,omitempty"`
	Status      string   `json:"status"` // Active | Archived
	AreaPageIDs []string `json:"area_page_ids,omitempty"`
}

func (ProjectPayload) Kind() PageKind { return KindProject }

// Payload is either a TaskPayload or a ProjectPayload.
type Payload interface {
	Kind() PageKind
}

// Page is a typed view of a destination page, as much of it as the
// engine needs to make decisions.
type Page struct {
	ID           string
	Title        string
	SourceID     string
	Status       string
	Archived     bool
	URL          string
	LastEditedAt time.Time
}

// TaskEdit is the reverse extractor's view of a destination task page:
// only the selectively bidirectional fields plus identifiers.
type TaskEdit struct {
	PageID        string
	Title         string
	Priority      int // source scale 1..4
	DueDate       string
	Completed     bool
	SourceID      string
	ProjectPageID string
	Archived      bool
	LastEditedAt  time.Time
}

// ItemPatch is a partial source item update used by reverse flows.
// Nil fields are left untouched.
type ItemPatch struct {
	Content  *string
	Priority *int
	DueDate  *string
}

// NewItem describes a source task to create (reverse creation flow).
type NewItem struct {
	Content   string
	ProjectID string
	Priority  int
	DueDate   string
	Labels    []string
}

// Source is the narrow facade over the source task service. All calls
// carry a context deadline; failures are classified with the error
// types in this package.
type Source interface {
	// FetchItem returns the item with its project and comments, or
	// ErrNotFound when the item no longer exists at the source.
	FetchItem(ctx context.Context, id string) (*ItemBundle, error)
	// ListTagged returns all items carrying the tag, completed included.
	ListTagged(ctx context.Context, tag string) ([]Item, error)
	// ListActive returns every non-completed item, tagged or not.
	ListActive(ctx context.Context) ([]Item, error)
	ListProjects(ctx context.Context) ([]Project, error)
	GetProject(ctx context.Context, id string) (*Project, error)
	// AddTag and RemoveTag are idempotent and return the current labels.
	AddTag(ctx context.Context, id, tag string) ([]string, error)
	RemoveTag(ctx context.Context, id, tag string) ([]string, error)
	SetDescription(ctx context.Context, id, text string) error
	AddProjectComment(ctx context.Context, projectID, text string) error
	RenameProject(ctx context.Context, projectID, name string) error
	SetProjectArchived(ctx context.Context, projectID string, archived bool) error
	CompleteItem(ctx context.Context, id string) error
	ReopenItem(ctx context.Context, id string) error
	UpdateItem(ctx context.Context, id string, patch ItemPatch) error
	CreateItem(ctx context.Context, item NewItem) (*Item, error)
}

// Destination is the narrow facade over the destination knowledge base.
type Destination interface {
	// FindByExternalID returns the live page mirroring sourceID, or nil.
	FindByExternalID(ctx context.Context, kind PageKind, sourceID string) (*Page, error)
	CreatePage(ctx context.Context, p Payload) (*Page, error)
	UpdatePage(ctx context.Context, pageID string, p Payload) (*Page, error)
	ArchivePage(ctx context.Context, pageID string) error
	UnarchivePage(ctx context.Context, pageID string) error
	// FindRelationByName returns the page id for a named relation
	// target, or "" when absent. It never creates.
	FindRelationByName(ctx context.Context, kind RelationKind, name string) (string, error)
	// QueryRelationTargets lists the page ids a relation field points at.
	QueryRelationTargets(ctx context.Context, relationField, pageID string) ([]string, error)
	ListPeople(ctx context.Context) ([]PersonRecord, error)
	ListProjectPages(ctx context.Context) ([]Page, error)
	AppendBlocks(ctx context.Context, pageID string, blocks []Block) error
	UpdateProjectStatus(ctx context.Context, pageID, status string) error
	// ListEditedSince returns reverse-extracted task pages edited after
	// the watermark.
	ListEditedSince(ctx context.Context, since time.Time) ([]TaskEdit, error)
	// ListTasksWithoutSource returns task pages with no source id set.
	ListTasksWithoutSource(ctx context.Context) ([]TaskEdit, error)
	SetTaskSource(ctx context.Context, pageID, sourceID, sourceURL string) error
	PageURL(pageID string) string
}
