// Package domain holds the entities exchanged between the sync engine,
// the adapters, and the state store. Everything here is plain data:
// adapters translate wire formats into these records at the boundary.
package domain

import "time"

// Due is the structured due date of a source item. Date is either
// YYYY-MM-DD or YYYY-MM-DDTHH:MM:SS; the mapper splits off the time
// component when present.
type Due struct {
	Date        string `json:"date"`
	String      string `json:"string,omitempty"`
	Timezone    string `json:"timezone,omitempty"`
	IsRecurring bool   `json:"is_recurring"`
}

// Item is a snapshot of a source task. The engine never mutates items;
// it reads snapshots and writes side effects back through the adapter.
type Item struct {
	ID          string   `json:"id"`
	Content     string   `json:"content"`
	Description string   `json:"description"`
	ProjectID   string   `json:"project_id"`
	SectionID   string   `json:"section_id,omitempty"`
	SectionName string   `json:"section_name,omitempty"`
	ParentID    string   `json:"parent_id,omitempty"`
	Labels      []string `json:"labels"`
	Priority    int      `json:"priority"` // 1 (lowest) .. 4 (highest)
	Due         *Due     `json:"due,omitempty"`
	URL         string   `json:"url"`
	CreatedAt   string   `json:"created_at"`
	IsCompleted bool     `json:"is_completed"`
	CompletedAt string   `json:"completed_at,omitempty"`
}

// IsRecurring reports whether the item repeats on a schedule.
func (i *Item) IsRecurring() bool {
	return i.Due != nil && i.Due.IsRecurring
}

// HasLabel reports whether the item carries the given label, with or
// without the historical "@" prefix.
func (i *Item) HasLabel(label string) bool {
	for _, l := range i.Labels {
		if l == label || l == "@"+label {
			return true
		}
	}
	return false
}

// Project is a snapshot of a source project.
type Project struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Color      string `json:"color"`
	IsInbox    bool   `json:"is_inbox_project"`
	IsShared   bool   `json:"is_shared"`
	IsArchived bool   `json:"is_archived"`
	URL        string `json:"url"`
}

// Comment is a single source comment, ordered by PostedAt.
type Comment struct {
	ID       string `json:"id"`
	TaskID   string `json:"task_id"`
	Content  string `json:"content"`
	PostedAt string `json:"posted_at"`
}

// ItemBundle is the result of fetching an item: the item itself plus
// the project it belongs to and its comments.
type ItemBundle struct {
	Item     Item
	Project  Project
	Comments []Comment
}

// Action is what a sync message asks the worker to do.
type Action string

const (
	ActionUpsert  Action = "UPSERT"
	ActionArchive Action = "ARCHIVE"
)

// SyncSource records which path produced a sync.
type SyncSource string

const (
	SourceWebhook SyncSource = "webhook"
	// SourceWebhookNested marks item syncs triggered by a nested event
	// (a comment changed, not the item itself).
	SourceWebhookNested SyncSource = "webhook-nested"
	SourceReconciler    SyncSource = "reconciler"
	SourceManual        SyncSource = "manual"
)

// SyncMessage is the unit of work flowing through the queue. Snapshot,
// when present, carries the item inline so the worker can skip the
// source fetch (webhook payloads are considered fresh).
type SyncMessage struct {
	Action       Action     `json:"action"`
	SourceItemID string     `json:"source_item_id"`
	Snapshot     *Item      `json:"snapshot,omitempty"`
	Source       SyncSource `json:"source"`
	Attempt      int        `json:"attempt"`
}

// SyncStatus is the persisted per-item sync outcome.
type SyncStatus string

const (
	StatusOK       SyncStatus = "ok"
	StatusArchived SyncStatus = "archived"
	StatusError    SyncStatus = "error"
)

// TaskState is the durable record binding a source item to its
// destination page. Rows are never physically deleted; archived state
// is preserved for audit.
type TaskState struct {
	ExternalID    string     `json:"external_id"`
	DestPageID    string     `json:"dest_page_id,omitempty"`
	PayloadHash   string     `json:"payload_hash"`
	EchoHash      string     `json:"echo_hash,omitempty"`
	Status        SyncStatus `json:"sync_status"`
	Source        SyncSource `json:"sync_source,omitempty"`
	WasEligible   bool       `json:"was_eligible"`
	BacklinkAdded bool       `json:"backlink_added"`
	LastSyncedAt  time.Time  `json:"last_synced_at"`
	ErrorNote     string     `json:"error_note,omitempty"`
}

// ProjectState is the durable record for a materialized project page.
// Areas are frozen at creation: AreasFrozenAt is set exactly once and
// later syncs must not touch the page's areas relation.
type ProjectState struct {
	SourceProjectID string    `json:"source_project_id"`
	DestPageID      string    `json:"dest_page_id,omitempty"`
	EchoHash        string    `json:"echo_hash,omitempty"`
	NameLastWritten string    `json:"name_last_written_source,omitempty"`
	Status          string    `json:"status,omitempty"` // Active | Archived
	AreasFrozenAt   time.Time `json:"areas_frozen_at,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	LastSyncedAt    time.Time `json:"last_synced_at"`
}

// PersonRecord is a pre-existing destination person row. The engine
// only matches against these; it never creates them.
type PersonRecord struct {
	ID   string
	Name string
}
