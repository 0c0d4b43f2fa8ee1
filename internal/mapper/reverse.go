package mapper

import (
	"strings"

	"github.com/erauner12/capsync/internal/domain"
	"github.com/erauner12/capsync/internal/syncx"
)

// ReverseChanges lists the fields of a destination task edit that
// differ from the current source item. Nil pointers mean unchanged.
type ReverseChanges struct {
	Title     *string
	Priority  *int
	DueDate   *string
	Completed *bool
}

// Empty reports whether no field changed.
func (c ReverseChanges) Empty() bool {
	return c.Title == nil && c.Priority == nil && c.DueDate == nil && c.Completed == nil
}

// ReverseHash digests the selectively bidirectional fields of a
// destination task page. Stored as the echo hash after a forward
// write, it lets the reverse pass recognize its own echoes.
func ReverseHash(edit domain.TaskEdit) string {
	return syncx.MustHash(map[string]any{
		"title":     edit.Title,
		"priority":  edit.Priority,
		"due_date":  edit.DueDate,
		"completed": edit.Completed,
	})
}

// ProjectNameHash digests a proposed reverse project rename, for echo
// suppression against ProjectState.EchoHash.
func ProjectNameHash(name string) string {
	return syncx.MustHash(map[string]any{"name": name})
}

// DiffEdit compares a destination edit with the current source item
// and returns the fields the source should adopt.
func DiffEdit(edit domain.TaskEdit, item domain.Item) ReverseChanges {
	var changes ReverseChanges

	if edit.Title != "" && edit.Title != item.Content {
		t := edit.Title
		changes.Title = &t
	}
	if edit.Priority != item.Priority {
		p := edit.Priority
		changes.Priority = &p
	}

	// The destination only carries the date part; a timed source due
	// must not read as a change (and must not lose its time).
	itemDue := ""
	if item.Due != nil {
		itemDue, _, _ = strings.Cut(item.Due.Date, "T")
	}
	if edit.DueDate != itemDue && (edit.DueDate != "" || itemDue != "") {
		d := edit.DueDate
		changes.DueDate = &d
	}

	if edit.Completed != item.IsCompleted {
		c := edit.Completed
		changes.Completed = &c
	}
	return changes
}
