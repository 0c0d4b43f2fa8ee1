// Package mapper is the pure transformation layer: source items in,
// destination payloads and relation requests out. Nothing here touches
// the network or the store.
package mapper

import (
	"fmt"
	"sort"
	"strings"
	"unicode"

	"github.com/rs/zerolog/log"

	"github.com/erauner12/capsync/internal/domain"
)

// blockTextLimit is the destination's per-block rich text limit.
const blockTextLimit = 2000

// truncationMarker is appended to any block cut at blockTextLimit.
const truncationMarker = " […truncated]"

// placeholderTitle is used when a source item has an empty title.
const placeholderTitle = "(untitled task)"

// Relations names the relation targets a payload needs resolved:
// the source project plus canonical area and person names.
type Relations struct {
	ProjectID   string
	AreaNames   []string
	PersonNames []string
}

// Mapper carries the configuration the forward mapping depends on.
type Mapper struct {
	Tag   string
	Areas map[string]bool // canonical uppercase names

	// DefaultTZ is attached to timed due dates that arrive without a
	// timezone of their own.
	DefaultTZ string
}

// New returns a Mapper for the given eligibility tag and area set.
func New(tag string, areas map[string]bool) *Mapper {
	return &Mapper{Tag: tag, Areas: areas}
}

// Forward maps a source item into a destination task payload plus the
// relation names still to be resolved. Deterministic: equal inputs
// produce byte-for-byte equal payloads.
func (m *Mapper) Forward(item domain.Item, comments []domain.Comment) (domain.TaskPayload, Relations) {
	labels, areas, people := m.PartitionLabels(item.Labels)

	title := item.Content
	if strings.TrimSpace(title) == "" {
		title = placeholderTitle
		log.Warn().Str("item_id", item.ID).Msg("item has empty title, using placeholder")
	}

	payload := domain.TaskPayload{
		Title:     title,
		Priority:  PrioritySelect(item.Priority),
		Labels:    labels,
		Due:       m.mapDue(item.Due),
		Completed: item.IsCompleted,
		SourceID:  item.ID,
		SourceURL: item.URL,
		Blocks:    bodyBlocks(item.Description, comments),
	}

	return payload, Relations{
		ProjectID:   item.ProjectID,
		AreaNames:   areas,
		PersonNames: people,
	}
}

// PartitionLabels splits a label multiset into residual labels,
// recognized area names (canonical uppercase), and person names
// (@-prefix stripped). The eligibility tag is removed entirely. All
// three slices come back sorted so hashes are stable.
func (m *Mapper) PartitionLabels(labels []string) (residual, areas, people []string) {
	seenArea := make(map[string]bool)
	for _, raw := range labels {
		label := strings.TrimSpace(raw)
		if label == "" {
			continue
		}
		if label == m.Tag || label == "@"+m.Tag {
			continue
		}
		if strings.HasPrefix(label, "@") {
			people = append(people, strings.TrimPrefix(label, "@"))
			continue
		}
		canonical := CanonicalArea(label)
		if m.Areas[canonical] {
			if !seenArea[canonical] {
				seenArea[canonical] = true
				areas = append(areas, canonical)
			}
			continue
		}
		residual = append(residual, label)
	}
	sort.Strings(residual)
	sort.Strings(areas)
	sort.Strings(people)
	return residual, areas, people
}

// CanonicalArea normalizes a label for comparison against the area
// set: trim, strip trailing non-ASCII runes (emoji markers such as the
// folder glyph), collapse whitespace, uppercase.
func CanonicalArea(label string) string {
	runes := []rune(strings.TrimSpace(label))
	for len(runes) > 0 && runes[len(runes)-1] > 127 {
		runes = runes[:len(runes)-1]
	}
	return CanonicalName(string(runes))
}

// CanonicalName trims, collapses internal whitespace to single spaces,
// and uppercases.
func CanonicalName(name string) string {
	fields := strings.FieldsFunc(name, unicode.IsSpace)
	return strings.ToUpper(strings.Join(fields, " "))
}

// PrioritySelect converts a source priority (1 lowest .. 4 highest)
// into the destination select name. Higher source priority maps to a
// lower P-number.
func PrioritySelect(p int) string {
	switch p {
	case 4:
		return "P1"
	case 3:
		return "P2"
	case 2:
		return "P3"
	default:
		return "P4"
	}
}

// SelectPriority is the inverse of PrioritySelect, used by the reverse
// extractor. Unrecognized names map to the lowest priority.
func SelectPriority(name string) int {
	switch name {
	case "P1":
		return 4
	case "P2":
		return 3
	case "P3":
		return 2
	default:
		return 1
	}
}

func (m *Mapper) mapDue(due *domain.Due) *domain.DueValue {
	if due == nil {
		return nil
	}
	v := &domain.DueValue{Date: due.Date, Timezone: due.Timezone}
	if datePart, timePart, ok := strings.Cut(due.Date, "T"); ok {
		v.Date = datePart
		v.Time = timePart
		if v.Timezone == "" {
			v.Timezone = m.DefaultTZ
		}
	}
	return v
}

func bodyBlocks(description string, comments []domain.Comment) []domain.Block {
	var blocks []domain.Block
	if description != "" {
		blocks = append(blocks, paragraph(description))
	}
	if len(comments) > 0 {
		blocks = append(blocks, domain.Block{Kind: domain.BlockHeading, Text: "Comments"})
		for _, c := range comments {
			blocks = append(blocks, paragraph(fmt.Sprintf("**Comment** · %s\n\n%s", c.PostedAt, c.Content)))
		}
	}
	return blocks
}

func paragraph(text string) domain.Block {
	if len(text) > blockTextLimit {
		cut := blockTextLimit - len(truncationMarker)
		// Avoid splitting a multi-byte rune at the cut point.
		for cut > 0 && text[cut]&0xC0 == 0x80 {
			cut--
		}
		log.Warn().Int("original_len", len(text)).Msg("block text truncated to destination limit")
		text = text[:cut] + truncationMarker
	}
	return domain.Block{Kind: domain.BlockParagraph, Text: text}
}

// OrphanNotice is the block appended to a page when its source item
// stops being eligible.
func OrphanNotice(date string) domain.Block {
	return domain.Block{
		Kind: domain.BlockParagraph,
		Text: fmt.Sprintf("Sync label was removed on %s", date),
	}
}
