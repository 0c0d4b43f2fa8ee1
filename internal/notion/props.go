package notion

import (
	"encoding/json"
	"time"

	"github.com/erauner12/capsync/internal/domain"
)

// Destination property names. The database schemas are operator-owned;
// these names are the contract.
const (
	propName      = "Name"
	propPriority  = "Priority"
	propLabels    = "Labels"
	propDueDate   = "Due Date"
	propCompleted = "Completed"
	propTaskID    = "Todoist Task ID"
	propProjectID = "Todoist Project ID"
	propURL       = "Todoist URL"
	propProject   = "Project"
	propAreas     = "AREAS"
	propPeople    = "People"
	propStatus    = "Status"
	propColor     = "Color"
)

// Property is a tagged destination property value. Each variant
// marshals to the wire shape the destination API expects, so payload
// assembly is a typed map[string]Property instead of nested dicts.
type Property interface {
	json.Marshaler
	property()
}

// TitleProp is the page title.
type TitleProp struct{ Text string }

func (TitleProp) property() {}
func (p TitleProp) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]any{"title": richText(p.Text)})
}

// TextProp is a rich-text property.
type TextProp struct{ Text string }

func (TextProp) property() {}
func (p TextProp) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]any{"rich_text": richText(p.Text)})
}

// SelectProp is a single select; an empty name clears the field.
type SelectProp struct{ Name string }

func (SelectProp) property() {}
func (p SelectProp) MarshalJSON() ([]byte, error) {
	if p.Name == "" {
		return json.Marshal(map[string]any{"select": nil})
	}
	return json.Marshal(map[string]any{"select": map[string]any{"name": p.Name}})
}

// MultiSelectProp replaces the full multi-select value.
type MultiSelectProp struct{ Names []string }

func (MultiSelectProp) property() {}
func (p MultiSelectProp) MarshalJSON() ([]byte, error) {
	opts := make([]map[string]any, 0, len(p.Names))
	for _, n := range p.Names {
		opts = append(opts, map[string]any{"name": n})
	}
	return json.Marshal(map[string]any{"multi_select": opts})
}

// DateProp is a date property; a nil value clears the field.
type DateProp struct{ Value *domain.DueValue }

func (DateProp) property() {}
func (p DateProp) MarshalJSON() ([]byte, error) {
	if p.Value == nil {
		return json.Marshal(map[string]any{"date": nil})
	}
	start := p.Value.Date
	if p.Value.Time != "" {
		start += "T" + p.Value.Time
	}
	date := map[string]any{"start": start}
	if p.Value.Timezone != "" && p.Value.Time != "" {
		date["time_zone"] = p.Value.Timezone
	}
	return json.Marshal(map[string]any{"date": date})
}

// CheckboxProp is a boolean property.
type CheckboxProp struct{ Checked bool }

func (CheckboxProp) property() {}
func (p CheckboxProp) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]any{"checkbox": p.Checked})
}

// RelationProp replaces the full relation value.
type RelationProp struct{ IDs []string }

func (RelationProp) property() {}
func (p RelationProp) MarshalJSON() ([]byte, error) {
	refs := make([]map[string]any, 0, len(p.IDs))
	for _, id := range p.IDs {
		refs = append(refs, map[string]any{"id": id})
	}
	return json.Marshal(map[string]any{"relation": refs})
}

// URLProp is a URL property; an empty string clears the field.
type URLProp struct{ URL string }

func (URLProp) property() {}
func (p URLProp) MarshalJSON() ([]byte, error) {
	if p.URL == "" {
		return json.Marshal(map[string]any{"url": nil})
	}
	return json.Marshal(map[string]any{"url": p.URL})
}

func richText(text string) []map[string]any {
	if text == "" {
		return []map[string]any{}
	}
	return []map[string]any{{"text": map[string]any{"content": text}}}
}

// taskProperties assembles the property map for a task page.
func taskProperties(p domain.TaskPayload) map[string]Property {
	props := map[string]Property{
		propName:      TitleProp{Text: p.Title},
		propPriority:  SelectProp{Name: p.Priority},
		propCompleted: CheckboxProp{Checked: p.Completed},
		propTaskID:    TextProp{Text: p.SourceID},
		propURL:       URLProp{URL: p.SourceURL},
		propLabels:    MultiSelectProp{Names: p.Labels},
		propDueDate:   DateProp{Value: p.Due},
	}
	if p.ProjectPageID != "" {
		props[propProject] = RelationProp{IDs: []string{p.ProjectPageID}}
	}
	props[propAreas] = RelationProp{IDs: p.AreaPageIDs}
	props[propPeople] = RelationProp{IDs: p.PersonPageIDs}
	return props
}

// projectProperties assembles the property map for a project page.
// Areas are included only at creation; updates must not touch them.
func projectProperties(p domain.ProjectPayload, includeAreas bool) map[string]Property {
	props := map[string]Property{
		propName:      TitleProp{Text: p.Name},
		propProjectID: TextProp{Text: p.SourceID},
		propURL:       URLProp{URL: p.SourceURL},
		propStatus:    SelectProp{Name: p.Status},
		propColor:     SelectProp{Name: p.Color},
	}
	if includeAreas {
		props[propAreas] = RelationProp{IDs: p.AreaPageIDs}
	}
	return props
}

// blockChildren converts body blocks into the wire block list.
func blockChildren(blocks []domain.Block) []map[string]any {
	out := make([]map[string]any, 0, len(blocks))
	for _, b := range blocks {
		switch b.Kind {
		case domain.BlockHeading:
			out = append(out, map[string]any{
				"object":    "block",
				"type":      "heading_2",
				"heading_2": map[string]any{"rich_text": richText(b.Text)},
			})
		case domain.BlockDivider:
			out = append(out, map[string]any{
				"object":  "block",
				"type":    "divider",
				"divider": map[string]any{},
			})
		default:
			out = append(out, map[string]any{
				"object":    "block",
				"type":      "paragraph",
				"paragraph": map[string]any{"rich_text": richText(b.Text)},
			})
		}
	}
	return out
}

// page is the wire shape of a destination page response, as much of it
// as the engine reads.
type page struct {
	ID             string                     `json:"id"`
	Archived       bool                       `json:"archived"`
	URL            string                     `json:"url"`
	LastEditedTime time.Time                  `json:"last_edited_time"`
	Properties     map[string]json.RawMessage `json:"properties"`
}

func (p *page) title() string {
	var v struct {
		Title []struct {
			Text struct {
				Content string `json:"content"`
			} `json:"text"`
			PlainText string `json:"plain_text"`
		} `json:"title"`
	}
	if raw, ok := p.Properties[propName]; ok && json.Unmarshal(raw, &v) == nil && len(v.Title) > 0 {
		if v.Title[0].Text.Content != "" {
			return v.Title[0].Text.Content
		}
		return v.Title[0].PlainText
	}
	return ""
}

func (p *page) richTextValue(name string) string {
	var v struct {
		RichText []struct {
			Text struct {
				Content string `json:"content"`
			} `json:"text"`
			PlainText string `json:"plain_text"`
		} `json:"rich_text"`
	}
	if raw, ok := p.Properties[name]; ok && json.Unmarshal(raw, &v) == nil && len(v.RichText) > 0 {
		if v.RichText[0].Text.Content != "" {
			return v.RichText[0].Text.Content
		}
		return v.RichText[0].PlainText
	}
	return ""
}

func (p *page) selectValue(name string) string {
	var v struct {
		Select *struct {
			Name string `json:"name"`
		} `json:"select"`
	}
	if raw, ok := p.Properties[name]; ok && json.Unmarshal(raw, &v) == nil && v.Select != nil {
		return v.Select.Name
	}
	return ""
}

func (p *page) checkboxValue(name string) bool {
	var v struct {
		Checkbox bool `json:"checkbox"`
	}
	if raw, ok := p.Properties[name]; ok && json.Unmarshal(raw, &v) == nil {
		return v.Checkbox
	}
	return false
}

func (p *page) dateStart(name string) string {
	var v struct {
		Date *struct {
			Start string `json:"start"`
		} `json:"date"`
	}
	if raw, ok := p.Properties[name]; ok && json.Unmarshal(raw, &v) == nil && v.Date != nil {
		return v.Date.Start
	}
	return ""
}

func (p *page) relationIDs(name string) []string {
	var v struct {
		Relation []struct {
			ID string `json:"id"`
		} `json:"relation"`
	}
	raw, ok := p.Properties[name]
	if !ok || json.Unmarshal(raw, &v) != nil {
		return nil
	}
	ids := make([]string, 0, len(v.Relation))
	for _, r := range v.Relation {
		ids = append(ids, r.ID)
	}
	return ids
}
