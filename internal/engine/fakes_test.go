package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/erauner12/capsync/internal/domain"
)

// fakeSource is an in-memory domain.Source recording every side effect
// so tests can assert on writes.
type fakeSource struct {
	mu sync.Mutex

	bundles map[string]*domain.ItemBundle

	tagAdds     []string
	tagRemovals []string
	descrips    map[string]string
	projectCmts map[string][]string
	renames     map[string]string
	archived    map[string]bool
	patches     map[string][]domain.ItemPatch
	completed   []string
	reopened    []string
	created     []domain.NewItem
	nextItemID  int
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		bundles:     make(map[string]*domain.ItemBundle),
		descrips:    make(map[string]string),
		projectCmts: make(map[string][]string),
		renames:     make(map[string]string),
		archived:    make(map[string]bool),
		patches:     make(map[string][]domain.ItemPatch),
	}
}

func (f *fakeSource) put(bundle domain.ItemBundle) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b := bundle
	f.bundles[b.Item.ID] = &b
}

func (f *fakeSource) FetchItem(_ context.Context, id string) (*domain.ItemBundle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.bundles[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *b
	return &cp, nil
}

func (f *fakeSource) ListTagged(_ context.Context, tag string) ([]domain.Item, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var items []domain.Item
	for _, b := range f.bundles {
		if b.Item.HasLabel(tag) {
			items = append(items, b.Item)
		}
	}
	return items, nil
}

func (f *fakeSource) ListActive(_ context.Context) ([]domain.Item, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var items []domain.Item
	for _, b := range f.bundles {
		if !b.Item.IsCompleted {
			items = append(items, b.Item)
		}
	}
	return items, nil
}

func (f *fakeSource) ListProjects(_ context.Context) ([]domain.Project, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	seen := map[string]bool{}
	var projects []domain.Project
	for _, b := range f.bundles {
		if !seen[b.Project.ID] {
			seen[b.Project.ID] = true
			projects = append(projects, b.Project)
		}
	}
	return projects, nil
}

func (f *fakeSource) GetProject(_ context.Context, id string) (*domain.Project, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, b := range f.bundles {
		if b.Project.ID == id {
			p := b.Project
			return &p, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (f *fakeSource) AddTag(_ context.Context, id, tag string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.bundles[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	if !b.Item.HasLabel(tag) {
		b.Item.Labels = append(b.Item.Labels, tag)
		f.tagAdds = append(f.tagAdds, id)
	}
	return b.Item.Labels, nil
}

func (f *fakeSource) RemoveTag(_ context.Context, id, tag string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.bundles[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	var labels []string
	for _, l := range b.Item.Labels {
		if l != tag && l != "@"+tag {
			labels = append(labels, l)
		}
	}
	b.Item.Labels = labels
	f.tagRemovals = append(f.tagRemovals, id)
	return labels, nil
}

func (f *fakeSource) SetDescription(_ context.Context, id, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if b, ok := f.bundles[id]; ok {
		b.Item.Description = text
	}
	f.descrips[id] = text
	return nil
}

func (f *fakeSource) AddProjectComment(_ context.Context, projectID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.projectCmts[projectID] = append(f.projectCmts[projectID], text)
	return nil
}

func (f *fakeSource) RenameProject(_ context.Context, projectID, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.renames[projectID] = name
	for _, b := range f.bundles {
		if b.Project.ID == projectID {
			b.Project.Name = name
		}
	}
	return nil
}

func (f *fakeSource) SetProjectArchived(_ context.Context, projectID string, archived bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.archived[projectID] = archived
	for _, b := range f.bundles {
		if b.Project.ID == projectID {
			b.Project.IsArchived = archived
		}
	}
	return nil
}

func (f *fakeSource) CompleteItem(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed = append(f.completed, id)
	if b, ok := f.bundles[id]; ok {
		b.Item.IsCompleted = true
	}
	return nil
}

func (f *fakeSource) ReopenItem(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reopened = append(f.reopened, id)
	if b, ok := f.bundles[id]; ok {
		b.Item.IsCompleted = false
	}
	return nil
}

func (f *fakeSource) UpdateItem(_ context.Context, id string, patch domain.ItemPatch) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.patches[id] = append(f.patches[id], patch)
	b, ok := f.bundles[id]
	if !ok {
		return domain.ErrNotFound
	}
	if patch.Content != nil {
		b.Item.Content = *patch.Content
	}
	if patch.Priority != nil {
		b.Item.Priority = *patch.Priority
	}
	if patch.DueDate != nil {
		if *patch.DueDate == "" {
			b.Item.Due = nil
		} else {
			b.Item.Due = &domain.Due{Date: *patch.DueDate}
		}
	}
	return nil
}

func (f *fakeSource) CreateItem(_ context.Context, item domain.NewItem) (*domain.Item, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextItemID++
	f.created = append(f.created, item)
	created := domain.Item{
		ID:        fmt.Sprintf("new-%d", f.nextItemID),
		Content:   item.Content,
		ProjectID: item.ProjectID,
		Priority:  item.Priority,
		Labels:    item.Labels,
		URL:       "https://source.fake/new",
	}
	if item.DueDate != "" {
		created.Due = &domain.Due{Date: item.DueDate}
	}
	f.bundles[created.ID] = &domain.ItemBundle{
		Item:    created,
		Project: domain.Project{ID: item.ProjectID, Name: "adopted"},
	}
	return &created, nil
}

// fakeDest is an in-memory domain.Destination. Pages are ordered by a
// creation sequence so oldest-wins lookups behave like the real one.
type fakeDest struct {
	mu sync.Mutex

	seq   int
	pages map[string]*fakePage

	relations map[string]string // "kind/name" -> page id
	people    []domain.PersonRecord
	blocks    map[string][]domain.Block

	edits   []domain.TaskEdit
	unbound []domain.TaskEdit
	sources map[string][2]string // page id -> {source id, url}

	creates        int
	updates        int
	projectCreates int

	failCreate error
}

type fakePage struct {
	seq      int
	id       string
	kind     domain.PageKind
	sourceID string
	title    string
	status   string
	archived bool
	payload  domain.Payload
	edited   time.Time
}

func newFakeDest() *fakeDest {
	return &fakeDest{
		pages:     make(map[string]*fakePage),
		relations: make(map[string]string),
		blocks:    make(map[string][]domain.Block),
		sources:   make(map[string][2]string),
	}
}

func (f *fakeDest) page(id string) *fakePage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pages[id]
}

func (f *fakeDest) FindByExternalID(_ context.Context, kind domain.PageKind, sourceID string) (*domain.Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var oldest *fakePage
	for _, p := range f.pages {
		if p.kind != kind || p.sourceID != sourceID || p.archived {
			continue
		}
		if oldest == nil || p.seq < oldest.seq {
			oldest = p
		}
	}
	if oldest == nil {
		return nil, nil
	}
	return oldest.toDomain(), nil
}

func (p *fakePage) toDomain() *domain.Page {
	return &domain.Page{
		ID:           p.id,
		Title:        p.title,
		SourceID:     p.sourceID,
		Status:       p.status,
		Archived:     p.archived,
		URL:          "https://dest.fake/" + p.id,
		LastEditedAt: p.edited,
	}
}

func (f *fakeDest) CreatePage(_ context.Context, payload domain.Payload) (*domain.Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failCreate != nil {
		return nil, f.failCreate
	}
	f.seq++
	p := &fakePage{
		seq:     f.seq,
		id:      fmt.Sprintf("page-%d", f.seq),
		kind:    payload.Kind(),
		payload: payload,
	}
	switch v := payload.(type) {
	case domain.TaskPayload:
		p.sourceID, p.title = v.SourceID, v.Title
		f.creates++
	case domain.ProjectPayload:
		p.sourceID, p.title, p.status = v.SourceID, v.Name, v.Status
		f.projectCreates++
	}
	f.pages[p.id] = p
	return p.toDomain(), nil
}

func (f *fakeDest) UpdatePage(_ context.Context, pageID string, payload domain.Payload) (*domain.Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.pages[pageID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	f.updates++
	p.payload = payload
	switch v := payload.(type) {
	case domain.TaskPayload:
		p.title = v.Title
	case domain.ProjectPayload:
		p.title, p.status = v.Name, v.Status
	}
	return p.toDomain(), nil
}

func (f *fakeDest) ArchivePage(_ context.Context, pageID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.pages[pageID]
	if !ok {
		return domain.ErrNotFound
	}
	p.archived = true
	return nil
}

func (f *fakeDest) UnarchivePage(_ context.Context, pageID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.pages[pageID]
	if !ok {
		return domain.ErrNotFound
	}
	p.archived = false
	return nil
}

func (f *fakeDest) FindRelationByName(_ context.Context, kind domain.RelationKind, name string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.relations[string(kind)+"/"+name], nil
}

func (f *fakeDest) QueryRelationTargets(_ context.Context, _, _ string) ([]string, error) {
	return nil, nil
}

func (f *fakeDest) ListPeople(_ context.Context) ([]domain.PersonRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.people, nil
}

func (f *fakeDest) ListProjectPages(_ context.Context) ([]domain.Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Page
	for _, p := range f.pages {
		if p.kind == domain.KindProject {
			out = append(out, *p.toDomain())
		}
	}
	return out, nil
}

func (f *fakeDest) AppendBlocks(_ context.Context, pageID string, blocks []domain.Block) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.pages[pageID]; !ok {
		return domain.ErrNotFound
	}
	f.blocks[pageID] = append(f.blocks[pageID], blocks...)
	return nil
}

func (f *fakeDest) UpdateProjectStatus(_ context.Context, pageID, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.pages[pageID]
	if !ok {
		return domain.ErrNotFound
	}
	p.status = status
	return nil
}

func (f *fakeDest) ListEditedSince(_ context.Context, since time.Time) ([]domain.TaskEdit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.TaskEdit
	for _, e := range f.edits {
		if e.LastEditedAt.After(since) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *fakeDest) ListTasksWithoutSource(_ context.Context) ([]domain.TaskEdit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.unbound, nil
}

func (f *fakeDest) SetTaskSource(_ context.Context, pageID, sourceID, sourceURL string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sources[pageID] = [2]string{sourceID, sourceURL}
	if p, ok := f.pages[pageID]; ok {
		p.sourceID = sourceID
	}
	return nil
}

func (f *fakeDest) PageURL(pageID string) string {
	return "https://dest.fake/" + pageID
}
