// Package engine is the sync core: a worker pool consuming the durable
// queue, the per-message pipeline (eligibility, mapping, relation
// resolution, hash-guarded writes, state persistence), and the periodic
// reconciler.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/erauner12/capsync/internal/domain"
	"github.com/erauner12/capsync/internal/mapper"
	"github.com/erauner12/capsync/internal/queue"
	"github.com/erauner12/capsync/internal/resolver"
	"github.com/erauner12/capsync/internal/store"
	"github.com/erauner12/capsync/internal/syncx"
)

// pollInterval is the idle sleep between empty dequeues.
const pollInterval = 500 * time.Millisecond

const (
	statusActive   = "Active"
	statusArchived = "Archived"
)

// Options tunes the engine. Zero values fall back to safe defaults in
// New.
type Options struct {
	Tag                   string
	SkipInbox             bool
	SkipRecurring         bool
	AutoLabel             bool
	AddBacklink           bool
	WorkerConcurrency     int
	QueueInFlightLimit    int
	RequestTimeout        time.Duration
	RetryBaseDelay        time.Duration
	EnableReverseTasks    bool
	EnableReverseCreation bool
}

// Engine wires the adapters, store, queue, mapper, and resolver into
// the message pipeline. All collaborators arrive via the constructor.
type Engine struct {
	src   domain.Source
	dst   domain.Destination
	store store.Store
	queue queue.Queue
	mapr  *mapper.Mapper
	res   *resolver.Resolver
	opts  Options
	locks *keyLock
}

func New(src domain.Source, dst domain.Destination, st store.Store, q queue.Queue, m *mapper.Mapper, r *resolver.Resolver, opts Options) *Engine {
	if opts.WorkerConcurrency < 1 {
		opts.WorkerConcurrency = 4
	}
	if opts.QueueInFlightLimit < 1 {
		opts.QueueInFlightLimit = 256
	}
	if opts.RequestTimeout == 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	if opts.RetryBaseDelay == 0 {
		opts.RetryBaseDelay = time.Second
	}
	return &Engine{
		src: src, dst: dst, store: st, queue: q,
		mapr: m, res: r, opts: opts,
		locks: newKeyLock(),
	}
}

// Enqueue pushes a message onto the durable queue.
func (e *Engine) Enqueue(ctx context.Context, msg domain.SyncMessage) error {
	return e.queue.Enqueue(ctx, msg)
}

// Run starts the worker pool and blocks until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < e.opts.WorkerConcurrency; i++ {
		g.Go(func() error { return e.worker(ctx) })
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (e *Engine) worker(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		d, err := e.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Error().Err(err).Msg("dequeue failed")
			sleep(ctx, pollInterval)
			continue
		}
		if d == nil {
			sleep(ctx, pollInterval)
			continue
		}
		e.handle(ctx, d)
	}
}

// handle runs the pipeline for one delivery and settles it: ack on
// success or permanent failure, nack with backoff on transient failure,
// leave leased on cancellation so the queue redelivers.
func (e *Engine) handle(ctx context.Context, d *queue.Delivery) {
	err := e.Process(ctx, d.Message)
	switch {
	case err == nil:
		if ackErr := e.queue.Ack(ctx, d.ID); ackErr != nil {
			log.Error().Err(ackErr).Stringer("delivery", d.ID).Msg("ack failed")
		}
	case ctx.Err() != nil:
		// Cancelled mid-flight; the visibility timeout redelivers.
	case domain.IsRetryable(err):
		delay := nackDelay(e.opts.RetryBaseDelay, d.Attempt)
		log.Warn().Err(err).
			Str("item_id", d.Message.SourceItemID).
			Int("attempt", d.Attempt).
			Dur("redeliver_in", delay).
			Msg("transient failure, message requeued")
		if nackErr := e.queue.Nack(ctx, d.ID, delay); nackErr != nil {
			log.Error().Err(nackErr).Stringer("delivery", d.ID).Msg("nack failed")
		}
	default:
		log.Error().Err(err).
			Str("item_id", d.Message.SourceItemID).
			Str("action", string(d.Message.Action)).
			Msg("permanent failure, message dropped")
		if ackErr := e.queue.Ack(ctx, d.ID); ackErr != nil {
			log.Error().Err(ackErr).Stringer("delivery", d.ID).Msg("ack failed")
		}
	}
}

func nackDelay(base time.Duration, attempt int) time.Duration {
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= 5*time.Minute {
			return 5 * time.Minute
		}
	}
	return d
}

// Drain processes queued messages until the queue is fully empty, used
// by the one-shot reconcile command.
func (e *Engine) Drain(ctx context.Context) error {
	for {
		d, err := e.queue.Dequeue(ctx)
		if err != nil {
			return err
		}
		if d == nil {
			n, err := e.queue.InFlight(ctx)
			if err != nil {
				return err
			}
			if n == 0 {
				return nil
			}
			sleep(ctx, pollInterval)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			continue
		}
		e.handle(ctx, d)
	}
}

// Process runs the pipeline for one message. Messages for the same
// source item are serialized by a keyed lock.
func (e *Engine) Process(ctx context.Context, msg domain.SyncMessage) error {
	unlock := e.locks.Lock(msg.SourceItemID)
	defer unlock()

	ctx, cancel := context.WithTimeout(ctx, e.opts.RequestTimeout)
	defer cancel()

	if msg.Action == domain.ActionArchive {
		return e.archive(ctx, msg)
	}
	return e.upsert(ctx, msg)
}

// archive mirrors a source-side deletion: archive the page if one
// exists, keep the state row for audit.
func (e *Engine) archive(ctx context.Context, msg domain.SyncMessage) error {
	state, err := e.store.GetTask(ctx, msg.SourceItemID)
	if err != nil {
		return err
	}
	if state == nil || state.DestPageID == "" || state.Status == domain.StatusArchived {
		return nil
	}

	if err := e.dst.ArchivePage(ctx, state.DestPageID); err != nil && !errors.Is(err, domain.ErrNotFound) {
		return e.fail(ctx, msg, err)
	}

	_, err = e.store.UpsertTask(ctx, msg.SourceItemID, func(s *domain.TaskState) error {
		s.Status = domain.StatusArchived
		s.Source = msg.Source
		s.WasEligible = false
		s.LastSyncedAt = syncx.Now()
		s.ErrorNote = ""
		return nil
	})
	if err == nil {
		log.Info().Str("item_id", msg.SourceItemID).Msg("mirror archived")
	}
	return err
}

func (e *Engine) upsert(ctx context.Context, msg domain.SyncMessage) error {
	state, err := e.store.GetTask(ctx, msg.SourceItemID)
	if err != nil {
		return err
	}

	// Webhook snapshots are fresh enough to reject untagged items
	// without a fetch. Other sources may still auto-label, so they
	// always see the full bundle.
	if msg.Snapshot != nil && msg.Source == domain.SourceWebhook &&
		!msg.Snapshot.HasLabel(e.opts.Tag) &&
		(state == nil || state.DestPageID == "") {
		return nil
	}

	bundle, err := e.src.FetchItem(ctx, msg.SourceItemID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return e.archive(ctx, msg)
		}
		return e.fail(ctx, msg, err)
	}
	item := bundle.Item

	if !item.HasLabel(e.opts.Tag) && e.shouldAutoLabel(&item, &bundle.Project, msg.Source) {
		labels, err := e.src.AddTag(ctx, item.ID, e.opts.Tag)
		if err != nil {
			return e.fail(ctx, msg, err)
		}
		item.Labels = labels
		log.Info().Str("item_id", item.ID).Msg("eligibility tag auto-applied")
	}

	if !e.eligible(&item, &bundle.Project) {
		return e.orphan(ctx, msg, state, &item, &bundle.Project)
	}

	payload, rels := e.mapr.Forward(item, bundle.Comments)

	projectPageID, err := e.projectPageID(ctx, &bundle.Project)
	if err != nil {
		return e.fail(ctx, msg, err)
	}
	payload.ProjectPageID = projectPageID

	if payload.AreaPageIDs, err = e.resolveAreas(ctx, rels.AreaNames); err != nil {
		return e.fail(ctx, msg, err)
	}
	if payload.PersonPageIDs, err = e.resolvePeople(ctx, rels.PersonNames); err != nil {
		return e.fail(ctx, msg, err)
	}

	h := syncx.MustHash(payload)

	// Verify the mirror is still live before trusting the stored hash:
	// an out-of-band archive must be repaired even when the payload is
	// unchanged.
	pageID := ""
	if state != nil {
		pageID = state.DestPageID
	}
	live, err := e.dst.FindByExternalID(ctx, domain.KindTask, item.ID)
	if err != nil {
		return e.fail(ctx, msg, err)
	}
	force := false
	switch {
	case live == nil && pageID != "":
		if err := e.dst.UnarchivePage(ctx, pageID); err != nil {
			if !errors.Is(err, domain.ErrNotFound) {
				return e.fail(ctx, msg, err)
			}
			pageID = ""
		}
		force = true
	case live != nil && pageID != "" && live.ID != pageID:
		// Duplicate mirrors: adopt the oldest and archive ours.
		log.Warn().Str("item_id", item.ID).
			Str("kept", live.ID).Str("archived", pageID).
			Msg("duplicate mirror pages, keeping the oldest")
		if err := e.dst.ArchivePage(ctx, pageID); err != nil && !errors.Is(err, domain.ErrNotFound) {
			return e.fail(ctx, msg, err)
		}
		pageID = live.ID
		force = true
	case live != nil && pageID == "":
		pageID = live.ID
	}

	if !force && pageID != "" && state != nil &&
		state.PayloadHash == h && state.Status == domain.StatusOK {
		_, err := e.store.UpsertTask(ctx, item.ID, func(s *domain.TaskState) error {
			s.LastSyncedAt = syncx.Now()
			return nil
		})
		return err
	}

	created := false
	var page *domain.Page
	if pageID == "" {
		if page, err = e.dst.CreatePage(ctx, payload); err != nil {
			return e.fail(ctx, msg, err)
		}
		created = true
		log.Info().Str("item_id", item.ID).Str("page_id", page.ID).Msg("mirror created")
	} else {
		if page, err = e.dst.UpdatePage(ctx, pageID, payload); err != nil {
			return e.fail(ctx, msg, err)
		}
	}

	backlinkAdded := state != nil && state.BacklinkAdded
	if created && e.opts.AddBacklink && !backlinkAdded {
		if err := e.addBacklink(ctx, &item, page.ID, projectPageID); err != nil {
			// The mirror exists; a failed backlink should not fail the
			// sync. The next creation-path pass retries it.
			log.Warn().Err(err).Str("item_id", item.ID).Msg("backlink write failed")
		} else {
			backlinkAdded = true
		}
	}

	echo := mapper.ReverseHash(domain.TaskEdit{
		Title:     payload.Title,
		Priority:  item.Priority,
		DueDate:   dueDate(payload.Due),
		Completed: payload.Completed,
	})

	_, err = e.store.UpsertTask(ctx, item.ID, func(s *domain.TaskState) error {
		s.DestPageID = page.ID
		s.PayloadHash = h
		s.EchoHash = echo
		s.Status = domain.StatusOK
		s.Source = msg.Source
		s.WasEligible = true
		s.BacklinkAdded = backlinkAdded
		s.LastSyncedAt = syncx.Now()
		s.ErrorNote = ""
		return nil
	})
	return err
}

// eligible is the gating predicate: tagged, not recurring, not in the
// inbox project.
func (e *Engine) eligible(item *domain.Item, project *domain.Project) bool {
	if !item.HasLabel(e.opts.Tag) {
		return false
	}
	if e.opts.SkipRecurring && item.IsRecurring() {
		return false
	}
	if e.opts.SkipInbox && project != nil && project.IsInbox {
		return false
	}
	return true
}

// shouldAutoLabel reports whether the engine may apply the eligibility
// tag itself. Direct webhook item events never auto-label (the user's
// own labeling drives those); nested events, the reconciler, and
// manual enqueues may.
func (e *Engine) shouldAutoLabel(item *domain.Item, project *domain.Project, src domain.SyncSource) bool {
	if !e.opts.AutoLabel || src == domain.SourceWebhook {
		return false
	}
	if e.opts.SkipRecurring && item.IsRecurring() {
		return false
	}
	if e.opts.SkipInbox && project != nil && project.IsInbox {
		return false
	}
	return true
}

// orphan handles an ineligible item that was previously mirrored: note
// the transition on the page body, archive the page, and keep state.
func (e *Engine) orphan(ctx context.Context, msg domain.SyncMessage, state *domain.TaskState, item *domain.Item, project *domain.Project) error {
	if state == nil || state.DestPageID == "" || !state.WasEligible {
		return nil
	}

	notice := mapper.OrphanNotice(syncx.Now().Format("2006-01-02"))
	if err := e.dst.AppendBlocks(ctx, state.DestPageID, []domain.Block{notice}); err != nil && !errors.Is(err, domain.ErrNotFound) {
		return e.fail(ctx, msg, err)
	}
	if err := e.dst.ArchivePage(ctx, state.DestPageID); err != nil && !errors.Is(err, domain.ErrNotFound) {
		return e.fail(ctx, msg, err)
	}

	// A recurring or inbox-move transition keeps the tag attached,
	// which would orphan the item again on every pass. Detach it once.
	recurring := e.opts.SkipRecurring && item.IsRecurring()
	inbox := e.opts.SkipInbox && project != nil && project.IsInbox
	if (recurring || inbox) && item.HasLabel(e.opts.Tag) {
		if _, err := e.src.RemoveTag(ctx, item.ID, e.opts.Tag); err != nil {
			return e.fail(ctx, msg, err)
		}
	}

	_, err := e.store.UpsertTask(ctx, item.ID, func(s *domain.TaskState) error {
		s.Status = domain.StatusArchived
		s.Source = msg.Source
		s.WasEligible = false
		s.LastSyncedAt = syncx.Now()
		s.ErrorNote = ""
		return nil
	})
	if err == nil {
		log.Info().Str("item_id", item.ID).Msg("mirror orphaned")
	}
	return err
}

// projectPageID resolves the destination project page, materializing it
// under the resolver's single-flight lock when absent.
func (e *Engine) projectPageID(ctx context.Context, project *domain.Project) (string, error) {
	if ps, err := e.store.GetProject(ctx, project.ID); err != nil {
		return "", err
	} else if ps != nil && ps.DestPageID != "" {
		return ps.DestPageID, nil
	}
	return e.res.Project(ctx, project.ID, e.materializeProject(*project))
}

// materializeProject creates the destination project page exactly once
// per project. Areas are aggregated from the currently eligible
// children and frozen; the source gets a backlink comment once.
func (e *Engine) materializeProject(project domain.Project) resolver.CreateProjectFunc {
	return func(ctx context.Context) (string, error) {
		areaIDs, err := e.resolveAreas(ctx, e.childAreaNames(ctx, project.ID))
		if err != nil {
			return "", err
		}

		status := statusActive
		if project.IsArchived {
			status = statusArchived
		}
		page, err := e.dst.CreatePage(ctx, domain.ProjectPayload{
			Name:        project.Name,
			SourceID:    project.ID,
			SourceURL:   project.URL,
			Color:       project.Color,
			Status:      status,
			AreaPageIDs: areaIDs,
		})
		if err != nil {
			return "", fmt.Errorf("materialize project %s: %w", project.ID, err)
		}
		log.Info().Str("project_id", project.ID).Str("page_id", page.ID).Msg("project materialized")

		now := syncx.Now()
		if _, err := e.store.UpsertProject(ctx, project.ID, func(ps *domain.ProjectState) error {
			ps.DestPageID = page.ID
			ps.Status = status
			ps.NameLastWritten = project.Name
			ps.EchoHash = mapper.ProjectNameHash(project.Name)
			ps.AreasFrozenAt = now
			if ps.CreatedAt.IsZero() {
				ps.CreatedAt = now
			}
			ps.LastSyncedAt = now
			return nil
		}); err != nil {
			return "", err
		}

		if e.opts.AddBacklink {
			comment := "Notion project page: " + e.dst.PageURL(page.ID)
			if err := e.src.AddProjectComment(ctx, project.ID, comment); err != nil {
				log.Warn().Err(err).Str("project_id", project.ID).Msg("project backlink comment failed")
			}
		}
		return page.ID, nil
	}
}

// childAreaNames unions the area labels of the project's currently
// eligible children. Failures degrade to no areas rather than blocking
// materialization.
func (e *Engine) childAreaNames(ctx context.Context, projectID string) []string {
	items, err := e.src.ListTagged(ctx, e.opts.Tag)
	if err != nil {
		log.Warn().Err(err).Str("project_id", projectID).Msg("could not aggregate child areas")
		return nil
	}
	set := make(map[string]bool)
	for i := range items {
		if items[i].ProjectID != projectID {
			continue
		}
		if e.opts.SkipRecurring && items[i].IsRecurring() {
			continue
		}
		_, areas, _ := e.mapr.PartitionLabels(items[i].Labels)
		for _, a := range areas {
			set[a] = true
		}
	}
	names := make([]string, 0, len(set))
	for a := range set {
		names = append(names, a)
	}
	sort.Strings(names)
	return names
}

func (e *Engine) resolveAreas(ctx context.Context, names []string) ([]string, error) {
	var ids []string
	for _, name := range names {
		id, err := e.res.Area(ctx, name)
		if err != nil {
			return nil, err
		}
		if id != "" {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (e *Engine) resolvePeople(ctx context.Context, names []string) ([]string, error) {
	var ids []string
	for _, name := range names {
		id, err := e.res.Person(ctx, name)
		if err != nil {
			return nil, err
		}
		if id != "" {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// addBacklink appends the mirror URLs to the source description once,
// guarded by a containment check against double-append on redelivery.
func (e *Engine) addBacklink(ctx context.Context, item *domain.Item, taskPageID, projectPageID string) error {
	taskURL := e.dst.PageURL(taskPageID)
	if strings.Contains(item.Description, taskURL) {
		return nil
	}
	links := taskURL
	if projectPageID != "" {
		links += "\n" + e.dst.PageURL(projectPageID)
	}
	desc := item.Description
	if desc != "" {
		desc += "\n\n"
	}
	return e.src.SetDescription(ctx, item.ID, desc+"---\n\n"+links)
}

// fail records a permanent failure on the state row; transient and
// cancellation errors pass through untouched so redelivery retries
// against unchanged state.
func (e *Engine) fail(ctx context.Context, msg domain.SyncMessage, err error) error {
	if ctx.Err() != nil || domain.IsRetryable(err) {
		return err
	}
	note := err.Error()
	if len(note) > 500 {
		note = note[:500]
	}
	if _, upErr := e.store.UpsertTask(ctx, msg.SourceItemID, func(s *domain.TaskState) error {
		s.Status = domain.StatusError
		s.Source = msg.Source
		s.ErrorNote = note
		s.LastSyncedAt = syncx.Now()
		return nil
	}); upErr != nil {
		log.Error().Err(upErr).Str("item_id", msg.SourceItemID).Msg("could not record error state")
	}
	return err
}

func dueDate(due *domain.DueValue) string {
	if due == nil {
		return ""
	}
	return due.Date
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
