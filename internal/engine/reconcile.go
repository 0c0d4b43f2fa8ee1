package engine

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/erauner12/capsync/internal/domain"
	"github.com/erauner12/capsync/internal/mapper"
	"github.com/erauner12/capsync/internal/syncx"
)

// Summary is the result of one reconciliation pass.
type Summary struct {
	ActiveFound int     `json:"active_found"`
	Upserted    int     `json:"upserted"`
	AutoLabeled int     `json:"auto_labeled"`
	Archived    int     `json:"archived"`
	Errors      int     `json:"errors"`
	DurationS   float64 `json:"duration_s"`
}

// RunScheduler triggers a reconcile every interval until ctx is done.
func (e *Engine) RunScheduler(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := e.Reconcile(ctx); err != nil {
				log.Error().Err(err).Msg("scheduled reconcile failed")
			}
		}
	}
}

// Reconcile repairs drift between source and destination. It enqueues
// work rather than writing task mirrors directly, so the worker
// pipeline's invariants apply uniformly; only project-level edges and
// the gated reverse flows touch the adapters here.
func (e *Engine) Reconcile(ctx context.Context) (*Summary, error) {
	start := time.Now()
	var sum Summary

	since, err := e.store.LastReconcileAt(ctx)
	if err != nil {
		return nil, err
	}

	swept := e.autoLabelSweep(ctx, &sum)

	items, err := e.src.ListTagged(ctx, e.opts.Tag)
	if err != nil {
		return nil, err
	}
	sum.ActiveFound = len(items)

	seen := make(map[string]bool, len(items)+len(swept))
	for id := range swept {
		seen[id] = true
	}
	for i := range items {
		seen[items[i].ID] = true
		msg := domain.SyncMessage{
			Action:       domain.ActionUpsert,
			SourceItemID: items[i].ID,
			Snapshot:     &items[i],
			Source:       domain.SourceReconciler,
		}
		if err := e.enqueueThrottled(ctx, msg); err != nil {
			sum.Errors++
			log.Error().Err(err).Str("item_id", items[i].ID).Msg("reconcile enqueue failed")
			continue
		}
		sum.Upserted++
	}

	// Mirrors whose source vanished from the tagged set get archived.
	rows, err := e.store.ListTasks(ctx, domain.StatusOK)
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		if seen[row.ExternalID] {
			continue
		}
		msg := domain.SyncMessage{
			Action:       domain.ActionArchive,
			SourceItemID: row.ExternalID,
			Source:       domain.SourceReconciler,
		}
		if err := e.enqueueThrottled(ctx, msg); err != nil {
			sum.Errors++
			continue
		}
		sum.Archived++
	}

	e.reconcileProjects(ctx, &sum)

	if e.opts.EnableReverseTasks && !since.IsZero() {
		e.reverseTaskEdits(ctx, since, &sum)
	}
	if e.opts.EnableReverseCreation {
		e.adoptForeignTasks(ctx, &sum)
	}

	if err := e.store.SetLastReconcileAt(ctx, start.UTC()); err != nil {
		log.Error().Err(err).Msg("could not persist reconcile watermark")
	}

	sum.DurationS = time.Since(start).Seconds()
	log.Info().
		Int("active_found", sum.ActiveFound).
		Int("upserted", sum.Upserted).
		Int("auto_labeled", sum.AutoLabeled).
		Int("archived", sum.Archived).
		Int("errors", sum.Errors).
		Float64("duration_s", sum.DurationS).
		Msg("reconcile pass complete")
	return &sum, nil
}

// autoLabelSweep discovers active items the tag has not reached yet and
// enqueues upserts for the eligible ones; the worker applies the tag
// and materializes them in the same pass. Returns the enqueued ids so
// the vanished-mirror check leaves them alone.
func (e *Engine) autoLabelSweep(ctx context.Context, sum *Summary) map[string]bool {
	enqueued := make(map[string]bool)
	if !e.opts.AutoLabel {
		return enqueued
	}

	items, err := e.src.ListActive(ctx)
	if err != nil {
		sum.Errors++
		log.Error().Err(err).Msg("could not list active items")
		return enqueued
	}
	list, err := e.src.ListProjects(ctx)
	if err != nil {
		sum.Errors++
		log.Error().Err(err).Msg("could not list projects")
		return enqueued
	}
	projects := make(map[string]*domain.Project, len(list))
	for i := range list {
		projects[list[i].ID] = &list[i]
	}

	for i := range items {
		item := &items[i]
		if item.IsCompleted || item.HasLabel(e.opts.Tag) {
			continue
		}
		if !e.shouldAutoLabel(item, projects[item.ProjectID], domain.SourceReconciler) {
			continue
		}
		msg := domain.SyncMessage{
			Action:       domain.ActionUpsert,
			SourceItemID: item.ID,
			Source:       domain.SourceReconciler,
		}
		if err := e.enqueueThrottled(ctx, msg); err != nil {
			sum.Errors++
			log.Error().Err(err).Str("item_id", item.ID).Msg("auto-label enqueue failed")
			continue
		}
		enqueued[item.ID] = true
	}
	sum.AutoLabeled = len(enqueued)
	if len(enqueued) > 0 {
		log.Info().Int("count", len(enqueued)).Msg("untagged eligible items enqueued for auto-labeling")
	}
	return enqueued
}

// enqueueThrottled enqueues, pausing while the queue is saturated so a
// large reconcile cannot flood in-flight capacity.
func (e *Engine) enqueueThrottled(ctx context.Context, msg domain.SyncMessage) error {
	for {
		n, err := e.queue.InFlight(ctx)
		if err != nil {
			return err
		}
		if n < e.opts.QueueInFlightLimit {
			return e.queue.Enqueue(ctx, msg)
		}
		log.Debug().Int("in_flight", n).Msg("queue saturated, pausing reconcile enqueue")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

// reconcileProjects aligns project pages with the source and runs the
// two narrow reverse edges: project name and archive status. The more
// recently edited side wins; echo hashes stop engine-originated writes
// from bouncing back.
func (e *Engine) reconcileProjects(ctx context.Context, sum *Summary) {
	states, err := e.store.ListProjects(ctx)
	if err != nil {
		sum.Errors++
		log.Error().Err(err).Msg("could not list project states")
		return
	}

	for _, ps := range states {
		if ps.DestPageID == "" {
			continue
		}
		if err := e.reconcileProject(ctx, ps); err != nil {
			sum.Errors++
			log.Error().Err(err).Str("project_id", ps.SourceProjectID).Msg("project reconcile failed")
		}
	}
}

func (e *Engine) reconcileProject(ctx context.Context, ps domain.ProjectState) error {
	project, err := e.src.GetProject(ctx, ps.SourceProjectID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			// Source project deleted: archive the mirror.
			return e.setProjectStatus(ctx, ps, statusArchived)
		}
		return err
	}

	page, err := e.dst.FindByExternalID(ctx, domain.KindProject, ps.SourceProjectID)
	if err != nil {
		return err
	}
	if page == nil {
		return nil
	}

	destEdited := page.LastEditedAt.After(ps.LastSyncedAt)

	// Reverse edge 1: destination rename flows back when the
	// destination edit post-dates the last engine write.
	if page.Title != "" && page.Title != project.Name && destEdited {
		nameHash := mapper.ProjectNameHash(page.Title)
		if nameHash == ps.EchoHash {
			log.Debug().Str("project_id", ps.SourceProjectID).Msg("project rename is an echo, skipped")
		} else {
			if err := e.src.RenameProject(ctx, ps.SourceProjectID, page.Title); err != nil {
				return err
			}
			log.Info().Str("project_id", ps.SourceProjectID).Str("name", page.Title).Msg("project renamed at source")
			if _, err := e.store.UpsertProject(ctx, ps.SourceProjectID, func(s *domain.ProjectState) error {
				s.NameLastWritten = page.Title
				s.EchoHash = nameHash
				s.LastSyncedAt = syncx.Now()
				return nil
			}); err != nil {
				return err
			}
		}
	}

	// Archive status: the edge direction follows which side changed
	// since the last engine write.
	srcStatus := statusActive
	if project.IsArchived {
		srcStatus = statusArchived
	}
	destStatus := page.Status
	if destStatus == "" {
		destStatus = ps.Status
	}
	if destStatus != srcStatus {
		if destEdited {
			// Reverse edge 2: destination status change propagates to
			// the source.
			if err := e.src.SetProjectArchived(ctx, ps.SourceProjectID, destStatus == statusArchived); err != nil {
				return err
			}
			log.Info().Str("project_id", ps.SourceProjectID).Str("status", destStatus).Msg("project archive state pushed to source")
			_, err := e.store.UpsertProject(ctx, ps.SourceProjectID, func(s *domain.ProjectState) error {
				s.Status = destStatus
				s.LastSyncedAt = syncx.Now()
				return nil
			})
			return err
		}
		return e.setProjectStatus(ctx, ps, srcStatus)
	}

	if ps.Status != srcStatus {
		// State drifted from both ends agreeing; just record it.
		_, err := e.store.UpsertProject(ctx, ps.SourceProjectID, func(s *domain.ProjectState) error {
			s.Status = srcStatus
			return nil
		})
		return err
	}
	return nil
}

func (e *Engine) setProjectStatus(ctx context.Context, ps domain.ProjectState, status string) error {
	if ps.Status == status {
		return nil
	}
	if err := e.dst.UpdateProjectStatus(ctx, ps.DestPageID, status); err != nil {
		return err
	}
	_, err := e.store.UpsertProject(ctx, ps.SourceProjectID, func(s *domain.ProjectState) error {
		s.Status = status
		s.LastSyncedAt = syncx.Now()
		return nil
	})
	return err
}

// reverseTaskEdits pushes destination task edits (title, priority, due,
// completed) back to the source. Echo hashes recognize the engine's own
// forward writes so they never bounce back.
func (e *Engine) reverseTaskEdits(ctx context.Context, since time.Time, sum *Summary) {
	edits, err := e.dst.ListEditedSince(ctx, since)
	if err != nil {
		sum.Errors++
		log.Error().Err(err).Msg("could not list destination edits")
		return
	}

	for _, edit := range edits {
		if edit.SourceID == "" || edit.Archived {
			continue
		}
		if err := e.reverseTaskEdit(ctx, edit); err != nil {
			sum.Errors++
			log.Error().Err(err).Str("item_id", edit.SourceID).Msg("reverse task edit failed")
		}
	}
}

func (e *Engine) reverseTaskEdit(ctx context.Context, edit domain.TaskEdit) error {
	unlock := e.locks.Lock(edit.SourceID)
	defer unlock()

	state, err := e.store.GetTask(ctx, edit.SourceID)
	if err != nil {
		return err
	}
	if state == nil || state.Status != domain.StatusOK {
		return nil
	}

	h := mapper.ReverseHash(edit)
	if h == state.EchoHash {
		return nil
	}

	bundle, err := e.src.FetchItem(ctx, edit.SourceID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil
		}
		return err
	}

	changes := mapper.DiffEdit(edit, bundle.Item)
	if changes.Empty() {
		// Destination matches source already; remember the hash so the
		// same edit is not re-examined next pass.
		_, err := e.store.UpsertTask(ctx, edit.SourceID, func(s *domain.TaskState) error {
			s.EchoHash = h
			return nil
		})
		return err
	}

	if changes.Title != nil || changes.Priority != nil || changes.DueDate != nil {
		patch := domain.ItemPatch{
			Content:  changes.Title,
			Priority: changes.Priority,
			DueDate:  changes.DueDate,
		}
		if err := e.src.UpdateItem(ctx, edit.SourceID, patch); err != nil {
			return err
		}
	}
	if changes.Completed != nil {
		if *changes.Completed {
			err = e.src.CompleteItem(ctx, edit.SourceID)
		} else {
			err = e.src.ReopenItem(ctx, edit.SourceID)
		}
		if err != nil {
			return err
		}
	}
	log.Info().Str("item_id", edit.SourceID).Msg("destination edit pushed to source")

	_, err = e.store.UpsertTask(ctx, edit.SourceID, func(s *domain.TaskState) error {
		s.EchoHash = h
		s.LastSyncedAt = syncx.Now()
		return nil
	})
	return err
}

// adoptForeignTasks creates source tasks for destination pages that
// have no source id yet, then binds them so the forward path takes
// over.
func (e *Engine) adoptForeignTasks(ctx context.Context, sum *Summary) {
	pages, err := e.dst.ListTasksWithoutSource(ctx)
	if err != nil {
		sum.Errors++
		log.Error().Err(err).Msg("could not list unbound destination tasks")
		return
	}

	projectByPage := e.projectPageIndex(ctx)
	for _, edit := range pages {
		if edit.Archived || edit.Completed || edit.Title == "" {
			continue
		}
		sourceProjectID := projectByPage[edit.ProjectPageID]
		if sourceProjectID == "" {
			log.Warn().Str("page_id", edit.PageID).Msg("unbound task has no known project, skipped")
			continue
		}

		item, err := e.src.CreateItem(ctx, domain.NewItem{
			Content:   edit.Title,
			ProjectID: sourceProjectID,
			Priority:  edit.Priority,
			DueDate:   edit.DueDate,
			Labels:    []string{e.opts.Tag},
		})
		if err != nil {
			sum.Errors++
			log.Error().Err(err).Str("page_id", edit.PageID).Msg("could not create source task for destination page")
			continue
		}
		if err := e.dst.SetTaskSource(ctx, edit.PageID, item.ID, item.URL); err != nil {
			sum.Errors++
			log.Error().Err(err).Str("page_id", edit.PageID).Msg("could not bind page to new source task")
			continue
		}

		if _, err := e.store.UpsertTask(ctx, item.ID, func(s *domain.TaskState) error {
			s.DestPageID = edit.PageID
			s.Status = domain.StatusOK
			s.Source = domain.SourceReconciler
			s.WasEligible = true
			s.EchoHash = mapper.ReverseHash(domain.TaskEdit{
				Title:     edit.Title,
				Priority:  item.Priority,
				DueDate:   edit.DueDate,
				Completed: false,
			})
			s.LastSyncedAt = syncx.Now()
			return nil
		}); err != nil {
			sum.Errors++
			continue
		}
		log.Info().Str("item_id", item.ID).Str("page_id", edit.PageID).Msg("destination task adopted into source")
	}
}

// projectPageIndex maps destination project page ids back to source
// project ids.
func (e *Engine) projectPageIndex(ctx context.Context) map[string]string {
	index := make(map[string]string)
	states, err := e.store.ListProjects(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("could not index project pages")
		return index
	}
	for _, ps := range states {
		if ps.DestPageID != "" {
			index[ps.DestPageID] = ps.SourceProjectID
		}
	}
	return index
}
