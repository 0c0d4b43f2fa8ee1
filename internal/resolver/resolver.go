// Package resolver turns relation names into destination page ids with
// single-creation semantics: one in-flight lookup-or-create per
// canonical name across all workers in the process.
package resolver

import (
	"context"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/erauner12/capsync/internal/domain"
	"github.com/erauner12/capsync/internal/mapper"
)

// CreateProjectFunc materializes a destination project page and
// returns its id. It runs inside the resolver's critical section, so
// at most one invocation is in flight per project.
type CreateProjectFunc func(ctx context.Context) (string, error)

// Resolver resolves (kind, name) pairs against the destination. The
// cache is write-once per key; misses for areas and people are never
// cached so a record added later is picked up.
type Resolver struct {
	dst   domain.Destination
	group singleflight.Group
	cache sync.Map // "kind/key" -> destination page id

	peopleMu sync.Mutex
	people   []domain.PersonRecord
	peopleOK bool
}

// New returns a Resolver over the given destination.
func New(dst domain.Destination) *Resolver {
	return &Resolver{dst: dst}
}

// Area resolves an area name, lookup only. A miss returns "" with a
// warning; areas are never created by the engine.
func (r *Resolver) Area(ctx context.Context, name string) (string, error) {
	canonical := mapper.CanonicalName(name)
	key := "area/" + canonical
	if id, ok := r.cache.Load(key); ok {
		return id.(string), nil
	}

	v, err, _ := r.group.Do(key, func() (any, error) {
		id, err := r.dst.FindRelationByName(ctx, domain.RelationArea, canonical)
		if err != nil {
			return "", err
		}
		if id != "" {
			r.cache.Store(key, id)
		}
		return id, nil
	})
	if err != nil {
		return "", err
	}
	id := v.(string)
	if id == "" {
		log.Warn().Str("area", canonical).Msg("area not found in destination, dropping relation")
	}
	return id, nil
}

// Person resolves a person label against the destination people list
// using case-insensitive, word-boundary matching. Ambiguity or a weak
// match yields no result rather than a guess.
func (r *Resolver) Person(ctx context.Context, label string) (string, error) {
	key := "person/" + strings.ToLower(strings.TrimSpace(label))
	if id, ok := r.cache.Load(key); ok {
		return id.(string), nil
	}

	v, err, _ := r.group.Do(key, func() (any, error) {
		people, err := r.listPeople(ctx)
		if err != nil {
			return "", err
		}
		id := MatchPerson(label, people)
		if id != "" {
			r.cache.Store(key, id)
		}
		return id, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Project resolves a source project id to its destination page,
// invoking create under the per-project lock when no page exists yet.
// A page created by a concurrent peer between the caller's miss and
// this critical section is adopted instead.
func (r *Resolver) Project(ctx context.Context, sourceProjectID string, create CreateProjectFunc) (string, error) {
	key := "project/" + sourceProjectID
	if id, ok := r.cache.Load(key); ok {
		return id.(string), nil
	}

	v, err, _ := r.group.Do(key, func() (any, error) {
		// Re-query inside the critical section: a peer process may have
		// created the page since our first miss.
		page, err := r.dst.FindByExternalID(ctx, domain.KindProject, sourceProjectID)
		if err != nil {
			return "", err
		}
		if page != nil {
			r.cache.Store(key, page.ID)
			return page.ID, nil
		}

		id, err := create(ctx)
		if err != nil {
			return "", err
		}
		r.cache.Store(key, id)
		return id, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Invalidate drops a cached resolution, used when a write is observed
// to conflict with the cached id.
func (r *Resolver) Invalidate(kind domain.RelationKind, key string) {
	r.cache.Delete(string(kind) + "/" + key)
}

func (r *Resolver) listPeople(ctx context.Context) ([]domain.PersonRecord, error) {
	r.peopleMu.Lock()
	defer r.peopleMu.Unlock()
	if r.peopleOK {
		return r.people, nil
	}
	people, err := r.dst.ListPeople(ctx)
	if err != nil {
		return nil, err
	}
	r.people = people
	r.peopleOK = true
	return people, nil
}

// MatchPerson scores label against each record name and returns the id
// of the unique best match, or "" on ambiguity or a score below the
// threshold.
func MatchPerson(label string, people []domain.PersonRecord) string {
	const threshold = 60

	best, bestScore, tie := "", 0, false
	for _, p := range people {
		s := personScore(label, p.Name)
		switch {
		case s > bestScore:
			best, bestScore, tie = p.ID, s, false
		case s == bestScore && s > 0:
			tie = true
		}
	}
	if bestScore < threshold {
		return ""
	}
	if tie {
		log.Warn().Str("label", label).Msg("ambiguous person label, skipping relation")
		return ""
	}
	return best
}

func personScore(label, name string) int {
	l := strings.ToLower(strings.TrimSpace(label))
	n := strings.ToLower(strings.TrimSpace(name))
	if l == "" || n == "" {
		return 0
	}
	if l == n {
		return 100
	}

	words := strings.Fields(n)
	// "doug" matches "Doug Dawson".
	if l == words[0] {
		return 90
	}
	// "dougd" matches "Doug Dawson" (first name + last initial).
	if len(words) > 1 {
		lastInitial := string([]rune(words[len(words)-1])[0])
		if l == words[0]+lastInitial {
			return 80
		}
	}
	// Whole-word containment only.
	for _, w := range words {
		if l == w {
			return 70
		}
	}
	return 0
}
