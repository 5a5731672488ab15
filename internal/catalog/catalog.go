// Package catalog serves parsed case definitions to the rest of the core.
//
// Stored case documents are parsed on first use and cached; the sync engine
// evicts a case whenever it replaces the stored document. A bundled snapshot
// compiled into the binary keeps the app usable when the remote catalog
// cannot be reached.
package catalog

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"sync"
	"time"

	"github.com/abhisek/medsim/internal/casedef"
	"github.com/abhisek/medsim/internal/store"
)

//go:embed bundled/*.json
var bundledFS embed.FS

// BundledUpdatedAt is the last-updated marker given to bundled cases. Any
// remote copy of the same case is newer and replaces it.
var BundledUpdatedAt = time.Unix(0, 0).UTC()

// ErrCaseNotFound indicates the case is not in the local store.
var ErrCaseNotFound = errors.New("case not found")

// Catalog resolves case ids to parsed cases.
type Catalog struct {
	repo store.CaseRepo

	mu    sync.RWMutex
	cache map[string]*casedef.Parsed
}

// New returns a Catalog reading from repo.
func New(repo store.CaseRepo) *Catalog {
	return &Catalog{repo: repo, cache: make(map[string]*casedef.Parsed)}
}

// Get returns the parsed case. A stored document that fails to parse is
// reported as a *casedef.MalformedCaseError and is not cached.
func (c *Catalog) Get(ctx context.Context, caseID string) (*casedef.Parsed, error) {
	c.mu.RLock()
	p, ok := c.cache[caseID]
	c.mu.RUnlock()
	if ok {
		return p, nil
	}

	rec, err := c.repo.Get(ctx, caseID)
	if err != nil {
		return nil, fmt.Errorf("load case %s: %w", caseID, err)
	}
	if rec == nil {
		return nil, fmt.Errorf("%w: %s", ErrCaseNotFound, caseID)
	}
	p, err = casedef.Parse(rec.FullJSON)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	// Another caller may have raced us; keep the first so all sessions share
	// one instance.
	if existing, ok := c.cache[caseID]; ok {
		return existing, nil
	}
	c.cache[caseID] = p
	return p, nil
}

// Evict drops a cached case so the next Get re-reads the store.
func (c *Catalog) Evict(caseID string) {
	c.mu.Lock()
	delete(c.cache, caseID)
	c.mu.Unlock()
}

// Cached reports how many parsed cases are held in memory.
func (c *Catalog) Cached() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.cache)
}

// List returns catalog metadata for every stored case.
func (c *Catalog) List(ctx context.Context) ([]store.CaseRecord, error) {
	return c.repo.List(ctx)
}

// BundledCase is one case compiled into the binary.
type BundledCase struct {
	Raw    []byte
	Parsed *casedef.Parsed
}

// Bundled parses the compiled-in snapshot. Cases are returned ordered by id.
func Bundled() ([]BundledCase, error) {
	entries, err := fs.Glob(bundledFS, "bundled/*.json")
	if err != nil {
		return nil, fmt.Errorf("list bundled cases: %w", err)
	}
	sort.Strings(entries)

	out := make([]BundledCase, 0, len(entries))
	for _, name := range entries {
		raw, err := bundledFS.ReadFile(name)
		if err != nil {
			return nil, fmt.Errorf("read bundled case %s: %w", path.Base(name), err)
		}
		p, err := casedef.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("bundled case %s: %w", path.Base(name), err)
		}
		out = append(out, BundledCase{Raw: raw, Parsed: p})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Parsed.Full.ID < out[j].Parsed.Full.ID })
	return out, nil
}

// Record builds the store record for a parsed case document.
func Record(c *casedef.Case, raw []byte, lastUpdated time.Time, source store.CaseSource) store.CaseRecord {
	return store.CaseRecord{
		CaseID:            c.ID,
		Title:             c.Title,
		Specialty:         c.Specialty,
		Difficulty:        c.Difficulty,
		ChiefComplaint:    c.ChiefComplaint,
		RecommendedLevels: append([]string(nil), c.RecommendedLevels...),
		FullJSON:          raw,
		LastUpdated:       lastUpdated,
		Source:            source,
	}
}
