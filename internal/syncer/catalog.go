package syncer

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/abhisek/medsim/internal/casedef"
	"github.com/abhisek/medsim/internal/catalog"
	"github.com/abhisek/medsim/internal/remote"
	"github.com/abhisek/medsim/internal/store"
)

// CatalogResult summarises a catalog sync.
type CatalogResult struct {
	Inserted     int
	Updated      int
	Unchanged    int
	Skipped      int // malformed remote documents
	Total        int
	FromFallback bool
}

// SyncCatalogFromRemote pulls the case catalog into the local store. Each
// case is inserted when absent and overwritten when the remote copy is
// newer. When the remote cannot be reached the bundled snapshot is loaded
// the same way instead, and no error is returned.
func (e *Engine) SyncCatalogFromRemote(ctx context.Context) (CatalogResult, error) {
	docs, err := e.remote.FetchCases(ctx)
	if err != nil {
		if !remote.IsTransport(err) {
			return CatalogResult{}, err
		}
		e.log.Warn().Err(err).Msg("remote catalog unreachable, loading bundled cases")
		return e.loadBundled(ctx)
	}

	parsed := make([]*casedef.Parsed, len(docs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.parseWorkers)
	for i, doc := range docs {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			p, err := casedef.Parse([]byte(doc.FullCaseJSON))
			if err != nil {
				e.log.Warn().Err(err).Str("case_id", doc.CaseID).Msg("skip malformed remote case")
				return nil
			}
			if p.Full.ID != doc.CaseID {
				e.log.Warn().Str("case_id", doc.CaseID).Str("document_case_id", p.Full.ID).Msg("skip remote case with mismatched id")
				return nil
			}
			parsed[i] = p
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return CatalogResult{}, err
	}

	res := CatalogResult{Total: len(docs)}
	for i, doc := range docs {
		if parsed[i] == nil {
			res.Skipped++
			continue
		}
		rec := catalog.Record(parsed[i].Full, []byte(doc.FullCaseJSON), doc.LastUpdated, store.SourceRemote)
		if err := e.upsert(ctx, rec, &res); err != nil {
			return res, err
		}
	}
	e.log.Info().
		Int("inserted", res.Inserted).
		Int("updated", res.Updated).
		Int("unchanged", res.Unchanged).
		Int("skipped", res.Skipped).
		Msg("catalog synced")
	return res, nil
}

func (e *Engine) loadBundled(ctx context.Context) (CatalogResult, error) {
	bundled, err := catalog.Bundled()
	if err != nil {
		return CatalogResult{}, err
	}
	res := CatalogResult{Total: len(bundled), FromFallback: true}
	for _, bc := range bundled {
		rec := catalog.Record(bc.Parsed.Full, bc.Raw, catalog.BundledUpdatedAt, store.SourceBundled)
		if err := e.upsert(ctx, rec, &res); err != nil {
			return res, err
		}
	}
	e.log.Info().Int("inserted", res.Inserted).Int("total", res.Total).Msg("bundled catalog loaded")
	return res, nil
}

func (e *Engine) upsert(ctx context.Context, rec store.CaseRecord, res *CatalogResult) error {
	outcome, err := e.cases.Upsert(ctx, rec)
	if err != nil {
		return fmt.Errorf("store case %s: %w", rec.CaseID, err)
	}
	switch outcome {
	case store.Inserted:
		res.Inserted++
	case store.Updated:
		res.Updated++
		if e.catalog != nil {
			e.catalog.Evict(rec.CaseID)
		}
	default:
		res.Unchanged++
	}
	return nil
}

// SeededUpdatedAt is the last-updated marker SeedBundled gives the cases it
// writes. It is later than BundledUpdatedAt so a seeded copy replaces a
// fallback one once, and fixed so reseeding changes nothing.
var SeededUpdatedAt = catalog.BundledUpdatedAt.Add(time.Second)

// PublishBundled writes the bundled snapshot to the remote catalog stamped
// with the current time. Cases the remote already holds are overwritten.
func (e *Engine) PublishBundled(ctx context.Context) (int, error) {
	return e.publishBundled(ctx, e.now())
}

// SeedBundled writes the bundled snapshot to the remote catalog stamped with
// SeededUpdatedAt. Seeding the same remote again leaves synced copies
// unchanged.
func (e *Engine) SeedBundled(ctx context.Context) (int, error) {
	return e.publishBundled(ctx, SeededUpdatedAt)
}

func (e *Engine) publishBundled(ctx context.Context, at time.Time) (int, error) {
	bundled, err := catalog.Bundled()
	if err != nil {
		return 0, err
	}
	for i, bc := range bundled {
		c := bc.Parsed.Full
		doc := remote.CaseDocument{
			CaseID:               c.ID,
			Title:                c.Title,
			Specialty:            c.Specialty,
			Difficulty:           c.Difficulty,
			ChiefComplaint:       c.ChiefComplaint,
			RecommendedForLevels: c.RecommendedLevels,
			FullCaseJSON:         string(bc.Raw),
			LastUpdated:          at,
		}
		if err := e.remote.PutCase(ctx, doc); err != nil {
			return i, err
		}
	}
	return len(bundled), nil
}
