// Package diff classifies article-level changes between two consecutive
// polls of the same source.
package diff

import (
	"time"

	"dealwatch/internal/board"
)

// Options tune how tolerant the engine is toward articles vanishing from the
// visible page. Boards paginate, so a post can transiently fall off page one
// under heavy traffic without actually being deleted.
type Options struct {
	// GraceWindow is the number of consecutive polls an article may be absent
	// before it is classified gone. Minimum 1.
	GraceWindow int

	// TrackingHorizon drops articles whose last sighting is older than this,
	// without emitting a gone/delete. Expiry is memory management, not a
	// user-visible event. Zero disables age-based expiry.
	TrackingHorizon time.Duration

	// MinPlausibleCount guards against a transient fetch/parse failure
	// masquerading as mass deletion: when the current page has fewer items
	// while the previous snapshot was non-empty, absence is not counted
	// against the grace window for that cycle and no gone items are emitted.
	MinPlausibleCount int
}

func (o Options) withDefaults() Options {
	if o.GraceWindow < 1 {
		o.GraceWindow = 3
	}
	if o.MinPlausibleCount < 1 {
		o.MinPlausibleCount = 5
	}
	return o
}

// Run compares the freshly parsed page (in page order) against the previous
// snapshot and produces the classified result plus the next snapshot.
//
// The previous collection is read-only here; the returned snapshot is a new
// collection holding cloned records.
func Run(source string, previous *board.Collection, current []*board.Article, now time.Time, opts Options) *board.CrawlResult {
	opts = opts.withDefaults()

	res := &board.CrawlResult{Source: source, Snapshot: board.NewCollection()}
	seen := make(map[string]struct{}, len(current))

	for _, cur := range current {
		if cur == nil || cur.ID == "" {
			continue
		}
		if _, dup := seen[cur.ID]; dup {
			// Boards occasionally repeat a pinned row; first occurrence wins.
			continue
		}
		seen[cur.ID] = struct{}{}

		rec := cur.Clone()
		rec.Fingerprint = board.ComputeFingerprint(rec)
		rec.LastSeenAt = now
		rec.MissedPolls = 0

		prev, ok := previous.Get(cur.ID)
		switch {
		case !ok:
			rec.FirstSeenAt = now
			res.NewItems = append(res.NewItems, rec)
		case prev.Fingerprint == rec.Fingerprint:
			rec.FirstSeenAt = prev.FirstSeenAt
		default:
			rec.FirstSeenAt = prev.FirstSeenAt
			res.UpdatedItems = append(res.UpdatedItems, board.UpdatedPair{Old: prev.Clone(), New: rec})
		}
		res.Snapshot.Put(rec)
	}

	// An implausibly short page means the fetch or parse likely went wrong;
	// don't let it look like everything disappeared at once.
	degraded := len(seen) < opts.MinPlausibleCount && previous.Len() > 0
	res.Degraded = degraded

	previous.Range(func(prev *board.Article) bool {
		if _, ok := seen[prev.ID]; ok {
			return true
		}
		if degraded {
			// Carry over untouched; this cycle tells us nothing about absence.
			res.Snapshot.Put(prev.Clone())
			return true
		}

		rec := prev.Clone()
		rec.MissedPolls++

		if rec.MissedPolls >= opts.GraceWindow {
			res.GoneItems = append(res.GoneItems, rec)
			return true // gone: removed from the snapshot
		}
		if opts.TrackingHorizon > 0 && now.Sub(rec.LastSeenAt) > opts.TrackingHorizon {
			return true // silently expired: dropped without a delete action
		}
		res.Snapshot.Put(rec)
		return true
	})

	return res
}
