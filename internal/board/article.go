package board

import (
	"hash/fnv"
	"strconv"
	"time"
)

// Article is one bulletin-board post as currently observed.
//
// ID is assigned by the source (e.g. the board's post number) and must be
// unique within a single source's snapshot. A well-behaved source adapter
// never reuses an ID for a semantically different post.
type Article struct {
	ID       string
	Title    string
	URL      string
	Category string
	Writer   string

	// PostedAt is a best-effort timestamp reported by the board. Zero when
	// the board doesn't expose one.
	PostedAt time.Time

	// MetricCount is an optional heat/recommendation counter. Nil when the
	// board doesn't expose one (distinct from an explicit zero).
	MetricCount *int

	// FirstSeenAt/LastSeenAt are assigned by the pipeline, not the board.
	FirstSeenAt time.Time
	LastSeenAt  time.Time

	// Fingerprint covers the tracked mutable fields. Equal fingerprints mean
	// "not updated", regardless of formatting noise in the raw page.
	Fingerprint uint64

	// MissedPolls counts consecutive polls in which the article was absent
	// from the source page. Reset to zero whenever it reappears.
	MissedPolls int
}

// ComputeFingerprint derives the change-detection fingerprint from the
// tracked mutable fields. Field values are separated by NUL so adjacent
// fields can't alias ("ab"+"c" vs "a"+"bc").
func ComputeFingerprint(a *Article) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(a.Title))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(a.Category))
	_, _ = h.Write([]byte{0})
	if a.MetricCount != nil {
		_, _ = h.Write([]byte(strconv.Itoa(*a.MetricCount)))
	}
	return h.Sum64()
}

// Clone returns a deep copy (MetricCount pointer included).
func (a *Article) Clone() *Article {
	cp := *a
	if a.MetricCount != nil {
		v := *a.MetricCount
		cp.MetricCount = &v
	}
	return &cp
}

// UpdatedPair carries the previous and current observation of an edited
// article, so channels can decide how much to re-render.
type UpdatedPair struct {
	Old *Article
	New *Article
}

// CrawlResult is the outcome of one poll cycle for one source.
//
// NewItems, UpdatedItems and GoneItems are disjoint; Snapshot is the
// collection that becomes the source's next baseline.
type CrawlResult struct {
	Source string

	NewItems     []*Article
	UpdatedItems []UpdatedPair
	GoneItems    []*Article

	Snapshot *Collection

	// Degraded is set when the current page was implausibly short and the
	// gone classification was skipped for this cycle (see diff.Options).
	Degraded bool
}

// Empty reports whether the cycle produced no dispatchable change.
func (r *CrawlResult) Empty() bool {
	return len(r.NewItems) == 0 && len(r.UpdatedItems) == 0 && len(r.GoneItems) == 0
}
