// Package diag renders the cache/log/allocator counters as a pprof
// profile, one sample per counter, so they can be inspected with the
// standard `go tool pprof` instead of a bespoke stats endpoint.
package diag

import (
	"io"

	"github.com/google/pprof/profile"

	"tfs/bcache"
	"tfs/journal"
)

// Counters is a point-in-time snapshot of the mutable state the spec
// calls out as diagnostic rather than load-bearing (spec.md §9,
// "Diagnostics").
type Counters struct {
	CacheHits    uint64
	CacheMisses  uint64
	CacheEvicted uint64
	LogCommits   uint64
}

// Snapshot reads bc's and j's cumulative counters.
func Snapshot(bc *bcache.Cache, j *journal.Journal) Counters {
	s := bc.Snapshot()
	return Counters{
		CacheHits:    s.Hits,
		CacheMisses:  s.Misses,
		CacheEvicted: s.Evicted,
		LogCommits:   j.Commits(),
	}
}

// counterNames fixes the sample order Profile and WriteTo agree on.
var counterNames = []string{"cache_hits", "cache_misses", "cache_evicted", "log_commits"}

func (c Counters) values() []int64 {
	return []int64{int64(c.CacheHits), int64(c.CacheMisses), int64(c.CacheEvicted), int64(c.LogCommits)}
}

// Profile builds a pprof profile.Profile with one "count" sample type
// and one sample per counter, each tagged with its counter name via a
// string label (there is no meaningful call stack here, so every
// sample shares one synthetic, unlocated location).
func (c Counters) Profile() *profile.Profile {
	loc := &profile.Location{ID: 1}
	p := &profile.Profile{
		SampleType: []*profile.ValueType{{Type: "count", Unit: "count"}},
		Location:   []*profile.Location{loc},
	}
	values := c.values()
	for i, name := range counterNames {
		p.Sample = append(p.Sample, &profile.Sample{
			Location: []*profile.Location{loc},
			Value:    []int64{values[i]},
			Label:    map[string][]string{"counter": {name}},
		})
	}
	return p
}

// WriteTo serializes c as a gzip-compressed pprof profile, suitable
// for `go tool pprof` or saving to a .pb.gz file.
func (c Counters) WriteTo(w io.Writer) error {
	return c.Profile().Write(w)
}
