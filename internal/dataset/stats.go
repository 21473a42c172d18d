package dataset

import (
	"maps"
	"slices"

	"github.com/monalisha31/traveler-integrated/internal/interval"
)

// PrimitiveStats aggregates the intervals of one primitive.
type PrimitiveStats struct {
	Name          string   `json:"name" msgpack:"name"`
	Count         int      `json:"count" msgpack:"count"`
	TotalDuration float64  `json:"totalDuration" msgpack:"total_duration"`
	MinDuration   float64  `json:"minDuration" msgpack:"min_duration"`
	MaxDuration   float64  `json:"maxDuration" msgpack:"max_duration"`
	MeanDuration  float64  `json:"meanDuration" msgpack:"mean_duration"`
	Locations     []string `json:"locations" msgpack:"locations"`
}

func primitiveStats(store *interval.Store) map[string]PrimitiveStats {
	type acc struct {
		stats PrimitiveStats
		locs  map[string]struct{}
	}
	byName := make(map[string]*acc)
	for iv := range store.All() {
		a, ok := byName[iv.Primitive]
		if !ok {
			a = &acc{
				stats: PrimitiveStats{Name: iv.Primitive, MinDuration: iv.Duration(), MaxDuration: iv.Duration()},
				locs:  make(map[string]struct{}),
			}
			byName[iv.Primitive] = a
		}
		d := iv.Duration()
		a.stats.Count++
		a.stats.TotalDuration += d
		a.stats.MinDuration = min(a.stats.MinDuration, d)
		a.stats.MaxDuration = max(a.stats.MaxDuration, d)
		a.locs[iv.Location] = struct{}{}
	}

	out := make(map[string]PrimitiveStats, len(byName))
	for name, a := range byName {
		a.stats.Locations = slices.Sorted(maps.Keys(a.locs))
		a.stats.MeanDuration = a.stats.TotalDuration / float64(a.stats.Count)
		out[name] = a.stats
	}
	return out
}
