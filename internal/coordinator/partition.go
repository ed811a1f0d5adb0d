package coordinator

import (
	"errors"

	"github.com/JakeFAU/property-pipeline/internal/ingest"
)

// Partition splits geoUnits into at most n contiguous shards of ceil(len/n)
// units and assigns providers round-robin by shard index. The same inputs
// always yield the same assignments. WorkerID is the 1-based shard index.
func Partition(geoUnits []ingest.GeoUnit, n int, providers []string) ([]ingest.Assignment, error) {
	if n <= 0 {
		return nil, errors.New("worker count must be positive")
	}
	if len(providers) == 0 {
		return nil, errors.New("at least one provider is required")
	}
	if len(geoUnits) == 0 {
		return nil, nil
	}

	size := (len(geoUnits) + n - 1) / n
	out := make([]ingest.Assignment, 0, n)
	for shard := 0; shard*size < len(geoUnits); shard++ {
		start := shard * size
		end := min(start+size, len(geoUnits))
		units := make([]ingest.GeoUnit, end-start)
		copy(units, geoUnits[start:end])
		out = append(out, ingest.Assignment{
			WorkerID: shard + 1,
			Provider: providers[shard%len(providers)],
			GeoUnits: units,
		})
	}
	return out, nil
}
