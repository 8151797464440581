package memory

import (
	"math"

	"github.com/sbl8/dnc/kernels"
)

// Analysis summarises the state of a memory.
type Analysis struct {
	AverageUsage  float32   // mean usage over all locations
	Fragmentation float32   // standard deviation of usage
	MostUsed      int       // location with the highest usage, -1 when all are zero
	FreeSlots     int       // locations with usage below DefaultFreeThreshold
	OldestWrite   int       // oldest location in the write history, -1 when empty
	LinkMass      float32   // Σ L[i][j]
	ReadEntropy   []float32 // entropy of each head's previous read weights
}

// Analyze computes an Analysis. It allocates and is meant for inspection
// between steps, not for the step path.
func Analyze(u *UsageTracker, l *TemporalLinkage, heads []*ReadHead) Analysis {
	usage := u.Usage()
	a := Analysis{MostUsed: -1, OldestWrite: -1}

	var sum float64
	maxUsage := float32(0)
	for i, v := range usage {
		sum += float64(v)
		if v > maxUsage {
			maxUsage = v
			a.MostUsed = i
		}
	}
	mean := sum / float64(len(usage))
	a.AverageUsage = float32(mean)

	var variance float64
	for _, v := range usage {
		d := float64(v) - mean
		variance += d * d
	}
	a.Fragmentation = float32(math.Sqrt(variance / float64(len(usage))))
	a.FreeSlots = u.FreeSlots(DefaultFreeThreshold)

	if l != nil {
		if idx, ok := l.OldestWrite(); ok {
			a.OldestWrite = idx
		}
		a.LinkMass = kernels.Sum(l.Link())
	}

	a.ReadEntropy = make([]float32, len(heads))
	for i, h := range heads {
		a.ReadEntropy[i] = kernels.Entropy(h.PrevWeights())
	}
	return a
}
