package runtime

import (
	"math/rand"
)

// Controller produces the inputs of one engine step. reads holds the R read
// vectors of the previous step (zero before the first); Forward fills the
// controller output and the interface vector.
type Controller interface {
	Forward(reads, controllerOut, iface []float32)
}

// ControllerFunc adapts a function to Controller.
type ControllerFunc func(reads, controllerOut, iface []float32)

// Forward calls f.
func (f ControllerFunc) Forward(reads, controllerOut, iface []float32) {
	f(reads, controllerOut, iface)
}

// RandomController emits seeded normally distributed interface vectors. It
// stands in for a trained controller in tools and long-running tests.
type RandomController struct {
	rng    *rand.Rand
	layout Layout

	// Scale multiplies every raw value.
	Scale float32
	// GateBias is added to the raw write gate and free gates. Negative values
	// make writes and frees rare, positive ones frequent.
	GateBias float32
}

// NewRandomController creates a controller for the layout of cfg.
func NewRandomController(cfg Config, seed int64, gateBias float32) *RandomController {
	return &RandomController{
		rng:      rand.New(rand.NewSource(seed)),
		layout:   cfg.Layout(),
		Scale:    1,
		GateBias: gateBias,
	}
}

// Forward implements Controller. The controller output mixes noise with the
// previous read vectors, the way a recurrent controller would see them.
func (c *RandomController) Forward(reads, controllerOut, iface []float32) {
	for i := range controllerOut {
		v := float32(c.rng.NormFloat64())
		if len(reads) > 0 {
			v = 0.5*v + 0.5*reads[i%len(reads)]
		}
		controllerOut[i] = v
	}
	for i := range iface {
		iface[i] = float32(c.rng.NormFloat64()) * c.Scale
	}

	m := c.layout.VectorSize
	for h := 0; h < c.layout.ReadHeads; h++ {
		iface[c.layout.ReadOffset(h)+m+readScalars-1] += c.GateBias
	}
	iface[c.layout.WriteOffset()+m+writeScalars-1] += c.GateBias
}
