package engine

// Warmup scales the learning rate linearly from Factor to 1 over Iters
// steps and leaves it unchanged afterwards.
type Warmup struct {
	Iters  int
	Factor float64

	base float64
	step int
	opt  Optimizer
}

// Default warmup parameters for the first epoch.
const (
	DefaultWarmupFactor = 1.0 / 1000
	DefaultWarmupIters  = 1000
)

// NewWarmup attaches a warmup schedule to opt, taking its current learning
// rate as the base rate, and applies the step-0 factor immediately.
func NewWarmup(opt Optimizer, iters int, factor float64) *Warmup {
	w := &Warmup{Iters: iters, Factor: factor, base: opt.LR(), opt: opt}
	opt.SetLR(w.base * w.FactorAt(0))
	return w
}

// FactorAt returns the multiplier at step it.
func (w *Warmup) FactorAt(it int) float64 {
	if it >= w.Iters {
		return 1
	}
	alpha := float64(it) / float64(w.Iters)
	return w.Factor*(1-alpha) + alpha
}

// Step advances the schedule by one iteration.
func (w *Warmup) Step() {
	w.step++
	w.opt.SetLR(w.base * w.FactorAt(w.step))
}

// BaseLR returns the rate the schedule warms up to.
func (w *Warmup) BaseLR() float64 { return w.base }
