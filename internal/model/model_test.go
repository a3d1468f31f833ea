package model

import (
	"context"
	"errors"
	"io"
	"log"
	"math"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/born-ml/born/backend/cpu"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/born-detect/internal/coco"
	"github.com/born-ml/born-detect/internal/data"
	"github.com/born-ml/born-detect/internal/dist"
	"github.com/born-ml/born-detect/internal/engine"
	"github.com/born-ml/born-detect/internal/meter"
)

func testConfig() Config {
	cfg := DefaultConfig(3)
	cfg.InputSize = 8
	cfg.Hidden = 16
	cfg.MaskSize = 4
	return cfg
}

func batch(t *testing.T, n int) ([]data.Image, []data.Target) {
	t.Helper()
	ds := data.Synthetic(n, 32, 3, 11)
	images := make([]data.Image, n)
	targets := make([]data.Target, n)
	for i := range n {
		s, err := ds.Get(i)
		require.NoError(t, err)
		images[i], targets[i] = s.Image, s.Target
	}
	return images, targets
}

func TestEncode_AssignsCentreCell(t *testing.T) {
	cfg := testConfig()
	tg := data.Target{
		ImageID: 1, Height: 32, Width: 32,
		Boxes:  [][4]float64{{0, 0, 16, 16}},
		Labels: []int{2},
		Masks:  []*coco.RLE{coco.FromBBox([4]float64{0, 0, 16, 8}, 32, 32)},
	}
	e, err := encode(cfg, []data.Target{tg})
	require.NoError(t, err)

	// Centre (8, 8) of a 32 pixel image falls in cell (1, 1) of a 4x4 grid.
	const cell = 5
	assert.Equal(t, 1, e.positives)
	assert.Equal(t, float32(1), e.obj[cell])
	assert.Equal(t, int32(2), e.labels[cell])
	assert.Equal(t, int32(0), e.labels[0])
	assert.Equal(t, []float32{0, 0, 0.5, 0.5}, e.box[4*cell:4*cell+4])
	assert.Equal(t, []float32{0.5, 0.5, 0, 0}, e.centerW[4*cell:4*cell+4])
	assert.Equal(t, []float32{0, 0, 0.5, 0.5}, e.sizeW[4*cell:4*cell+4])

	// The mask covers the top half of the box.
	m := cfg.MaskSize
	grid := e.mask[cell*m*m : (cell+1)*m*m]
	assert.Equal(t, []float32{1, 1, 1, 1}, grid[:m])
	assert.Equal(t, []float32{0, 0, 0, 0}, grid[len(grid)-m:])
	assert.InDelta(t, 1.0/16, e.maskW[cell*m*m], 1e-7)
	assert.InDelta(t, 1.0/16, e.objW[0], 1e-7)
}

func TestEncode_LargerObjectOwnsCell(t *testing.T) {
	tg := data.Target{
		ImageID: 1, Height: 40, Width: 40,
		Boxes:   [][4]float64{{0, 0, 4, 4}, {0, 0, 8, 8}, {30, 30, 40, 40}},
		Labels:  []int{1, 3, 2},
		IsCrowd: []bool{false, false, true},
	}
	e, err := encode(testConfig(), []data.Target{tg})
	require.NoError(t, err)
	assert.Equal(t, 1, e.positives)
	assert.Equal(t, int32(3), e.labels[0])
	assert.Equal(t, 0, e.maskPositives)
}

func TestEncode_LabelOutOfRange(t *testing.T) {
	tg := data.Target{ImageID: 9, Height: 8, Width: 8, Boxes: [][4]float64{{0, 0, 4, 4}}, Labels: []int{4}}
	_, err := encode(testConfig(), []data.Target{tg})
	assert.ErrorIs(t, err, ErrLabelOutOfRange)
}

func TestPool(t *testing.T) {
	im := data.Image{C: 3, H: 5, W: 7, Pix: make([]float32, 3*5*7)}
	for i := range im.Pix {
		im.Pix[i] = 0.5
	}
	for _, v := range pool(im, 4) {
		assert.InDelta(t, 0.5, v, 1e-6)
	}

	small := data.Image{C: 1, H: 2, W: 2, Pix: []float32{0, 1, 2, 3}}
	out := pool(small, 4)
	require.Len(t, out, 48)
	assert.Equal(t, float32(0), out[0])
	assert.Equal(t, float32(3), out[15])
	assert.Equal(t, out[:16], out[16:32], "grey is repeated across planes")
}

func TestForward_Terms(t *testing.T) {
	d, err := NewDetector(testConfig(), cpu.New())
	require.NoError(t, err)
	images, targets := batch(t, 2)

	losses, err := d.Forward(context.Background(), images, targets)
	require.NoError(t, err)
	terms := losses.Terms()
	for _, name := range append(meter.TrackedTerms, meter.LossRPNBoxReg) {
		v, ok := terms[name]
		require.True(t, ok, name)
		assert.True(t, meter.Finite(v), name)
		assert.GreaterOrEqual(t, v, 0.0, name)
	}

	_, err = d.Forward(context.Background(), images, targets[:1])
	assert.ErrorIs(t, err, ErrBatchMismatch)

	d.Eval()
	_, err = d.Forward(context.Background(), images, targets)
	assert.ErrorIs(t, err, ErrNotTraining)
	d.Train()
	_, err = d.Forward(context.Background(), images, targets)
	assert.NoError(t, err)
}

func TestTrainingReducesLoss(t *testing.T) {
	d, err := NewDetector(testConfig(), cpu.New())
	require.NoError(t, err)
	opt, err := NewOptimizer(d, OptimizerConfig{Name: "adam", LR: 0.01})
	require.NoError(t, err)
	images, targets := batch(t, 2)
	ctx := context.Background()

	var first, last float64
	for it := range 40 {
		losses, err := d.Forward(ctx, images, targets)
		require.NoError(t, err)
		last = meter.Sum(losses.Terms())
		if it == 0 {
			first = last
		}
		opt.ZeroGrad()
		require.NoError(t, losses.Backward())
		require.NoError(t, opt.Step(ctx))
	}
	assert.Less(t, last, first)
}

func TestOptimizer_LR(t *testing.T) {
	d, err := NewDetector(testConfig(), cpu.New())
	require.NoError(t, err)
	opt, err := NewOptimizer(d, OptimizerConfig{LR: 0.02, Momentum: 0.9})
	require.NoError(t, err)
	assert.InDelta(t, 0.02, opt.LR(), 1e-7)
	opt.SetLR(0.5)
	assert.InDelta(t, 0.5, opt.LR(), 1e-7)

	_, err = NewOptimizer(d, OptimizerConfig{Name: "lion"})
	assert.ErrorIs(t, err, ErrUnknownOptimizer)
}

func TestStepNeedsBackward(t *testing.T) {
	d, err := NewDetector(testConfig(), cpu.New())
	require.NoError(t, err)
	opt, err := NewOptimizer(d, OptimizerConfig{LR: 0.1})
	require.NoError(t, err)
	assert.ErrorIs(t, opt.Step(context.Background()), ErrNoGradients)

	images, targets := batch(t, 1)
	assert.True(t, d.SetGradEnabled(false))
	losses, err := d.Forward(context.Background(), images, targets)
	require.NoError(t, err)
	assert.ErrorIs(t, losses.Backward(), ErrNoGradients)
	assert.False(t, d.SetGradEnabled(true))
}

func TestPredict(t *testing.T) {
	cfg := testConfig()
	cfg.ScoreThresh = 0
	cfg.MaxDets = 5
	d, err := NewDetector(cfg, cpu.New())
	require.NoError(t, err)
	d.Eval()
	d.SetGradEnabled(false)
	images, _ := batch(t, 2)
	sizes := [][2]int{{32, 32}, {20, 50}}

	preds, err := d.Predict(context.Background(), images, sizes)
	require.NoError(t, err)
	require.Len(t, preds, 2)
	for i, p := range preds {
		require.Len(t, p.Boxes, 5)
		require.Len(t, p.Masks, 5)
		H, W := float64(sizes[i][0]), float64(sizes[i][1])
		for j, b := range p.Boxes {
			assert.GreaterOrEqual(t, b[0], 0.0)
			assert.GreaterOrEqual(t, b[1], 0.0)
			assert.LessOrEqual(t, b[2], W)
			assert.LessOrEqual(t, b[3], H)
			assert.True(t, p.Labels[j] >= 1 && p.Labels[j] <= cfg.Classes)
			assert.Equal(t, sizes[i][0], p.Masks[j].H)
			assert.Equal(t, sizes[i][1], p.Masks[j].W)
			if j > 0 {
				assert.GreaterOrEqual(t, p.Scores[j-1], p.Scores[j])
			}
		}
	}

	_, err = d.Predict(context.Background(), images, sizes[:1])
	assert.ErrorIs(t, err, ErrBatchMismatch)
}

func TestReplica(t *testing.T) {
	cfg := testConfig()
	cfg.ScoreThresh = 0
	d, err := NewDetector(cfg, cpu.New())
	require.NoError(t, err)
	d.SetGradEnabled(false)
	r, err := d.Replica()
	require.NoError(t, err)
	assert.False(t, r.SetGradEnabled(false))

	images, _ := batch(t, 1)
	sizes := [][2]int{{32, 32}}
	want, err := d.Predict(context.Background(), images, sizes)
	require.NoError(t, err)
	got, err := r.Predict(context.Background(), images, sizes)
	require.NoError(t, err)
	assert.Equal(t, want[0].Boxes, got[0].Boxes)
	assert.Equal(t, want[0].Scores, got[0].Scores)
}

func TestPasteMask(t *testing.T) {
	pm := pasteMask([]float32{20}, 1, [4]float64{0, 0, 2, 2}, 4, 4)
	assert.Equal(t, 4, pm.H)
	for y := range 4 {
		for x := range 4 {
			if x < 2 && y < 2 {
				assert.InDelta(t, 1, pm.P[y*4+x], 1e-6)
			} else {
				assert.Zero(t, pm.P[y*4+x])
			}
		}
	}
	empty := pasteMask([]float32{20}, 1, [4]float64{3, 3, 3, 3}, 4, 4)
	assert.Equal(t, make([]float32, 16), empty.P)
}

func TestBestClass(t *testing.T) {
	label, p := bestClass([]float32{5, 1, 3})
	assert.Equal(t, 2, label)
	z := math.Exp(5) + math.Exp(1) + math.Exp(3)
	assert.InDelta(t, math.Exp(3)/z, p, 1e-9)
}

func TestBuild(t *testing.T) {
	b, err := Build(DeviceCPU, testConfig(), OptimizerConfig{LR: 0.01})
	require.NoError(t, err)
	defer b.Release()
	_, ok := b.Model.(*Detector[*cpu.Backend])
	assert.True(t, ok)
	groups, err := dist.NewLocal(2)
	require.NoError(t, err)
	m0, o0, err := b.Worker(groups[0])
	require.NoError(t, err)
	assert.Same(t, b.Model, m0)
	assert.Same(t, b.Optimizer, o0)
	m1, o1, err := b.Worker(groups[1])
	require.NoError(t, err)
	assert.NotSame(t, b.Model, m1)
	assert.InDelta(t, 0.01, o1.LR(), 1e-7)

	_, err = Build("tpu", testConfig(), OptimizerConfig{})
	assert.ErrorIs(t, err, ErrUnknownDevice)

	bad := testConfig()
	bad.Classes = 0
	_, err = Build(DeviceCPU, bad, OptimizerConfig{})
	assert.ErrorIs(t, err, ErrInvalidConfig)

	if runtime.GOOS != "windows" {
		_, err = Build(DeviceWebGPU, testConfig(), OptimizerConfig{})
		assert.ErrorIs(t, err, ErrDeviceUnavailable)
	}
}

func TestWorkersStayInSync(t *testing.T) {
	cfg := testConfig()
	cfg.ScoreThresh = 0
	b, err := Build(DeviceCPU, cfg, OptimizerConfig{LR: 0.1, Momentum: 0.9})
	require.NoError(t, err)
	groups, err := dist.NewLocal(2)
	require.NoError(t, err)

	models := make([]engine.Model, 2)
	opts := make([]engine.Optimizer, 2)
	for r, g := range groups {
		models[r], opts[r], err = b.Worker(g)
		require.NoError(t, err)
	}

	images, targets := batch(t, 4)
	errs := make([]error, 2)
	var wg sync.WaitGroup
	for r := range groups {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 3 {
				losses, err := models[r].Forward(context.Background(), images[2*r:2*r+2], targets[2*r:2*r+2])
				if err != nil {
					errs[r] = err
					return
				}
				opts[r].ZeroGrad()
				if err := losses.Backward(); err != nil {
					errs[r] = err
					return
				}
				if err := opts[r].Step(context.Background()); err != nil {
					errs[r] = err
					return
				}
			}
		}()
	}
	wg.Wait()
	require.NoError(t, errs[0])
	require.NoError(t, errs[1])

	p0 := models[0].(*Detector[*cpu.Backend]).net.Parameters()
	p1 := models[1].(*Detector[*cpu.Backend]).net.Parameters()
	for i := range p0 {
		assert.Equal(t, p0[i].Tensor().Data(), p1[i].Tensor().Data())
	}
}

var errBackwardFault = errors.New("backward fault")

// faultyModel fails the backward pass of its failAt-th forward.
type faultyModel struct {
	engine.Model
	failAt, calls int
}

func (m *faultyModel) Forward(ctx context.Context, images []data.Image, targets []data.Target) (engine.Losses, error) {
	l, err := m.Model.Forward(ctx, images, targets)
	if err != nil {
		return nil, err
	}
	m.calls++
	if m.calls-1 == m.failAt {
		return faultyLosses{l}, nil
	}
	return l, nil
}

type faultyLosses struct{ engine.Losses }

func (faultyLosses) Backward() error { return errBackwardFault }

func TestWorkerFailureReleasesPeers(t *testing.T) {
	b, err := Build(DeviceCPU, testConfig(), OptimizerConfig{LR: 0.01})
	require.NoError(t, err)
	groups, err := dist.NewLocal(2)
	require.NoError(t, err)
	ds := data.Synthetic(8, 16, 3, 1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errs := make([]error, 2)
	var wg sync.WaitGroup
	for r, g := range groups {
		m, opt, err := b.Worker(g)
		require.NoError(t, err)
		if r == 1 {
			m = &faultyModel{Model: m, failAt: 1}
		}
		loader, err := data.NewLoader(ds, data.LoaderConfig{BatchSize: 2, Rank: r, WorldSize: 2})
		require.NoError(t, err)

		wg.Add(1)
		go func() {
			defer wg.Done()
			opts := engine.NewTrainOptions(0,
				engine.WithGroup(g),
				engine.WithLogger(log.New(io.Discard, "", 0)),
			)
			if _, errs[r] = engine.TrainOneEpoch(ctx, opts, m, opt, loader, nil); errs[r] != nil {
				cancel()
			}
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("workers still running after one failed")
	}
	assert.ErrorIs(t, errs[1], errBackwardFault)
	assert.ErrorIs(t, errs[0], context.Canceled)
}
