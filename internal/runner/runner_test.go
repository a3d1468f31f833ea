package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/born-detect/internal/coco"
	"github.com/born-ml/born-detect/internal/config"
	"github.com/born-ml/born-detect/internal/data"
	"github.com/born-ml/born-detect/internal/engine"
	"github.com/born-ml/born-detect/internal/scalar"
)

func smallConfig() *config.Config {
	cfg := config.Default()
	cfg.Data.Synthetic = config.Synthetic{Train: 4, Val: 2, Size: 32, Classes: 2}
	cfg.Data.Seed = 3
	cfg.Model.Classes = 2
	cfg.Model.Hidden = 16
	cfg.Train.Epochs = 2
	cfg.Train.PrintFreq = 1
	cfg.Train.WarmupIters = 2
	cfg.Eval.PrintFreq = 1
	return cfg
}

func quiet() *log.Logger { return log.New(io.Discard, "", 0) }

func TestCreateRunDir(t *testing.T) {
	base := t.TempDir()
	run, err := CreateRunDir(base)
	require.NoError(t, err)
	assert.Len(t, run.ID, 36)
	assert.DirExists(t, run.Dir)
	assert.Equal(t, base, filepath.Dir(run.Dir))
	assert.Contains(t, filepath.Base(run.Dir), run.ID[:8])

	other, err := CreateRunDir(base)
	require.NoError(t, err)
	assert.NotEqual(t, run.Dir, other.Dir)
	if target, err := os.Readlink(filepath.Join(base, "latest")); err == nil {
		assert.Equal(t, other.Dir, target)
	}
}

func TestDatasets(t *testing.T) {
	cfg := smallConfig()
	train, val, err := Datasets(cfg)
	require.NoError(t, err)
	assert.Equal(t, 4, train.Len())
	assert.Equal(t, 2, val.Len())

	cfg.Data.Source = "imagenet"
	_, _, err = Datasets(cfg)
	assert.Error(t, err)

	cfg.Data.Source = config.SourceCOCO
	cfg.Data.TrainImages = t.TempDir()
	cfg.Data.TrainAnnotations = filepath.Join(t.TempDir(), "missing.json")
	_, _, err = Datasets(cfg)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestTrain(t *testing.T) {
	rec := scalar.NewRecorder()
	res, err := Train(context.Background(), smallConfig(), Options{Logger: quiet(), Writer: rec})
	require.NoError(t, err)
	require.Len(t, res.Epochs, 2)

	for i, er := range res.Epochs {
		assert.Equal(t, i, er.Epoch)
		assert.Equal(t, 2, er.Train.Count)
		assert.Equal(t, 1, er.Val.Count)
		for _, typ := range []coco.IoUType{coco.IoUBBox, coco.IoUSegm} {
			require.Len(t, er.Stats[typ], 12, typ)
		}
	}

	// Validation lands at the first step of the following epoch.
	hist, ok := rec.History("overall loss/val")
	require.True(t, ok)
	require.Len(t, hist, 2)
	assert.Equal(t, int64(4), hist[0].Step)
	assert.Equal(t, int64(8), hist[1].Step)

	ap, ok := rec.History(engine.APTag(coco.IoUSegm, "AP@0.50, all area"))
	require.True(t, ok)
	assert.Len(t, ap, 2)

	train, ok := rec.History("overall loss/train")
	require.True(t, ok)
	require.Len(t, train, 4)
	assert.Equal(t, []int64{0, 1, 4, 5}, []int64{train[0].Step, train[1].Step, train[2].Step, train[3].Step})
}

func TestTrain_TwoWorkers(t *testing.T) {
	cfg := smallConfig()
	cfg.Train.WorldSize = 2
	rec := scalar.NewRecorder()
	res, err := Train(context.Background(), cfg, Options{Logger: quiet(), Writer: rec})
	require.NoError(t, err)
	require.Len(t, res.Epochs, 2)
	// Each rank sees one batch of its two-image shard per epoch.
	assert.Equal(t, 1, res.Epochs[0].Train.Count)

	hist, ok := rec.History("overall loss/val")
	require.True(t, ok)
	assert.Equal(t, int64(4), hist[0].Step)
}

func TestTrain_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	cfg := smallConfig()
	cfg.Train.WorldSize = 2
	_, err := Train(ctx, cfg, Options{Logger: quiet()})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestTrain_UnknownDevice(t *testing.T) {
	cfg := smallConfig()
	cfg.Model.Device = "tpu"
	_, err := Train(context.Background(), cfg, Options{Logger: quiet()})
	assert.Error(t, err)
}

func TestEvaluateResults(t *testing.T) {
	dir := t.TempDir()
	ds := data.Synthetic(3, 32, 2, 9)
	gtPath, err := ds.WriteCOCO(dir)
	require.NoError(t, err)
	gt, err := coco.Load(gtPath)
	require.NoError(t, err)

	// Every ground-truth object reported back as a confident detection.
	var results []coco.Annotation
	for _, a := range gt.Annotations {
		results = append(results, coco.Annotation{
			ImageID:    a.ImageID,
			CategoryID: a.CategoryID,
			BBox:       a.BBox,
			Score:      1,
		})
	}
	resPath := filepath.Join(dir, "results.json")
	b, err := json.Marshal(results)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(resPath, b, 0o644))

	var out bytes.Buffer
	stats, err := EvaluateResults(gtPath, resPath, []coco.IoUType{coco.IoUBBox}, &out)
	require.NoError(t, err)
	require.Len(t, stats[coco.IoUBBox], 12)
	assert.InDelta(t, 1.0, stats[coco.IoUBBox][0], 1e-9)
	assert.Contains(t, out.String(), "IoU metric: bbox")
	assert.Contains(t, out.String(), "Average Precision")

	_, err = EvaluateResults(gtPath, filepath.Join(dir, "nope.json"), []coco.IoUType{coco.IoUBBox}, io.Discard)
	assert.ErrorIs(t, err, os.ErrNotExist)
}
