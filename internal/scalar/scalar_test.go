package scalar

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventWriter_RoundTrip(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "logs")
	ew, err := NewEventWriter(dir)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(filepath.Base(ew.Path()), "events.out.tfevents."))

	require.NoError(t, ew.AddScalar("overall loss/train", 1.5, 0))
	require.NoError(t, ew.AddScalar("learning rate/learning rate", 0.02, 40))
	require.NoError(t, ew.Close())

	events, err := ReadEventFile(ew.Path())
	require.NoError(t, err)
	require.Len(t, events, 3)

	assert.Equal(t, FileVersion, events[0].FileVersion)
	assert.Empty(t, events[0].Tag)
	assert.Positive(t, events[0].WallTime)

	assert.Equal(t, "overall loss/train", events[1].Tag)
	assert.Equal(t, float32(1.5), events[1].Value)
	assert.Equal(t, int64(0), events[1].Step)

	assert.Equal(t, "learning rate/learning rate", events[2].Tag)
	assert.Equal(t, float32(0.02), events[2].Value)
	assert.Equal(t, int64(40), events[2].Step)

	assert.ErrorIs(t, ew.AddScalar("x", 1, 1), os.ErrClosed)
	assert.NoError(t, ew.Close())
}

func TestReadEvents_Corrupt(t *testing.T) {
	ew, err := NewEventWriter(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, ew.AddScalar("a", 1, 1))
	require.NoError(t, ew.Close())

	data, err := os.ReadFile(ew.Path())
	require.NoError(t, err)

	flipped := bytes.Clone(data)
	flipped[len(flipped)-6] ^= 0xff
	_, err = ReadEvents(bytes.NewReader(flipped))
	assert.ErrorIs(t, err, ErrCorruptRecord)

	_, err = ReadEvents(bytes.NewReader(data[:len(data)-2]))
	assert.ErrorIs(t, err, ErrCorruptRecord)
}

func TestMaskedCRC(t *testing.T) {
	// The empty string has CRC32C zero, so only the mask constant remains.
	assert.Equal(t, uint32(0xa282ead8), maskedCRC(nil))
}

func TestRecorder(t *testing.T) {
	r := NewRecorder()
	require.NoError(t, r.AddScalar("b", 1, 0))
	require.NoError(t, r.AddScalar("a", 2, 0))
	require.NoError(t, r.AddScalar("b", 3, 10))

	assert.Equal(t, []string{"b", "a"}, r.Tags())

	hist, ok := r.History("b")
	require.True(t, ok)
	require.Len(t, hist, 2)
	assert.Equal(t, int64(10), hist[1].Step)

	p, ok := r.Latest("b")
	require.True(t, ok)
	assert.Equal(t, 3.0, p.Value)

	_, ok = r.Latest("missing")
	assert.False(t, ok)

	snap := r.Snapshot()
	assert.Len(t, snap, 2)
	assert.Equal(t, 2.0, snap["a"].Value)
}

type failing struct{ err error }

func (f failing) AddScalar(string, float64, int64) error { return f.err }
func (f failing) Flush() error                           { return f.err }
func (f failing) Close() error                           { return f.err }

func TestMulti(t *testing.T) {
	a, b := NewRecorder(), NewRecorder()
	boom := errors.New("boom")
	m := Multi(a, nil, failing{boom}, b)

	err := m.AddScalar("x", 1, 2)
	assert.ErrorIs(t, err, boom)

	_, ok := a.Latest("x")
	assert.True(t, ok)
	_, ok = b.Latest("x")
	assert.True(t, ok, "writers after a failing one still receive the value")

	assert.ErrorIs(t, m.Flush(), boom)
	assert.NoError(t, Multi(a, b).Close())
}

func TestDiscard(t *testing.T) {
	assert.NoError(t, Discard.AddScalar("x", 1, 1))
	assert.NoError(t, Discard.Flush())
	assert.NoError(t, Discard.Close())
}
