package dist

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runRanks calls f once per rank, each on its own goroutine.
func runRanks(t *testing.T, groups []Group, f func(g Group) error) {
	t.Helper()
	var wg sync.WaitGroup
	errs := make([]error, len(groups))
	for i, g := range groups {
		wg.Add(1)
		go func(i int, g Group) {
			defer wg.Done()
			errs[i] = f(g)
		}(i, g)
	}
	wg.Wait()
	for i, err := range errs {
		require.NoError(t, err, "rank %d", i)
	}
}

func TestSingle(t *testing.T) {
	g := Single()
	assert.Equal(t, 0, g.Rank())
	assert.Equal(t, 1, g.WorldSize())
	assert.True(t, IsMain(g))

	in := []float64{1, 2, 3}
	out, err := g.AllReduceSum(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, in, out)

	out[0] = 99
	assert.Equal(t, 1.0, in[0], "result must not alias the input")

	all, err := g.AllGather(context.Background(), "x")
	require.NoError(t, err)
	assert.Equal(t, []any{"x"}, all)
}

func TestNewLocal_Invalid(t *testing.T) {
	_, err := NewLocal(0)
	assert.ErrorIs(t, err, ErrInvalidWorld)
}

func TestLocal_AllReduceSum(t *testing.T) {
	groups, err := NewLocal(4)
	require.NoError(t, err)

	results := make([][]float64, 4)
	runRanks(t, groups, func(g Group) error {
		r := float64(g.Rank())
		out, err := g.AllReduceSum(context.Background(), []float64{r, 1})
		results[g.Rank()] = out
		return err
	})

	for _, out := range results {
		assert.Equal(t, []float64{6, 4}, out)
	}
}

func TestLocal_RepeatedRounds(t *testing.T) {
	groups, err := NewLocal(3)
	require.NoError(t, err)

	runRanks(t, groups, func(g Group) error {
		for i := 0; i < 50; i++ {
			out, err := g.AllReduceSum(context.Background(), []float64{float64(i)})
			if err != nil {
				return err
			}
			if out[0] != float64(3*i) {
				t.Errorf("round %d: got %v", i, out[0])
			}
			if err := g.Barrier(context.Background()); err != nil {
				return err
			}
		}
		return nil
	})
}

func TestLocal_AllGather(t *testing.T) {
	groups, err := NewLocal(3)
	require.NoError(t, err)

	results := make([][]any, 3)
	runRanks(t, groups, func(g Group) error {
		out, err := g.AllGather(context.Background(), g.Rank()*10)
		results[g.Rank()] = out
		return err
	})

	for _, out := range results {
		assert.Equal(t, []any{0, 10, 20}, out)
	}
}

func TestLocal_ContextCancel(t *testing.T) {
	groups, err := NewLocal(2)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err = groups[0].Barrier(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestLocal_LengthMismatch(t *testing.T) {
	groups, err := NewLocal(2)
	require.NoError(t, err)

	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i, g := range groups {
		wg.Add(1)
		go func(i int, g Group) {
			defer wg.Done()
			_, errs[i] = g.AllReduceSum(context.Background(), make([]float64, i+1))
		}(i, g)
	}
	wg.Wait()

	for _, err := range errs {
		assert.ErrorIs(t, err, ErrLengthMismatch)
	}
}

func TestReduceDict(t *testing.T) {
	groups, err := NewLocal(2)
	require.NoError(t, err)

	results := make([]map[string]float64, 2)
	runRanks(t, groups, func(g Group) error {
		// Insertion order differs per rank; sorted packing must still line up.
		m := map[string]float64{}
		if g.Rank() == 0 {
			m["b"] = 2
			m["a"] = 1
		} else {
			m["a"] = 3
			m["b"] = 6
		}
		out, err := ReduceDict(context.Background(), g, m, true)
		results[g.Rank()] = out
		return err
	})

	for _, out := range results {
		assert.InDelta(t, 2.0, out["a"], 1e-12)
		assert.InDelta(t, 4.0, out["b"], 1e-12)
	}
}

func TestReduceDict_SingleIsIdentity(t *testing.T) {
	m := map[string]float64{"loss": 0.5}
	out, err := ReduceDict(context.Background(), Single(), m, true)
	require.NoError(t, err)
	assert.Equal(t, m, out)
}
