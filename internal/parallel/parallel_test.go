package parallel

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFor(t *testing.T) {
	cfg := DefaultConfig()

	var counter int64
	n := 1000

	For(n, func(_ int) {
		atomic.AddInt64(&counter, 1)
	}, cfg)

	assert.Equal(t, int64(n), counter)
}

func TestForGrid(t *testing.T) {
	cfg := Config{Enabled: true, NumWorkers: 4, MinChunkSize: 1}

	rows, cols := 4, 8
	results := make([][]bool, rows)
	for r := range results {
		results[r] = make([]bool, cols)
	}

	ForGrid(rows, cols, func(r, c int) {
		results[r][c] = true
	}, cfg)

	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			assert.True(t, results[r][c], "missing cell [%d][%d]", r, c)
		}
	}
}

func TestForGrid_EmptyColumns(t *testing.T) {
	called := false
	ForGrid(3, 0, func(_, _ int) { called = true }, DefaultConfig())
	assert.False(t, called)
}

func TestFor_Sequential(t *testing.T) {
	cfg := Config{Enabled: false}

	order := make([]int, 0, 100)
	For(100, func(i int) {
		order = append(order, i)
	}, cfg)

	assert.Len(t, order, 100)
	for i, v := range order {
		assert.Equal(t, i, v)
	}
}

func TestWorkers(t *testing.T) {
	assert.GreaterOrEqual(t, Workers(), 1)
}
