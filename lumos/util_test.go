package lumos

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLimitedGroup(t *testing.T) {
	if testing.Short() {
		t.Skip("skip in short mode")
	}
	t.Parallel()

	tests := []struct {
		name   string
		limit  int
		expect int
	}{
		{"limit_three", 3, 3},
		{"limit_zero", 0, 1},
		{"limit_negative", -2, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			group := limitedGroup(tt.limit)
			var mu sync.Mutex
			var running, maxRunning int
			var completed atomic.Int32
			for i := 0; i < 8; i++ {
				group.Go(func() error {
					mu.Lock()
					running++
					maxRunning = max(maxRunning, running)
					mu.Unlock()

					time.Sleep(5 * time.Millisecond)

					mu.Lock()
					running--
					mu.Unlock()
					completed.Add(1)
					return nil
				})
			}
			require.NoError(t, group.Wait())

			assert.LessOrEqual(t, maxRunning, tt.expect)
			assert.Equal(t, int32(8), completed.Load())
		})
	}
}

func TestLimitedGroupError(t *testing.T) {
	t.Parallel()

	group := limitedGroup(2)
	failure := errors.New("write failure")
	group.Go(func() error { return nil })
	group.Go(func() error { return failure })
	assert.ErrorIs(t, group.Wait(), failure)
}
