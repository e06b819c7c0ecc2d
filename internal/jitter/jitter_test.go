package jitter

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBetweenStaysInRange(t *testing.T) {
	t.Parallel()

	g := New(42)
	for i := 0; i < 1000; i++ {
		d := g.Between(time.Minute, 5*time.Minute)
		require.GreaterOrEqual(t, d, time.Minute)
		require.LessOrEqual(t, d, 5*time.Minute)
	}
	require.Equal(t, 3*time.Second, g.Between(3*time.Second, 3*time.Second))
	swapped := g.Between(2*time.Second, time.Second)
	require.GreaterOrEqual(t, swapped, time.Second)
	require.LessOrEqual(t, swapped, 2*time.Second)
}

func TestSameSeedSameSequence(t *testing.T) {
	t.Parallel()

	a, b := New(7), New(7)
	for i := 0; i < 20; i++ {
		require.Equal(t, a.Up(time.Hour), b.Up(time.Hour))
	}
}

func TestConcurrentUse(t *testing.T) {
	t.Parallel()

	g := NewRandom()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_ = g.Up(time.Second)
			}
		}()
	}
	wg.Wait()
}
