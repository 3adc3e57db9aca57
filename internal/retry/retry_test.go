package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errTransient = errors.New("transient")
var errFatal = errors.New("fatal")

func TestBackoff(t *testing.T) {
	p := Policy{Base: time.Second, Max: 60 * time.Second}

	tests := []struct {
		n    int
		want time.Duration
	}{
		{-1, time.Second},
		{0, time.Second},
		{1, 2 * time.Second},
		{3, 8 * time.Second},
		{6, 60 * time.Second},
		{50, 60 * time.Second},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, p.Backoff(tt.n), "n=%d", tt.n)
	}
}

func TestBackoffJitterBounded(t *testing.T) {
	p := Policy{Base: 10 * time.Millisecond, Max: time.Second, Jitter: 5 * time.Millisecond}
	for i := 0; i < 100; i++ {
		d := p.Backoff(0)
		assert.GreaterOrEqual(t, d, 10*time.Millisecond)
		assert.Less(t, d, 15*time.Millisecond)
	}
}

func TestDoRetriesTransient(t *testing.T) {
	p := Policy{Attempts: 3, Base: time.Millisecond, Max: time.Millisecond}

	calls := 0
	retries := 0
	err := Do(context.Background(), p, func(err error) bool { return errors.Is(err, errTransient) },
		func(int) error {
			calls++
			if calls < 3 {
				return errTransient
			}
			return nil
		},
		func(int, error, time.Duration) { retries++ })

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, 2, retries)
}

func TestDoStopsOnFatal(t *testing.T) {
	p := Policy{Attempts: 5, Base: time.Millisecond}

	calls := 0
	err := Do(context.Background(), p, func(err error) bool { return errors.Is(err, errTransient) },
		func(int) error {
			calls++
			return errFatal
		}, nil)

	assert.ErrorIs(t, err, errFatal)
	assert.Equal(t, 1, calls)
}

func TestDoExhausts(t *testing.T) {
	p := Policy{Attempts: 4, Base: time.Millisecond, Max: 2 * time.Millisecond}

	calls := 0
	err := Do(context.Background(), p, nil, func(int) error {
		calls++
		return errTransient
	}, nil)

	assert.ErrorIs(t, err, errTransient)
	assert.Equal(t, 4, calls)
}

func TestDoHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := Policy{Attempts: 10, Base: time.Hour}
	calls := 0
	start := time.Now()
	err := Do(ctx, p, nil, func(int) error {
		calls++
		return errTransient
	}, nil)

	assert.ErrorIs(t, err, errTransient)
	assert.Equal(t, 1, calls)
	assert.Less(t, time.Since(start), time.Second)
}
