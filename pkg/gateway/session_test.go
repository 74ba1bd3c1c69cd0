package gateway

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// loginScript answers session lookups in order and repeats its last answer.
type loginScript struct {
	mu    sync.Mutex
	calls int
	steps [][]string
	err   error
}

func (l *loginScript) list(context.Context) ([]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	i := l.calls
	l.calls++
	if l.err != nil && i == 0 {
		return nil, l.err
	}
	if i >= len(l.steps) {
		i = len(l.steps) - 1
	}
	return l.steps[i], nil
}

func (l *loginScript) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls
}

func startWait(ctx context.Context, l *loginScript, clk *testclock.Clock) <-chan error {
	done := make(chan error, 1)
	go func() {
		done <- WaitForSession(ctx, l.list, "hostmove-admin", 5*time.Second, clk, zerolog.Nop())
	}()
	return done
}

func TestWaitForSessionReturnsOnLogin(t *testing.T) {
	clk := testclock.NewClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	l := &loginScript{
		err:   errors.New("logind not running"),
		steps: [][]string{nil, {"gdm"}, {"gdm", "hostmove-admin"}},
	}
	done := startWait(context.Background(), l, clk)

	for i := 0; i < 2; i++ {
		require.NoError(t, clk.WaitAdvance(5*time.Second, time.Second, 1))
	}

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("wait did not return after login")
	}
	assert.Equal(t, 3, l.count())
}

func TestWaitForSessionHonorsCancel(t *testing.T) {
	clk := testclock.NewClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	l := &loginScript{steps: [][]string{{"gdm"}}}
	ctx, cancel := context.WithCancel(context.Background())
	done := startWait(ctx, l, clk)

	require.NoError(t, clk.WaitAdvance(5*time.Second, time.Second, 1))
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("wait ignored cancellation")
	}
}
