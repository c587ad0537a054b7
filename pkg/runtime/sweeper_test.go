// Copyright 2026 © The Kernos Authors
// SPDX-License-Identifier: Apache-2.0

package runtime

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jllopis/kernos/pkg/history"
)

type testPruner struct {
	calls    int64
	deadline int64
	removed  int
	err      error
	ch       chan time.Time
}

func (p *testPruner) Prune(ctx context.Context, before time.Time) (int, error) {
	atomic.AddInt64(&p.calls, 1)
	if deadline, ok := ctx.Deadline(); ok {
		atomic.StoreInt64(&p.deadline, deadline.UnixNano())
	}
	select {
	case p.ch <- before:
	default:
	}
	return p.removed, p.err
}

func TestSweeperRunsOnInterval(t *testing.T) {
	p := &testPruner{ch: make(chan time.Time, 1)}
	s := NewSweeper(10*time.Millisecond, time.Hour, nil)
	s.SetTimeout(50 * time.Millisecond)
	s.Add("test", p)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Run(ctx)
	}()

	select {
	case before := <-p.ch:
		require.WithinDuration(t, time.Now().Add(-time.Hour), before, 5*time.Second)
	case <-time.After(time.Second):
		t.Fatal("expected sweep")
	}
	cancel()
	<-done
	require.NotZero(t, atomic.LoadInt64(&p.deadline), "sweep context has no deadline")
}

func TestSweeperDisabled(t *testing.T) {
	s := NewSweeper(10*time.Millisecond, 0, nil)
	s.Add("test", &testPruner{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Run(context.Background())
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("disabled sweeper kept running")
	}
}

func TestSweepTotalsAndSkipsFailures(t *testing.T) {
	s := NewSweeper(time.Minute, time.Hour, nil)
	s.Add("a", &testPruner{removed: 2})
	s.Add("broken", &testPruner{removed: 5, err: fmt.Errorf("disk gone")})
	s.Add("b", &testPruner{removed: 3})
	s.Add("nil", nil)
	require.Equal(t, 5, s.Sweep(context.Background()))
}

func TestSweepPrunesHistory(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := history.NewMemoryStore()
	ctx := context.Background()
	for i, age := range []time.Duration{3 * time.Hour, 2 * time.Hour, 10 * time.Minute} {
		_, err := store.Append(ctx, history.Entry{
			Session:        "s1",
			ExecutionCount: i + 1,
			Code:           "x",
			FinishedAt:     now.Add(-age),
		})
		require.NoError(t, err)
	}

	s := NewSweeper(time.Minute, time.Hour, nil)
	s.now = func() time.Time { return now }
	s.Add("history", store)
	require.Equal(t, 2, s.Sweep(ctx))

	left, err := store.List(ctx, history.Filter{})
	require.NoError(t, err)
	require.Len(t, left, 1)
	require.Equal(t, 3, left[0].ExecutionCount)
}
