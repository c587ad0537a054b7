// Copyright 2026 © The Kernos Authors
// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestPushPreservesOrder(t *testing.T) {
	q := New[int]()
	for i := 0; i < 1000; i++ {
		require.NoError(t, q.Push(i))
	}
	q.Close()

	want := 0
	for v := range q.C() {
		require.Equal(t, want, v)
		want++
	}
	require.Equal(t, 1000, want)
}

func TestPushNeverBlocks(t *testing.T) {
	q := New[string]()
	defer q.Discard()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10000; i++ {
			_ = q.Push("x")
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("push blocked without a consumer")
	}
}

func TestManyProducersPerProducerOrder(t *testing.T) {
	type item struct{ producer, seq int }
	q := New[item]()

	var wg sync.WaitGroup
	for p := 0; p < 8; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				_ = q.Push(item{p, i})
			}
		}(p)
	}
	go func() {
		wg.Wait()
		q.Close()
	}()

	last := map[int]int{}
	count := 0
	for it := range q.C() {
		prev, ok := last[it.producer]
		if ok {
			require.Greater(t, it.seq, prev)
		}
		last[it.producer] = it.seq
		count++
	}
	require.Equal(t, 8*200, count)
}

func TestPushAfterClose(t *testing.T) {
	q := New[int]()
	q.Close()
	require.ErrorIs(t, q.Push(1), ErrClosed)
	<-q.Done()
}

func TestDiscardDropsPending(t *testing.T) {
	q := New[int]()
	for i := 0; i < 10; i++ {
		require.NoError(t, q.Push(i))
	}
	q.Discard()

	_, open := <-q.C()
	for open {
		_, open = <-q.C()
	}
	require.ErrorIs(t, q.Push(1), ErrClosed)
	// Discard is idempotent.
	q.Discard()
}

func TestLen(t *testing.T) {
	q := New[int]()
	defer q.Discard()
	require.NoError(t, q.Push(1))
	require.NoError(t, q.Push(2))
	require.Eventually(t, func() bool {
		return q.Len() == 1
	}, time.Second, 5*time.Millisecond, "pump holds one item while blocked on send")
	require.Equal(t, 1, <-q.C())
	require.Equal(t, 2, <-q.C())
	require.Equal(t, 0, q.Len())
}
