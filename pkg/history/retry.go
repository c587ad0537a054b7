// Copyright 2026 © The Kernos Authors
// SPDX-License-Identifier: Apache-2.0

package history

import (
	"context"
	"time"

	"github.com/jllopis/kernos/pkg/resilience"
)

// retryingStore retries failed store calls, e.g. a locked database file.
type retryingStore struct {
	Store
	retry resilience.Retry
}

// WithRetry wraps s so that each call is retried according to r. Invalid
// entries are rejected without retrying.
func WithRetry(s Store, r resilience.Retry) Store {
	return &retryingStore{Store: s, retry: r}
}

func (s *retryingStore) Append(ctx context.Context, e Entry) (*Entry, error) {
	var out *Entry
	err := s.retry.Do(ctx, func(ctx context.Context) error {
		var err error
		out, err = s.Store.Append(ctx, e)
		return err
	})
	return out, err
}

func (s *retryingStore) List(ctx context.Context, f Filter) ([]*Entry, error) {
	var out []*Entry
	err := s.retry.Do(ctx, func(ctx context.Context) error {
		var err error
		out, err = s.Store.List(ctx, f)
		return err
	})
	return out, err
}

func (s *retryingStore) Prune(ctx context.Context, before time.Time) (int, error) {
	var n int
	err := s.retry.Do(ctx, func(ctx context.Context) error {
		var err error
		n, err = s.Store.Prune(ctx, before)
		return err
	})
	return n, err
}
