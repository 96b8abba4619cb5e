// Streamlens - Live Streaming Analytics Collection Engine
// Copyright 2026 injooinjoo
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/injooinjoo/streamlens

package collector

import (
	"context"
	"strings"
	"sync"

	"github.com/injooinjoo/streamlens/internal/warehouse"
)

// recordedStmt is one statement captured by the stub warehouse.
type recordedStmt struct {
	Query string
	Binds []any
}

// stubWarehouse records every statement instead of executing it. Get answers
// from canned rows keyed by a substring of the query; Run/Merge may be made
// to fail to exercise the outage paths.
type stubWarehouse struct {
	mu      sync.Mutex
	runs    []recordedStmt
	merges  []warehouse.MergeStatement
	batches []recordedStmt
	gets    int

	getRow      warehouse.Row
	failAll     bool
	failTargets map[string]bool // merge targets that fail individually
	failErr     error
}

var _ Warehouse = (*stubWarehouse)(nil)

func newStubWarehouse() *stubWarehouse {
	return &stubWarehouse{getRow: warehouse.Row{"broadcast_id": int64(7)}}
}

func (s *stubWarehouse) err() error {
	if s.failAll {
		if s.failErr != nil {
			return s.failErr
		}
		return warehouse.ErrUnavailable
	}
	return nil
}

func (s *stubWarehouse) Run(_ context.Context, query string, binds ...any) (warehouse.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.err(); err != nil {
		return warehouse.Result{}, err
	}
	s.runs = append(s.runs, recordedStmt{Query: query, Binds: binds})
	return warehouse.Result{Changes: 1}, nil
}

func (s *stubWarehouse) Merge(_ context.Context, stmt warehouse.MergeStatement) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.err(); err != nil {
		return err
	}
	if s.failTargets[stmt.Target] {
		return warehouse.ErrUnavailable
	}
	s.merges = append(s.merges, stmt)
	return nil
}

func (s *stubWarehouse) Get(_ context.Context, query string, binds ...any) (warehouse.Row, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.err(); err != nil {
		return nil, err
	}
	s.gets++
	return s.getRow, nil
}

func (s *stubWarehouse) BatchInsert(_ context.Context, table string, cols []string, values [][]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.err(); err != nil {
		return err
	}
	s.batches = append(s.batches, recordedStmt{Query: table, Binds: []any{cols, values}})
	return nil
}

func (s *stubWarehouse) InTransaction(ctx context.Context, fn func(ex warehouse.Execer) error) error {
	s.mu.Lock()
	err := s.err()
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return fn(s)
}

func (s *stubWarehouse) mergesFor(target string) []warehouse.MergeStatement {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []warehouse.MergeStatement
	for _, m := range s.merges {
		if m.Target == target {
			out = append(out, m)
		}
	}
	return out
}

func (s *stubWarehouse) runsContaining(substr string) []recordedStmt {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []recordedStmt
	for _, r := range s.runs {
		if strings.Contains(r.Query, substr) {
			out = append(out, r)
		}
	}
	return out
}

func (s *stubWarehouse) setFailing(fail bool) {
	s.mu.Lock()
	s.failAll = fail
	s.mu.Unlock()
}

func (s *stubWarehouse) setFailingTarget(target string, fail bool) {
	s.mu.Lock()
	if s.failTargets == nil {
		s.failTargets = make(map[string]bool)
	}
	s.failTargets[target] = fail
	s.mu.Unlock()
}
