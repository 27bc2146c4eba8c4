package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"citizen-report-coordinator/pkg/report"
)

// MemoryReports is an in-process Report Store.
type MemoryReports struct {
	mu       sync.RWMutex
	reports  map[string]*report.Report
	byRef    map[string]string
	counters map[int]int64
}

func NewMemoryReports() *MemoryReports {
	return &MemoryReports{
		reports:  make(map[string]*report.Report),
		byRef:    make(map[string]string),
		counters: make(map[int]int64),
	}
}

func (s *MemoryReports) Create(_ context.Context, r *report.Report) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.reports[r.ID]; ok {
		return fmt.Errorf("report %s already exists", r.ID)
	}
	if _, ok := s.byRef[r.ReferenceNumber]; ok {
		return fmt.Errorf("reference %s already in use", r.ReferenceNumber)
	}
	s.reports[r.ID] = r.Clone()
	s.byRef[r.ReferenceNumber] = r.ID
	return nil
}

func (s *MemoryReports) Get(_ context.Context, id string) (*report.Report, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.reports[id]
	if !ok {
		return nil, report.ErrNotFound
	}
	return r.Clone(), nil
}

func (s *MemoryReports) GetByReference(ctx context.Context, ref string) (*report.Report, error) {
	s.mu.RLock()
	id, ok := s.byRef[ref]
	s.mu.RUnlock()
	if !ok {
		return nil, report.ErrNotFound
	}
	return s.Get(ctx, id)
}

func (s *MemoryReports) List(_ context.Context, f Filter) ([]report.Report, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]report.Report, 0)
	for _, r := range s.reports {
		if f.ReporterID != "" && r.ReporterID != f.ReporterID {
			continue
		}
		if f.Status != "" && r.Status != f.Status {
			continue
		}
		if f.Category != "" && r.Category != f.Category {
			continue
		}
		if f.PublicOnly && r.Type == report.TypePrivate {
			continue
		}
		if !f.Since.IsZero() && r.CreatedAt.Before(f.Since) {
			continue
		}
		out = append(out, *r.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if f.Limit > 0 && int64(len(out)) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *MemoryReports) History(_ context.Context, id string) ([]report.StatusChange, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.reports[id]
	if !ok {
		return nil, report.ErrNotFound
	}
	return append([]report.StatusChange(nil), r.History...), nil
}

func (s *MemoryReports) ApplyTransition(_ context.Context, m Mutation) (*report.Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reports[m.ReportID]
	if !ok {
		return nil, report.ErrNotFound
	}
	if r.Status != m.From {
		return nil, fmt.Errorf("report %s is %s, expected %s: %w", m.ReportID, r.Status, m.From, report.ErrConflict)
	}
	applyMutation(r, m)
	return r.Clone(), nil
}

func (s *MemoryReports) NextReference(_ context.Context, at time.Time) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	year := at.UTC().Year()
	s.counters[year]++
	return report.FormatReference(year, s.counters[year]), nil
}

// MemoryWatches is an in-process watch store.
type MemoryWatches struct {
	mu      sync.Mutex
	watches map[string]report.EscalationWatch
}

func NewMemoryWatches() *MemoryWatches {
	return &MemoryWatches{watches: make(map[string]report.EscalationWatch)}
}

func (s *MemoryWatches) Register(_ context.Context, w report.EscalationWatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.watches[w.ReportID]; ok && cur.Level > w.Level {
		return nil
	}
	w.Active = true
	s.watches[w.ReportID] = w
	return nil
}

func (s *MemoryWatches) Cancel(_ context.Context, reportID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if w, ok := s.watches[reportID]; ok {
		w.Active = false
		s.watches[reportID] = w
	}
	return nil
}

func (s *MemoryWatches) Claim(_ context.Context, reportID string, level int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.watches[reportID]
	if !ok || !w.Active || w.Level != level {
		return false, nil
	}
	w.Active = false
	s.watches[reportID] = w
	return true, nil
}

func (s *MemoryWatches) Due(_ context.Context, now time.Time, limit int) ([]report.EscalationWatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []report.EscalationWatch
	for _, w := range s.watches {
		if w.Expired(now) {
			out = append(out, w)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Deadline.Before(out[j].Deadline) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryWatches) Active(_ context.Context, reportID string) (*report.EscalationWatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.watches[reportID]
	if !ok || !w.Active {
		return nil, nil
	}
	return &w, nil
}
