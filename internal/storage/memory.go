package storage

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"audittrail/internal/audit"
)

// MemoryStore is a mutex-guarded Store used by unit tests and local runs.
// Partitions are tracked explicitly so retention logic can be exercised
// against it with a mocked clock.
type MemoryStore struct {
	mu         sync.RWMutex
	records    []*audit.Record
	byID       map[string]*audit.Record
	seqs       map[string]int64
	partitions map[string]Partition
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:       make(map[string]*audit.Record),
		seqs:       make(map[string]int64),
		partitions: make(map[string]Partition),
	}
}

func seqKey(entityName, entityID string) string { return entityName + "\x00" + entityID }

func (s *MemoryStore) NextSequence(_ context.Context, entityName, entityID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := seqKey(entityName, entityID)
	s.seqs[k]++
	return s.seqs[k], nil
}

func (s *MemoryStore) Insert(_ context.Context, record *audit.Record) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byID[record.ID]; exists {
		return false, nil
	}
	clone := *record
	s.records = append(s.records, &clone)
	s.byID[clone.ID] = &clone
	return true, nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*audit.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *r
	return &clone, nil
}

func matches(r *audit.Record, f Filters) bool {
	if !f.From.IsZero() && r.OccurredAt.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && !r.OccurredAt.Before(f.To) {
		return false
	}
	if len(f.EventTypes) > 0 {
		found := false
		for _, t := range f.EventTypes {
			if r.EventType == t {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.EntityName != "" && r.EntityName != f.EntityName {
		return false
	}
	if f.EntityID != "" && r.EntityID != f.EntityID {
		return false
	}
	if f.ActorID != "" && r.ActorID != f.ActorID {
		return false
	}
	if len(f.Severities) > 0 {
		found := false
		for _, sev := range f.Severities {
			if r.Severity == sev {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.ClientIP != "" && r.ClientIP != f.ClientIP {
		return false
	}
	if f.Search != "" {
		needle := strings.ToLower(f.Search)
		meta, _ := r.Metadata.MarshalJSON()
		haystack := strings.ToLower(r.EntityName + " " + r.EntityID + " " + r.ActorID + " " + string(meta))
		if !strings.Contains(haystack, needle) {
			return false
		}
	}
	return true
}

func sortRecords(records []*audit.Record, s Sort) {
	less := func(a, b *audit.Record) bool { return a.OccurredAt.Before(b.OccurredAt) }
	switch s.Field {
	case "severity":
		less = func(a, b *audit.Record) bool { return a.Severity < b.Severity }
	case "event_type":
		less = func(a, b *audit.Record) bool { return a.EventType < b.EventType }
	}
	sort.SliceStable(records, func(i, j int) bool {
		if s.Asc {
			return less(records[i], records[j])
		}
		return less(records[j], records[i])
	})
}

func (s *MemoryStore) Query(_ context.Context, f Filters, p Page, srt Sort) ([]*audit.Record, int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []*audit.Record
	for _, r := range s.records {
		if matches(r, f) {
			clone := *r
			matched = append(matched, &clone)
		}
	}
	total := int64(len(matched))
	sortRecords(matched, srt)

	if p.Offset >= len(matched) {
		return nil, total, nil
	}
	matched = matched[p.Offset:]
	if p.Limit > 0 && p.Limit < len(matched) {
		matched = matched[:p.Limit]
	}
	return matched, total, nil
}

func (s *MemoryStore) ScanRange(ctx context.Context, from, to time.Time, fn func(*audit.Record) error) error {
	// Snapshot under the lock, then stream copies without holding it so the
	// write path is never blocked by a slow callback.
	s.mu.RLock()
	snapshot := make([]*audit.Record, 0, len(s.records))
	for _, r := range s.records {
		if !from.IsZero() && r.OccurredAt.Before(from) {
			continue
		}
		if !to.IsZero() && !r.OccurredAt.Before(to) {
			continue
		}
		snapshot = append(snapshot, r)
	}
	s.mu.RUnlock()

	sort.SliceStable(snapshot, func(i, j int) bool {
		if snapshot[i].OccurredAt.Equal(snapshot[j].OccurredAt) {
			return snapshot[i].ID < snapshot[j].ID
		}
		return snapshot[i].OccurredAt.Before(snapshot[j].OccurredAt)
	})

	for _, r := range snapshot {
		if err := ctx.Err(); err != nil {
			return err
		}
		clone := *r
		if err := fn(&clone); err != nil {
			return err
		}
	}
	return nil
}

func (s *MemoryStore) Stats(_ context.Context, from, to time.Time) (Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := Stats{
		ByEventType: make(map[audit.EventType]int64),
		BySeverity:  make(map[audit.Severity]int64),
	}
	actorCounts := make(map[string]int64)
	dayAgo := time.Now().Add(-24 * time.Hour)

	for _, r := range s.records {
		if !from.IsZero() && r.OccurredAt.Before(from) {
			continue
		}
		if !to.IsZero() && !r.OccurredAt.Before(to) {
			continue
		}
		stats.Total++
		stats.ByEventType[r.EventType]++
		stats.BySeverity[r.Severity]++
		if r.ActorID != "" {
			actorCounts[r.ActorID]++
		}
		if r.EventType.Category() == audit.CategorySecurity && r.OccurredAt.After(dayAgo) {
			stats.SecurityLast24h++
		}
	}

	for actor, n := range actorCounts {
		stats.TopActors = append(stats.TopActors, ActorCount{ActorID: actor, Count: n})
	}
	sort.Slice(stats.TopActors, func(i, j int) bool {
		if stats.TopActors[i].Count == stats.TopActors[j].Count {
			return stats.TopActors[i].ActorID < stats.TopActors[j].ActorID
		}
		return stats.TopActors[i].Count > stats.TopActors[j].Count
	})
	if len(stats.TopActors) > 10 {
		stats.TopActors = stats.TopActors[:10]
	}
	return stats, nil
}

func monthStart(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

func partitionName(t time.Time) string {
	return "audit_events_" + t.UTC().Format("2006_01")
}

func (s *MemoryStore) EnsurePartition(_ context.Context, t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	from := monthStart(t.UTC())
	name := partitionName(from)
	if _, ok := s.partitions[name]; !ok {
		s.partitions[name] = Partition{Name: name, From: from, To: from.AddDate(0, 1, 0)}
	}
	return nil
}

func (s *MemoryStore) Partitions(_ context.Context) ([]Partition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Partition, 0, len(s.partitions))
	for _, p := range s.partitions {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].From.Before(out[j].From) })
	return out, nil
}

func (s *MemoryStore) DropPartition(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.partitions[name]
	if !ok {
		return ErrNotFound
	}
	delete(s.partitions, name)

	kept := s.records[:0]
	for _, r := range s.records {
		inside := !r.OccurredAt.Before(p.From) && r.OccurredAt.Before(p.To)
		if inside && !r.LegalHold {
			delete(s.byID, r.ID)
			continue
		}
		kept = append(kept, r)
	}
	s.records = kept
	return nil
}

func (s *MemoryStore) DeleteExpired(_ context.Context, cutoff time.Time, severities []audit.Severity) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	match := make(map[audit.Severity]bool, len(severities))
	for _, sev := range severities {
		match[sev] = true
	}

	var deleted int64
	kept := s.records[:0]
	for _, r := range s.records {
		if r.OccurredAt.Before(cutoff) && match[r.Severity] && !r.LegalHold {
			delete(s.byID, r.ID)
			deleted++
			continue
		}
		kept = append(kept, r)
	}
	s.records = kept
	return deleted, nil
}

// Tamper mutates a stored record in place, bypassing the append-only API.
// It exists so integrity tests can simulate out-of-band storage edits.
func (s *MemoryStore) Tamper(id string, mutate func(*audit.Record)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.byID[id]
	if !ok {
		return false
	}
	mutate(r)
	return true
}
