//go:build integration

package postgres_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"audittrail/internal/audit"
	"audittrail/internal/storage"
	"audittrail/internal/storage/postgres"
	"audittrail/pkg/testutil/containers"
)

type PostgresStoreSuite struct {
	suite.Suite
	pg    *containers.PostgresContainer
	store *postgres.Store
	ctx   context.Context
	base  time.Time
}

func TestPostgresStoreSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(PostgresStoreSuite))
}

func (s *PostgresStoreSuite) SetupSuite() {
	s.ctx = context.Background()
	s.pg = containers.NewPostgresContainer(s.T())
	s.T().Cleanup(func() {
		_ = s.pg.DB.Close()
		_ = s.pg.Container.Terminate(context.Background())
	})

	s.store = postgres.New(s.pg.DB)
	s.Require().NoError(s.store.Migrate(s.ctx))
	s.base = time.Date(2026, 6, 10, 8, 0, 0, 0, time.UTC)
}

func (s *PostgresStoreSuite) SetupTest() {
	s.Require().NoError(s.pg.TruncateAll(s.ctx))

	// Partitions covering the fixed fixture month plus the real-time window
	// the stats aggregation reads.
	now := time.Now().UTC()
	for _, t := range []time.Time{s.base, now.AddDate(0, -1, 0), now, now.AddDate(0, 1, 0)} {
		s.Require().NoError(s.store.EnsurePartition(s.ctx, t))
	}
}

func (s *PostgresStoreSuite) newRecord(occurred time.Time) *audit.Record {
	occurred = occurred.Truncate(time.Microsecond).UTC()
	return &audit.Record{
		ID:         uuid.NewString(),
		EventType:  audit.EventEntityUpdated,
		EntityName: "orders",
		EntityID:   "order-1",
		ActorID:    "user-7",
		Severity:   audit.SeverityLow,
		OccurredAt: occurred,
		RecordedAt: occurred.Add(time.Second),
		ClientIP:   "10.1.2.3",
		Sequence:   1,
		NewValues: audit.Map(map[string]audit.Value{
			"status": audit.String("shipped"),
		}),
		Metadata: audit.Map(map[string]audit.Value{
			"request_id": audit.String("req-42"),
		}),
		IntegrityHash: "deadbeef",
	}
}

func (s *PostgresStoreSuite) insert(r *audit.Record) *audit.Record {
	inserted, err := s.store.Insert(s.ctx, r)
	s.Require().NoError(err)
	s.Require().True(inserted)
	return r
}

func (s *PostgresStoreSuite) TestInsertAndGetRoundTrip() {
	want := s.insert(s.newRecord(s.base))

	got, err := s.store.Get(s.ctx, want.ID)
	s.Require().NoError(err)

	s.Equal(want.ID, got.ID)
	s.Equal(want.EventType, got.EventType)
	s.Equal(want.EntityName, got.EntityName)
	s.Equal(want.EntityID, got.EntityID)
	s.Equal(want.ActorID, got.ActorID)
	s.Equal(want.Severity, got.Severity)
	s.Equal(want.ClientIP, got.ClientIP)
	s.Equal(want.Sequence, got.Sequence)
	s.Equal(want.IntegrityHash, got.IntegrityHash)
	s.True(want.OccurredAt.Equal(got.OccurredAt), "occurred_at must survive timestamptz round trip")
	s.True(want.RecordedAt.Equal(got.RecordedAt))
	s.True(want.NewValues.Equal(got.NewValues))
	s.True(want.Metadata.Equal(got.Metadata))
	s.True(got.PreviousValues.IsZero())

	s.Run("unknown id", func() {
		_, err := s.store.Get(s.ctx, uuid.NewString())
		s.Require().ErrorIs(err, storage.ErrNotFound)
	})
}

// Redelivered jobs map to the same record id; the second insert must be a
// silent no-op, not an error and not a second row.
func (s *PostgresStoreSuite) TestInsertIsIdempotent() {
	record := s.insert(s.newRecord(s.base))

	again := *record
	again.ActorID = "someone-else"
	inserted, err := s.store.Insert(s.ctx, &again)
	s.Require().NoError(err)
	s.False(inserted)

	got, err := s.store.Get(s.ctx, record.ID)
	s.Require().NoError(err)
	s.Equal("user-7", got.ActorID, "first write wins")

	_, total, err := s.store.Query(s.ctx, storage.Filters{}, storage.Page{Limit: 10}, storage.Sort{})
	s.Require().NoError(err)
	s.Equal(int64(1), total)
}

func (s *PostgresStoreSuite) TestNextSequencePerEntity() {
	for want := int64(1); want <= 3; want++ {
		n, err := s.store.NextSequence(s.ctx, "orders", "order-1")
		s.Require().NoError(err)
		s.Equal(want, n)
	}

	n, err := s.store.NextSequence(s.ctx, "orders", "order-2")
	s.Require().NoError(err)
	s.Equal(int64(1), n, "each entity counts independently")

	n, err = s.store.NextSequence(s.ctx, "invoices", "order-1")
	s.Require().NoError(err)
	s.Equal(int64(1), n, "entity name is part of the key")
}

func (s *PostgresStoreSuite) TestCompressedPayloadRoundTrip() {
	record := s.newRecord(s.base)
	record.NewValues = audit.Value{}
	record.Metadata = audit.Value{}
	record.IsCompressed = true
	record.CompressedPayload = []byte{0x1f, 0x8b, 0x08, 0x00, 0xff, 0xfe}
	s.insert(record)

	got, err := s.store.Get(s.ctx, record.ID)
	s.Require().NoError(err)
	s.True(got.IsCompressed)
	s.Equal(record.CompressedPayload, got.CompressedPayload)
	s.True(got.NewValues.IsZero())
}

func (s *PostgresStoreSuite) TestQueryFilters() {
	mk := func(eventType audit.EventType, severity audit.Severity, actor string, offset time.Duration) *audit.Record {
		r := s.newRecord(s.base.Add(offset))
		r.EventType = eventType
		r.Severity = severity
		r.ActorID = actor
		return s.insert(r)
	}

	mk(audit.EventEntityUpdated, audit.SeverityLow, "user-7", 0)
	mk(audit.EventEntityUpdated, audit.SeverityLow, "user-7", time.Hour)
	mk(audit.EventLoginFailure, audit.SeverityMedium, "user-9", 2*time.Hour)
	mk(audit.EventSensitiveDataAccess, audit.SeverityHigh, "user-9", 3*time.Hour)

	s.Run("by severity", func() {
		_, total, err := s.store.Query(s.ctx, storage.Filters{
			Severities: []audit.Severity{audit.SeverityMedium, audit.SeverityHigh},
		}, storage.Page{Limit: 10}, storage.Sort{})
		s.Require().NoError(err)
		s.Equal(int64(2), total)
	})

	s.Run("by event type", func() {
		records, total, err := s.store.Query(s.ctx, storage.Filters{
			EventTypes: []audit.EventType{audit.EventLoginFailure},
		}, storage.Page{Limit: 10}, storage.Sort{})
		s.Require().NoError(err)
		s.Equal(int64(1), total)
		s.Require().Len(records, 1)
		s.Equal("user-9", records[0].ActorID)
	})

	s.Run("by actor", func() {
		_, total, err := s.store.Query(s.ctx, storage.Filters{ActorID: "user-7"}, storage.Page{Limit: 10}, storage.Sort{})
		s.Require().NoError(err)
		s.Equal(int64(2), total)
	})

	s.Run("by time range, upper bound exclusive", func() {
		_, total, err := s.store.Query(s.ctx, storage.Filters{
			From: s.base,
			To:   s.base.Add(2 * time.Hour),
		}, storage.Page{Limit: 10}, storage.Sort{})
		s.Require().NoError(err)
		s.Equal(int64(2), total)
	})

	s.Run("free text search covers metadata", func() {
		_, total, err := s.store.Query(s.ctx, storage.Filters{Search: "req-42"}, storage.Page{Limit: 10}, storage.Sort{})
		s.Require().NoError(err)
		s.Equal(int64(4), total)
	})

	s.Run("search is case-insensitive", func() {
		_, total, err := s.store.Query(s.ctx, storage.Filters{Search: "USER-9"}, storage.Page{Limit: 10}, storage.Sort{})
		s.Require().NoError(err)
		s.Equal(int64(2), total)
	})

	s.Run("pagination windows records but keeps total", func() {
		records, total, err := s.store.Query(s.ctx, storage.Filters{}, storage.Page{Limit: 3, Offset: 3},
			storage.Sort{Field: "occurred_at", Asc: true})
		s.Require().NoError(err)
		s.Equal(int64(4), total)
		s.Require().Len(records, 1)
		s.Equal(audit.EventSensitiveDataAccess, records[0].EventType)
	})

	s.Run("default sort is newest first", func() {
		records, _, err := s.store.Query(s.ctx, storage.Filters{}, storage.Page{Limit: 10}, storage.Sort{})
		s.Require().NoError(err)
		s.Require().Len(records, 4)
		s.Equal(audit.EventSensitiveDataAccess, records[0].EventType)
	})
}

// ScanRange pages by keyset under the hood; crossing the batch boundary must
// neither skip nor duplicate records.
func (s *PostgresStoreSuite) TestScanRangeCrossesBatches() {
	const n = 520 // batch size is 500
	for i := 0; i < n; i++ {
		r := s.newRecord(s.base.Add(time.Duration(i) * time.Second))
		r.Sequence = int64(i)
		s.insert(r)
	}

	var (
		seen map[string]bool = make(map[string]bool, n)
		prev time.Time
	)
	err := s.store.ScanRange(s.ctx, s.base, s.base.Add(time.Hour), func(r *audit.Record) error {
		s.False(seen[r.ID], "record %s delivered twice", r.ID)
		seen[r.ID] = true
		s.False(r.OccurredAt.Before(prev), "scan must be ordered by occurred_at")
		prev = r.OccurredAt
		return nil
	})
	s.Require().NoError(err)
	s.Len(seen, n)

	s.Run("range bounds respected", func() {
		count := 0
		err := s.store.ScanRange(s.ctx, s.base.Add(10*time.Second), s.base.Add(20*time.Second), func(*audit.Record) error {
			count++
			return nil
		})
		s.Require().NoError(err)
		s.Equal(10, count)
	})

	s.Run("callback error stops the scan", func() {
		stop := fmt.Errorf("enough")
		count := 0
		err := s.store.ScanRange(s.ctx, s.base, s.base.Add(time.Hour), func(*audit.Record) error {
			count++
			if count == 5 {
				return stop
			}
			return nil
		})
		s.Require().ErrorIs(err, stop)
		s.Equal(5, count)
	})
}

func (s *PostgresStoreSuite) TestStats() {
	now := time.Now().UTC().Truncate(time.Microsecond)

	mk := func(eventType audit.EventType, severity audit.Severity, actor string, occurred time.Time) {
		r := s.newRecord(occurred)
		r.EventType = eventType
		r.Severity = severity
		r.ActorID = actor
		s.insert(r)
	}

	mk(audit.EventEntityUpdated, audit.SeverityLow, "user-7", now.Add(-time.Hour))
	mk(audit.EventEntityUpdated, audit.SeverityLow, "user-7", now.Add(-2*time.Hour))
	mk(audit.EventLoginFailure, audit.SeverityMedium, "user-9", now.Add(-time.Hour))
	mk(audit.EventLoginFailure, audit.SeverityMedium, "user-9", now.Add(-30*time.Hour))

	stats, err := s.store.Stats(s.ctx, time.Time{}, time.Time{})
	s.Require().NoError(err)

	s.Equal(int64(4), stats.Total)
	s.Equal(int64(2), stats.ByEventType[audit.EventEntityUpdated])
	s.Equal(int64(2), stats.ByEventType[audit.EventLoginFailure])
	s.Equal(int64(2), stats.BySeverity[audit.SeverityLow])
	s.Equal(int64(2), stats.BySeverity[audit.SeverityMedium])
	s.Equal(int64(1), stats.SecurityLast24h, "the 30h-old login failure is outside the window")

	s.Require().Len(stats.TopActors, 2)
	s.Equal(int64(2), stats.TopActors[0].Count)
}

func (s *PostgresStoreSuite) TestPartitionLifecycle() {
	target := time.Date(2023, 3, 15, 0, 0, 0, 0, time.UTC)
	s.Require().NoError(s.store.EnsurePartition(s.ctx, target))

	s.Run("ensure is idempotent", func() {
		s.Require().NoError(s.store.EnsurePartition(s.ctx, target))
	})

	names := func() map[string]storage.Partition {
		parts, err := s.store.Partitions(s.ctx)
		s.Require().NoError(err)
		byName := make(map[string]storage.Partition, len(parts))
		for _, p := range parts {
			byName[p.Name] = p
		}
		return byName
	}

	part, ok := names()["audit_events_2023_03"]
	s.Require().True(ok)
	s.Equal(time.Date(2023, 3, 1, 0, 0, 0, 0, time.UTC), part.From)
	s.Equal(time.Date(2023, 4, 1, 0, 0, 0, 0, time.UTC), part.To)

	s.Run("drop removes it", func() {
		s.Require().NoError(s.store.DropPartition(s.ctx, "audit_events_2023_03"))
		_, ok := names()["audit_events_2023_03"]
		s.False(ok)
	})

	s.Run("refuses to drop arbitrary tables", func() {
		s.Require().Error(s.store.DropPartition(s.ctx, "audit_entity_sequences"))
	})
}

func (s *PostgresStoreSuite) TestDeleteExpired() {
	old := s.base
	recent := s.base.Add(72 * time.Hour)

	expired := s.insert(s.newRecord(old))

	held := s.newRecord(old)
	held.LegalHold = true
	s.insert(held)

	critical := s.newRecord(old)
	critical.Severity = audit.SeverityCritical
	s.insert(critical)

	fresh := s.insert(s.newRecord(recent))

	n, err := s.store.DeleteExpired(s.ctx, s.base.Add(time.Hour),
		[]audit.Severity{audit.SeverityLow, audit.SeverityMedium})
	s.Require().NoError(err)
	s.Equal(int64(1), n)

	_, err = s.store.Get(s.ctx, expired.ID)
	s.Require().ErrorIs(err, storage.ErrNotFound)

	for _, keep := range []*audit.Record{held, critical, fresh} {
		_, err := s.store.Get(s.ctx, keep.ID)
		s.Require().NoError(err, "record %s must survive the purge", keep.ID)
	}
}
