package integrity

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"audittrail/internal/audit"
)

type IntegritySuite struct {
	suite.Suite
	svc *Service
	ctx context.Context
}

func TestIntegritySuite(t *testing.T) {
	suite.Run(t, new(IntegritySuite))
}

func (s *IntegritySuite) SetupTest() {
	svc, err := New([]byte("test-secret"))
	s.Require().NoError(err)
	s.svc = svc
	s.ctx = context.Background()
}

func (s *IntegritySuite) newRecord() *audit.Record {
	occurred := time.Date(2026, 3, 14, 9, 26, 53, 589793000, time.UTC)
	return &audit.Record{
		ID:         "0d7e9a1c-8f3b-5e60-9c4d-2ba1f0e6d5c4",
		EventType:  audit.EventEntityUpdated,
		EntityName: "orders",
		EntityID:   "order-42",
		ActorID:    "user-7",
		Severity:   audit.SeverityLow,
		OccurredAt: occurred,
		RecordedAt: occurred.Add(120 * time.Millisecond),
		PreviousValues: audit.Map(map[string]audit.Value{
			"status": audit.String("pending"),
		}),
		NewValues: audit.Map(map[string]audit.Value{
			"status": audit.String("shipped"),
		}),
		Metadata: audit.Map(map[string]audit.Value{
			"client_ip": audit.String("10.1.2.3"),
		}),
		ClientIP: "10.1.2.3",
		Sequence: 17,
	}
}

func (s *IntegritySuite) TestConstructorRequiresSecret() {
	_, err := New(nil)
	s.Require().ErrorIs(err, ErrMissingSecret)

	_, err = New([]byte{})
	s.Require().ErrorIs(err, ErrMissingSecret)
}

func (s *IntegritySuite) TestHashIsDeterministic() {
	record := s.newRecord()

	first, err := s.svc.ComputeHash(record)
	s.Require().NoError(err)
	s.NotEmpty(first)

	for i := 0; i < 10; i++ {
		again, err := s.svc.ComputeHash(record)
		s.Require().NoError(err)
		s.Equal(first, again)
	}
}

func (s *IntegritySuite) TestHashIgnoresStoredHash() {
	record := s.newRecord()
	clean, err := s.svc.ComputeHash(record)
	s.Require().NoError(err)

	record.IntegrityHash = "whatever-was-stored"
	again, err := s.svc.ComputeHash(record)
	s.Require().NoError(err)
	s.Equal(clean, again)
}

func (s *IntegritySuite) TestDifferentSecretsDisagree() {
	other, err := New([]byte("another-secret"))
	s.Require().NoError(err)

	record := s.newRecord()
	h1, err := s.svc.ComputeHash(record)
	s.Require().NoError(err)
	h2, err := other.ComputeHash(record)
	s.Require().NoError(err)
	s.NotEqual(h1, h2)
}

func (s *IntegritySuite) TestVerify() {
	s.Run("intact record verifies", func() {
		record := s.newRecord()
		hash, err := s.svc.ComputeHash(record)
		s.Require().NoError(err)
		record.IntegrityHash = hash

		ok, err := s.svc.Verify(record)
		s.Require().NoError(err)
		s.True(ok)
	})

	s.Run("missing hash verifies false", func() {
		record := s.newRecord()
		ok, err := s.svc.Verify(record)
		s.Require().NoError(err)
		s.False(ok)
	})
}

// Every mutable field must invalidate the hash when edited out-of-band.
func (s *IntegritySuite) TestTamperDetection() {
	mutations := map[string]func(*audit.Record){
		"event type":      func(r *audit.Record) { r.EventType = audit.EventEntityDeleted },
		"entity name":     func(r *audit.Record) { r.EntityName = "invoices" },
		"entity id":       func(r *audit.Record) { r.EntityID = "order-43" },
		"actor id":        func(r *audit.Record) { r.ActorID = "user-8" },
		"severity":        func(r *audit.Record) { r.Severity = audit.SeverityCritical },
		"occurred at":     func(r *audit.Record) { r.OccurredAt = r.OccurredAt.Add(time.Second) },
		"recorded at":     func(r *audit.Record) { r.RecordedAt = r.RecordedAt.Add(time.Second) },
		"sequence":        func(r *audit.Record) { r.Sequence++ },
		"client ip":       func(r *audit.Record) { r.ClientIP = "10.9.9.9" },
		"legal hold flag": func(r *audit.Record) { r.LegalHold = true },
		"new values": func(r *audit.Record) {
			r.NewValues = audit.Map(map[string]audit.Value{"status": audit.String("refunded")})
		},
		"previous values": func(r *audit.Record) {
			r.PreviousValues = audit.Map(map[string]audit.Value{"status": audit.String("draft")})
		},
		"metadata": func(r *audit.Record) {
			r.Metadata = audit.Map(map[string]audit.Value{"client_ip": audit.String("1.2.3.4")})
		},
	}

	for name, mutate := range mutations {
		s.Run(name, func() {
			record := s.newRecord()
			hash, err := s.svc.ComputeHash(record)
			s.Require().NoError(err)
			record.IntegrityHash = hash

			mutate(record)

			ok, err := s.svc.Verify(record)
			s.Require().NoError(err)
			s.False(ok, "mutation of %s must invalidate the hash", name)
		})
	}
}

func (s *IntegritySuite) TestCompressedPayloadCovered() {
	record := s.newRecord()
	record.PreviousValues = audit.Value{}
	record.NewValues = audit.Value{}
	record.Metadata = audit.Value{}
	record.IsCompressed = true
	record.CompressedPayload = []byte{0x1f, 0x8b, 0x08, 0x00, 0x01}

	hash, err := s.svc.ComputeHash(record)
	s.Require().NoError(err)
	record.IntegrityHash = hash

	record.CompressedPayload[3] ^= 0xff

	ok, err := s.svc.Verify(record)
	s.Require().NoError(err)
	s.False(ok, "editing the compressed blob must invalidate the hash")
}

// sliceScanner adapts a fixed record slice to the Scanner interface.
type sliceScanner []*audit.Record

func (s sliceScanner) ScanRange(ctx context.Context, from, to time.Time, fn func(*audit.Record) error) error {
	for _, r := range s {
		if !from.IsZero() && r.OccurredAt.Before(from) {
			continue
		}
		if !to.IsZero() && !r.OccurredAt.Before(to) {
			continue
		}
		if err := fn(r); err != nil {
			return err
		}
	}
	return nil
}

// Batch verification over a mixed population: one record edited after its
// hash was stored must be the only one reported.
func (s *IntegritySuite) TestVerifyAll() {
	var records []*audit.Record
	for i := 0; i < 10; i++ {
		record := s.newRecord()
		record.ID = record.ID[:35] + string(rune('0'+i))
		record.Sequence = int64(i + 1)
		hash, err := s.svc.ComputeHash(record)
		s.Require().NoError(err)
		record.IntegrityHash = hash
		records = append(records, record)
	}

	// Out-of-band edit on one record, hash left untouched.
	records[6].ActorID = "intruder"
	tamperedID := records[6].ID

	report, err := s.svc.VerifyAll(s.ctx, sliceScanner(records), time.Time{}, time.Time{})
	s.Require().NoError(err)

	s.Equal(10, report.Scanned)
	s.Equal(9, report.Intact)
	s.Equal(1, report.Tampered)
	s.Equal([]string{tamperedID}, report.TamperedIDs)
}
