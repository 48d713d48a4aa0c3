package query

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"strings"
	"time"

	"audittrail/internal/audit"
	"audittrail/internal/storage"
)

func (s *QuerySuite) TestParseFormat() {
	f, err := ParseFormat("")
	s.Require().NoError(err)
	s.Equal(FormatJSONL, f)

	f, err = ParseFormat("csv")
	s.Require().NoError(err)
	s.Equal(FormatCSV, f)

	_, err = ParseFormat("xlsx")
	s.Require().Error(err)
}

func (s *QuerySuite) TestExportJSONL() {
	base := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 7; i++ {
		s.persist(s.newEvent(audit.EventEntityUpdated, audit.SeverityLow, base.Add(time.Duration(i)*time.Minute)))
	}

	var buf bytes.Buffer
	written, err := s.svc.Export(s.ctx, storage.Filters{}, FormatJSONL, &buf)
	s.Require().NoError(err)
	s.Equal(int64(7), written)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	s.Require().Len(lines, 7)

	var prev time.Time
	for _, line := range lines {
		var record RecordView
		s.Require().NoError(json.Unmarshal([]byte(line), &record))
		s.True(record.IntegrityIntact)
		s.False(record.OccurredAt.Before(prev), "export must stream oldest first")
		prev = record.OccurredAt
	}
}

func (s *QuerySuite) TestExportCSV() {
	s.persist(s.newEvent(audit.EventLoginFailure, audit.SeverityMedium, time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)))

	var buf bytes.Buffer
	written, err := s.svc.Export(s.ctx, storage.Filters{}, FormatCSV, &buf)
	s.Require().NoError(err)
	s.Equal(int64(1), written)

	rows, err := csv.NewReader(&buf).ReadAll()
	s.Require().NoError(err)
	s.Require().Len(rows, 2, "header plus one record")
	s.Equal(csvHeader, rows[0])

	row := rows[1]
	s.Equal(string(audit.EventLoginFailure), row[2])
	s.Equal("orders", row[3])
	s.Equal(string(audit.SeverityMedium), row[6])
	s.Equal("true", row[9])
	s.Contains(row[11], `"status":"shipped"`)
}

func (s *QuerySuite) TestExportHonorsFilters() {
	base := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	s.persist(s.newEvent(audit.EventEntityUpdated, audit.SeverityLow, base))
	s.persist(s.newEvent(audit.EventLoginFailure, audit.SeverityCritical, base))

	var buf bytes.Buffer
	written, err := s.svc.Export(s.ctx, storage.Filters{
		Severities: []audit.Severity{audit.SeverityCritical},
	}, FormatJSONL, &buf)
	s.Require().NoError(err)
	s.Equal(int64(1), written)
}

func (s *QuerySuite) TestExportEmptyResult() {
	var buf bytes.Buffer
	written, err := s.svc.Export(s.ctx, storage.Filters{EntityName: "nonexistent"}, FormatJSONL, &buf)
	s.Require().NoError(err)
	s.Zero(written)
	s.Empty(strings.TrimSpace(buf.String()))
}
