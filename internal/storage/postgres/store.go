// Package postgres implements the storage contract on PostgreSQL with a
// monthly range-partitioned audit_events table, so retention can drop whole
// time windows instead of running unbounded deletes.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"audittrail/internal/audit"
	"audittrail/internal/storage"
)

// Store implements storage.Store on database/sql with the postgres driver.
type Store struct {
	db *sql.DB
}

var _ storage.Store = (*Store)(nil)

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Open connects and verifies the database.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return New(db), nil
}

// DB exposes the underlying handle for lifecycle management.
func (s *Store) DB() *sql.DB { return s.db }

// Close releases the connection pool.
func (s *Store) Close() error { return s.db.Close() }

// Migrate creates the partitioned parent table, its indexes, and the
// per-entity sequence counter table. Partitions themselves are created by
// EnsurePartition. Records are append-only; there is no UPDATE path.
func (s *Store) Migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS audit_events (
			id uuid NOT NULL,
			event_type text NOT NULL,
			entity_name text NOT NULL,
			entity_id text NOT NULL DEFAULT '',
			actor_id text NOT NULL DEFAULT '',
			severity text NOT NULL,
			occurred_at timestamptz NOT NULL,
			recorded_at timestamptz NOT NULL,
			client_ip text NOT NULL DEFAULT '',
			sequence bigint NOT NULL DEFAULT 0,
			previous_values jsonb,
			new_values jsonb,
			metadata jsonb,
			compressed_payload bytea,
			is_compressed boolean NOT NULL DEFAULT false,
			compression_failed boolean NOT NULL DEFAULT false,
			integrity_hash text NOT NULL,
			legal_hold boolean NOT NULL DEFAULT false,
			PRIMARY KEY (id, occurred_at)
		) PARTITION BY RANGE (occurred_at)`,
		// The four access patterns the query API must serve without scans.
		`CREATE INDEX IF NOT EXISTS audit_events_actor_idx ON audit_events (actor_id, occurred_at)`,
		`CREATE INDEX IF NOT EXISTS audit_events_type_idx ON audit_events (event_type, occurred_at)`,
		`CREATE INDEX IF NOT EXISTS audit_events_severity_idx ON audit_events (severity, occurred_at)`,
		`CREATE INDEX IF NOT EXISTS audit_events_entity_idx ON audit_events (entity_name, entity_id)`,
		`CREATE TABLE IF NOT EXISTS audit_entity_sequences (
			entity_name text NOT NULL,
			entity_id text NOT NULL,
			n bigint NOT NULL,
			PRIMARY KEY (entity_name, entity_id)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate audit schema: %w", err)
		}
	}
	return nil
}

func (s *Store) NextSequence(ctx context.Context, entityName, entityID string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO audit_entity_sequences (entity_name, entity_id, n)
		VALUES ($1, $2, 1)
		ON CONFLICT (entity_name, entity_id) DO UPDATE SET n = audit_entity_sequences.n + 1
		RETURNING n
	`, entityName, entityID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("advance entity sequence: %w", err)
	}
	return n, nil
}

func marshalValue(v audit.Value) (any, error) {
	if v.IsZero() {
		return nil, nil
	}
	buf, err := v.MarshalJSON()
	if err != nil {
		return nil, err
	}
	return buf, nil
}

// Insert appends a record. Idempotent via ON CONFLICT DO NOTHING: the
// record id is derived from the job id, so a redelivered job maps to the
// same row and the duplicate insert is a no-op.
func (s *Store) Insert(ctx context.Context, r *audit.Record) (bool, error) {
	prev, err := marshalValue(r.PreviousValues)
	if err != nil {
		return false, fmt.Errorf("marshal previous values: %w", err)
	}
	next, err := marshalValue(r.NewValues)
	if err != nil {
		return false, fmt.Errorf("marshal new values: %w", err)
	}
	meta, err := marshalValue(r.Metadata)
	if err != nil {
		return false, fmt.Errorf("marshal metadata: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_events (
			id, event_type, entity_name, entity_id, actor_id, severity,
			occurred_at, recorded_at, client_ip, sequence,
			previous_values, new_values, metadata,
			compressed_payload, is_compressed, compression_failed,
			integrity_hash, legal_hold
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		ON CONFLICT (id, occurred_at) DO NOTHING
	`,
		r.ID, string(r.EventType), r.EntityName, r.EntityID, r.ActorID, string(r.Severity),
		r.OccurredAt, r.RecordedAt, r.ClientIP, r.Sequence,
		prev, next, meta,
		r.CompressedPayload, r.IsCompressed, r.CompressionFailed,
		r.IntegrityHash, r.LegalHold,
	)
	if err != nil {
		return false, fmt.Errorf("insert audit record: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert audit record: rows affected: %w", err)
	}
	return affected > 0, nil
}

const recordColumns = `id, event_type, entity_name, entity_id, actor_id, severity,
	occurred_at, recorded_at, client_ip, sequence,
	previous_values, new_values, metadata,
	compressed_payload, is_compressed, compression_failed,
	integrity_hash, legal_hold`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*audit.Record, error) {
	var (
		r                audit.Record
		eventType        string
		severity         string
		prev, next, meta []byte
	)
	err := row.Scan(
		&r.ID, &eventType, &r.EntityName, &r.EntityID, &r.ActorID, &severity,
		&r.OccurredAt, &r.RecordedAt, &r.ClientIP, &r.Sequence,
		&prev, &next, &meta,
		&r.CompressedPayload, &r.IsCompressed, &r.CompressionFailed,
		&r.IntegrityHash, &r.LegalHold,
	)
	if err != nil {
		return nil, err
	}
	r.EventType = audit.EventType(eventType)
	r.Severity = audit.Severity(severity)
	if len(prev) > 0 {
		if err := json.Unmarshal(prev, &r.PreviousValues); err != nil {
			return nil, fmt.Errorf("decode previous values: %w", err)
		}
	}
	if len(next) > 0 {
		if err := json.Unmarshal(next, &r.NewValues); err != nil {
			return nil, fmt.Errorf("decode new values: %w", err)
		}
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &r.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata: %w", err)
		}
	}
	return &r, nil
}

func (s *Store) Get(ctx context.Context, id string) (*audit.Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM audit_events WHERE id = $1`, id)
	r, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get audit record: %w", err)
	}
	return r, nil
}

// buildWhere translates Filters into a WHERE clause and its args.
func buildWhere(f storage.Filters) (string, []any) {
	var (
		conds []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if !f.From.IsZero() {
		conds = append(conds, "occurred_at >= "+arg(f.From))
	}
	if !f.To.IsZero() {
		conds = append(conds, "occurred_at < "+arg(f.To))
	}
	if len(f.EventTypes) > 0 {
		ph := make([]string, len(f.EventTypes))
		for i, t := range f.EventTypes {
			ph[i] = arg(string(t))
		}
		conds = append(conds, "event_type IN ("+strings.Join(ph, ", ")+")")
	}
	if f.EntityName != "" {
		conds = append(conds, "entity_name = "+arg(f.EntityName))
	}
	if f.EntityID != "" {
		conds = append(conds, "entity_id = "+arg(f.EntityID))
	}
	if f.ActorID != "" {
		conds = append(conds, "actor_id = "+arg(f.ActorID))
	}
	if len(f.Severities) > 0 {
		ph := make([]string, len(f.Severities))
		for i, sev := range f.Severities {
			ph[i] = arg(string(sev))
		}
		conds = append(conds, "severity IN ("+strings.Join(ph, ", ")+")")
	}
	if f.ClientIP != "" {
		conds = append(conds, "client_ip = "+arg(f.ClientIP))
	}
	if f.Search != "" {
		p := arg("%" + f.Search + "%")
		conds = append(conds, "(entity_name ILIKE "+p+
			" OR entity_id ILIKE "+p+
			" OR actor_id ILIKE "+p+
			" OR metadata::text ILIKE "+p+")")
	}

	if len(conds) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

var sortColumns = map[string]string{
	"":            "occurred_at",
	"occurred_at": "occurred_at",
	"severity":    "severity",
	"event_type":  "event_type",
}

func (s *Store) Query(ctx context.Context, f storage.Filters, p storage.Page, srt storage.Sort) ([]*audit.Record, int64, error) {
	where, args := buildWhere(f)

	var total int64
	if err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM audit_events`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count audit records: %w", err)
	}

	col, ok := sortColumns[srt.Field]
	if !ok {
		col = "occurred_at"
	}
	dir := "DESC"
	if srt.Asc {
		dir = "ASC"
	}

	limit := p.Limit
	if limit <= 0 {
		limit = 50
	}
	query := fmt.Sprintf(
		`SELECT %s FROM audit_events%s ORDER BY %s %s, id LIMIT %d OFFSET %d`,
		recordColumns, where, col, dir, limit, p.Offset,
	)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("query audit records: %w", err)
	}
	defer rows.Close()

	var records []*audit.Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan audit record: %w", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate audit records: %w", err)
	}
	return records, total, nil
}

// scanBatch is the keyset page size for ScanRange.
const scanBatch = 500

// ScanRange streams records ordered by (occurred_at, id) using keyset
// pagination, so arbitrarily large ranges never load into memory and the
// reads take no locks that conflict with inserts.
func (s *Store) ScanRange(ctx context.Context, from, to time.Time, fn func(*audit.Record) error) error {
	var (
		lastAt time.Time
		lastID string
		first  = true
	)
	for {
		var (
			query string
			args  []any
		)
		if first {
			query = `SELECT ` + recordColumns + ` FROM audit_events
				WHERE occurred_at >= $1 AND occurred_at < $2
				ORDER BY occurred_at, id LIMIT ` + fmt.Sprint(scanBatch)
			args = []any{from, to}
		} else {
			query = `SELECT ` + recordColumns + ` FROM audit_events
				WHERE occurred_at >= $1 AND occurred_at < $2
				  AND (occurred_at, id) > ($3, $4)
				ORDER BY occurred_at, id LIMIT ` + fmt.Sprint(scanBatch)
			args = []any{from, to, lastAt, lastID}
		}

		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("scan audit range: %w", err)
		}

		n := 0
		for rows.Next() {
			r, err := scanRecord(rows)
			if err != nil {
				rows.Close()
				return fmt.Errorf("scan audit record: %w", err)
			}
			lastAt, lastID = r.OccurredAt, r.ID
			n++
			if err := fn(r); err != nil {
				rows.Close()
				return err
			}
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return fmt.Errorf("iterate audit range: %w", err)
		}
		rows.Close()

		if n < scanBatch {
			return nil
		}
		first = false
	}
}

func (s *Store) Stats(ctx context.Context, from, to time.Time) (storage.Stats, error) {
	where, args := buildWhere(storage.Filters{From: from, To: to})

	stats := storage.Stats{
		ByEventType: make(map[audit.EventType]int64),
		BySeverity:  make(map[audit.Severity]int64),
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT event_type, severity, count(*) FROM audit_events`+where+` GROUP BY event_type, severity`, args...)
	if err != nil {
		return storage.Stats{}, fmt.Errorf("aggregate audit stats: %w", err)
	}
	for rows.Next() {
		var (
			eventType, severity string
			n                   int64
		)
		if err := rows.Scan(&eventType, &severity, &n); err != nil {
			rows.Close()
			return storage.Stats{}, fmt.Errorf("scan audit stats: %w", err)
		}
		stats.Total += n
		stats.ByEventType[audit.EventType(eventType)] += n
		stats.BySeverity[audit.Severity(severity)] += n
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return storage.Stats{}, fmt.Errorf("iterate audit stats: %w", err)
	}
	rows.Close()

	actorWhere := where + " AND actor_id <> ''"
	if where == "" {
		actorWhere = " WHERE actor_id <> ''"
	}
	actorRows, err := s.db.QueryContext(ctx,
		`SELECT actor_id, count(*) AS n FROM audit_events`+actorWhere+
			` GROUP BY actor_id ORDER BY n DESC, actor_id LIMIT 10`, args...)
	if err != nil {
		return storage.Stats{}, fmt.Errorf("aggregate top actors: %w", err)
	}
	for actorRows.Next() {
		var ac storage.ActorCount
		if err := actorRows.Scan(&ac.ActorID, &ac.Count); err != nil {
			actorRows.Close()
			return storage.Stats{}, fmt.Errorf("scan top actors: %w", err)
		}
		stats.TopActors = append(stats.TopActors, ac)
	}
	if err := actorRows.Err(); err != nil {
		actorRows.Close()
		return storage.Stats{}, fmt.Errorf("iterate top actors: %w", err)
	}
	actorRows.Close()

	securityTypes := []string{
		string(audit.EventLoginSuccess),
		string(audit.EventLoginFailure),
		string(audit.EventPermissionChanged),
		string(audit.EventSensitiveDataAccess),
	}
	err = s.db.QueryRowContext(ctx, `
		SELECT count(*) FROM audit_events
		WHERE occurred_at >= now() - interval '24 hours'
		  AND event_type = ANY($1)
	`, pq.Array(securityTypes)).Scan(&stats.SecurityLast24h)
	if err != nil {
		return storage.Stats{}, fmt.Errorf("count recent security events: %w", err)
	}

	return stats, nil
}

func partitionName(t time.Time) string {
	return "audit_events_" + t.UTC().Format("2006_01")
}

func (s *Store) EnsurePartition(ctx context.Context, t time.Time) error {
	from := time.Date(t.UTC().Year(), t.UTC().Month(), 1, 0, 0, 0, 0, time.UTC)
	to := from.AddDate(0, 1, 0)
	name := partitionName(from)

	stmt := fmt.Sprintf(
		`CREATE TABLE IF NOT EXISTS %s PARTITION OF audit_events FOR VALUES FROM ('%s') TO ('%s')`,
		name, from.Format("2006-01-02"), to.Format("2006-01-02"),
	)
	if _, err := s.db.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("ensure partition %s: %w", name, err)
	}
	return nil
}

func (s *Store) Partitions(ctx context.Context) ([]storage.Partition, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.relname
		FROM pg_inherits i
		JOIN pg_class c ON c.oid = i.inhrelid
		JOIN pg_class p ON p.oid = i.inhparent
		WHERE p.relname = 'audit_events'
		ORDER BY c.relname
	`)
	if err != nil {
		return nil, fmt.Errorf("list partitions: %w", err)
	}
	defer rows.Close()

	var parts []storage.Partition
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan partition name: %w", err)
		}
		// Partition names are always audit_events_YYYY_MM; we created them.
		from, err := time.Parse("2006_01", strings.TrimPrefix(name, "audit_events_"))
		if err != nil {
			continue
		}
		parts = append(parts, storage.Partition{Name: name, From: from, To: from.AddDate(0, 1, 0)})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate partitions: %w", err)
	}
	return parts, nil
}

func (s *Store) DropPartition(ctx context.Context, name string) error {
	if !strings.HasPrefix(name, "audit_events_") {
		return fmt.Errorf("drop partition: %q is not an audit partition", name)
	}
	if _, err := s.db.ExecContext(ctx, `DROP TABLE IF EXISTS `+name); err != nil {
		return fmt.Errorf("drop partition %s: %w", name, err)
	}
	return nil
}

func (s *Store) DeleteExpired(ctx context.Context, cutoff time.Time, severities []audit.Severity) (int64, error) {
	sevs := make([]string, len(severities))
	for i, sev := range severities {
		sevs[i] = string(sev)
	}
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM audit_events
		WHERE occurred_at < $1
		  AND severity = ANY($2)
		  AND NOT legal_hold
	`, cutoff, pq.Array(sevs))
	if err != nil {
		return 0, fmt.Errorf("delete expired records: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete expired records: rows affected: %w", err)
	}
	return n, nil
}
