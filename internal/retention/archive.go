package retention

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/gzip"

	"audittrail/internal/audit"
)

// archiveExpired streams records older than the cutoff for the given
// severities into a gzip JSONL file, one record per line. Returns the file
// path and the record count; a zero count removes the empty file. Legal
// holds are skipped along with non-matching severities: they are not being
// purged, so they do not belong in the purge archive.
func (m *Manager) archiveExpired(ctx context.Context, class string, cutoff time.Time, severities []audit.Severity) (string, int64, error) {
	if err := os.MkdirAll(m.cfg.ArchiveDir, 0o755); err != nil {
		return "", 0, fmt.Errorf("create archive dir: %w", err)
	}

	name := fmt.Sprintf("audit_%s_%s.jsonl.gz", class, m.now().UTC().Format("20060102T150405"))
	path := filepath.Join(m.cfg.ArchiveDir, name)

	f, err := os.Create(path)
	if err != nil {
		return "", 0, fmt.Errorf("create archive file: %w", err)
	}

	gz := gzip.NewWriter(f)
	enc := json.NewEncoder(gz)

	match := make(map[audit.Severity]bool, len(severities))
	for _, sev := range severities {
		match[sev] = true
	}

	var count int64
	scanErr := m.store.ScanRange(ctx, time.Time{}, cutoff, func(r *audit.Record) error {
		if !match[r.Severity] || r.LegalHold {
			return nil
		}
		count++
		return enc.Encode(r)
	})

	if err := gz.Close(); err != nil && scanErr == nil {
		scanErr = err
	}
	if err := f.Close(); err != nil && scanErr == nil {
		scanErr = err
	}
	if scanErr != nil {
		os.Remove(path)
		return "", 0, scanErr
	}
	if count == 0 {
		os.Remove(path)
		return "", 0, nil
	}
	return path, count, nil
}
