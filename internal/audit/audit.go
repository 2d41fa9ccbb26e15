// Package audit writes export-only JSON/msgpack snapshots of reconciliation
// diffs and daily summaries, and optionally archives them to S3-compatible
// storage. SQLite remains the sole source of truth; nothing here is ever
// read back into the running system, following this codebase's own
// dual-write resolution (database is canonical, exported copies are a
// one-way archival trail).
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/aristath/order-supervisor/internal/notify"
)

// ReconciliationSnapshot is one exported record of a reconcile cycle's
// findings for one user.
type ReconciliationSnapshot struct {
	UserID            string    `json:"user_id" msgpack:"user_id"`
	Timestamp         time.Time `json:"timestamp" msgpack:"timestamp"`
	ManualBuys        int       `json:"manual_buys" msgpack:"manual_buys"`
	ManualSells       int       `json:"manual_sells" msgpack:"manual_sells"`
	ExternalCancels   int       `json:"external_cancels" msgpack:"external_cancels"`
	ExternalModifies  int       `json:"external_modifies" msgpack:"external_modifies"`
}

// Uploader is the slice of an S3-compatible client audit needs. A concrete
// implementation (internal/audit/s3uploader.go) wraps the AWS SDK the same
// way this codebase's R2 backup service wraps it for Cloudflare R2.
type Uploader interface {
	Upload(ctx context.Context, key string, data []byte) error
}

// Exporter writes snapshots to local files (always) and, when an Uploader
// is configured, archives a copy.
type Exporter struct {
	exportPath string
	uploader   Uploader // nil disables archival
	notifier   *notify.Channel
	log        zerolog.Logger
}

// New builds an Exporter rooted at exportPath. uploader may be nil, in
// which case exports are local-only.
func New(exportPath string, uploader Uploader, notifier *notify.Channel, log zerolog.Logger) *Exporter {
	return &Exporter{
		exportPath: exportPath,
		uploader:   uploader,
		notifier:   notifier,
		log:        log.With().Str("component", "audit").Logger(),
	}
}

// ExportReconciliation writes one reconciliation snapshot as both JSON
// (human-inspectable) and msgpack (compact archival copy), then uploads the
// msgpack copy if an Uploader is configured.
func (e *Exporter) ExportReconciliation(ctx context.Context, snapshot ReconciliationSnapshot) error {
	stamp := snapshot.Timestamp.UTC().Format("20060102-150405")
	base := fmt.Sprintf("reconcile-%s-%s", snapshot.UserID, stamp)

	if err := e.writeJSON(base+".json", snapshot); err != nil {
		return err
	}
	packed, err := e.writeMsgpack(base+".msgpack", snapshot)
	if err != nil {
		return err
	}

	e.archive(ctx, base+".msgpack", packed)
	return nil
}

// ExportDailySummary writes one day's summary the same way.
func (e *Exporter) ExportDailySummary(ctx context.Context, userID string, summary notify.DailySummary) error {
	base := fmt.Sprintf("daily-summary-%s-%s", userID, summary.Date)

	if err := e.writeJSON(base+".json", summary); err != nil {
		return err
	}
	packed, err := e.writeMsgpack(base+".msgpack", summary)
	if err != nil {
		return err
	}

	e.archive(ctx, base+".msgpack", packed)
	return nil
}

func (e *Exporter) writeJSON(filename string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("audit: marshal json: %w", err)
	}
	return e.writeFile(filename, data)
}

func (e *Exporter) writeMsgpack(filename string, v interface{}) ([]byte, error) {
	data, err := msgpack.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("audit: marshal msgpack: %w", err)
	}
	return data, e.writeFile(filename, data)
}

func (e *Exporter) writeFile(filename string, data []byte) error {
	if err := os.MkdirAll(e.exportPath, 0o755); err != nil {
		return fmt.Errorf("audit: create export dir: %w", err)
	}
	path := filepath.Join(e.exportPath, filename)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("audit: write %s: %w", path, err)
	}
	return nil
}

// archive is best-effort: a failed upload is logged and (if a notifier is
// configured) surfaced, but never fails the export the caller is waiting
// on, since the local file already satisfies the audit trail.
func (e *Exporter) archive(ctx context.Context, key string, data []byte) {
	if e.uploader == nil {
		return
	}
	if err := e.uploader.Upload(ctx, key, data); err != nil {
		e.log.Error().Err(err).Str("key", key).Msg("audit archival upload failed")
		if e.notifier != nil {
			e.notifier.Notify(notify.EventKind("audit_archival_failed"), "", map[string]string{"key": key, "error": err.Error()})
		}
	}
}
