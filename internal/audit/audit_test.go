package audit

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/aristath/order-supervisor/internal/notify"
)

type recordingUploader struct {
	keys []string
	err  error
}

func (u *recordingUploader) Upload(ctx context.Context, key string, data []byte) error {
	if u.err != nil {
		return u.err
	}
	u.keys = append(u.keys, key)
	return nil
}

func TestExportReconciliation_WritesJSONAndMsgpackLocally(t *testing.T) {
	dir := t.TempDir()
	e := New(dir, nil, nil, zerolog.Nop())

	snap := ReconciliationSnapshot{UserID: "u1", Timestamp: time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC), ManualBuys: 2}
	require.NoError(t, e.ExportReconciliation(context.Background(), snap))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var hasJSON, hasMsgpack bool
	for _, entry := range entries {
		if filepath.Ext(entry.Name()) == ".json" {
			hasJSON = true
			data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
			require.NoError(t, err)
			var got ReconciliationSnapshot
			require.NoError(t, json.Unmarshal(data, &got))
			require.Equal(t, "u1", got.UserID)
			require.Equal(t, 2, got.ManualBuys)
		}
		if filepath.Ext(entry.Name()) == ".msgpack" {
			hasMsgpack = true
		}
	}
	require.True(t, hasJSON)
	require.True(t, hasMsgpack)
}

func TestExportReconciliation_ArchivesWhenUploaderConfigured(t *testing.T) {
	dir := t.TempDir()
	uploader := &recordingUploader{}
	e := New(dir, uploader, nil, zerolog.Nop())

	snap := ReconciliationSnapshot{UserID: "u1", Timestamp: time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC)}
	require.NoError(t, e.ExportReconciliation(context.Background(), snap))

	require.Len(t, uploader.keys, 1)
}

func TestExportReconciliation_UploadFailureDoesNotFailExport(t *testing.T) {
	dir := t.TempDir()
	uploader := &recordingUploader{err: errors.New("bucket unreachable")}
	e := New(dir, uploader, nil, zerolog.Nop())

	snap := ReconciliationSnapshot{UserID: "u1", Timestamp: time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC)}
	err := e.ExportReconciliation(context.Background(), snap)
	require.NoError(t, err)
}

func TestExportDailySummary_WritesLocalFiles(t *testing.T) {
	dir := t.TempDir()
	e := New(dir, nil, nil, zerolog.Nop())

	summary := notify.DailySummary{Date: "2026-08-01", OrdersPlaced: 3, PositionsOpen: 1}
	require.NoError(t, e.ExportDailySummary(context.Background(), "u1", summary))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.NotEmpty(t, entries)
}
