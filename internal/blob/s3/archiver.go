package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/stratforge/stratd/internal/domain"
)

// Narrow store slices required by the archiver. The Postgres stores satisfy
// these implicitly; the archiver never needs the full interfaces.

// ExecutionArchiveStore reads and prunes old execution records.
type ExecutionArchiveStore interface {
	ListBefore(ctx context.Context, before time.Time, limit int) ([]domain.Execution, error)
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
}

// TradeArchiveStore reads and prunes old closed trades. Open trades are
// never archived.
type TradeArchiveStore interface {
	ListClosedBefore(ctx context.Context, before time.Time, limit int) ([]domain.Trade, error)
	DeleteClosedBefore(ctx context.Context, before time.Time) (int64, error)
}

// ArchiverConfig tunes the archive pass.
type ArchiverConfig struct {
	// BatchLimit caps rows fetched per query. Zero means the default.
	BatchLimit int

	// DeleteAfterArchive prunes archived rows from the primary store once
	// the upload succeeds. Off by default: deletion is an explicit opt-in
	// after the archive destination is trusted.
	DeleteAfterArchive bool
}

const defaultBatchLimit = 5000

// ArchiveImpl implements domain.Archiver by querying the stores for old
// records, serializing them to JSONL, and uploading the result to object
// storage partitioned by cutoff month.
type ArchiveImpl struct {
	writer     domain.BlobWriter
	executions ExecutionArchiveStore
	trades     TradeArchiveStore
	audit      domain.AuditStore
	cfg        ArchiverConfig
	logger     *slog.Logger
}

// NewArchiver creates an ArchiveImpl.
func NewArchiver(
	writer domain.BlobWriter,
	executions ExecutionArchiveStore,
	trades TradeArchiveStore,
	audit domain.AuditStore,
	cfg ArchiverConfig,
	logger *slog.Logger,
) *ArchiveImpl {
	if cfg.BatchLimit <= 0 {
		cfg.BatchLimit = defaultBatchLimit
	}
	return &ArchiveImpl{
		writer:     writer,
		executions: executions,
		trades:     trades,
		audit:      audit,
		cfg:        cfg,
		logger:     logger.With(slog.String("component", "archiver")),
	}
}

var _ domain.Archiver = (*ArchiveImpl)(nil)

// ArchiveExecutions uploads execution records older than the cutoff to
// archive/executions/YYYY-MM.jsonl and returns the archived count. When
// DeleteAfterArchive is set the uploaded rows are pruned afterwards.
func (a *ArchiveImpl) ArchiveExecutions(ctx context.Context, before time.Time) (int64, error) {
	execs, err := a.executions.ListBefore(ctx, before, a.cfg.BatchLimit)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive executions query: %w", err)
	}
	if len(execs) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(execs)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive executions marshal: %w", err)
	}

	path := archivePath("executions", before)
	if err := a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson"); err != nil {
		return 0, fmt.Errorf("s3blob: archive executions upload: %w", err)
	}

	count := int64(len(execs))
	a.logArchive(ctx, "archive.executions", path, count, before)

	if a.cfg.DeleteAfterArchive {
		deleted, err := a.executions.DeleteBefore(ctx, before)
		if err != nil {
			return count, fmt.Errorf("s3blob: archive executions prune: %w", err)
		}
		a.logger.InfoContext(ctx, "archived executions pruned",
			slog.Int64("deleted", deleted),
			slog.String("path", path))
	}
	return count, nil
}

// ArchiveTrades uploads closed trades older than the cutoff to
// archive/trades/YYYY-MM.jsonl and returns the archived count.
func (a *ArchiveImpl) ArchiveTrades(ctx context.Context, before time.Time) (int64, error) {
	trades, err := a.trades.ListClosedBefore(ctx, before, a.cfg.BatchLimit)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive trades query: %w", err)
	}
	if len(trades) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(trades)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive trades marshal: %w", err)
	}

	path := archivePath("trades", before)
	if err := a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson"); err != nil {
		return 0, fmt.Errorf("s3blob: archive trades upload: %w", err)
	}

	count := int64(len(trades))
	a.logArchive(ctx, "archive.trades", path, count, before)

	if a.cfg.DeleteAfterArchive {
		deleted, err := a.trades.DeleteClosedBefore(ctx, before)
		if err != nil {
			return count, fmt.Errorf("s3blob: archive trades prune: %w", err)
		}
		a.logger.InfoContext(ctx, "archived trades pruned",
			slog.Int64("deleted", deleted),
			slog.String("path", path))
	}
	return count, nil
}

// logArchive records the archival in the audit log. Audit failures never
// fail an otherwise successful archive.
func (a *ArchiveImpl) logArchive(ctx context.Context, event, path string, count int64, before time.Time) {
	if err := a.audit.Log(ctx, event, map[string]any{
		"path":   path,
		"count":  count,
		"before": before.Format(time.RFC3339),
	}); err != nil {
		a.logger.WarnContext(ctx, "archive audit log failed",
			slog.String("event", event),
			slog.String("error", err.Error()))
	}
}

// archivePath builds the object key for an archive file, partitioned by the
// year-month of the cutoff time.
//
//	archive/executions/2025-01.jsonl
//	archive/trades/2025-01.jsonl
func archivePath(kind string, before time.Time) string {
	return fmt.Sprintf("archive/%s/%s.jsonl", kind, before.UTC().Format("2006-01"))
}

// marshalJSONL serialises records as newline-delimited JSON, one compact
// line per record.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}
