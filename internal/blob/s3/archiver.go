package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/giftd/internal/domain"
)

const (
	jsonlContentType = "application/x-ndjson"
	defaultBatchSize = 500
	// multipartThreshold switches uploads to the multipart manager.
	multipartThreshold = 8 * 1024 * 1024
)

// GiftArchiveStore is the slice of domain.GiftStore the archiver needs.
type GiftArchiveStore interface {
	ListArchivable(ctx context.Context, before time.Time, limit int) ([]domain.Gift, error)
	MarkArchived(ctx context.Context, ids []string, at time.Time) error
}

// Archiver implements domain.Archiver. It exports claimed and expired gifts
// as JSON Lines and flags them archived; rows are never deleted.
type Archiver struct {
	writer    domain.BlobWriter
	gifts     GiftArchiveStore
	audit     domain.AuditStore
	batchSize int
	now       func() time.Time
	logger    *slog.Logger
}

var _ domain.Archiver = (*Archiver)(nil)

// NewArchiver creates an Archiver. batchSize <= 0 uses 500 gifts per object.
func NewArchiver(writer domain.BlobWriter, gifts GiftArchiveStore, audit domain.AuditStore, batchSize int, logger *slog.Logger) *Archiver {
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	return &Archiver{
		writer:    writer,
		gifts:     gifts,
		audit:     audit,
		batchSize: batchSize,
		now:       time.Now,
		logger:    logger.With(slog.String("component", "archiver")),
	}
}

// ArchiveGifts exports every archivable gift created before the cutoff, one
// object per batch at gifts/YYYY/MM/DD/<batch>.jsonl, and returns how many
// were archived. A batch is marked only after its upload succeeds.
func (a *Archiver) ArchiveGifts(ctx context.Context, before time.Time) (int64, error) {
	var total int64
	for {
		gifts, err := a.gifts.ListArchivable(ctx, before, a.batchSize)
		if err != nil {
			return total, fmt.Errorf("s3blob: list archivable gifts: %w", err)
		}
		if len(gifts) == 0 {
			return total, nil
		}

		n, err := a.archiveBatch(ctx, gifts, before)
		total += n
		if err != nil {
			return total, err
		}
		if len(gifts) < a.batchSize {
			return total, nil
		}
	}
}

func (a *Archiver) archiveBatch(ctx context.Context, gifts []domain.Gift, before time.Time) (int64, error) {
	buf, err := marshalJSONL(gifts)
	if err != nil {
		return 0, fmt.Errorf("s3blob: marshal gifts: %w", err)
	}

	now := a.now().UTC()
	path := archivePath(now, uuid.NewString())
	if len(buf) > multipartThreshold {
		err = a.writer.PutMultipart(ctx, path, bytes.NewReader(buf), 0)
	} else {
		err = a.writer.Put(ctx, path, bytes.NewReader(buf), jsonlContentType)
	}
	if err != nil {
		return 0, fmt.Errorf("s3blob: upload %s: %w", path, err)
	}

	ids := make([]string, len(gifts))
	for i, g := range gifts {
		ids[i] = g.ID
	}
	if err := a.gifts.MarkArchived(ctx, ids, now); err != nil {
		return 0, fmt.Errorf("s3blob: mark %d gifts archived: %w", len(ids), err)
	}

	count := int64(len(gifts))
	if err := a.audit.Log(ctx, "archive.gifts", map[string]any{
		"path":   path,
		"count":  count,
		"before": before.UTC().Format(time.RFC3339),
	}); err != nil {
		a.logger.WarnContext(ctx, "audit archive batch failed", slog.String("error", err.Error()))
	}
	a.logger.InfoContext(ctx, "archived gifts", slog.String("path", path), slog.Int64("count", count))
	return count, nil
}

// archivePath partitions archive objects by export day.
//
//	gifts/2026/03/14/<batch>.jsonl
func archivePath(at time.Time, batch string) string {
	return fmt.Sprintf("gifts/%s/%s.jsonl", at.Format("2006/01/02"), batch)
}

// marshalJSONL encodes records as newline-delimited JSON.
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
