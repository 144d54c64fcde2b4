package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path"
	"sync"
	"time"

	"github.com/alanyoungcy/smartarb/internal/domain"
)

const (
	jsonlContentType = "application/x-ndjson"
	// Batches bigger than this go through the multipart uploader.
	multipartThreshold = 8 * 1024 * 1024
	// Failed batches are retried; beyond this many pending records the
	// oldest are dropped.
	maxPending = 50_000
)

// ArchiveConfig controls batching.
type ArchiveConfig struct {
	Prefix        string
	FlushInterval time.Duration
	MaxBatch      int
}

// Record is one archived line: the execution outcome with the opportunity
// that produced it.
type Record struct {
	Opportunity domain.Opportunity     `json:"opportunity"`
	Execution   domain.ExecutionResult `json:"execution"`
}

// Archiver is a domain.ResultSaver that batches execution results into
// JSONL objects at {prefix}/executions/YYYY/MM/DD/{unixnano}.jsonl. A batch
// is uploaded every FlushInterval, as soon as MaxBatch records are pending,
// and once more when Run returns.
type Archiver struct {
	writer domain.BlobWriter
	cfg    ArchiveConfig
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	pending []Record
	kick    chan struct{}
}

// NewArchiver creates an Archiver. Zero FlushInterval means one minute and
// zero MaxBatch means 500.
func NewArchiver(writer domain.BlobWriter, cfg ArchiveConfig, logger *slog.Logger) *Archiver {
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = time.Minute
	}
	if cfg.MaxBatch <= 0 {
		cfg.MaxBatch = 500
	}
	return &Archiver{
		writer: writer,
		cfg:    cfg,
		logger: logger.With(slog.String("component", "s3_archiver")),
		now:    time.Now,
		kick:   make(chan struct{}, 1),
	}
}

// SaveResult queues res. It never blocks on the upload.
func (a *Archiver) SaveResult(_ context.Context, opp domain.Opportunity, res domain.ExecutionResult) error {
	a.mu.Lock()
	a.pending = append(a.pending, Record{Opportunity: opp, Execution: res})
	full := len(a.pending) >= a.cfg.MaxBatch
	a.mu.Unlock()

	if full {
		select {
		case a.kick <- struct{}{}:
		default:
		}
	}
	return nil
}

// Pending returns the number of queued records.
func (a *Archiver) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending)
}

// Run flushes on the interval or when a batch fills, until ctx ends. The
// final flush uses a fresh ten-second deadline.
func (a *Archiver) Run(ctx context.Context) error {
	ticker := time.NewTicker(a.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := a.Flush(flushCtx); err != nil {
				a.logger.Error("final archive flush failed", slog.String("error", err.Error()))
			}
			return ctx.Err()
		case <-ticker.C:
		case <-a.kick:
		}
		if err := a.Flush(ctx); err != nil {
			a.logger.WarnContext(ctx, "archive flush failed", slog.String("error", err.Error()))
		}
	}
}

// Flush uploads everything queued as one object. On failure the records
// are put back at the head of the queue.
func (a *Archiver) Flush(ctx context.Context) error {
	a.mu.Lock()
	batch := a.pending
	a.pending = nil
	a.mu.Unlock()
	if len(batch) == 0 {
		return nil
	}

	if err := a.upload(ctx, batch); err != nil {
		a.requeue(batch)
		return err
	}
	a.logger.DebugContext(ctx, "archived executions", slog.Int("count", len(batch)))
	return nil
}

func (a *Archiver) upload(ctx context.Context, batch []Record) error {
	data, err := marshalJSONL(batch)
	if err != nil {
		return fmt.Errorf("s3blob: archive marshal: %w", err)
	}
	key := a.objectKey(a.now().UTC())
	if len(data) > multipartThreshold {
		err = a.writer.PutMultipart(ctx, key, bytes.NewReader(data), minPartSize)
	} else {
		err = a.writer.Put(ctx, key, bytes.NewReader(data), jsonlContentType)
	}
	if err != nil {
		return fmt.Errorf("s3blob: archive upload: %w", err)
	}
	return nil
}

func (a *Archiver) requeue(batch []Record) {
	a.mu.Lock()
	defer a.mu.Unlock()
	merged := append(batch, a.pending...)
	if drop := len(merged) - maxPending; drop > 0 {
		a.logger.Warn("archive queue full, dropping oldest records", slog.Int("dropped", drop))
		merged = merged[drop:]
	}
	a.pending = merged
}

func (a *Archiver) objectKey(t time.Time) string {
	return path.Join(a.cfg.Prefix, "executions", t.Format("2006/01/02"), fmt.Sprintf("%d.jsonl", t.UnixNano()))
}

// marshalJSONL encodes records one compact JSON value per line.
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

var _ domain.ResultSaver = (*Archiver)(nil)
