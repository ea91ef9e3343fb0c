// Package journal writes fills to Parquet files for offline analysis.
package journal

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/tathienbao/delta-bot/internal/types"
	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"
)

// Config holds Parquet journal settings.
type Config struct {
	Dir       string
	BatchSize int
}

// DefaultConfig returns the default journal settings.
func DefaultConfig() Config {
	return Config{Dir: "data/fills", BatchSize: 200}
}

// FillRow is the Parquet schema for one fill.
type FillRow struct {
	Timestamp     int64   `parquet:"name=timestamp, type=INT64, convertedtype=TIMESTAMP_MILLIS"`
	OrderID       string  `parquet:"name=order_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Kind          string  `parquet:"name=kind, type=BYTE_ARRAY, convertedtype=UTF8"`
	Side          string  `parquet:"name=side, type=BYTE_ARRAY, convertedtype=UTF8"`
	Action        string  `parquet:"name=action, type=BYTE_ARRAY, convertedtype=UTF8"`
	Reason        string  `parquet:"name=reason, type=BYTE_ARRAY, convertedtype=UTF8"`
	Size          float64 `parquet:"name=size, type=DOUBLE"`
	Price         float64 `parquet:"name=price, type=DOUBLE"`
	ExecutedPrice float64 `parquet:"name=executed_price, type=DOUBLE"`
	Fee           float64 `parquet:"name=fee, type=DOUBLE"`
	LatencyMS     float64 `parquet:"name=latency_ms, type=DOUBLE"`
	PosSide       string  `parquet:"name=pos_side, type=BYTE_ARRAY, convertedtype=UTF8"`
	PnL           float64 `parquet:"name=pnl, type=DOUBLE"`
}

// NewFillRow flattens a fill report into a row. PnL is the realized PnL of a
// trade the fill closed, zero otherwise.
func NewFillRow(r types.FillReport) FillRow {
	row := FillRow{
		Timestamp:     r.Fill.FilledAt.UTC().UnixMilli(),
		OrderID:       r.Fill.OrderID,
		Kind:          r.Fill.Kind.String(),
		Side:          r.Fill.Side.String(),
		Action:        r.Action.String(),
		Reason:        r.Fill.Reason,
		Size:          r.Fill.Size.InexactFloat64(),
		Price:         r.Fill.SubmittedPrice.InexactFloat64(),
		ExecutedPrice: r.Fill.ExecutedPrice.InexactFloat64(),
		Fee:           r.Fill.Fee.InexactFloat64(),
		LatencyMS:     float64(r.Fill.Latency) / float64(time.Millisecond),
		PosSide:       types.SideFlat.String(),
	}
	if r.Opened != nil {
		row.PosSide = r.Opened.Side.String()
	} else if r.Action == types.FillIgnored {
		row.PosSide = r.Fill.Side.String()
	}
	if r.Closed != nil {
		row.PnL = r.Closed.PnL.InexactFloat64()
	}
	return row
}

// Writer buffers fill rows and writes each full batch to its own
// snappy-compressed file. It is an execution fill listener.
type Writer struct {
	cfg    Config
	logger *slog.Logger

	mu     sync.Mutex
	batch   []FillRow
	files   []string
	seq     int
	dropped int
	closed  bool

	now func() time.Time
}

// NewWriter creates the output directory and returns an empty writer.
func NewWriter(cfg Config, logger *slog.Logger) (*Writer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultConfig().BatchSize
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create journal dir: %w", err)
	}
	return &Writer{
		cfg:    cfg,
		logger: logger.With("component", "parquet_journal"),
		batch:  make([]FillRow, 0, cfg.BatchSize),
		now:    time.Now,
	}, nil
}

// Name identifies the listener in logs and metrics.
func (w *Writer) Name() string { return "parquet" }

// OnFill buffers the report and flushes when the batch is full.
func (w *Writer) OnFill(r types.FillReport) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.batch = append(w.batch, NewFillRow(r))
	if len(w.batch) >= w.cfg.BatchSize {
		return w.flushLocked()
	}
	return nil
}

// Flush writes any buffered rows.
func (w *Writer) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.flushLocked()
}

// Buffered returns the number of rows not yet written.
func (w *Writer) Buffered() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.batch)
}

// Files returns the paths written so far.
func (w *Writer) Files() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, len(w.files))
	copy(out, w.files)
	return out
}

// Dropped returns the number of rows lost to failed writes.
func (w *Writer) Dropped() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.dropped
}

// Close flushes remaining rows. Later fills are dropped.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	return w.flushLocked()
}

func (w *Writer) flushLocked() error {
	if len(w.batch) == 0 {
		return nil
	}

	w.seq++
	name := fmt.Sprintf("fills_%s_%04d.parquet", w.now().UTC().Format("20060102T150405"), w.seq)
	path := filepath.Join(w.cfg.Dir, name)

	// A failed batch is dropped so the buffer stays bounded by BatchSize.
	if err := writeFile(path, w.batch); err != nil {
		_ = os.Remove(path)
		w.dropped += len(w.batch)
		w.logger.Error("fill batch dropped", "file", path, "rows", len(w.batch), "err", err)
		w.batch = w.batch[:0]
		return fmt.Errorf("write %s: %w", name, err)
	}

	w.logger.Info("fill batch written", "file", path, "rows", len(w.batch))
	w.files = append(w.files, path)
	w.batch = w.batch[:0]
	return nil
}

func writeFile(path string, rows []FillRow) error {
	fw, err := local.NewLocalFileWriter(path)
	if err != nil {
		return err
	}

	pw, err := writer.NewParquetWriter(fw, new(FillRow), 1)
	if err != nil {
		_ = fw.Close()
		return err
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, row := range rows {
		if err := pw.Write(row); err != nil {
			_ = fw.Close()
			return err
		}
	}
	if err := pw.WriteStop(); err != nil {
		_ = fw.Close()
		return err
	}
	return fw.Close()
}
