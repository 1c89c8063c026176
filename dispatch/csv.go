package dispatch

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tracewire/tracewire/log"
	"github.com/tracewire/tracewire/metrics"
	"github.com/tracewire/tracewire/types"
)

// csvTimestampLayout is millisecond-precision ISO 8601 for row timestamps.
const csvTimestampLayout = "2006-01-02T15:04:05.000Z07:00"

// csvFileLayout is the ISO 8601 basic format used in session file names,
// chosen because it contains no characters that upset any filesystem.
const csvFileLayout = "20060102T150405"

// CSVConfig configures the CSV recorder.
type CSVConfig struct {
	// Dir is the directory session files are created in. Required.
	Dir string
	// QueueSize bounds the persistence queue (0 = 1024).
	QueueSize int
	// Logger is optional.
	Logger *log.Logger
	// Collector is optional.
	Collector *metrics.Collector
}

// CSVRecorder writes one row per frame to a session-named file on a
// background worker. The ingest goroutine only pays for an enqueue; when
// the queue is full the frame is dropped and counted rather than blocking
// the pipeline.
//
// A structural change rotates to a fresh file, since the column set no
// longer matches the written header.
type CSVRecorder struct {
	cfg    CSVConfig
	logger *log.Logger
	coll   *metrics.Collector

	queue chan Delivery
	done  chan struct{}

	// worker-owned state
	file    *os.File
	writer  *csv.Writer
	columns int
}

// NewCSVRecorder creates the recorder and starts its worker.
func NewCSVRecorder(cfg CSVConfig) (*CSVRecorder, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("csv recorder needs an output directory")
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("csv recorder: mkdir: %w", err)
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Nop()
	}
	r := &CSVRecorder{
		cfg:    cfg,
		logger: logger.Named("csv"),
		coll:   cfg.Collector,
		queue:  make(chan Delivery, cfg.QueueSize),
		done:   make(chan struct{}),
	}
	go r.run()
	return r, nil
}

// Name implements Sink.
func (r *CSVRecorder) Name() string { return "csv" }

// Deliver implements Sink. Non-blocking; drops and counts on a full queue.
func (r *CSVRecorder) Deliver(d Delivery) {
	select {
	case r.queue <- d:
	default:
		r.coll.IncSinkDrop(r.Name())
	}
}

func (r *CSVRecorder) run() {
	defer close(r.done)
	for d := range r.queue {
		r.write(d)
	}
	r.closeFile()
}

func (r *CSVRecorder) write(d Delivery) {
	if r.file != nil && (d.Structural || d.Frame.DatasetCount() != r.columns) {
		r.closeFile()
	}
	if r.file == nil {
		if err := r.openFile(d.Frame); err != nil {
			r.logger.Error("cannot open session file", map[string]any{"error": err.Error()})
			r.coll.IncSinkDrop(r.Name())
			return
		}
	}

	row := make([]string, 0, d.Frame.DatasetCount()+1)
	row = append(row, d.Frame.ReceivedAt.Format(csvTimestampLayout))
	for gi := range d.Frame.Groups {
		for di := range d.Frame.Groups[gi].Datasets {
			row = append(row, d.Frame.Groups[gi].Datasets[di].Value)
		}
	}
	if err := r.writer.Write(row); err != nil {
		r.logger.Error("row write failed", map[string]any{"error": err.Error()})
		r.coll.IncSinkDrop(r.Name())
	}
}

func (r *CSVRecorder) openFile(frame *types.TelemetryFrame) error {
	base := fmt.Sprintf("%s_%s", sanitizeFilename(frame.Title), time.Now().Format(csvFileLayout))
	name := base + ".csv"
	const flags = os.O_RDWR | os.O_CREATE | os.O_EXCL
	f, err := os.OpenFile(filepath.Join(r.cfg.Dir, name), flags, 0o666)
	// A rotation within the same second gets a numbered suffix instead of
	// overwriting the earlier file.
	for n := 2; os.IsExist(err); n++ {
		name = fmt.Sprintf("%s_%d.csv", base, n)
		f, err = os.OpenFile(filepath.Join(r.cfg.Dir, name), flags, 0o666)
	}
	if err != nil {
		return err
	}
	r.file = f
	r.writer = csv.NewWriter(f)
	r.columns = frame.DatasetCount()

	header := make([]string, 0, r.columns+1)
	header = append(header, "Timestamp")
	for gi := range frame.Groups {
		g := &frame.Groups[gi]
		for di := range g.Datasets {
			ds := &g.Datasets[di]
			col := fmt.Sprintf("%s/%s", g.Title, ds.Title)
			if ds.Units != "" {
				col = fmt.Sprintf("%s (%s)", col, ds.Units)
			}
			header = append(header, col)
		}
	}
	if err := r.writer.Write(header); err != nil {
		return err
	}
	r.logger.Info("session file opened", map[string]any{"file": name, "columns": r.columns})
	return nil
}

func (r *CSVRecorder) closeFile() {
	if r.file == nil {
		return
	}
	r.writer.Flush()
	if err := r.file.Close(); err != nil {
		r.logger.Warn("session file close failed", map[string]any{"error": err.Error()})
	}
	r.file = nil
	r.writer = nil
}

// Close implements Sink: drains the queue, flushes, and closes the file.
func (r *CSVRecorder) Close() error {
	close(r.queue)
	<-r.done
	return nil
}

// sanitizeFilename keeps project titles filesystem-safe.
func sanitizeFilename(title string) string {
	if title == "" {
		return "session"
	}
	mapper := func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|':
			return '-'
		case ' ':
			return '_'
		}
		return r
	}
	return strings.Map(mapper, title)
}
