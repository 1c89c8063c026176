// Package builder turns raw frame bytes into telemetry frames.
//
// The builder is a passive transformer: it holds the skeleton for the
// current operating mode, writes decoded values into it, and hands out deep
// copies. It keeps no reference to the session manager and runs entirely on
// the ingest goroutine.
package builder

import (
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/zeebo/xxh3"

	"github.com/tracewire/tracewire/decoder"
	"github.com/tracewire/tracewire/log"
	"github.com/tracewire/tracewire/metrics"
	"github.com/tracewire/tracewire/project"
	"github.com/tracewire/tracewire/types"
)

// ErrChannelCountMismatch marks a frame whose decoded channel count differs
// from the declared dataset count. The frame is dropped; the session keeps
// running.
var ErrChannelCountMismatch = errors.New("channel count mismatch")

// ErrDecodeFailed marks a frame the decoder script or document parser
// rejected.
var ErrDecodeFailed = errors.New("frame decode failed")

// QuickPlotTitle is the synthetic title used for inferred skeletons.
const QuickPlotTitle = "Quick Plot"

// Config configures a builder.
type Config struct {
	// Mode selects how raw frames become telemetry frames.
	Mode types.OperatingMode
	// Project is the descriptor snapshot. Required in project mode.
	Project *project.Descriptor
	// Decoder is the compiled decoder script, or nil to split the payload
	// on commas. Only consulted in project mode.
	Decoder decoder.Host
	// Logger is optional.
	Logger *log.Logger
	// Collector is optional; all recording is nil-safe.
	Collector *metrics.Collector
}

// Result is one successfully built frame.
type Result struct {
	// Frame is a deep copy safe to hand across goroutines.
	Frame *types.TelemetryFrame
	// StructuralChange is set when the skeleton was rebuilt or replaced
	// before this frame.
	StructuralChange bool
}

// Builder consumes raw frames and produces telemetry frames for the
// dispatch hub.
type Builder struct {
	mode   types.OperatingMode
	proj   *project.Descriptor
	host   decoder.Host
	logger *log.Logger
	coll   *metrics.Collector

	// current is the working skeleton with the latest values in place.
	current  *types.TelemetryFrame
	skelHash uint64
}

// New validates the configuration and builds a Builder. In project mode the
// skeleton snapshot is taken here and never re-read.
func New(cfg Config) (*Builder, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = log.Nop()
	}
	b := &Builder{
		mode:   cfg.Mode,
		proj:   cfg.Project,
		host:   cfg.Decoder,
		logger: logger.Named("builder"),
		coll:   cfg.Collector,
	}
	switch cfg.Mode {
	case types.ModeProjectFile:
		if cfg.Project == nil {
			return nil, fmt.Errorf("project mode needs a project descriptor")
		}
		b.current = cfg.Project.Skeleton()
		b.skelHash = skeletonHash(b.current)
	case types.ModeQuickPlot, types.ModeDeviceJSON:
		// Skeleton is derived from the first frame.
	default:
		return nil, fmt.Errorf("unknown operating mode %q", cfg.Mode)
	}
	return b, nil
}

// Build decodes one raw frame. A nil Result with a non-nil error means the
// frame was dropped; the error is per-frame and never fatal.
func (b *Builder) Build(raw []byte, at time.Time) (*Result, error) {
	var (
		res *Result
		err error
	)
	switch b.mode {
	case types.ModeProjectFile:
		res, err = b.buildProject(raw)
	case types.ModeQuickPlot:
		res, err = b.buildQuickPlot(raw)
	case types.ModeDeviceJSON:
		res, err = b.buildDeviceJSON(raw)
	}
	if err != nil {
		b.coll.IncFrameDropped()
		return nil, err
	}
	res.Frame.ReceivedAt = at
	b.coll.IncFrameBuilt()
	return res, nil
}

func (b *Builder) buildProject(raw []byte) (*Result, error) {
	payload := encodePayload(raw, b.proj.Encoding())

	var channels []string
	if b.host != nil {
		var err error
		channels, err = b.host.Parse(payload)
		if err != nil {
			b.coll.IncScriptError()
			return nil, fmt.Errorf("%w: %v", ErrDecodeFailed, err)
		}
	} else {
		channels = strings.Split(payload, ",")
	}

	declared := b.current.DatasetCount()
	if len(channels) != declared {
		b.coll.IncChannelMismatch()
		return nil, fmt.Errorf("%w: got %d channels, project declares %d",
			ErrChannelCountMismatch, len(channels), declared)
	}

	pos := 0
	for gi := range b.current.Groups {
		for di := range b.current.Groups[gi].Datasets {
			ds := &b.current.Groups[gi].Datasets[di]
			value := channels[pos]
			if ds.Index >= 1 && ds.Index <= len(channels) {
				value = channels[ds.Index-1]
			}
			if ds.Numeric() {
				if _, err := strconv.ParseFloat(strings.TrimSpace(value), 64); err != nil {
					// Keep the previous value on a bad numeric field.
					b.coll.IncNumericParseError()
					pos++
					continue
				}
			}
			ds.Value = value
			pos++
		}
	}
	return &Result{Frame: b.current.Clone()}, nil
}

func (b *Builder) buildQuickPlot(raw []byte) (*Result, error) {
	line := strings.TrimSpace(string(raw))
	if line == "" {
		return nil, fmt.Errorf("%w: empty quick-plot frame", ErrDecodeFailed)
	}
	columns := strings.Split(line, ",")
	for i := range columns {
		columns[i] = strings.TrimSpace(columns[i])
	}

	structural := false
	if b.current == nil || b.current.DatasetCount() != len(columns) {
		b.current = quickPlotSkeleton(len(columns))
		b.coll.IncStructuralRebuild()
		structural = true
		b.logger.Info("quick-plot skeleton rebuilt", map[string]any{
			"series": len(columns),
		})
	}

	datasets := b.current.Groups[0].Datasets
	for i := range datasets {
		datasets[i].Value = columns[i]
	}
	return &Result{Frame: b.current.Clone(), StructuralChange: structural}, nil
}

func (b *Builder) buildDeviceJSON(raw []byte) (*Result, error) {
	d, err := project.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecodeFailed, err)
	}

	frame := &types.TelemetryFrame{Title: d.Title, Groups: d.Groups}
	frame = frame.Clone()

	hash := skeletonHash(frame)
	structural := hash != b.skelHash
	if structural {
		b.coll.IncStructuralRebuild()
		b.skelHash = hash
	}
	b.current = frame
	return &Result{Frame: frame.Clone(), StructuralChange: structural}, nil
}

// Skeleton returns a copy of the current skeleton, or nil before the first
// frame in the inferred modes.
func (b *Builder) Skeleton() *types.TelemetryFrame {
	if b.current == nil {
		return nil
	}
	return b.current.Clone()
}

func quickPlotSkeleton(columns int) *types.TelemetryFrame {
	group := types.Group{Title: QuickPlotTitle, Widget: "plot"}
	for i := 1; i <= columns; i++ {
		group.Datasets = append(group.Datasets, types.Dataset{
			Title: fmt.Sprintf("Series %d", i),
			Index: i,
			Graph: true,
		})
	}
	return &types.TelemetryFrame{Title: QuickPlotTitle, Groups: []types.Group{group}}
}

// skeletonHash fingerprints the structure of a frame: titles, widgets, and
// layout, but never values. Equal hashes mean "no structural change".
func skeletonHash(f *types.TelemetryFrame) uint64 {
	var sb strings.Builder
	sb.WriteString(f.Title)
	for gi := range f.Groups {
		g := &f.Groups[gi]
		fmt.Fprintf(&sb, "\x00%s\x01%s\x02%d", g.Title, g.Widget, len(g.Datasets))
		for di := range g.Datasets {
			ds := &g.Datasets[di]
			fmt.Fprintf(&sb, "\x03%s\x04%s\x05%s\x06%d", ds.Title, ds.Units, ds.Widget, ds.Index)
		}
	}
	return xxh3.HashString(sb.String())
}

// encodePayload presents the raw frame to the decoder in the project's
// declared encoding.
func encodePayload(raw []byte, enc types.PayloadEncoding) string {
	switch enc {
	case types.EncodingHexadecimal:
		return hex.EncodeToString(raw)
	case types.EncodingBase64:
		return base64.StdEncoding.EncodeToString(raw)
	default:
		// PlainText and Binary both pass bytes through unmodified.
		return string(raw)
	}
}
