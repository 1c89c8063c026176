package types

import "time"

// TelemetryFrame is one decoded telemetry sample: a titled, ordered tree of
// groups and datasets. The group/dataset structure (the "skeleton") comes from
// the project descriptor, from quick-plot column inference, or from the device
// itself depending on the operating mode; the builder only writes Value fields
// into it.
type TelemetryFrame struct {
	// Title is the frame title, usually the project title.
	Title string `json:"title"`
	// Groups is the ordered list of dataset groups.
	Groups []Group `json:"groups"`
	// ReceivedAt is the ingest-side receive timestamp. Not part of the wire
	// shape; sinks that need a timestamp (CSV, MQTT) read it from here.
	ReceivedAt time.Time `json:"-"`
}

// Group is an ordered collection of datasets sharing a widget kind.
type Group struct {
	// Title is the group title.
	Title string `json:"title"`
	// Widget is the widget kind hint for the whole group (e.g. "plot", "gps").
	Widget string `json:"widget,omitempty"`
	// Datasets is the ordered list of datasets in this group.
	Datasets []Dataset `json:"datasets"`
}

// Dataset is one scalar channel within a frame.
type Dataset struct {
	// Title is the dataset title.
	Title string `json:"title"`
	// Units is the measurement unit label.
	Units string `json:"units,omitempty"`
	// Widget is the widget kind hint (e.g. "gauge", "bar", "compass").
	Widget string `json:"widget,omitempty"`
	// Value is the current value as a string. Numeric datasets keep their
	// last good value when a frame fails numeric parsing.
	Value string `json:"value"`
	// Index is the 1-based channel position whose decoded value fills this
	// dataset. Zero means "use declaration order".
	Index int `json:"index"`
	// Graph marks the dataset for plotting (implies numeric values).
	Graph bool `json:"graph,omitempty"`
	// FFT marks the dataset as an FFT input (implies numeric values).
	FFT bool `json:"fft,omitempty"`
	// Log requests logarithmic plot scaling.
	Log bool `json:"log,omitempty"`
	// AlarmLow / AlarmHigh are optional alarm thresholds.
	AlarmLow  *float64 `json:"alarmLow,omitempty"`
	AlarmHigh *float64 `json:"alarmHigh,omitempty"`
	// Min / Max are optional display range hints.
	Min *float64 `json:"min,omitempty"`
	Max *float64 `json:"max,omitempty"`
	// HistoryDepth is the number of samples visualization keeps for this
	// dataset. Zero means the aggregator default.
	HistoryDepth int `json:"historyDepth,omitempty"`
}

// Numeric reports whether the dataset is declared numeric: plotted, FFT'd, or
// rendered by a widget that needs a number. Numeric datasets get the
// keep-last-value treatment on parse failure.
func (d *Dataset) Numeric() bool {
	if d.Graph || d.FFT {
		return true
	}
	switch d.Widget {
	case "gauge", "bar", "compass", "plot":
		return true
	}
	return false
}

// DatasetCount returns the total number of datasets across all groups.
func (f *TelemetryFrame) DatasetCount() int {
	n := 0
	for i := range f.Groups {
		n += len(f.Groups[i].Datasets)
	}
	return n
}

// Clone returns a deep copy of the frame. The builder hands clones to the
// dispatch hub so sinks on other goroutines never observe in-place value
// updates.
func (f *TelemetryFrame) Clone() *TelemetryFrame {
	out := &TelemetryFrame{
		Title:      f.Title,
		ReceivedAt: f.ReceivedAt,
		Groups:     make([]Group, len(f.Groups)),
	}
	for i := range f.Groups {
		g := f.Groups[i]
		cg := Group{Title: g.Title, Widget: g.Widget, Datasets: make([]Dataset, len(g.Datasets))}
		copy(cg.Datasets, g.Datasets)
		for j := range cg.Datasets {
			cg.Datasets[j].AlarmLow = clonePtr(g.Datasets[j].AlarmLow)
			cg.Datasets[j].AlarmHigh = clonePtr(g.Datasets[j].AlarmHigh)
			cg.Datasets[j].Min = clonePtr(g.Datasets[j].Min)
			cg.Datasets[j].Max = clonePtr(g.Datasets[j].Max)
		}
		out.Groups[i] = cg
	}
	return out
}

func clonePtr(p *float64) *float64 {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
