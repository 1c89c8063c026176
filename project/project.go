// Package project loads and validates project descriptors.
//
// A descriptor declares the frame geometry (delimiters, checksum, payload
// encoding), an optional decoder script, and the group/dataset skeleton that
// telemetry values are written into. The same document shape arrives on the
// wire in device-json mode, so parsing and validation live here and are
// shared by the builder.
package project

import (
	"fmt"
	"os"
	"strconv"

	jsoniter "github.com/json-iterator/go"

	"github.com/tracewire/tracewire/types"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Decoder languages accepted by the script host.
const (
	LanguageJS  = "js"
	LanguageLua = "lua"
)

// DecoderSpec declares the optional frame decoder script.
type DecoderSpec struct {
	// Language is "js" or "lua".
	Language string `json:"language"`
	// Source is the script text. It must define parse(payload) returning
	// an array of channel strings.
	Source string `json:"source"`
}

// Descriptor is a project document.
type Descriptor struct {
	Title           string              `json:"title"`
	Decoder         *DecoderSpec        `json:"decoder"`
	FrameStart      string              `json:"frameStart"`
	FrameEnd        string              `json:"frameEnd"`
	FrameDetection  detection           `json:"frameDetection"`
	Checksum        string              `json:"checksum"`
	PayloadEncoding string              `json:"payloadEncoding"`
	Groups          []types.Group       `json:"groups"`
}

// detection wraps types.FrameDetection to accept both the string names and
// the integer enum values legacy descriptors use.
type detection struct {
	types.FrameDetection
}

func (d *detection) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		var n int
		if err2 := json.Unmarshal(data, &n); err2 != nil {
			return fmt.Errorf("frameDetection: %w", err)
		}
		s = strconv.Itoa(n)
	}
	if s == "" {
		d.FrameDetection = types.DetectEndDelimiter
		return nil
	}
	parsed, err := types.ParseFrameDetection(s)
	if err != nil {
		return err
	}
	d.FrameDetection = parsed
	return nil
}

func (d detection) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(d.FrameDetection))
}

// Load reads and parses a descriptor file.
func Load(path string) (*Descriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("project file not found: %s", path)
		}
		return nil, fmt.Errorf("cannot read project file %q: %w", path, err)
	}
	return Parse(data)
}

// Parse parses a descriptor document and validates it.
func Parse(data []byte) (*Descriptor, error) {
	var d Descriptor
	if d.FrameDetection.FrameDetection == "" {
		d.FrameDetection.FrameDetection = types.DetectEndDelimiter
	}
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("invalid project document: %w", err)
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return &d, nil
}

// Validate checks the structural rules every descriptor must satisfy.
func (d *Descriptor) Validate() error {
	if d.Title == "" {
		return fmt.Errorf("project title is required")
	}
	if len(d.Groups) == 0 {
		return fmt.Errorf("project %q declares no groups", d.Title)
	}
	for gi := range d.Groups {
		g := &d.Groups[gi]
		if g.Title == "" {
			return fmt.Errorf("group %d has no title", gi)
		}
		if len(g.Datasets) == 0 {
			return fmt.Errorf("group %q declares no datasets", g.Title)
		}
		for di := range g.Datasets {
			ds := &g.Datasets[di]
			if ds.Title == "" {
				return fmt.Errorf("group %q dataset %d has no title", g.Title, di)
			}
			if ds.Index < 0 {
				return fmt.Errorf("dataset %q has negative index %d", ds.Title, ds.Index)
			}
		}
	}
	if d.Decoder != nil {
		switch d.Decoder.Language {
		case LanguageJS, LanguageLua:
		default:
			return fmt.Errorf("unknown decoder language %q", d.Decoder.Language)
		}
		if d.Decoder.Source == "" {
			return fmt.Errorf("decoder declared with empty source")
		}
	}
	if _, err := types.ParsePayloadEncoding(d.PayloadEncoding); err != nil {
		return err
	}
	return nil
}

// Encoding returns the declared payload encoding (PlainText when omitted).
func (d *Descriptor) Encoding() types.PayloadEncoding {
	enc, _ := types.ParsePayloadEncoding(d.PayloadEncoding)
	return enc
}

// FramingConfig returns the frame reader configuration the descriptor
// declares.
func (d *Descriptor) FramingConfig() types.FramingConfig {
	det := d.FrameDetection.FrameDetection
	if det == "" {
		det = types.DetectEndDelimiter
	}
	return types.FramingConfig{
		Detection:     det,
		StartSequence: []byte(d.FrameStart),
		EndSequence:   []byte(d.FrameEnd),
		Checksum:      d.Checksum,
	}
}

// Skeleton builds the telemetry frame skeleton declared by the descriptor.
// Values are left empty; the builder fills them per frame.
func (d *Descriptor) Skeleton() *types.TelemetryFrame {
	f := &types.TelemetryFrame{Title: d.Title, Groups: make([]types.Group, len(d.Groups))}
	copy(f.Groups, d.Groups)
	skel := f.Clone()
	for gi := range skel.Groups {
		for di := range skel.Groups[gi].Datasets {
			skel.Groups[gi].Datasets[di].Value = ""
		}
	}
	return skel
}

// DatasetCount returns the number of declared datasets.
func (d *Descriptor) DatasetCount() int {
	n := 0
	for i := range d.Groups {
		n += len(d.Groups[i].Datasets)
	}
	return n
}
