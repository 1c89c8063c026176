package project_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/tracewire/tracewire/project"
	"github.com/tracewire/tracewire/types"
)

const sampleProject = `{
  "title": "Weather Station",
  "decoder": {"language": "js", "source": "function parse(s){return s.split(';');}"},
  "frameStart": "$",
  "frameEnd": "\n",
  "frameDetection": "end-delimiter",
  "checksum": "none",
  "payloadEncoding": "PlainText",
  "groups": [
    {"title": "Environment", "widget": "", "datasets": [
      {"title": "Temp", "units": "C", "index": 1, "graph": true},
      {"title": "Hum", "units": "%", "index": 2}
    ]}
  ]
}`

func TestParse_Sample(t *testing.T) {
	d, err := project.Parse([]byte(sampleProject))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if d.Title != "Weather Station" {
		t.Errorf("Title = %q", d.Title)
	}
	if d.DatasetCount() != 2 {
		t.Errorf("DatasetCount = %d, want 2", d.DatasetCount())
	}
	if d.Decoder == nil || d.Decoder.Language != project.LanguageJS {
		t.Error("decoder not parsed")
	}
	if d.Encoding() != types.EncodingPlainText {
		t.Errorf("Encoding = %q", d.Encoding())
	}

	fc := d.FramingConfig()
	if fc.Detection != types.DetectEndDelimiter {
		t.Errorf("Detection = %q", fc.Detection)
	}
	if string(fc.EndSequence) != "\n" {
		t.Errorf("EndSequence = %q", fc.EndSequence)
	}
}

func TestParse_NumericFrameDetection(t *testing.T) {
	doc := `{"title":"t","frameDetection":1,"frameStart":"$","frameEnd":"#",
	  "groups":[{"title":"g","datasets":[{"title":"d","index":1}]}]}`
	d, err := project.Parse([]byte(doc))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if got := d.FramingConfig().Detection; got != types.DetectStartAndEnd {
		t.Errorf("Detection = %q, want start-end", got)
	}
}

func TestParse_DetectionDefaultsToEndDelimiter(t *testing.T) {
	doc := `{"title":"t","groups":[{"title":"g","datasets":[{"title":"d"}]}]}`
	d, err := project.Parse([]byte(doc))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if got := d.FramingConfig().Detection; got != types.DetectEndDelimiter {
		t.Errorf("Detection = %q, want end-delimiter", got)
	}
}

func TestParse_ValidationFailures(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"no title", `{"groups":[{"title":"g","datasets":[{"title":"d"}]}]}`},
		{"no groups", `{"title":"t","groups":[]}`},
		{"empty group", `{"title":"t","groups":[{"title":"g","datasets":[]}]}`},
		{"untitled dataset", `{"title":"t","groups":[{"title":"g","datasets":[{"units":"V"}]}]}`},
		{"negative index", `{"title":"t","groups":[{"title":"g","datasets":[{"title":"d","index":-1}]}]}`},
		{"bad language", `{"title":"t","decoder":{"language":"cobol","source":"x"},
		  "groups":[{"title":"g","datasets":[{"title":"d"}]}]}`},
		{"empty decoder source", `{"title":"t","decoder":{"language":"js","source":""},
		  "groups":[{"title":"g","datasets":[{"title":"d"}]}]}`},
		{"bad encoding", `{"title":"t","payloadEncoding":"EBCDIC",
		  "groups":[{"title":"g","datasets":[{"title":"d"}]}]}`},
	}
	for _, tt := range tests {
		if _, err := project.Parse([]byte(tt.doc)); err == nil {
			t.Errorf("%s: expected validation error", tt.name)
		}
	}
}

func TestSkeleton_ClearsValuesAndDetaches(t *testing.T) {
	d, err := project.Parse([]byte(sampleProject))
	if err != nil {
		t.Fatal(err)
	}
	skel := d.Skeleton()
	if skel.DatasetCount() != 2 {
		t.Fatalf("skeleton dataset count = %d", skel.DatasetCount())
	}
	skel.Groups[0].Datasets[0].Value = "25.4"
	if d.Groups[0].Datasets[0].Value != "" {
		t.Error("skeleton mutation leaked into descriptor")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := project.Load(filepath.Join(t.TempDir(), "nope.json")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestLoad_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "weather.json")
	if err := os.WriteFile(path, []byte(sampleProject), 0o644); err != nil {
		t.Fatal(err)
	}
	d, err := project.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if d.Title != "Weather Station" {
		t.Errorf("Title = %q", d.Title)
	}
}
