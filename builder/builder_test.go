package builder_test

import (
	"errors"
	"testing"
	"time"

	"github.com/tracewire/tracewire/builder"
	"github.com/tracewire/tracewire/decoder"
	"github.com/tracewire/tracewire/metrics"
	"github.com/tracewire/tracewire/project"
	"github.com/tracewire/tracewire/types"
)

const weatherProject = `{
  "title": "Weather",
  "frameEnd": "\n",
  "groups": [
    {"title": "Env", "datasets": [
      {"title": "Temp", "units": "C", "index": 1, "graph": true},
      {"title": "Hum", "units": "%", "index": 2, "graph": true}
    ]}
  ]
}`

func mustProject(t *testing.T, doc string) *project.Descriptor {
	t.Helper()
	d, err := project.Parse([]byte(doc))
	if err != nil {
		t.Fatalf("project.Parse: %v", err)
	}
	return d
}

func datasetValue(f *types.TelemetryFrame, group, ds int) string {
	return f.Groups[group].Datasets[ds].Value
}

func TestProjectMode_DecoderScript(t *testing.T) {
	host, err := decoder.Compile("js", `function parse(s){return s.split(';');}`, decoder.Options{})
	if err != nil {
		t.Fatal(err)
	}
	defer host.Close()

	b, err := builder.New(builder.Config{
		Mode:    types.ModeProjectFile,
		Project: mustProject(t, weatherProject),
		Decoder: host,
	})
	if err != nil {
		t.Fatal(err)
	}

	res, err := b.Build([]byte("25.4;60.1"), time.Now())
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if got := datasetValue(res.Frame, 0, 0); got != "25.4" {
		t.Errorf("Temp = %q, want 25.4", got)
	}
	if got := datasetValue(res.Frame, 0, 1); got != "60.1" {
		t.Errorf("Hum = %q, want 60.1", got)
	}
}

func TestProjectMode_ChannelCountGuard(t *testing.T) {
	coll := metrics.NewCollector("t", "loopback")
	b, err := builder.New(builder.Config{
		Mode:      types.ModeProjectFile,
		Project:   mustProject(t, weatherProject),
		Collector: coll,
	})
	if err != nil {
		t.Fatal(err)
	}

	// Comma split yields 3 channels against 2 declared datasets.
	_, err = b.Build([]byte("1,2,3"), time.Now())
	if !errors.Is(err, builder.ErrChannelCountMismatch) {
		t.Errorf("err = %v, want ErrChannelCountMismatch", err)
	}
	if coll.Snapshot().ChannelMismatches != 1 {
		t.Error("mismatch not counted")
	}
}

func TestProjectMode_NumericParseKeepsPreviousValue(t *testing.T) {
	coll := metrics.NewCollector("t", "loopback")
	b, err := builder.New(builder.Config{
		Mode:      types.ModeProjectFile,
		Project:   mustProject(t, weatherProject),
		Collector: coll,
	})
	if err != nil {
		t.Fatal(err)
	}

	res, err := b.Build([]byte("21.0,55.2"), time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if got := datasetValue(res.Frame, 0, 0); got != "21.0" {
		t.Fatalf("Temp = %q", got)
	}

	res, err = b.Build([]byte("garbage,56.0"), time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if got := datasetValue(res.Frame, 0, 0); got != "21.0" {
		t.Errorf("Temp = %q, want previous value 21.0", got)
	}
	if got := datasetValue(res.Frame, 0, 1); got != "56.0" {
		t.Errorf("Hum = %q, want 56.0", got)
	}
	if coll.Snapshot().NumericParseErrors != 1 {
		t.Error("parse error not counted")
	}
}

func TestQuickPlot_SkeletonAndValues(t *testing.T) {
	coll := metrics.NewCollector("t", "loopback")
	b, err := builder.New(builder.Config{Mode: types.ModeQuickPlot, Collector: coll})
	if err != nil {
		t.Fatal(err)
	}

	res, err := b.Build([]byte("1.0,2.0,3.0"), time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if !res.StructuralChange {
		t.Error("first frame should rebuild the skeleton")
	}
	if n := res.Frame.DatasetCount(); n != 3 {
		t.Fatalf("dataset count = %d, want 3", n)
	}
	if got := res.Frame.Groups[0].Datasets[0].Title; got != "Series 1" {
		t.Errorf("title = %q, want Series 1", got)
	}
	if got := datasetValue(res.Frame, 0, 2); got != "3.0" {
		t.Errorf("Series 3 = %q, want 3.0", got)
	}

	res, err = b.Build([]byte("4.0,5.0,6.0"), time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if res.StructuralChange {
		t.Error("same column count should not rebuild")
	}
	if got := datasetValue(res.Frame, 0, 0); got != "4.0" {
		t.Errorf("Series 1 = %q, want 4.0", got)
	}

	// Column count change rebuilds again.
	res, err = b.Build([]byte("7,8"), time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if !res.StructuralChange {
		t.Error("column change should rebuild the skeleton")
	}
	if coll.Snapshot().StructuralRebuilds != 2 {
		t.Errorf("StructuralRebuilds = %d, want 2", coll.Snapshot().StructuralRebuilds)
	}
}

func TestQuickPlot_WhitespaceStripped(t *testing.T) {
	b, err := builder.New(builder.Config{Mode: types.ModeQuickPlot})
	if err != nil {
		t.Fatal(err)
	}
	res, err := b.Build([]byte("  1.5 , 2.5 \r"), time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if got := datasetValue(res.Frame, 0, 1); got != "2.5" {
		t.Errorf("Series 2 = %q, want 2.5", got)
	}
}

func TestDeviceJSON_StructuralChanges(t *testing.T) {
	coll := metrics.NewCollector("t", "loopback")
	b, err := builder.New(builder.Config{Mode: types.ModeDeviceJSON, Collector: coll})
	if err != nil {
		t.Fatal(err)
	}

	two := `{"title":"Dev","groups":[
	  {"title":"A","datasets":[{"title":"a1","value":"1"},{"title":"a2","value":"2"},{"title":"a3","value":"3"}]},
	  {"title":"B","datasets":[{"title":"b1","value":"4"},{"title":"b2","value":"5"}]}]}`
	three := `{"title":"Dev","groups":[
	  {"title":"A","datasets":[{"title":"a1","value":"1"}]},
	  {"title":"B","datasets":[{"title":"b1","value":"2"}]},
	  {"title":"C","datasets":[{"title":"c1","value":"3"}]}]}`

	res, err := b.Build([]byte(two), time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if !res.StructuralChange {
		t.Error("first device frame should be structural")
	}
	if got := datasetValue(res.Frame, 1, 0); got != "4" {
		t.Errorf("b1 = %q, want 4", got)
	}

	// Same structure, new values: not structural.
	res, err = b.Build([]byte(two), time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if res.StructuralChange {
		t.Error("identical structure should not be structural")
	}

	res, err = b.Build([]byte(three), time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if !res.StructuralChange {
		t.Error("group count change should be structural")
	}
	if coll.Snapshot().StructuralRebuilds != 2 {
		t.Errorf("StructuralRebuilds = %d, want 2", coll.Snapshot().StructuralRebuilds)
	}
}

func TestDeviceJSON_MalformedFrameDropped(t *testing.T) {
	coll := metrics.NewCollector("t", "loopback")
	b, err := builder.New(builder.Config{Mode: types.ModeDeviceJSON, Collector: coll})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := b.Build([]byte(`{"title":`), time.Now()); !errors.Is(err, builder.ErrDecodeFailed) {
		t.Errorf("parse failure: err = %v", err)
	}
	if _, err := b.Build([]byte(`{"title":"x","groups":[]}`), time.Now()); !errors.Is(err, builder.ErrDecodeFailed) {
		t.Errorf("schema failure: err = %v", err)
	}
	if coll.Snapshot().FramesDropped != 2 {
		t.Errorf("FramesDropped = %d, want 2", coll.Snapshot().FramesDropped)
	}
}

func TestNew_ProjectModeRequiresDescriptor(t *testing.T) {
	if _, err := builder.New(builder.Config{Mode: types.ModeProjectFile}); err == nil {
		t.Error("expected error without a descriptor")
	}
}

func TestBuild_FramesAreIndependentCopies(t *testing.T) {
	b, err := builder.New(builder.Config{Mode: types.ModeQuickPlot})
	if err != nil {
		t.Fatal(err)
	}
	first, _ := b.Build([]byte("1,2"), time.Now())
	second, _ := b.Build([]byte("3,4"), time.Now())
	if got := datasetValue(first.Frame, 0, 0); got != "1" {
		t.Errorf("first frame mutated by second build: %q", got)
	}
	if got := datasetValue(second.Frame, 0, 0); got != "3" {
		t.Errorf("second frame = %q", got)
	}
}
