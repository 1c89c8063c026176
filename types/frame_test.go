package types_test

import (
	"testing"

	"github.com/tracewire/tracewire/types"
)

func TestTelemetryFrame_DatasetCount(t *testing.T) {
	f := &types.TelemetryFrame{
		Title: "rig",
		Groups: []types.Group{
			{Title: "env", Datasets: []types.Dataset{{Title: "Temp"}, {Title: "Hum"}}},
			{Title: "power", Datasets: []types.Dataset{{Title: "Volts"}}},
		},
	}
	if got := f.DatasetCount(); got != 3 {
		t.Errorf("DatasetCount = %d, want 3", got)
	}
}

func TestTelemetryFrame_CloneIsDeep(t *testing.T) {
	low := 1.5
	f := &types.TelemetryFrame{
		Title: "rig",
		Groups: []types.Group{
			{Title: "env", Datasets: []types.Dataset{{Title: "Temp", Value: "20", AlarmLow: &low}}},
		},
	}

	c := f.Clone()
	c.Groups[0].Datasets[0].Value = "99"
	*c.Groups[0].Datasets[0].AlarmLow = 7.0

	if f.Groups[0].Datasets[0].Value != "20" {
		t.Error("clone shares dataset slice with original")
	}
	if *f.Groups[0].Datasets[0].AlarmLow != 1.5 {
		t.Error("clone shares alarm pointer with original")
	}
}

func TestDataset_Numeric(t *testing.T) {
	tests := []struct {
		name string
		ds   types.Dataset
		want bool
	}{
		{"plain", types.Dataset{Widget: ""}, false},
		{"graph", types.Dataset{Graph: true}, true},
		{"fft", types.Dataset{FFT: true}, true},
		{"gauge", types.Dataset{Widget: "gauge"}, true},
		{"led", types.Dataset{Widget: "led"}, false},
	}
	for _, tt := range tests {
		if got := tt.ds.Numeric(); got != tt.want {
			t.Errorf("%s: Numeric = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestParseEnums(t *testing.T) {
	if _, err := types.ParseOperatingMode("quick-plot"); err != nil {
		t.Errorf("quick-plot should parse: %v", err)
	}
	if _, err := types.ParseOperatingMode("turbo"); err == nil {
		t.Error("expected error for unknown mode")
	}
	if enc, err := types.ParsePayloadEncoding(""); err != nil || enc != types.EncodingPlainText {
		t.Errorf("empty encoding should default to PlainText, got %v, %v", enc, err)
	}
	if _, err := types.ParseBusKind("carrier-pigeon"); err == nil {
		t.Error("expected error for unknown bus")
	}
}

func TestFramingConfig_Validate(t *testing.T) {
	cfg := types.FramingConfig{Detection: types.DetectEndDelimiter}
	if err := cfg.Validate(); err == nil {
		t.Error("end-delimiter without end sequence should fail validation")
	}

	cfg = types.DefaultFramingConfig()
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}

	cfg = types.FramingConfig{Detection: types.DetectStartAndEnd, StartSequence: []byte("$")}
	if err := cfg.Validate(); err == nil {
		t.Error("start-end without end sequence should fail validation")
	}
}

func TestFramingConfig_NormalizedCollapsesEqualDelimiters(t *testing.T) {
	cfg := types.FramingConfig{
		Detection:     types.DetectStartAndEnd,
		StartSequence: []byte("\n"),
		EndSequence:   []byte("\n"),
	}
	n := cfg.Normalized()
	if n.Detection != types.DetectEndDelimiter {
		t.Errorf("Detection = %q, want end-delimiter", n.Detection)
	}
	if n.StartSequence != nil {
		t.Error("start sequence should be cleared")
	}
}

func TestParseFrameDetection_NumericAliases(t *testing.T) {
	for alias, want := range map[string]types.FrameDetection{
		"0": types.DetectEndDelimiter,
		"1": types.DetectStartAndEnd,
		"2": types.DetectStartOnly,
		"3": types.DetectNone,
	} {
		got, err := types.ParseFrameDetection(alias)
		if err != nil || got != want {
			t.Errorf("ParseFrameDetection(%q) = %v, %v; want %v", alias, got, err, want)
		}
	}
}
