package ipc_test

import (
	"bytes"
	"io"
	"reflect"
	"testing"

	"github.com/tracewire/tracewire/ipc"
	"github.com/tracewire/tracewire/types"
)

func sampleFrame() *types.TelemetryFrame {
	return &types.TelemetryFrame{
		Title: "Weather",
		Groups: []types.Group{
			{Title: "Env", Datasets: []types.Dataset{
				{Title: "Temp", Units: "C", Index: 1, Value: "25.4", Graph: true},
				{Title: "Hum", Units: "%", Index: 2, Value: "60.1"},
			}},
		},
	}
}

func TestNDJSON_RoundTrip(t *testing.T) {
	var buf bytes.Buffer
	enc := ipc.NewLineEncoder(&buf)

	want := sampleFrame()
	if err := enc.Encode(want); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if err := enc.Encode(want); err != nil {
		t.Fatal(err)
	}

	dec := ipc.NewLineDecoder(&buf)
	for i := 0; i < 2; i++ {
		got, err := dec.Decode()
		if err != nil {
			t.Fatalf("Decode %d: %v", i, err)
		}
		if !reflect.DeepEqual(got, want) {
			t.Errorf("frame %d = %+v, want %+v", i, got, want)
		}
	}
	if _, err := dec.Decode(); err != io.EOF {
		t.Errorf("err = %v, want io.EOF", err)
	}
}

func TestNDJSON_OneLinePerFrame(t *testing.T) {
	data, err := ipc.Marshal(sampleFrame())
	if err != nil {
		t.Fatal(err)
	}
	if data[len(data)-1] != '\n' {
		t.Error("marshaled frame must end with a newline")
	}
	if bytes.Count(data, []byte("\n")) != 1 {
		t.Error("marshaled frame must contain exactly one newline")
	}
}

func TestNDJSON_SkipsBlankLines(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteString("\n")
	line, _ := ipc.Marshal(sampleFrame())
	buf.Write(line)

	dec := ipc.NewLineDecoder(&buf)
	if _, err := dec.Decode(); err != nil {
		t.Errorf("Decode across blank line: %v", err)
	}
}

func TestBinary_RoundTrip(t *testing.T) {
	var buf bytes.Buffer
	want := &ipc.Envelope{
		Version:   types.Version,
		SessionID: "s-1",
		Seq:       7,
		Ts:        "2026-08-05T10:00:00.000Z",
		Frame:     sampleFrame(),
	}
	if err := ipc.WriteEnvelope(&buf, want); err != nil {
		t.Fatalf("WriteEnvelope: %v", err)
	}

	got, err := ipc.ReadEnvelope(&buf)
	if err != nil {
		t.Fatalf("ReadEnvelope: %v", err)
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("envelope = %+v, want %+v", got, want)
	}

	if _, err := ipc.ReadEnvelope(&buf); err != io.EOF {
		t.Errorf("err = %v, want io.EOF", err)
	}
}

func TestBinary_PartialFrameIsFatal(t *testing.T) {
	var buf bytes.Buffer
	if err := ipc.WriteEnvelope(&buf, &ipc.Envelope{Frame: sampleFrame()}); err != nil {
		t.Fatal(err)
	}
	truncated := bytes.NewReader(buf.Bytes()[:buf.Len()-3])

	if _, err := ipc.ReadEnvelope(truncated); !ipc.IsFatalFrameError(err) {
		t.Errorf("truncated frame: err = %v, want fatal frame error", err)
	}
}

func TestBinary_OversizeRejected(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0xFF, 0xFF, 0xFF, 0xFF})
	if _, err := ipc.ReadEnvelope(&buf); !ipc.IsFatalFrameError(err) {
		t.Errorf("oversize prefix: err = %v, want fatal frame error", err)
	}
}
