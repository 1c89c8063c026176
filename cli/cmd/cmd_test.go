package cmd_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/urfave/cli/v2"

	"github.com/tracewire/tracewire/cli/cmd"
)

// newTestApp wires a command with exit handling disabled so error codes
// come back as values instead of terminating the test binary.
func newTestApp(command *cli.Command) *cli.App {
	return &cli.App{
		Commands:       []*cli.Command{command},
		ExitErrHandler: func(*cli.Context, error) {},
	}
}

func TestChecksumsCommand_Lists(t *testing.T) {
	app := newTestApp(cmd.ChecksumsCommand())
	if err := app.Run([]string{"tracewire", "checksums"}); err != nil {
		t.Fatalf("checksums: %v", err)
	}
}

func TestValidateCommand_ValidProject(t *testing.T) {
	doc := `{
	  "title": "Bench PSU",
	  "frameEnd": "\n",
	  "checksum": "CRC-8",
	  "decoder": {"language": "lua", "source": "function parse(s) return {s} end"},
	  "groups": [{"title": "Output", "datasets": [{"title": "Volts", "units": "V", "index": 1}]}]
	}`
	path := filepath.Join(t.TempDir(), "psu.json")
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}

	app := newTestApp(cmd.ValidateCommand())
	if err := app.Run([]string{"tracewire", "validate", path}); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestValidateCommand_ReportsProjectErrors(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.json")
	if err := os.WriteFile(path, []byte(`{"title":""}`), 0o644); err != nil {
		t.Fatal(err)
	}

	app := newTestApp(cmd.ValidateCommand())
	err := app.Run([]string{"tracewire", "validate", path})
	coder, ok := err.(cli.ExitCoder)
	if !ok {
		t.Fatalf("err = %v, want ExitCoder", err)
	}
	if coder.ExitCode() != 4 {
		t.Errorf("exit code = %d, want 4 (project load failure)", coder.ExitCode())
	}
}

func TestValidateCommand_BadChecksumName(t *testing.T) {
	doc := `{
	  "title": "t", "checksum": "CRC-99",
	  "groups": [{"title": "g", "datasets": [{"title": "d"}]}]
	}`
	path := filepath.Join(t.TempDir(), "badsum.json")
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}

	app := newTestApp(cmd.ValidateCommand())
	err := app.Run([]string{"tracewire", "validate", path})
	if coder, ok := err.(cli.ExitCoder); !ok || coder.ExitCode() != 4 {
		t.Errorf("err = %v, want exit code 4", err)
	}
}
