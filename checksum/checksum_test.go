package checksum_test

import (
	"bytes"
	"testing"

	"github.com/tracewire/tracewire/checksum"
)

// Reference vectors: "check" digests of "123456789" from the published
// catalogue definitions, plus the Fletcher-16 "abcde" vector.
func TestReferenceVectors(t *testing.T) {
	check := []byte("123456789")
	tests := []struct {
		name  string
		input []byte
		want  []byte
	}{
		{"CRC-8", check, []byte{0xF4}},
		{"CRC-16/CCITT-FALSE", check, []byte{0x29, 0xB1}},
		{"CRC-16/MODBUS", check, []byte{0x37, 0x4B}}, // little-endian: 0x4B37
		{"CRC-32", check, []byte{0xCB, 0xF4, 0x39, 0x26}},
		{"XOR-8", check, []byte{0x31}},
		{"SUM-8", check, []byte{0xDD}},
		{"Fletcher-16", []byte("abcde"), []byte{0xC8, 0xF0}},
	}

	for _, tt := range tests {
		c, err := checksum.Lookup(tt.name)
		if err != nil {
			t.Fatalf("Lookup(%q): %v", tt.name, err)
		}
		if c.Size != len(tt.want) {
			t.Errorf("%s: Size = %d, want %d", tt.name, c.Size, len(tt.want))
		}
		got := c.Compute(tt.input)
		if !bytes.Equal(got, tt.want) {
			t.Errorf("%s(%q) = % X, want % X", tt.name, tt.input, got, tt.want)
		}
	}
}

func TestCCITTFalseHello(t *testing.T) {
	c, err := checksum.Lookup("crc-16/ccitt-false")
	if err != nil {
		t.Fatal(err)
	}
	got := c.Compute([]byte("hello"))
	if !bytes.Equal(got, []byte{0xD2, 0x6E}) {
		t.Errorf("CRC-16/CCITT-FALSE(hello) = % X, want D2 6E", got)
	}
}

func TestLookup_CaseInsensitive(t *testing.T) {
	for _, name := range []string{"crc-32", "CRC-32", "Crc-32"} {
		if _, err := checksum.Lookup(name); err != nil {
			t.Errorf("Lookup(%q) failed: %v", name, err)
		}
	}
}

func TestLookup_EmptyMeansNone(t *testing.T) {
	c, err := checksum.Lookup("")
	if err != nil {
		t.Fatal(err)
	}
	if c.Size != 0 {
		t.Errorf("none digest length = %d, want 0", c.Size)
	}
	if d := c.Compute([]byte("anything")); len(d) != 0 {
		t.Errorf("none digest = % X, want empty", d)
	}
}

func TestLookup_Unknown(t *testing.T) {
	if _, err := checksum.Lookup("CRC-64/XZ"); err == nil {
		t.Error("expected error for unregistered checksum")
	}
}

func TestModbusCRC(t *testing.T) {
	if got := checksum.ModbusCRC([]byte("123456789")); got != 0x4B37 {
		t.Errorf("ModbusCRC = %#04x, want 0x4b37", got)
	}
}

func TestNames_ContainsRequiredEntries(t *testing.T) {
	names := checksum.Names()
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[n] = true
	}
	for _, required := range []string{
		"none", "CRC-8", "CRC-16/CCITT-FALSE", "CRC-16/MODBUS",
		"CRC-32", "XOR-8", "SUM-8", "Fletcher-16",
	} {
		if !set[required] {
			t.Errorf("registry missing %q", required)
		}
	}
}
