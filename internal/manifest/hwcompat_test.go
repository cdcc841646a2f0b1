package manifest

import "testing"

func TestHardwareCompatibleLiteralMatch(t *testing.T) {
	b := &Bundle{HardwareCompat: []HardwareCompatEntry{{Pattern: "board-rev2"}}}
	ok, err := b.HardwareCompatible("board-rev2")
	if err != nil {
		t.Fatalf("HardwareCompatible() error: %v", err)
	}
	if !ok {
		t.Fatal("HardwareCompatible() = false for an exact literal match")
	}
	ok, err = b.HardwareCompatible("board-rev3")
	if err != nil {
		t.Fatalf("HardwareCompatible() error: %v", err)
	}
	if ok {
		t.Fatal("HardwareCompatible() = true for a non-matching literal")
	}
}

func TestHardwareCompatibleRegexMatch(t *testing.T) {
	b := &Bundle{HardwareCompat: []HardwareCompatEntry{parseHardwareCompatEntry("#RE:board-rev[0-9]+")}}
	ok, err := b.HardwareCompatible("board-rev42")
	if err != nil {
		t.Fatalf("HardwareCompatible() error: %v", err)
	}
	if !ok {
		t.Fatal("HardwareCompatible() = false for a matching regex entry")
	}
}

func TestHardwareCompatibleEmptyListAcceptsAnything(t *testing.T) {
	b := &Bundle{}
	ok, err := b.HardwareCompatible("whatever-board")
	if err != nil || !ok {
		t.Fatalf("HardwareCompatible() = %v, %v, want true, nil", ok, err)
	}
}

func TestParseHardwareCompatEntry(t *testing.T) {
	lit := parseHardwareCompatEntry("board-a")
	if lit.IsRegex || lit.Pattern != "board-a" {
		t.Fatalf("parseHardwareCompatEntry(literal) = %+v", lit)
	}
	re := parseHardwareCompatEntry("#RE:board-.*")
	if !re.IsRegex || re.Pattern != "board-.*" {
		t.Fatalf("parseHardwareCompatEntry(regex) = %+v", re)
	}
}
