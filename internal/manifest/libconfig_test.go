package manifest

import "testing"

func TestParseLibconfigScalarsAndNesting(t *testing.T) {
	root, err := Parse([]byte(`
		# a comment line
		version = "1.0";
		reboot = true;
		software = {
			images = (
				{ name = "rootfs"; sha256 = "ab"; compressed = "zlib"; }
			);
		};
	`))
	if err != nil {
		t.Fatalf("Parse() error: %v", err)
	}
	v, ok := root.GetFieldString("version")
	if !ok || v != "1.0" {
		t.Fatalf("version = %q, %v, want 1.0, true", v, ok)
	}
	if b, ok := root.GetFieldBool("reboot"); !ok || !b {
		t.Fatalf("reboot = %v, %v, want true, true", b, ok)
	}
	software, ok := root.GetChild("software")
	if !ok {
		t.Fatal("software child missing")
	}
	images, ok := software.GetChild("images")
	if !ok || images.GetArrayLength() != 1 {
		t.Fatalf("images missing or wrong length: %v %d", ok, images.GetArrayLength())
	}
	elem, _ := images.GetElemAt(0)
	if name, _ := elem.GetFieldString("name"); name != "rootfs" {
		t.Fatalf("name = %q, want rootfs", name)
	}
}

func TestParseLibconfigBracketArray(t *testing.T) {
	root, err := Parse([]byte(`
		version = "1.0";
		hardware-compatibility = [ "board-a", "#RE:board-.*" ];
	`))
	if err != nil {
		t.Fatalf("Parse() error: %v", err)
	}
	hw, ok := root.GetChild("hardware-compatibility")
	if !ok || hw.GetArrayLength() != 2 {
		t.Fatalf("hardware-compatibility missing or wrong length: %v %d", ok, hw.GetArrayLength())
	}
}

func TestParseLibconfigMissingClosingBraceFails(t *testing.T) {
	if _, err := Parse([]byte(`version = "1.0"; software = { images = (`)); err == nil {
		t.Fatal("Parse() with unterminated braces returned nil error")
	}
}

func TestParseLibconfigNumericScalarBecomesComparable(t *testing.T) {
	root, err := Parse([]byte(`version = "1.0"; count = 42;`))
	if err != nil {
		t.Fatalf("Parse() error: %v", err)
	}
	if v, ok := root.GetFieldInt("count"); !ok || v != 42 {
		t.Fatalf("GetFieldInt(count) = %v, %v, want 42, true", v, ok)
	}
}
