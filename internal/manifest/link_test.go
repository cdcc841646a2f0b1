package manifest

import "testing"

func TestFollowLinkResolvesAbsolutePath(t *testing.T) {
	root, err := Parse([]byte(`{
		"common": {"handler": "raw"},
		"software": {"images": {"ref": "#/common"}}
	}`))
	if err != nil {
		t.Fatalf("Parse() error: %v", err)
	}
	software, _ := root.GetChild("software")
	images, _ := software.GetChild("images")
	resolved, err := FollowLink(root, images)
	if err != nil {
		t.Fatalf("FollowLink() error: %v", err)
	}
	handler, ok := resolved.GetFieldString("handler")
	if !ok || handler != "raw" {
		t.Fatalf("resolved.handler = %q, %v, want raw, true", handler, ok)
	}
}

func TestFollowLinkNonLinkNodeIsNoop(t *testing.T) {
	root, err := Parse([]byte(`{"version": "1.0"}`))
	if err != nil {
		t.Fatalf("Parse() error: %v", err)
	}
	got, err := FollowLink(root, root)
	if err != nil {
		t.Fatalf("FollowLink() error: %v", err)
	}
	if v, _ := got.GetFieldString("version"); v != "1.0" {
		t.Fatalf("FollowLink(non-link) changed the node: version = %q", v)
	}
}

func TestFollowLinkDetectsLoop(t *testing.T) {
	root, err := Parse([]byte(`{
		"a": {"ref": "#/b"},
		"b": {"ref": "#/a"}
	}`))
	if err != nil {
		t.Fatalf("Parse() error: %v", err)
	}
	a, _ := root.GetChild("a")
	if _, err := FollowLink(root, a); err == nil {
		t.Fatal("FollowLink() on a ref loop returned nil error")
	}
}

func TestFollowLinkRejectsPathAboveRoot(t *testing.T) {
	root, err := Parse([]byte(`{
		"a": {"ref": "#/../escape"}
	}`))
	if err != nil {
		t.Fatalf("Parse() error: %v", err)
	}
	a, _ := root.GetChild("a")
	if _, err := FollowLink(root, a); err == nil {
		t.Fatal("FollowLink() with a path escaping the root returned nil error")
	}
}

func TestFollowLinkMissingTargetFails(t *testing.T) {
	root, err := Parse([]byte(`{"a": {"ref": "#/nonexistent"}}`))
	if err != nil {
		t.Fatalf("Parse() error: %v", err)
	}
	a, _ := root.GetChild("a")
	if _, err := FollowLink(root, a); err == nil {
		t.Fatal("FollowLink() to a missing path returned nil error")
	}
}
