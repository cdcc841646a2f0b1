package bootloader

import (
	"testing"

	"github.com/swupdate/agent-core/internal/manifest"
)

func TestNoneEnvGetSetUnset(t *testing.T) {
	e := NewNoneEnv()
	if _, ok, _ := e.Get("foo"); ok {
		t.Fatal("Get on empty env returned ok=true")
	}
	if err := e.Set("foo", "bar"); err != nil {
		t.Fatalf("Set() error: %v", err)
	}
	if v, ok, err := e.Get("foo"); err != nil || !ok || v != "bar" {
		t.Fatalf("Get(foo) = %q, %v, %v, want bar, true, nil", v, ok, err)
	}
	if err := e.Unset("foo"); err != nil {
		t.Fatalf("Unset() error: %v", err)
	}
	if _, ok, _ := e.Get("foo"); ok {
		t.Fatal("Get after Unset returned ok=true")
	}
}

func TestNoneEnvSetEmptyName(t *testing.T) {
	e := NewNoneEnv()
	if err := e.Set("", "x"); err == nil {
		t.Fatal("Set(\"\", x) returned nil error")
	}
}

func TestNoneEnvApply(t *testing.T) {
	e := NewNoneEnv()
	if err := e.Set("stale", "old"); err != nil {
		t.Fatalf("Set() error: %v", err)
	}
	ops := []manifest.BootEnvOp{
		{Name: "stale", Value: ""},
		{Name: "fresh", Value: "v1"},
	}
	if err := e.Apply(ops); err != nil {
		t.Fatalf("Apply() error: %v", err)
	}
	if _, ok, _ := e.Get("stale"); ok {
		t.Fatal("Apply did not unset stale")
	}
	if v, ok, _ := e.Get("fresh"); !ok || v != "v1" {
		t.Fatalf("Get(fresh) = %q, %v, want v1, true", v, ok)
	}
}
