package dict

import (
	"reflect"
	"testing"
)

func TestAddPreservesOrderAndDuplicates(t *testing.T) {
	d := New()
	d.Add("a", "1")
	d.Add("b", "2")
	d.Add("a", "3")

	if got := d.GetAll("a"); !reflect.DeepEqual(got, []string{"1", "3"}) {
		t.Fatalf("GetAll(a) = %v, want [1 3]", got)
	}
	if got, ok := d.Get("a"); !ok || got != "1" {
		t.Fatalf("Get(a) = %q, %v, want 1, true", got, ok)
	}
	if d.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", d.Len())
	}
}

func TestSetReplacesAllAtFirstPosition(t *testing.T) {
	d := New()
	d.Add("a", "1")
	d.Add("b", "2")
	d.Add("a", "3")
	d.Set("a", "final")

	want := []Entry{{Key: "a", Value: "final"}, {Key: "b", Value: "2"}}
	if got := d.Entries(); !reflect.DeepEqual(got, want) {
		t.Fatalf("Entries() = %+v, want %+v", got, want)
	}
}

func TestSetNewKeyAppends(t *testing.T) {
	d := New()
	d.Add("a", "1")
	d.Set("b", "2")

	want := []Entry{{Key: "a", Value: "1"}, {Key: "b", Value: "2"}}
	if got := d.Entries(); !reflect.DeepEqual(got, want) {
		t.Fatalf("Entries() = %+v, want %+v", got, want)
	}
}

func TestUnset(t *testing.T) {
	d := New()
	d.Add("a", "1")
	d.Add("b", "2")
	d.Add("a", "3")
	d.Unset("a")

	if got := d.GetAll("a"); got != nil {
		t.Fatalf("GetAll(a) after Unset = %v, want nil", got)
	}
	if d.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", d.Len())
	}
}

func TestGetMissingKey(t *testing.T) {
	d := New()
	if _, ok := d.Get("missing"); ok {
		t.Fatal("Get(missing) returned ok=true")
	}
}
