package bsoncore

import "testing"

func TestBuildAndLookup(t *testing.T) {
	inner := NewDocumentBuilder().AppendString("dc", "east").Build()
	doc := NewDocumentBuilder().
		AppendString("name", "c").
		AppendInt32("n", 7).
		AppendInt64("big", 1<<40).
		AppendBoolean("ok", true).
		AppendDocument("tags", inner).
		Build()

	if err := doc.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}

	if v, err := doc.LookupErr("name"); err != nil || v.StringValue() != "c" {
		t.Fatalf("name lookup = %v, %v", v, err)
	}
	if v, err := doc.LookupErr("n"); err != nil {
		t.Fatal(err)
	} else if i, ok := v.Int32OK(); !ok || i != 7 {
		t.Fatalf("n = %d, %v", i, ok)
	}
	if v, err := doc.LookupErr("big"); err != nil {
		t.Fatal(err)
	} else if i, ok := v.Int64OK(); !ok || i != 1<<40 {
		t.Fatalf("big = %d, %v", i, ok)
	}
	if v, err := doc.LookupErr("ok"); err != nil || !v.Boolean() {
		t.Fatalf("ok lookup failed: %v %v", v, err)
	}
	if v, err := doc.LookupErr("tags"); err != nil {
		t.Fatal(err)
	} else if s := v.Document().Lookup("dc").StringValue(); s != "east" {
		t.Fatalf("tags.dc = %q", s)
	}
}

func TestArrayBuilder(t *testing.T) {
	arr := NewArrayBuilder().
		AppendInt32(1).
		AppendInt32(2).
		AppendInt32(3).
		Build()

	if err := arr.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	values, err := arr.Values()
	if err != nil {
		t.Fatal(err)
	}
	if len(values) != 3 {
		t.Fatalf("len(values) = %d, want 3", len(values))
	}
	for i, v := range values {
		n, ok := v.Int32OK()
		if !ok || int(n) != i+1 {
			t.Fatalf("values[%d] = %d, %v", i, n, ok)
		}
	}
}

func TestMissingKeyErrors(t *testing.T) {
	doc := NewDocumentBuilder().AppendString("a", "b").Build()
	if _, err := doc.LookupErr("missing"); err == nil {
		t.Fatal("expected error for missing key")
	}
}
