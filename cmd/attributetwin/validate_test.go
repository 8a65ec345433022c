package main

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/go-digitaltwin/go-attributetwin"
	"github.com/go-digitaltwin/go-attributetwin/expression"
)

func TestParseCandidate(t *testing.T) {
	const id = "6f1c3c1e-7f35-4f7e-9a3c-0d54c1a0e2b1"
	got, err := parseCandidate(id + "=double/dynamic")
	if err != nil {
		t.Fatal(err)
	}
	want := expression.Candidate{
		ID:       attributetwin.MustParseAttributeID(id),
		DataType: attributetwin.TypeDouble,
		Category: attributetwin.Dynamic,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("parseCandidate() mismatch (-want +got):\n%s", diff)
	}

	for _, s := range []string{
		id,
		id + "=double",
		"nope=double/dynamic",
		id + "=float/dynamic",
		id + "=double/virtual",
	} {
		if _, err := parseCandidate(s); err == nil {
			t.Errorf("parseCandidate(%q) succeeded, want error", s)
		}
	}
}
