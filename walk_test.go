package attributetwin_test

import (
	"context"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	. "github.com/go-digitaltwin/go-attributetwin"
)

func runtimeOf(asset AssetID, name string, triggers ...AttributeID) RuntimeAttribute {
	return RuntimeAttribute{
		Descriptor:        describe(asset, name, TypeDouble),
		EnabledExpression: true,
		Triggers:          triggers,
	}
}

func TestInspect(t *testing.T) {
	// Build the following dependency graph, where an arrow points from an
	// attribute to its dependency:
	//
	//	R2 ──> R1 ──> A
	//	 │      └───> B
	//	 └──> L ──> A
	asset := NewAssetID()
	a := StaticAttribute{Descriptor: describe(asset, "A", TypeDouble), Value: 1.0}
	b := StaticAttribute{Descriptor: describe(asset, "B", TypeDouble), Value: 2.0}
	r1 := runtimeOf(asset, "R1", a.ID, b.ID)
	l := aliasOf(asset, "L", a)
	r2 := runtimeOf(asset, "R2", r1.ID, l.ID)
	c := mustCreate(t, a, b, r1, l, r2)

	var visited []string
	err := Inspect(context.Background(), c, r2.ID, func(attr Attribute) bool {
		// Must check if attr is nil before using it
		if attr == nil {
			return false
		}
		visited = append(visited, attr.Describe().Name)
		return true
	})
	if err != nil {
		t.Fatalf("Inspect unexpected error: %v", err)
	}

	// A is reachable twice but visited once.
	want := []string{"R2", "R1", "A", "B", "L"}
	if diff := cmp.Diff(want, visited); diff != "" {
		t.Errorf("Inspect visit order mismatch (-want +got):\n%s", diff)
	}
}

func TestCheckAcyclic(t *testing.T) {
	ctx := context.Background()
	asset := NewAssetID()
	a := StaticAttribute{Descriptor: describe(asset, "A", TypeDouble), Value: 1.0}
	r1 := runtimeOf(asset, "R1", a.ID)

	t.Run("acyclic", func(t *testing.T) {
		c := mustCreate(t, a, r1)
		r2 := runtimeOf(asset, "R2", r1.ID, a.ID)
		if err := CheckAcyclic(ctx, c, r2); err != nil {
			t.Errorf("CheckAcyclic(R2) unexpected error: %v", err)
		}
	})

	t.Run("cycle through a sibling", func(t *testing.T) {
		// R3 was created referencing R4 before R4 existed; R4 now references R3.
		r4 := runtimeOf(asset, "R4")
		r3 := runtimeOf(asset, "R3", r4.ID)
		r4.Triggers = []AttributeID{r3.ID}
		c := mustCreate(t, r3)

		err := CheckAcyclic(ctx, c, r4)
		if !errors.Is(err, ErrDependencyCycle) || !errors.Is(err, ErrValidation) {
			t.Errorf("CheckAcyclic(R4) error = %v, want ErrDependencyCycle marked ErrValidation", err)
		}
	})

	t.Run("cycle through an alias", func(t *testing.T) {
		r5 := runtimeOf(asset, "R5")
		alias := AliasAttribute{
			Descriptor: describe(asset, "L", TypeDouble),
			Target:     Reference{AssetID: asset, AttributeID: r5.ID},
		}
		r5.Triggers = []AttributeID{alias.ID}
		c := mustCreate(t, alias)

		if err := CheckAcyclic(ctx, c, r5); !errors.Is(err, ErrDependencyCycle) {
			t.Errorf("CheckAcyclic(R5) error = %v, want ErrDependencyCycle", err)
		}
	})

	t.Run("self alias", func(t *testing.T) {
		alias := AliasAttribute{Descriptor: describe(asset, "self", TypeDouble)}
		alias.Target = Reference{AssetID: asset, AttributeID: alias.ID}
		if err := CheckAcyclic(ctx, NewCatalog(), alias); !errors.Is(err, ErrDependencyCycle) {
			t.Errorf("CheckAcyclic(self alias) error = %v, want ErrDependencyCycle", err)
		}
	})
}

func TestDependsOn(t *testing.T) {
	asset := NewAssetID()
	a := StaticAttribute{Descriptor: describe(asset, "A", TypeDouble)}
	tests := []struct {
		Name string
		Attr Attribute
		Want []AttributeID
	}{
		{Name: "static", Attr: a},
		{Name: "alias", Attr: aliasOf(asset, "L", a), Want: []AttributeID{a.ID}},
		{Name: "runtime", Attr: runtimeOf(asset, "R", a.ID), Want: []AttributeID{a.ID}},
		{Name: "command", Attr: CommandAttribute{Descriptor: describe(asset, "C", TypeText)}},
	}
	for _, tt := range tests {
		got := DependsOn(tt.Attr)
		if diff := cmp.Diff(tt.Want, got, cmpopts.EquateEmpty()); diff != "" {
			t.Errorf("DependsOn(%s) mismatch (-want +got):\n%s", tt.Name, diff)
		}
	}
}
