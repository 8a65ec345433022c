package attributetwin_test

import (
	"context"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/google/go-cmp/cmp"

	. "github.com/go-digitaltwin/go-attributetwin"
)

// mustCreate stores every attribute in a fresh catalog.
func mustCreate(t *testing.T, attrs ...Attribute) *Catalog {
	t.Helper()
	c := NewCatalog()
	for _, a := range attrs {
		if _, err := c.Create(context.Background(), a); err != nil {
			t.Fatalf("Create(%s): %v", a.Describe().ID, err)
		}
	}
	return c
}

func describe(asset AssetID, name string, dt DataType) Descriptor {
	return Descriptor{ID: NewAttributeID(), AssetID: asset, Name: name, DataType: dt}
}

func aliasOf(asset AssetID, name string, target Attribute) AliasAttribute {
	d := target.Describe()
	return AliasAttribute{
		Descriptor: describe(asset, name, d.DataType),
		Target:     Reference{AssetID: d.AssetID, AttributeID: d.ID},
	}
}

func TestAliasResolver(t *testing.T) {
	ctx := context.Background()
	asset := NewAssetID()

	t.Run("chain", func(t *testing.T) {
		static := StaticAttribute{Descriptor: describe(asset, "static", TypeDouble), Value: 5.0}
		alias2 := aliasOf(asset, "alias2", static)
		alias1 := aliasOf(asset, "alias1", alias2)
		c := mustCreate(t, static, alias2, alias1)

		got, err := AliasResolver{Lookup: c}.Resolve(ctx, alias1.ID)
		if err != nil {
			t.Fatalf("Resolve(alias1) unexpected error: %v", err)
		}
		resolved, ok := got.(StaticAttribute)
		if !ok {
			t.Fatalf("Resolve(alias1) = %T, want StaticAttribute", got)
		}
		if diff := cmp.Diff(5.0, resolved.Value); diff != "" {
			t.Errorf("Resolve(alias1) value mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("non-alias resolves to itself", func(t *testing.T) {
		static := StaticAttribute{Descriptor: describe(asset, "static", TypeText), Value: "x"}
		c := mustCreate(t, static)
		got, err := AliasResolver{Lookup: c}.Resolve(ctx, static.ID)
		if err != nil {
			t.Fatalf("Resolve unexpected error: %v", err)
		}
		if got.Describe().ID != static.ID {
			t.Errorf("Resolve(static) = %s, want %s", got.Describe().ID, static.ID)
		}
	})

	t.Run("broken", func(t *testing.T) {
		missing := StaticAttribute{Descriptor: describe(asset, "missing", TypeDouble)}
		alias := aliasOf(asset, "alias", missing)
		c := mustCreate(t, alias)

		_, err := AliasResolver{Lookup: c}.Resolve(ctx, alias.ID)
		if !errors.Is(err, ErrAliasBroken) || !errors.Is(err, ErrResolution) {
			t.Errorf("Resolve(broken alias) error = %v, want ErrAliasBroken marked ErrResolution", err)
		}
	})

	t.Run("wrong asset", func(t *testing.T) {
		static := StaticAttribute{Descriptor: describe(asset, "static", TypeDouble), Value: 1.0}
		alias := aliasOf(asset, "alias", static)
		alias.Target.AssetID = NewAssetID()
		c := mustCreate(t, static, alias)

		_, err := AliasResolver{Lookup: c}.Resolve(ctx, alias.ID)
		if !errors.Is(err, ErrAliasBroken) {
			t.Errorf("Resolve(alias to foreign asset) error = %v, want ErrAliasBroken", err)
		}
	})

	t.Run("cycle", func(t *testing.T) {
		a := AliasAttribute{Descriptor: describe(asset, "a", TypeDouble)}
		b := AliasAttribute{Descriptor: describe(asset, "b", TypeDouble)}
		a.Target = Reference{AssetID: asset, AttributeID: b.ID}
		b.Target = Reference{AssetID: asset, AttributeID: a.ID}
		c := mustCreate(t, a, b)

		_, err := AliasResolver{Lookup: c}.Resolve(ctx, a.ID)
		if !errors.Is(err, ErrAliasCycle) || !errors.Is(err, ErrResolution) {
			t.Errorf("Resolve(cyclic alias) error = %v, want ErrAliasCycle marked ErrResolution", err)
		}
	})

	t.Run("depth bound", func(t *testing.T) {
		var attrs []Attribute
		var prev Attribute = StaticAttribute{Descriptor: describe(asset, "end", TypeDouble), Value: 1.0}
		attrs = append(attrs, prev)
		for range 5 {
			prev = aliasOf(asset, "link", prev)
			attrs = append(attrs, prev)
		}
		c := mustCreate(t, attrs...)

		if _, err := (AliasResolver{Lookup: c, MaxDepth: 5}).Resolve(ctx, prev.Describe().ID); err != nil {
			t.Errorf("Resolve(5 hops, bound 5) unexpected error: %v", err)
		}
		_, err := AliasResolver{Lookup: c, MaxDepth: 4}.Resolve(ctx, prev.Describe().ID)
		if !errors.Is(err, ErrAliasCycle) {
			t.Errorf("Resolve(5 hops, bound 4) error = %v, want ErrAliasCycle", err)
		}
	})
}
