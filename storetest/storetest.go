/*
Package storetest provides a suite of tests designed to assess implementations
of [attributetwin.AttributeStore] (e.g. in-memory, neo4j).

Call storetest.Run in its own test to invoke the test-suite:

	func TestStore(t *testing.T) {
		store := NewStore(driver) // Create a new, empty attribute store.
		storetest.Run(t, store)
	}

The test cases in this suite focus on the behaviours every engine depends on:

  - Creating, updating and deleting attribute definitions.
  - Optimistic revision checks of updates.
  - Maintenance of the trigger and telemetry-channel indexes.
  - Last-write-wins snapshots of runtime and dynamic attributes.

Specific stores are encouraged to perform additional tests which are specific to
their underlying storage.
*/
package storetest

import (
	"context"
	"fmt"
	"runtime"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/go-digitaltwin/go-attributetwin"
)

// Well-known identifiers shared by all test-cases.
var (
	asset    = attributetwin.MustParseAssetID("a55e7000-0000-4000-8000-000000000001")
	other    = attributetwin.MustParseAssetID("a55e7000-0000-4000-8000-000000000002")
	staticA  = attributetwin.MustParseAttributeID("5a000000-0000-4000-8000-00000000000a")
	staticB  = attributetwin.MustParseAttributeID("5a000000-0000-4000-8000-00000000000b")
	aliasL   = attributetwin.MustParseAttributeID("a1000000-0000-4000-8000-000000000001")
	runtime1 = attributetwin.MustParseAttributeID("0e000000-0000-4000-8000-000000000001")
	dynamic1 = attributetwin.MustParseAttributeID("d0000000-0000-4000-8000-000000000001")
	dynamic2 = attributetwin.MustParseAttributeID("d0000000-0000-4000-8000-000000000002")
	command1 = attributetwin.MustParseAttributeID("c0000000-0000-4000-8000-000000000001")
)

func descriptor(id attributetwin.AttributeID, owner attributetwin.AssetID, name string, dt attributetwin.DataType) attributetwin.Descriptor {
	return attributetwin.Descriptor{ID: id, AssetID: owner, Name: name, DataType: dt}
}

type testCase struct {
	// Subtest name.
	name string
	// A path leading to the test-case's file and line in the source code.
	location string
	// A step modifies and inspects the tested store. It returns an error describing
	// the first unexpected behaviour it observed.
	step func(ctx context.Context, s attributetwin.AttributeStore) error
}

var cases = []testCase{
	{
		name:     "lookup-nonexistent",
		location: locateSource(),
		step: func(ctx context.Context, s attributetwin.AttributeStore) error {
			_, err := s.Attribute(ctx, staticA)
			return expectError(err, attributetwin.ErrAttributeNotFound)
		},
	},
	{
		name:     "create-static",
		location: locateSource(),
		step: func(ctx context.Context, s attributetwin.AttributeStore) error {
			created, err := s.Create(ctx, attributetwin.StaticAttribute{
				Descriptor: descriptor(staticA, asset, "a", attributetwin.TypeDouble),
				Value:      3.0,
			})
			if err != nil {
				return err
			}
			if rev := created.Describe().Revision; rev != 1 {
				return fmt.Errorf("created revision = %d, want 1", rev)
			}
			return expectStatic(ctx, s, staticA, 3.0, 1)
		},
	},
	{
		name:     "create-duplicate",
		location: locateSource(),
		step: func(ctx context.Context, s attributetwin.AttributeStore) error {
			_, err := s.Create(ctx, attributetwin.StaticAttribute{
				Descriptor: descriptor(staticA, asset, "a", attributetwin.TypeDouble),
				Value:      100.0,
			})
			if err := expectError(err, attributetwin.ErrDuplicateAttribute); err != nil {
				return err
			}
			return expectStatic(ctx, s, staticA, 3.0, 1)
		},
	},
	{
		name:     "create-siblings",
		location: locateSource(),
		step: func(ctx context.Context, s attributetwin.AttributeStore) error {
			for _, a := range []attributetwin.Attribute{
				attributetwin.StaticAttribute{
					Descriptor: descriptor(staticB, asset, "b", attributetwin.TypeDouble),
					Value:      4.0,
				},
				attributetwin.AliasAttribute{
					Descriptor: descriptor(aliasL, other, "l", attributetwin.TypeDouble),
					Target:     attributetwin.Reference{AssetID: asset, AttributeID: staticA},
				},
				attributetwin.CommandAttribute{
					Descriptor: descriptor(command1, asset, "reset", attributetwin.TypeBoolean),
				},
			} {
				if _, err := s.Create(ctx, a); err != nil {
					return err
				}
			}
			return nil
		},
	},
	{
		name:     "create-runtime",
		location: locateSource(),
		step: func(ctx context.Context, s attributetwin.AttributeStore) error {
			trigger := staticA
			_, err := s.Create(ctx, attributetwin.RuntimeAttribute{
				Descriptor:         descriptor(runtime1, asset, "sum", attributetwin.TypeDouble),
				Expression:         "${" + staticA.String() + "}$ + ${" + staticB.String() + "}$",
				Compiled:           `toDouble(attr["` + staticA.String() + `"]) + toDouble(attr["` + staticB.String() + `"])`,
				EnabledExpression:  true,
				TriggerAttributeID: &trigger,
				Triggers:           []attributetwin.AttributeID{staticA, staticB},
			})
			if err != nil {
				return err
			}
			if err := expectDependents(ctx, s, staticA, runtime1); err != nil {
				return err
			}
			if err := expectDependents(ctx, s, staticB, runtime1); err != nil {
				return err
			}
			got, err := s.Attribute(ctx, runtime1)
			if err != nil {
				return err
			}
			r, ok := got.(attributetwin.RuntimeAttribute)
			if !ok {
				return fmt.Errorf("Attribute(runtime) = %T, want RuntimeAttribute", got)
			}
			if r.TriggerAttributeID == nil || *r.TriggerAttributeID != staticA {
				return fmt.Errorf("TriggerAttributeID = %v, want %v", r.TriggerAttributeID, staticA)
			}
			if r.Snapshot != nil {
				return fmt.Errorf("new runtime attribute has snapshot %+v", *r.Snapshot)
			}
			return nil
		},
	},
	{
		name:     "create-dynamic",
		location: locateSource(),
		step: func(ctx context.Context, s attributetwin.AttributeStore) error {
			_, err := s.Create(ctx, attributetwin.DynamicAttribute{
				Descriptor: descriptor(dynamic1, asset, "temperature", attributetwin.TypeDouble),
				DeviceID:   "dev1",
				MetricKey:  "temp",
			})
			if err != nil {
				return err
			}
			bound, err := s.BoundAttribute(ctx, "dev1", "temp")
			if err != nil {
				return err
			}
			if bound.ID != dynamic1 {
				return fmt.Errorf("BoundAttribute(dev1, temp) = %s, want %s", bound.ID, dynamic1)
			}
			_, err = s.BoundAttribute(ctx, "dev1", "humidity")
			return expectError(err, attributetwin.ErrAttributeNotFound)
		},
	},
	{
		name:     "create-duplicate-binding",
		location: locateSource(),
		step: func(ctx context.Context, s attributetwin.AttributeStore) error {
			_, err := s.Create(ctx, attributetwin.DynamicAttribute{
				Descriptor: descriptor(dynamic2, asset, "temperature2", attributetwin.TypeDouble),
				DeviceID:   "dev1",
				MetricKey:  "temp",
			})
			if err := expectError(err, attributetwin.ErrDuplicateBinding); err != nil {
				return err
			}
			return expectError(err, attributetwin.ErrValidation)
		},
	},
	{
		name:     "update-static",
		location: locateSource(),
		step: func(ctx context.Context, s attributetwin.AttributeStore) error {
			updated, err := s.Update(ctx, attributetwin.StaticAttribute{
				Descriptor: attributetwin.Descriptor{ID: staticA, AssetID: asset, Name: "a", DataType: attributetwin.TypeDouble, Revision: 1},
				Value:      5.0,
			})
			if err != nil {
				return err
			}
			if rev := updated.Describe().Revision; rev != 2 {
				return fmt.Errorf("updated revision = %d, want 2", rev)
			}
			return expectStatic(ctx, s, staticA, 5.0, 2)
		},
	},
	{
		name:     "update-stale",
		location: locateSource(),
		step: func(ctx context.Context, s attributetwin.AttributeStore) error {
			_, err := s.Update(ctx, attributetwin.StaticAttribute{
				Descriptor: attributetwin.Descriptor{ID: staticA, AssetID: asset, Name: "a", DataType: attributetwin.TypeDouble, Revision: 1},
				Value:      6.0,
			})
			if err := expectError(err, attributetwin.ErrStaleWrite); err != nil {
				return err
			}
			if err := expectError(err, attributetwin.ErrConcurrency); err != nil {
				return err
			}
			return expectStatic(ctx, s, staticA, 5.0, 2)
		},
	},
	{
		name:     "update-category",
		location: locateSource(),
		step: func(ctx context.Context, s attributetwin.AttributeStore) error {
			_, err := s.Update(ctx, attributetwin.CommandAttribute{
				Descriptor: attributetwin.Descriptor{ID: staticB, AssetID: asset, Name: "b", DataType: attributetwin.TypeDouble, Revision: 1},
			})
			return expectError(err, attributetwin.ErrValidation)
		},
	},
	{
		name:     "update-runtime-triggers",
		location: locateSource(),
		step: func(ctx context.Context, s attributetwin.AttributeStore) error {
			a, err := s.Attribute(ctx, runtime1)
			if err != nil {
				return err
			}
			r := a.(attributetwin.RuntimeAttribute)
			r.Triggers = []attributetwin.AttributeID{staticB}
			_, err = s.Update(ctx, r)
			if err := expectError(err, attributetwin.ErrValidation); err != nil {
				return err
			}
			return expectDependents(ctx, s, staticA, runtime1)
		},
	},
	{
		name:     "set-snapshot",
		location: locateSource(),
		step: func(ctx context.Context, s attributetwin.AttributeStore) error {
			want := attributetwin.Point{Value: 9.0, Timestamp: 1000, Quality: attributetwin.QualityGoodNonSpecific}
			if _, err := s.SetSnapshot(ctx, runtime1, want); err != nil {
				return err
			}
			// Last write wins, even if its timestamp is older.
			want = attributetwin.Point{Value: 10.0, Timestamp: 500, Quality: attributetwin.QualityUncertainNonSpecific, LatestTimestamp: 2000}
			if _, err := s.SetSnapshot(ctx, runtime1, want); err != nil {
				return err
			}
			a, err := s.Attribute(ctx, runtime1)
			if err != nil {
				return err
			}
			got, ok := attributetwin.SnapshotOf(a)
			if !ok {
				return errors.New("runtime attribute has no snapshot")
			}
			if diff := cmp.Diff(want, got); diff != "" {
				return fmt.Errorf("snapshot mismatch (-want +got):\n%s", diff)
			}

			_, err = s.SetSnapshot(ctx, staticB, want)
			return expectError(err, attributetwin.ErrValidation)
		},
	},
	{
		name:     "update-keeps-snapshot",
		location: locateSource(),
		step: func(ctx context.Context, s attributetwin.AttributeStore) error {
			if _, err := s.SetSnapshot(ctx, dynamic1, attributetwin.Point{Value: 21.5, Timestamp: 1000, Quality: 192}); err != nil {
				return err
			}
			a, err := s.Attribute(ctx, dynamic1)
			if err != nil {
				return err
			}
			d := a.(attributetwin.DynamicAttribute)
			d.Name = "temp"
			d.Snapshot = nil
			if _, err := s.Update(ctx, d); err != nil {
				return err
			}
			a, err = s.Attribute(ctx, dynamic1)
			if err != nil {
				return err
			}
			got, ok := attributetwin.SnapshotOf(a)
			if !ok || got.Value != 21.5 {
				return fmt.Errorf("snapshot after update = %+v (ok=%v), want value 21.5", got, ok)
			}
			return nil
		},
	},
	{
		name:     "asset-attributes",
		location: locateSource(),
		step: func(ctx context.Context, s attributetwin.AttributeStore) error {
			if err := expectAsset(ctx, s, asset, "a", "b", "reset", "sum", "temp"); err != nil {
				return err
			}
			return expectAsset(ctx, s, other, "l")
		},
	},
	{
		name:     "runtime-attributes",
		location: locateSource(),
		step: func(ctx context.Context, s attributetwin.AttributeStore) error {
			all, err := s.RuntimeAttributes(ctx)
			if err != nil {
				return err
			}
			if len(all) != 1 || all[0].ID != runtime1 {
				return fmt.Errorf("RuntimeAttributes() = %v, want [%s]", ids(all), runtime1)
			}
			return nil
		},
	},
	{
		name:     "delete-dynamic",
		location: locateSource(),
		step: func(ctx context.Context, s attributetwin.AttributeStore) error {
			if err := s.Delete(ctx, dynamic1); err != nil {
				return err
			}
			_, err := s.BoundAttribute(ctx, "dev1", "temp")
			if err := expectError(err, attributetwin.ErrAttributeNotFound); err != nil {
				return err
			}
			// The channel is free again.
			_, err = s.Create(ctx, attributetwin.DynamicAttribute{
				Descriptor: descriptor(dynamic2, asset, "temperature2", attributetwin.TypeDouble),
				DeviceID:   "dev1",
				MetricKey:  "temp",
			})
			return err
		},
	},
	{
		name:     "delete-runtime",
		location: locateSource(),
		step: func(ctx context.Context, s attributetwin.AttributeStore) error {
			if err := s.Delete(ctx, runtime1); err != nil {
				return err
			}
			if err := expectDependents(ctx, s, staticA); err != nil {
				return err
			}
			_, err := s.Attribute(ctx, runtime1)
			return expectError(err, attributetwin.ErrAttributeNotFound)
		},
	},
	{
		name:     "delete-nonexistent",
		location: locateSource(),
		step: func(ctx context.Context, s attributetwin.AttributeStore) error {
			return s.Delete(ctx, runtime1)
		},
	},
}

// Run invokes the test-suite against the given store, which must be empty.
//
// All test-cases run in-order, on the same store, because each case depends on
// the state left behind by the previous ones. That is, a test case cannot run if
// the previous case had failed.
func Run(t *testing.T, s attributetwin.AttributeStore) {
	t.Helper()

	ctx := context.Background()
	for _, c := range cases {
		t.Logf("Read the source for test-case %v at %v", c.name, c.location)
		if err := c.step(ctx, s); err != nil {
			t.Fatalf("Step %v failed: %v", c.name, err)
		}
	}
}

func expectError(err, want error) error {
	if !errors.Is(err, want) {
		return fmt.Errorf("error = %v, want %v", err, want)
	}
	return nil
}

func expectStatic(ctx context.Context, s attributetwin.AttributeStore, id attributetwin.AttributeID, value any, revision uint64) error {
	a, err := s.Attribute(ctx, id)
	if err != nil {
		return err
	}
	static, ok := a.(attributetwin.StaticAttribute)
	if !ok {
		return fmt.Errorf("Attribute(%s) = %T, want StaticAttribute", id, a)
	}
	if diff := cmp.Diff(value, static.Value); diff != "" {
		return fmt.Errorf("Attribute(%s) value mismatch (-want +got):\n%s", id, diff)
	}
	if static.Revision != revision {
		return fmt.Errorf("Attribute(%s) revision = %d, want %d", id, static.Revision, revision)
	}
	return nil
}

func expectDependents(ctx context.Context, s attributetwin.AttributeStore, trigger attributetwin.AttributeID, want ...attributetwin.AttributeID) error {
	deps, err := s.Dependents(ctx, trigger)
	if err != nil {
		return err
	}
	if diff := cmp.Diff(want, ids(deps), cmpopts.EquateEmpty()); diff != "" {
		return fmt.Errorf("Dependents(%s) mismatch (-want +got):\n%s", trigger, diff)
	}
	return nil
}

func expectAsset(ctx context.Context, s attributetwin.AttributeStore, owner attributetwin.AssetID, names ...string) error {
	attrs, err := s.AssetAttributes(ctx, owner)
	if err != nil {
		return err
	}
	var got []string
	for _, a := range attrs {
		got = append(got, a.Describe().Name)
	}
	if diff := cmp.Diff(names, got); diff != "" {
		return fmt.Errorf("AssetAttributes(%s) mismatch (-want +got):\n%s", owner, diff)
	}
	return nil
}

func ids(rs []attributetwin.RuntimeAttribute) []attributetwin.AttributeID {
	var out []attributetwin.AttributeID
	for _, r := range rs {
		out = append(out, r.ID)
	}
	return out
}

// Call this function to set the location of every test-case in the source file.
// The returned string is used to guide developers of attribute stores to the
// appropriate test-case.
func locateSource() (path string) {
	_, file, line, ok := runtime.Caller(1)
	if !ok {
		panic("runtime.Caller failed")
	}
	return fmt.Sprintf("%v:%v", file, line)
}
