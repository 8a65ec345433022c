package engine_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/go-cmp/cmp"
	"gocloud.dev/pubsub/mempubsub"

	"github.com/go-digitaltwin/go-attributetwin"
	"github.com/go-digitaltwin/go-attributetwin/engine"
	"github.com/go-digitaltwin/go-attributetwin/expression"
	"github.com/go-digitaltwin/go-attributetwin/timeseries"
)

// newEngine returns an engine over a fresh catalog, wired to a LocalBus so that
// cascades complete before the triggering call returns.
func newEngine(t *testing.T, opts engine.Options) (*engine.Engine, *attributetwin.Catalog, *recorder) {
	t.Helper()
	store := attributetwin.NewCatalog()
	var bus attributetwin.LocalBus
	eng := engine.New(store, new(timeseries.Cache), &bus, expression.Sandbox{}, opts)
	rec := new(recorder)
	bus.Subscribe(rec.record)
	bus.Subscribe(eng.HandleEvent)
	return eng, store, rec
}

// recorder remembers every published event.
type recorder struct {
	mu     sync.Mutex
	events []attributetwin.AttributeUpdated
}

func (r *recorder) record(_ context.Context, e attributetwin.AttributeUpdated) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

// published returns the IDs of the published attributes, in publishing order.
func (r *recorder) published() []attributetwin.AttributeID {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []attributetwin.AttributeID
	for _, e := range r.events {
		ids = append(ids, e.AttributeID)
	}
	return ids
}

func static(asset attributetwin.AssetID, name string, v float64) attributetwin.StaticAttribute {
	return attributetwin.StaticAttribute{
		Descriptor: attributetwin.Descriptor{
			ID:       attributetwin.NewAttributeID(),
			AssetID:  asset,
			Name:     name,
			DataType: attributetwin.TypeDouble,
		},
		Value: v,
	}
}

func mustStore(t *testing.T, s attributetwin.AttributeStore, attrs ...attributetwin.Attribute) {
	t.Helper()
	for _, a := range attrs {
		if _, err := s.Create(context.Background(), a); err != nil {
			t.Fatalf("Create(%s) unexpected error: %v", a.Describe().Name, err)
		}
	}
}

func mustSnapshot(t *testing.T, eng *engine.Engine, id attributetwin.AttributeID) engine.Snapshot {
	t.Helper()
	s, err := eng.GetAttributeSnapshot(context.Background(), id)
	if err != nil {
		t.Fatalf("GetAttributeSnapshot(%s) unexpected error: %v", id, err)
	}
	return s
}

func ref(id attributetwin.AttributeID) string { return "${" + id.String() + "}$" }

func TestEngine_HandleEvent(t *testing.T) {
	ctx := context.Background()
	asset := attributetwin.NewAssetID()
	eng, store, _ := newEngine(t, engine.Options{})

	a, b := static(asset, "a", 3), static(asset, "b", 4)
	mustStore(t, store, a, b)
	sum, err := eng.CreateRuntimeAttribute(ctx, engine.RuntimeSpec{
		AssetID:           asset,
		Name:              "sum",
		DataType:          attributetwin.TypeDouble,
		Expression:        ref(a.ID) + " + " + ref(b.ID),
		EnabledExpression: true,
	}, nil)
	if err != nil {
		t.Fatalf("CreateRuntimeAttribute(sum) unexpected error: %v", err)
	}

	stored, err := store.Attribute(ctx, sum)
	if err != nil {
		t.Fatalf("Attribute(sum) unexpected error: %v", err)
	}
	if diff := cmp.Diff([]attributetwin.AttributeID{a.ID, b.ID}, stored.(attributetwin.RuntimeAttribute).Triggers); diff != "" {
		t.Errorf("Triggers mismatch (-want +got):\n%s", diff)
	}
	if _, err := eng.GetAttributeSnapshot(ctx, sum); !errors.Is(err, engine.ErrNoValue) {
		t.Errorf("GetAttributeSnapshot(sum) before any update: got error %v, want %v", err, engine.ErrNoValue)
	}

	ev := attributetwin.AttributeUpdated{AssetID: asset, AttributeID: a.ID, Timestamp: time.Now()}
	if err := eng.HandleEvent(ctx, ev); err != nil {
		t.Fatalf("HandleEvent(a) unexpected error: %v", err)
	}
	got := mustSnapshot(t, eng, sum)
	want := engine.Snapshot{Value: 7.0, Timestamp: got.Timestamp, Quality: 192, QualityName: "Good [Non-Specific]"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("GetAttributeSnapshot(sum) mismatch (-want +got):\n%s", diff)
	}

	t.Run("replay", func(t *testing.T) {
		// Replaying leaves the snapshot as is, but appends to the series.
		if err := eng.HandleEvent(ctx, ev); err != nil {
			t.Fatalf("HandleEvent(a) unexpected error: %v", err)
		}
		if got := mustSnapshot(t, eng, sum).Value; got != 7.0 {
			t.Errorf("GetAttributeSnapshot(sum).Value = %v, want 7", got)
		}
		series, err := eng.GetAttributeSeries(ctx, sum)
		if err != nil {
			t.Fatalf("GetAttributeSeries(sum) unexpected error: %v", err)
		}
		if len(series) != 2 {
			t.Errorf("len(GetAttributeSeries(sum)) = %d, want 2", len(series))
		}
	})

	t.Run("unrelated", func(t *testing.T) {
		before, _ := eng.GetAttributeSeries(ctx, sum)
		other := attributetwin.AttributeUpdated{AssetID: asset, AttributeID: attributetwin.NewAttributeID()}
		if err := eng.HandleEvent(ctx, other); err != nil {
			t.Fatalf("HandleEvent(unrelated) unexpected error: %v", err)
		}
		after, _ := eng.GetAttributeSeries(ctx, sum)
		if len(after) != len(before) {
			t.Errorf("len(GetAttributeSeries(sum)) = %d, want %d", len(after), len(before))
		}
	})
}

func TestEngine_Cascade(t *testing.T) {
	ctx := context.Background()
	asset := attributetwin.NewAssetID()
	eng, store, rec := newEngine(t, engine.Options{})

	temp := attributetwin.DynamicAttribute{
		Descriptor: attributetwin.Descriptor{
			ID:       attributetwin.NewAttributeID(),
			AssetID:  asset,
			Name:     "temp",
			DataType: attributetwin.TypeDouble,
		},
		DeviceID:  "dev1",
		MetricKey: "temp",
	}
	mustStore(t, store, temp)
	double, err := eng.CreateRuntimeAttribute(ctx, engine.RuntimeSpec{
		AssetID:           asset,
		Name:              "double",
		DataType:          attributetwin.TypeDouble,
		Expression:        ref(temp.ID) + " * 2",
		EnabledExpression: true,
	}, nil)
	if err != nil {
		t.Fatalf("CreateRuntimeAttribute(double) unexpected error: %v", err)
	}
	hot, err := eng.CreateRuntimeAttribute(ctx, engine.RuntimeSpec{
		AssetID:           asset,
		Name:              "hot",
		DataType:          attributetwin.TypeBoolean,
		Expression:        ref(double) + " > 40",
		EnabledExpression: true,
	}, nil)
	if err != nil {
		t.Fatalf("CreateRuntimeAttribute(hot) unexpected error: %v", err)
	}

	err = eng.IngestTelemetryPoint(ctx, "dev1", "temp", 21.5,
		attributetwin.AtMillis(1000),
		attributetwin.WithQuality(attributetwin.QualityGoodNonSpecific),
	)
	if err != nil {
		t.Fatalf("IngestTelemetryPoint() unexpected error: %v", err)
	}

	want := engine.Snapshot{Value: 21.5, Timestamp: 1000, Quality: 192, QualityName: "Good [Non-Specific]"}
	if diff := cmp.Diff(want, mustSnapshot(t, eng, temp.ID)); diff != "" {
		t.Errorf("GetAttributeSnapshot(temp) mismatch (-want +got):\n%s", diff)
	}
	if got := mustSnapshot(t, eng, double).Value; got != 43.0 {
		t.Errorf("GetAttributeSnapshot(double).Value = %v, want 43", got)
	}
	if got := mustSnapshot(t, eng, hot).Value; got != true {
		t.Errorf("GetAttributeSnapshot(hot).Value = %v, want true", got)
	}
	if diff := cmp.Diff([]attributetwin.AttributeID{temp.ID, double, hot}, rec.published()); diff != "" {
		t.Errorf("Published mismatch (-want +got):\n%s", diff)
	}

	t.Run("out-of-order telemetry", func(t *testing.T) {
		if err := eng.IngestTelemetryPoint(ctx, "dev1", "temp", 15.0, attributetwin.AtMillis(500)); err != nil {
			t.Fatalf("IngestTelemetryPoint() unexpected error: %v", err)
		}
		if got := mustSnapshot(t, eng, temp.ID).Value; got != 21.5 {
			t.Errorf("GetAttributeSnapshot(temp).Value = %v, want the most recent 21.5", got)
		}
		series, err := eng.GetAttributeSeries(ctx, temp.ID)
		if err != nil {
			t.Fatalf("GetAttributeSeries(temp) unexpected error: %v", err)
		}
		var stamps []int64
		for _, p := range series {
			stamps = append(stamps, p.Timestamp)
		}
		if diff := cmp.Diff([]int64{1000, 500}, stamps); diff != "" {
			t.Errorf("GetAttributeSeries(temp) timestamps mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("unbound channel", func(t *testing.T) {
		before := len(rec.published())
		if err := eng.IngestTelemetryPoint(ctx, "dev2", "rpm", 3000); err != nil {
			t.Fatalf("IngestTelemetryPoint() unexpected error: %v", err)
		}
		if after := len(rec.published()); after != before {
			t.Errorf("IngestTelemetryPoint() of an unbound channel published %d events", after-before)
		}
	})
}

func TestEngine_HopLimit(t *testing.T) {
	ctx := context.Background()
	asset := attributetwin.NewAssetID()
	eng, store, _ := newEngine(t, engine.Options{MaxCascadeHops: 4})

	// Cyclic trigger graphs are rejected on creation, so this one is stored
	// directly.
	r1 := attributetwin.NewAttributeID()
	r2 := attributetwin.NewAttributeID()
	plusOne := func(id, trigger attributetwin.AttributeID) attributetwin.RuntimeAttribute {
		return attributetwin.RuntimeAttribute{
			Descriptor: attributetwin.Descriptor{
				ID:       id,
				AssetID:  asset,
				Name:     id.String(),
				DataType: attributetwin.TypeDouble,
			},
			Expression:        ref(trigger) + " + 1",
			Compiled:          `toDouble(attr["` + trigger.String() + `"]) + 1`,
			EnabledExpression: true,
			Triggers:          []attributetwin.AttributeID{trigger},
		}
	}
	mustStore(t, store, plusOne(r1, r2), plusOne(r2, r1))

	if err := eng.PublishRuntimeAttributePoint(ctx, r1, 0.0); err != nil {
		t.Fatalf("PublishRuntimeAttributePoint() unexpected error: %v", err)
	}
	// r1=0 (hops 0) -> r2=1 (1) -> r1=2 (2) -> r2=3 (3) -> r1=4 (4, dropped).
	if got := mustSnapshot(t, eng, r1).Value; got != 4.0 {
		t.Errorf("GetAttributeSnapshot(r1).Value = %v, want 4", got)
	}
	if got := mustSnapshot(t, eng, r2).Value; got != 3.0 {
		t.Errorf("GetAttributeSnapshot(r2).Value = %v, want 3", got)
	}
}

func TestEngine_RecomputeFailure(t *testing.T) {
	ctx := context.Background()
	asset := attributetwin.NewAssetID()
	eng, store, _ := newEngine(t, engine.Options{})

	a := static(asset, "a", 2)
	mustStore(t, store, a)
	ratio, err := eng.CreateRuntimeAttribute(ctx, engine.RuntimeSpec{
		AssetID:           asset,
		Name:              "ratio",
		DataType:          attributetwin.TypeInteger,
		Expression:        "10 / " + ref(a.ID),
		EnabledExpression: true,
	}, nil)
	if err != nil {
		t.Fatalf("CreateRuntimeAttribute(ratio) unexpected error: %v", err)
	}
	sum, err := eng.CreateRuntimeAttribute(ctx, engine.RuntimeSpec{
		AssetID:           asset,
		Name:              "sum",
		DataType:          attributetwin.TypeDouble,
		Expression:        ref(a.ID) + " + 1",
		EnabledExpression: true,
	}, nil)
	if err != nil {
		t.Fatalf("CreateRuntimeAttribute(sum) unexpected error: %v", err)
	}

	ev := attributetwin.AttributeUpdated{AssetID: asset, AttributeID: a.ID}
	if err := eng.HandleEvent(ctx, ev); err != nil {
		t.Fatalf("HandleEvent(a) unexpected error: %v", err)
	}
	if got := mustSnapshot(t, eng, ratio).Value; got != int64(5) {
		t.Errorf("GetAttributeSnapshot(ratio).Value = %v, want 5", got)
	}

	// Division by zero yields +Inf, which no integer holds: ratio keeps its value
	// while its sibling is recomputed regardless.
	results := eng.UpsertAttributes(ctx, asset, []attributetwin.Change{
		attributetwin.EditAttribute{Attribute: attributetwin.StaticAttribute{
			Descriptor: attributetwin.Descriptor{ID: a.ID, Name: "a", DataType: attributetwin.TypeDouble, Revision: 1},
			Value:      0.0,
		}},
	})
	if err := results[0].Err; err != nil {
		t.Fatalf("UpsertAttributes(edit a) unexpected error: %v", err)
	}
	if got := mustSnapshot(t, eng, ratio).Value; got != int64(5) {
		t.Errorf("GetAttributeSnapshot(ratio).Value = %v, want the previous 5", got)
	}
	if got := mustSnapshot(t, eng, sum).Value; got != 1.0 {
		t.Errorf("GetAttributeSnapshot(sum).Value = %v, want 1", got)
	}
	series, _ := eng.GetAttributeSeries(ctx, ratio)
	if len(series) != 1 {
		t.Errorf("len(GetAttributeSeries(ratio)) = %d, want 1", len(series))
	}
}

func TestEngine_CreateRuntimeAttribute(t *testing.T) {
	ctx := context.Background()
	asset := attributetwin.NewAssetID()
	eng, store, _ := newEngine(t, engine.Options{})

	a := static(asset, "a", 1)
	cmd := attributetwin.CommandAttribute{Descriptor: attributetwin.Descriptor{
		ID:       attributetwin.NewAttributeID(),
		AssetID:  asset,
		Name:     "reset",
		DataType: attributetwin.TypeBoolean,
	}}
	foreign := static(attributetwin.NewAssetID(), "foreign", 1)
	mustStore(t, store, a, cmd, foreign)

	self := attributetwin.NewAttributeID()
	unknown := attributetwin.NewAttributeID()
	tests := []struct {
		name   string
		spec   engine.RuntimeSpec
		inputs []attributetwin.Attribute
		want   error
	}{
		{
			name: "self reference",
			spec: engine.RuntimeSpec{ID: self, Expression: ref(self) + " + 1"},
			want: attributetwin.ErrSelfReference,
		},
		{
			name: "command reference",
			spec: engine.RuntimeSpec{Expression: ref(cmd.ID)},
			want: attributetwin.ErrForbiddenReference,
		},
		{
			name: "attribute of another asset",
			spec: engine.RuntimeSpec{Expression: ref(foreign.ID) + " + 1"},
			want: attributetwin.ErrUnknownAttribute,
		},
		{
			name: "trigger not found",
			spec: engine.RuntimeSpec{Expression: ref(a.ID) + " + 1", TriggerAttributeID: &unknown},
			want: attributetwin.ErrTriggerNotFound,
		},
		{
			name: "trigger is self",
			spec: engine.RuntimeSpec{ID: self, Expression: ref(a.ID) + " + 1", TriggerAttributeID: &self},
			want: attributetwin.ErrSelfReference,
		},
		{
			name:   "trigger is a command",
			spec:   engine.RuntimeSpec{Expression: ref(a.ID) + " + 1", TriggerAttributeID: &cmd.ID},
			inputs: []attributetwin.Attribute{cmd},
			want:   attributetwin.ErrForbiddenReference,
		},
		{
			// Stored attributes may be referenced, but the primary trigger must
			// be an input of the request.
			name: "stored trigger",
			spec: engine.RuntimeSpec{Expression: ref(a.ID) + " + 1", TriggerAttributeID: &a.ID},
			want: attributetwin.ErrTriggerNotFound,
		},
		{
			name: "syntax error",
			spec: engine.RuntimeSpec{Expression: ref(a.ID) + " +"},
			want: attributetwin.ErrInvalidExpression,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.spec.AssetID = asset
			tt.spec.Name = tt.name
			tt.spec.DataType = attributetwin.TypeDouble
			tt.spec.EnabledExpression = true
			_, err := eng.CreateRuntimeAttribute(ctx, tt.spec, tt.inputs)
			if !errors.Is(err, tt.want) {
				t.Errorf("CreateRuntimeAttribute() got error %v, want %v", err, tt.want)
			}
			if !errors.Is(err, attributetwin.ErrValidation) {
				t.Errorf("CreateRuntimeAttribute() error %v is not a validation error", err)
			}
		})
	}

	t.Run("explicit trigger", func(t *testing.T) {
		b := static(asset, "b", 2)
		id, err := eng.CreateRuntimeAttribute(ctx, engine.RuntimeSpec{
			AssetID:            asset,
			Name:               "explicit",
			DataType:           attributetwin.TypeDouble,
			Expression:         ref(a.ID) + " * 2",
			TriggerAttributeID: &b.ID,
			EnabledExpression:  true,
		}, []attributetwin.Attribute{b})
		if err != nil {
			t.Fatalf("CreateRuntimeAttribute() unexpected error: %v", err)
		}
		got, err := store.Attribute(ctx, id)
		if err != nil {
			t.Fatalf("Attribute() unexpected error: %v", err)
		}
		if diff := cmp.Diff([]attributetwin.AttributeID{b.ID, a.ID}, got.(attributetwin.RuntimeAttribute).Triggers); diff != "" {
			t.Errorf("Triggers mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("disabled expression", func(t *testing.T) {
		id, err := eng.CreateRuntimeAttribute(ctx, engine.RuntimeSpec{
			AssetID:    asset,
			Name:       "external",
			DataType:   attributetwin.TypeInteger,
			Expression: "not even an expression",
		}, nil)
		if err != nil {
			t.Fatalf("CreateRuntimeAttribute() unexpected error: %v", err)
		}
		if err := eng.PublishRuntimeAttributePoint(ctx, id, 41.6, attributetwin.AtMillis(2000), attributetwin.WithQuality(64)); err != nil {
			t.Fatalf("PublishRuntimeAttributePoint() unexpected error: %v", err)
		}
		want := engine.Snapshot{Value: int64(42), Timestamp: 2000, Quality: 64, QualityName: "Uncertain [Non-Specific]"}
		if diff := cmp.Diff(want, mustSnapshot(t, eng, id)); diff != "" {
			t.Errorf("GetAttributeSnapshot() mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("publish to a static attribute", func(t *testing.T) {
		err := eng.PublishRuntimeAttributePoint(ctx, a.ID, 1.0)
		if !errors.Is(err, attributetwin.ErrValidation) {
			t.Errorf("PublishRuntimeAttributePoint() got error %v, want %v", err, attributetwin.ErrValidation)
		}
	})
}

func TestEngine_UpsertAttributes(t *testing.T) {
	ctx := context.Background()
	asset := attributetwin.NewAssetID()
	eng, _, _ := newEngine(t, engine.Options{})

	a := static(asset, "a", 3)
	b := static(asset, "b", 4)
	alias := attributetwin.AliasAttribute{
		Descriptor: attributetwin.Descriptor{ID: attributetwin.NewAttributeID(), Name: "alias"},
		Target:     attributetwin.Reference{AssetID: asset, AttributeID: b.ID},
	}
	sum := attributetwin.RuntimeAttribute{
		Descriptor:        attributetwin.Descriptor{ID: attributetwin.NewAttributeID(), Name: "sum", DataType: attributetwin.TypeDouble},
		Expression:        ref(a.ID) + " + " + ref(alias.ID),
		EnabledExpression: true,
	}
	broken := attributetwin.RuntimeAttribute{
		Descriptor:        attributetwin.Descriptor{ID: attributetwin.NewAttributeID(), Name: "broken", DataType: attributetwin.TypeDouble},
		Expression:        ref(attributetwin.NewAttributeID()),
		EnabledExpression: true,
	}

	results := eng.UpsertAttributes(ctx, asset, []attributetwin.Change{
		attributetwin.AddAttribute{Attribute: a},
		attributetwin.AddAttribute{Attribute: b},
		attributetwin.AddAttribute{Attribute: alias},
		attributetwin.AddAttribute{Attribute: broken},
		attributetwin.AddAttribute{Attribute: sum},
	})
	for i, r := range results {
		if i == 3 {
			if !errors.Is(r.Err, attributetwin.ErrUnknownAttribute) {
				t.Errorf("UpsertAttributes() result %d: got error %v, want %v", i, r.Err, attributetwin.ErrUnknownAttribute)
			}
			continue
		}
		if r.Err != nil {
			t.Fatalf("UpsertAttributes() result %d: unexpected error: %v", i, r.Err)
		}
	}

	// The runtime attribute was created last, so no trigger update reached it yet.
	if _, err := eng.GetAttributeSnapshot(ctx, sum.ID); !errors.Is(err, engine.ErrNoValue) {
		t.Errorf("GetAttributeSnapshot(sum) got error %v, want %v", err, engine.ErrNoValue)
	}
	if got := mustSnapshot(t, eng, alias.ID).Value; got != 4.0 {
		t.Errorf("GetAttributeSnapshot(alias).Value = %v, want 4", got)
	}

	results = eng.UpsertAttributes(ctx, asset, []attributetwin.Change{
		attributetwin.EditAttribute{Attribute: attributetwin.StaticAttribute{
			Descriptor: attributetwin.Descriptor{ID: a.ID, Name: "a", DataType: attributetwin.TypeDouble, Revision: 1},
			Value:      "5",
		}},
		attributetwin.EditAttribute{Attribute: attributetwin.StaticAttribute{
			Descriptor: attributetwin.Descriptor{ID: b.ID, Name: "b", DataType: attributetwin.TypeDouble, Revision: 7},
			Value:      1.0,
		}},
	})
	if err := results[0].Err; err != nil {
		t.Errorf("UpsertAttributes(edit a) unexpected error: %v", err)
	}
	if err := results[1].Err; !errors.Is(err, attributetwin.ErrStaleWrite) {
		t.Errorf("UpsertAttributes(edit b) got error %v, want %v", err, attributetwin.ErrStaleWrite)
	}
	if got := mustSnapshot(t, eng, sum.ID).Value; got != 9.0 {
		t.Errorf("GetAttributeSnapshot(sum).Value = %v, want 9", got)
	}

	results = eng.UpsertAttributes(ctx, asset, []attributetwin.Change{
		attributetwin.RemoveAttributes{IDs: []attributetwin.AttributeID{sum.ID}},
	})
	if err := results[0].Err; err != nil {
		t.Errorf("UpsertAttributes(remove sum) unexpected error: %v", err)
	}
	if _, err := eng.GetAttributeSnapshot(ctx, sum.ID); !errors.Is(err, attributetwin.ErrAttributeNotFound) {
		t.Errorf("GetAttributeSnapshot(sum) got error %v, want %v", err, attributetwin.ErrAttributeNotFound)
	}
}

func TestEngine_Publisher(t *testing.T) {
	ctx := context.Background()
	asset := attributetwin.NewAssetID()

	topic := mempubsub.NewTopic()
	defer topic.Shutdown(ctx)
	sub := mempubsub.NewSubscription(topic, time.Minute)
	defer sub.Shutdown(ctx)

	eng := engine.New(attributetwin.NewCatalog(), new(timeseries.Cache), attributetwin.NewPublisher(topic), expression.Sandbox{}, engine.Options{})
	a := static(asset, "a", 3)
	results := eng.UpsertAttributes(ctx, asset, []attributetwin.Change{attributetwin.AddAttribute{Attribute: a}})
	if err := results[0].Err; err != nil {
		t.Fatalf("UpsertAttributes() unexpected error: %v", err)
	}

	msg, err := sub.Receive(ctx)
	if err != nil {
		t.Fatalf("Receive() unexpected error: %v", err)
	}
	msg.Ack()
	got, err := attributetwin.DecodeEvent(msg.Body)
	if err != nil {
		t.Fatalf("DecodeEvent() unexpected error: %v", err)
	}
	if got.AttributeID != a.ID || got.AssetID != asset || got.Hops != 0 {
		t.Errorf("Received %v, want an update of %s/%s without hops", got, asset, a.ID)
	}
}

func TestEngine_UpsertAttributesRejectsCycles(t *testing.T) {
	ctx := context.Background()
	asset := attributetwin.NewAssetID()
	eng, store, rec := newEngine(t, engine.Options{})

	a := static(asset, "a", 1)
	mustStore(t, store, a)
	runtime := func(id, other attributetwin.AttributeID, name string) attributetwin.RuntimeAttribute {
		return attributetwin.RuntimeAttribute{
			Descriptor:        attributetwin.Descriptor{ID: id, Name: name, DataType: attributetwin.TypeDouble},
			Expression:        ref(other) + " + " + ref(a.ID),
			EnabledExpression: true,
		}
	}
	r3, r4 := attributetwin.NewAttributeID(), attributetwin.NewAttributeID()

	results := eng.UpsertAttributes(ctx, asset, []attributetwin.Change{
		attributetwin.AddAttribute{Attribute: runtime(r3, r4, "r3")},
		attributetwin.AddAttribute{Attribute: runtime(r4, r3, "r4")},
	})
	if err := results[0].Err; err != nil {
		t.Fatalf("UpsertAttributes(r3) unexpected error: %v", err)
	}
	if err := results[1].Err; !errors.Is(err, attributetwin.ErrDependencyCycle) || !errors.Is(err, attributetwin.ErrValidation) {
		t.Fatalf("UpsertAttributes(r4) got error %v, want %v marked %v", err, attributetwin.ErrDependencyCycle, attributetwin.ErrValidation)
	}
	if _, err := store.Attribute(ctx, r4); !errors.Is(err, attributetwin.ErrAttributeNotFound) {
		t.Errorf("Attribute(r4) got error %v, want %v", err, attributetwin.ErrAttributeNotFound)
	}

	// r3 cannot be computed without r4, so an update of a goes no further.
	before := len(rec.published())
	if err := eng.HandleEvent(ctx, attributetwin.AttributeUpdated{AssetID: asset, AttributeID: a.ID}); err != nil {
		t.Fatalf("HandleEvent(a) unexpected error: %v", err)
	}
	if got := rec.published()[before:]; len(got) != 0 {
		t.Errorf("HandleEvent(a) published %v, want nothing", got)
	}
}

func TestEngine_UpsertAttributesAliasCycle(t *testing.T) {
	ctx := context.Background()
	asset := attributetwin.NewAssetID()
	eng, _, _ := newEngine(t, engine.Options{})

	a := static(asset, "a", 1)
	l1 := attributetwin.AliasAttribute{
		Descriptor: attributetwin.Descriptor{ID: attributetwin.NewAttributeID(), Name: "l1"},
		Target:     attributetwin.Reference{AssetID: asset, AttributeID: a.ID},
	}
	l2 := attributetwin.AliasAttribute{
		Descriptor: attributetwin.Descriptor{ID: attributetwin.NewAttributeID(), Name: "l2"},
		Target:     attributetwin.Reference{AssetID: asset, AttributeID: l1.ID},
	}
	for i, r := range eng.UpsertAttributes(ctx, asset, []attributetwin.Change{
		attributetwin.AddAttribute{Attribute: a},
		attributetwin.AddAttribute{Attribute: l1},
		attributetwin.AddAttribute{Attribute: l2},
	}) {
		if r.Err != nil {
			t.Fatalf("UpsertAttributes() result %d: unexpected error: %v", i, r.Err)
		}
	}

	retarget := l1
	retarget.Revision = 1
	retarget.DataType = attributetwin.TypeDouble
	retarget.Target.AttributeID = l2.ID
	results := eng.UpsertAttributes(ctx, asset, []attributetwin.Change{attributetwin.EditAttribute{Attribute: retarget}})
	if err := results[0].Err; !errors.Is(err, attributetwin.ErrAliasCycle) {
		t.Errorf("UpsertAttributes(edit l1) got error %v, want %v", err, attributetwin.ErrAliasCycle)
	}
	if got := mustSnapshot(t, eng, l2.ID).Value; got != 1.0 {
		t.Errorf("GetAttributeSnapshot(l2).Value = %v, want 1", got)
	}
}

func TestEngine_UpsertAttributesEditedTrigger(t *testing.T) {
	ctx := context.Background()
	asset := attributetwin.NewAssetID()
	eng, store, _ := newEngine(t, engine.Options{})

	a, b := static(asset, "a", 1), static(asset, "b", 2)
	mustStore(t, store, a, b)
	double := attributetwin.RuntimeAttribute{
		Descriptor:         attributetwin.Descriptor{ID: attributetwin.NewAttributeID(), Name: "double", DataType: attributetwin.TypeDouble},
		Expression:         ref(b.ID) + " * 2",
		EnabledExpression:  true,
		TriggerAttributeID: &a.ID,
	}
	edit := a
	edit.Revision = 1
	edit.Value = 5.0

	results := eng.UpsertAttributes(ctx, asset, []attributetwin.Change{
		attributetwin.EditAttribute{Attribute: edit},
		attributetwin.AddAttribute{Attribute: double},
	})
	for i, r := range results {
		if r.Err != nil {
			t.Fatalf("UpsertAttributes() result %d: unexpected error: %v", i, r.Err)
		}
	}
	got, err := store.Attribute(ctx, double.ID)
	if err != nil {
		t.Fatalf("Attribute(double) unexpected error: %v", err)
	}
	if diff := cmp.Diff([]attributetwin.AttributeID{a.ID, b.ID}, got.(attributetwin.RuntimeAttribute).Triggers); diff != "" {
		t.Errorf("Triggers mismatch (-want +got):\n%s", diff)
	}
}

// A trigger without a value leaves expressions that never read it computable.
func TestEngine_UnsetTrigger(t *testing.T) {
	ctx := context.Background()
	asset := attributetwin.NewAssetID()
	eng, store, _ := newEngine(t, engine.Options{})

	a := static(asset, "a", 1)
	sensor := attributetwin.DynamicAttribute{
		Descriptor: attributetwin.Descriptor{
			ID:       attributetwin.NewAttributeID(),
			AssetID:  asset,
			Name:     "sensor",
			DataType: attributetwin.TypeDouble,
		},
		DeviceID:  "dev1",
		MetricKey: "level",
	}
	mustStore(t, store, a, sensor)

	double, err := eng.CreateRuntimeAttribute(ctx, engine.RuntimeSpec{
		AssetID:            asset,
		Name:               "double",
		DataType:           attributetwin.TypeDouble,
		Expression:         ref(a.ID) + " * 2",
		TriggerAttributeID: &sensor.ID,
		EnabledExpression:  true,
	}, []attributetwin.Attribute{sensor})
	if err != nil {
		t.Fatalf("CreateRuntimeAttribute(double) unexpected error: %v", err)
	}
	reads, err := eng.CreateRuntimeAttribute(ctx, engine.RuntimeSpec{
		AssetID:           asset,
		Name:              "reads",
		DataType:          attributetwin.TypeDouble,
		Expression:        ref(a.ID) + " + " + ref(sensor.ID),
		EnabledExpression: true,
	}, nil)
	if err != nil {
		t.Fatalf("CreateRuntimeAttribute(reads) unexpected error: %v", err)
	}

	if err := eng.HandleEvent(ctx, attributetwin.AttributeUpdated{AssetID: asset, AttributeID: a.ID}); err != nil {
		t.Fatalf("HandleEvent(a) unexpected error: %v", err)
	}
	if got := mustSnapshot(t, eng, double).Value; got != 2.0 {
		t.Errorf("GetAttributeSnapshot(double).Value = %v, want 2", got)
	}
	if _, err := eng.GetAttributeSnapshot(ctx, reads); !errors.Is(err, engine.ErrNoValue) {
		t.Errorf("GetAttributeSnapshot(reads) got error %v, want %v", err, engine.ErrNoValue)
	}
}
