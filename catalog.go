package attributetwin

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
)

// channel identifies a device telemetry channel.
type channel struct {
	deviceID  string
	metricKey string
}

// Catalog is an in-memory AttributeStore.
//
// Besides the attributes themselves, the catalog maintains secondary indexes
// from each trigger to its dependent runtime attributes, and from each telemetry
// channel to its bound dynamic attribute. Both indexes are updated under the
// same lock as the attributes, so readers never observe a partially indexed
// attribute.
//
// Catalog is safe for concurrent use. Use NewCatalog to create one.
type Catalog struct {
	mu         sync.RWMutex
	attrs      map[AttributeID]Attribute
	byAsset    map[AssetID]map[AttributeID]struct{}
	dependents map[AttributeID]map[AttributeID]struct{}
	bindings   map[channel]AttributeID

	now func() time.Time
}

var _ AttributeStore = (*Catalog)(nil)

// NewCatalog returns an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{
		attrs:      make(map[AttributeID]Attribute),
		byAsset:    make(map[AssetID]map[AttributeID]struct{}),
		dependents: make(map[AttributeID]map[AttributeID]struct{}),
		bindings:   make(map[channel]AttributeID),
		now:        time.Now,
	}
}

func (c *Catalog) Attribute(_ context.Context, id AttributeID) (Attribute, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	a, ok := c.attrs[id]
	if !ok {
		return nil, errors.Wrapf(ErrAttributeNotFound, "attribute %s", id)
	}
	return Clone(a), nil
}

func (c *Catalog) Create(_ context.Context, a Attribute) (Attribute, error) {
	if a == nil {
		return nil, errors.AssertionFailedf("create nil attribute")
	}
	d := a.Describe()
	if d.ID.IsZero() {
		return nil, errors.Mark(errors.New("attribute id is required"), ErrValidation)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.attrs[d.ID]; ok {
		return nil, errors.Wrapf(ErrDuplicateAttribute, "attribute %s", d.ID)
	}
	if dyn, ok := a.(DynamicAttribute); ok {
		ch := channel{dyn.DeviceID, dyn.MetricKey}
		if bound, ok := c.bindings[ch]; ok {
			return nil, ValidationErrorf(ErrDuplicateBinding, "channel %s/%s is bound to attribute %s", dyn.DeviceID, dyn.MetricKey, bound)
		}
	}

	now := c.now().UTC()
	d.Revision = 1
	d.CreatedAt, d.UpdatedAt = now, now
	a = Clone(WithDescriptor(a, d))
	c.attrs[d.ID] = a
	c.index(a)
	return Clone(a), nil
}

func (c *Catalog) Update(_ context.Context, a Attribute) (Attribute, error) {
	d := a.Describe()

	c.mu.Lock()
	defer c.mu.Unlock()
	stored, ok := c.attrs[d.ID]
	if !ok {
		return nil, errors.Wrapf(ErrAttributeNotFound, "attribute %s", d.ID)
	}
	if err := CheckUpdate(stored, a); err != nil {
		return nil, err
	}
	if dyn, ok := a.(DynamicAttribute); ok {
		if bound, ok := c.bindings[channel{dyn.DeviceID, dyn.MetricKey}]; ok && bound != d.ID {
			return nil, ValidationErrorf(ErrDuplicateBinding, "channel %s/%s is bound to attribute %s", dyn.DeviceID, dyn.MetricKey, bound)
		}
	}

	prev := stored.Describe()
	d.Revision = prev.Revision + 1
	d.CreatedAt = prev.CreatedAt
	d.UpdatedAt = c.now().UTC()
	a = WithDescriptor(a, d)
	if p, ok := SnapshotOf(stored); ok {
		a, _ = WithSnapshot(a, p)
	}
	a = Clone(a)

	c.unindex(stored)
	c.attrs[d.ID] = a
	c.index(a)
	return Clone(a), nil
}

// CheckUpdate verifies that next may replace stored, as required by
// AttributeStore.Update.
func CheckUpdate(stored, next Attribute) error {
	s, n := stored.Describe(), next.Describe()
	if s.Revision != n.Revision {
		return StaleWriteErrorf("attribute %s: revision %d, stored revision %d", s.ID, n.Revision, s.Revision)
	}
	if stored.Category() != next.Category() {
		return errors.Mark(errors.Newf("attribute %s: cannot change category from %s to %s", s.ID, stored.Category(), next.Category()), ErrValidation)
	}
	if s.AssetID != n.AssetID {
		return errors.Mark(errors.Newf("attribute %s: cannot move to another asset", s.ID), ErrValidation)
	}
	if r, ok := stored.(RuntimeAttribute); ok {
		nr := next.(RuntimeAttribute)
		if r.Expression != nr.Expression || r.EnabledExpression != nr.EnabledExpression || !slices.Equal(r.Triggers, nr.Triggers) {
			return errors.Mark(errors.Newf("attribute %s: runtime expression and triggers are immutable", s.ID), ErrValidation)
		}
	}
	return nil
}

func (c *Catalog) Delete(_ context.Context, id AttributeID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	a, ok := c.attrs[id]
	if !ok {
		return nil
	}
	c.unindex(a)
	delete(c.attrs, id)
	return nil
}

func (c *Catalog) SetSnapshot(_ context.Context, id AttributeID, p Point) (Attribute, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	a, ok := c.attrs[id]
	if !ok {
		return nil, errors.Wrapf(ErrAttributeNotFound, "attribute %s", id)
	}
	a, ok = WithSnapshot(a, p)
	if !ok {
		return nil, errors.Mark(errors.Newf("attribute %s: %s attributes have no snapshot", id, a.Category()), ErrValidation)
	}
	c.attrs[id] = a
	return Clone(a), nil
}

func (c *Catalog) AssetAttributes(_ context.Context, asset AssetID) ([]Attribute, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var attrs []Attribute
	for id := range c.byAsset[asset] {
		attrs = append(attrs, Clone(c.attrs[id]))
	}
	SortAttributes(attrs)
	return attrs, nil
}

func (c *Catalog) Dependents(_ context.Context, trigger AttributeID) ([]RuntimeAttribute, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var deps []RuntimeAttribute
	for id := range c.dependents[trigger] {
		deps = append(deps, Clone(c.attrs[id]).(RuntimeAttribute))
	}
	SortRuntimeAttributes(deps)
	return deps, nil
}

func (c *Catalog) BoundAttribute(_ context.Context, deviceID, metricKey string) (DynamicAttribute, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	id, ok := c.bindings[channel{deviceID, metricKey}]
	if !ok {
		return DynamicAttribute{}, errors.Wrapf(ErrAttributeNotFound, "no attribute bound to %s/%s", deviceID, metricKey)
	}
	return Clone(c.attrs[id]).(DynamicAttribute), nil
}

func (c *Catalog) RuntimeAttributes(_ context.Context) ([]RuntimeAttribute, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var all []RuntimeAttribute
	for _, a := range c.attrs {
		if r, ok := a.(RuntimeAttribute); ok {
			all = append(all, Clone(r).(RuntimeAttribute))
		}
	}
	SortRuntimeAttributes(all)
	return all, nil
}

// index adds a to the secondary indexes. The caller must hold the write lock.
func (c *Catalog) index(a Attribute) {
	d := a.Describe()
	ids, ok := c.byAsset[d.AssetID]
	if !ok {
		ids = make(map[AttributeID]struct{})
		c.byAsset[d.AssetID] = ids
	}
	ids[d.ID] = struct{}{}

	switch v := a.(type) {
	case RuntimeAttribute:
		for _, t := range v.Triggers {
			deps, ok := c.dependents[t]
			if !ok {
				deps = make(map[AttributeID]struct{})
				c.dependents[t] = deps
			}
			deps[d.ID] = struct{}{}
		}
	case DynamicAttribute:
		c.bindings[channel{v.DeviceID, v.MetricKey}] = d.ID
	}
}

// unindex removes a from the secondary indexes. The caller must hold the write
// lock.
func (c *Catalog) unindex(a Attribute) {
	d := a.Describe()
	if ids, ok := c.byAsset[d.AssetID]; ok {
		delete(ids, d.ID)
		if len(ids) == 0 {
			delete(c.byAsset, d.AssetID)
		}
	}

	switch v := a.(type) {
	case RuntimeAttribute:
		for _, t := range v.Triggers {
			if deps, ok := c.dependents[t]; ok {
				delete(deps, d.ID)
				if len(deps) == 0 {
					delete(c.dependents, t)
				}
			}
		}
	case DynamicAttribute:
		ch := channel{v.DeviceID, v.MetricKey}
		if c.bindings[ch] == d.ID {
			delete(c.bindings, ch)
		}
	}
}

// SortAttributes orders attributes by name, breaking ties by ID, so listings are
// deterministic regardless of the store's internal ordering.
func SortAttributes(attrs []Attribute) {
	slices.SortFunc(attrs, func(a, b Attribute) int {
		da, db := a.Describe(), b.Describe()
		return cmp.Or(cmp.Compare(da.Name, db.Name), da.ID.Compare(db.ID))
	})
}

// SortRuntimeAttributes is like SortAttributes for runtime attributes.
func SortRuntimeAttributes(rs []RuntimeAttribute) {
	slices.SortFunc(rs, func(a, b RuntimeAttribute) int {
		return cmp.Or(cmp.Compare(a.Name, b.Name), a.ID.Compare(b.ID))
	})
}
