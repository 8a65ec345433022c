// Package neo4jstore persists attributes in a Neo4j graph database.
//
// Every attribute is a node labelled Attribute and its category (e.g.
// Attribute:Runtime). Runtime attributes list the IDs of their triggers, and
// dynamic attributes carry the device and metric keys of their telemetry
// channel, so the dependents of an attribute and the binding of a channel are
// found by indexed lookups (see BootstrapDatabase).
package neo4jstore

import (
	"context"
	"fmt"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/danielorbach/go-component"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/go-digitaltwin/go-attributetwin"
)

// Store is an attributetwin.AttributeStore on Neo4j.
//
// Each operation executes in its own transaction, so definition updates are
// checked against the stored revision and applied atomically.
type Store struct {
	driver   neo4j.DriverWithContext // Connection to the neo4j server/cluster.
	database string                  // Target database name that identifies the specific underlying neo4j graph.
	// Ensures multiple concurrent write transactions can safely modify the Neo4j
	// graph, while scans of runtime attributes get an exclusive lock to observe a
	// consistent trigger graph.
	txMutex graphWRMutex

	now func() time.Time
}

var _ attributetwin.AttributeStore = (*Store)(nil)

// NewStore returns a ready-to-use Store using the given database. Call
// BootstrapDatabase beforehand to create its constraints and indexes.
func NewStore(driver neo4j.DriverWithContext, database string) *Store {
	return &Store{driver: driver, database: database, now: time.Now}
}

func (s *Store) Attribute(ctx context.Context, id attributetwin.AttributeID) (attributetwin.Attribute, error) {
	attrs, err := s.query(ctx, "Attribute", `
		MATCH (a:`+attributeLabel+` {id: $id})
		RETURN a
	`, map[string]any{"id": id.String()})
	if err != nil {
		return nil, err
	}
	if len(attrs) == 0 {
		return nil, errors.Wrapf(attributetwin.ErrAttributeNotFound, "attribute %s", id)
	}
	if len(attrs) > 1 {
		panicWithCorruptedGraph(ctx, fmt.Sprintf("attribute %s is stored by %d nodes", id, len(attrs)))
	}
	return attrs[0], nil
}

func (s *Store) Create(ctx context.Context, a attributetwin.Attribute) (attributetwin.Attribute, error) {
	if a == nil {
		return nil, errors.AssertionFailedf("create nil attribute")
	}
	d := a.Describe()
	if d.ID.IsZero() {
		return nil, errors.Mark(errors.New("attribute id is required"), attributetwin.ErrValidation)
	}
	now := s.now().UTC()
	d.Revision = 1
	d.CreatedAt, d.UpdatedAt = now, now
	a = attributetwin.WithDescriptor(a, d)

	var created attributetwin.Attribute
	err := s.write(ctx, "Create", func(tx neo4j.ManagedTransaction) error {
		if _, err := lookup(ctx, tx, d.ID); err == nil {
			return errors.Wrapf(attributetwin.ErrDuplicateAttribute, "attribute %s", d.ID)
		} else if !errors.Is(err, attributetwin.ErrAttributeNotFound) {
			return err
		}
		if dyn, ok := a.(attributetwin.DynamicAttribute); ok {
			if err := checkBinding(ctx, tx, dyn); err != nil {
				return err
			}
		}

		labels, props := formatNode(a)
		result, err := tx.Run(ctx, `
			CREATE (a:`+labels+`)
			SET a = $props
			RETURN a
		`, map[string]any{"props": props})
		if err != nil {
			return errors.Wrap(err, "run cypher")
		}
		created, err = singleAttribute(ctx, result)
		return err
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

func (s *Store) Update(ctx context.Context, a attributetwin.Attribute) (attributetwin.Attribute, error) {
	d := a.Describe()
	var updated attributetwin.Attribute
	err := s.write(ctx, "Update", func(tx neo4j.ManagedTransaction) error {
		if err := lockAttribute(ctx, tx, d.ID); err != nil {
			return err
		}
		stored, err := lookup(ctx, tx, d.ID)
		if err != nil {
			return err
		}
		if err := attributetwin.CheckUpdate(stored, a); err != nil {
			if errors.Is(err, attributetwin.ErrStaleWrite) {
				measureStaleWrite(ctx)
			}
			return err
		}
		if dyn, ok := a.(attributetwin.DynamicAttribute); ok {
			if err := checkBinding(ctx, tx, dyn); err != nil {
				return err
			}
		}

		prev := stored.Describe()
		d.Revision = prev.Revision + 1
		d.CreatedAt = prev.CreatedAt
		d.UpdatedAt = s.now().UTC()
		next := attributetwin.WithDescriptor(a, d)
		if p, ok := attributetwin.SnapshotOf(stored); ok {
			next, _ = attributetwin.WithSnapshot(next, p)
		}

		_, props := formatNode(next)
		result, err := tx.Run(ctx, `
			MATCH (a:`+attributeLabel+` {id: $id, revision: $revision})
			SET a = $props
			RETURN a
		`, map[string]any{
			"id":       d.ID.String(),
			"revision": int64(prev.Revision),
			"props":    props,
		})
		if err != nil {
			return errors.Wrap(err, "run cypher")
		}
		updated, err = singleAttribute(ctx, result)
		if errors.Is(err, attributetwin.ErrAttributeNotFound) {
			measureStaleWrite(ctx)
			return attributetwin.StaleWriteErrorf("attribute %s: revision %d was concurrently updated", d.ID, prev.Revision)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *Store) Delete(ctx context.Context, id attributetwin.AttributeID) error {
	return s.write(ctx, "Delete", func(tx neo4j.ManagedTransaction) error {
		result, err := tx.Run(ctx, `
			MATCH (a:`+attributeLabel+` {id: $id})
			DETACH DELETE a
			RETURN count(a) AS nodes
		`, map[string]any{"id": id.String()})
		if err != nil {
			return errors.Wrap(err, "run cypher")
		}
		record, err := result.Single(ctx)
		if err != nil {
			return errors.Wrap(err, "query single result")
		}
		nodes, err := getRecordProperty[int64](record, "nodes")
		if err != nil {
			return errors.Wrap(err, "get nodes")
		}
		// An attribute is represented by a single node. Deleting it should delete at
		// most a single node (either it is present in the graph, or it isn't).
		if nodes > 1 {
			panicWithCorruptedGraph(ctx, fmt.Sprintf("delete-attribute removed %v nodes instead of 0/1", nodes))
		}
		return nil
	})
}

func (s *Store) SetSnapshot(ctx context.Context, id attributetwin.AttributeID, p attributetwin.Point) (attributetwin.Attribute, error) {
	var updated attributetwin.Attribute
	err := s.write(ctx, "SetSnapshot", func(tx neo4j.ManagedTransaction) error {
		stored, err := lookup(ctx, tx, id)
		if err != nil {
			return err
		}
		if _, ok := attributetwin.WithSnapshot(stored, p); !ok {
			return errors.Mark(errors.Newf("%s attribute %s holds no snapshot", stored.Category(), id), attributetwin.ErrValidation)
		}
		result, err := tx.Run(ctx, `
			MATCH (a:`+attributeLabel+` {id: $id})
			SET a += $snapshot
			RETURN a
		`, map[string]any{
			"id":       id.String(),
			"snapshot": snapshotProps(p),
		})
		if err != nil {
			return errors.Wrap(err, "run cypher")
		}
		updated, err = singleAttribute(ctx, result)
		return err
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *Store) AssetAttributes(ctx context.Context, asset attributetwin.AssetID) ([]attributetwin.Attribute, error) {
	attrs, err := s.query(ctx, "AssetAttributes", `
		MATCH (a:`+attributeLabel+` {assetId: $asset})
		RETURN a
	`, map[string]any{"asset": asset.String()})
	if err != nil {
		return nil, err
	}
	attributetwin.SortAttributes(attrs)
	return attrs, nil
}

func (s *Store) Dependents(ctx context.Context, trigger attributetwin.AttributeID) ([]attributetwin.RuntimeAttribute, error) {
	// Dependents are scanned exclusively, as are all runtime attributes.
	s.txMutex.Lock()
	defer s.txMutex.Unlock()
	attrs, err := s.query(ctx, "Dependents", `
		MATCH (a:`+attributeLabel+`:`+categoryLabels[attributetwin.Runtime]+`)
		WHERE $trigger IN a.triggers
		RETURN a
	`, map[string]any{"trigger": trigger.String()})
	if err != nil {
		return nil, err
	}
	return runtimeAttributes(attrs)
}

func (s *Store) BoundAttribute(ctx context.Context, deviceID, metricKey string) (attributetwin.DynamicAttribute, error) {
	attrs, err := s.query(ctx, "BoundAttribute", `
		MATCH (a:`+attributeLabel+`:`+categoryLabels[attributetwin.Dynamic]+` {deviceId: $deviceId, metricKey: $metricKey})
		RETURN a
	`, map[string]any{"deviceId": deviceID, "metricKey": metricKey})
	if err != nil {
		return attributetwin.DynamicAttribute{}, err
	}
	if len(attrs) == 0 {
		return attributetwin.DynamicAttribute{}, errors.Wrapf(attributetwin.ErrAttributeNotFound, "channel %s/%s", deviceID, metricKey)
	}
	if len(attrs) > 1 {
		panicWithCorruptedGraph(ctx, fmt.Sprintf("channel %s/%s is bound to %d attributes", deviceID, metricKey, len(attrs)))
	}
	return attrs[0].(attributetwin.DynamicAttribute), nil
}

// RuntimeAttributes acquires an exclusive lock before reading, so the listing
// never observes concurrent writes of this Store half-applied.
func (s *Store) RuntimeAttributes(ctx context.Context) ([]attributetwin.RuntimeAttribute, error) {
	s.txMutex.Lock()
	defer s.txMutex.Unlock()
	attrs, err := s.query(ctx, "RuntimeAttributes", `
		MATCH (a:`+attributeLabel+`:`+categoryLabels[attributetwin.Runtime]+`)
		RETURN a
	`, nil)
	if err != nil {
		return nil, err
	}
	rs, err := runtimeAttributes(attrs)
	if err != nil {
		return nil, err
	}
	attributetwin.SortRuntimeAttributes(rs)
	return rs, nil
}

// write executes work in a write transaction, which is rolled back should work
// fail.
func (s *Store) write(ctx context.Context, op string, work func(tx neo4j.ManagedTransaction) error) (err error) {
	ctx, span := tracer.Start(ctx, "Store."+op, trace.WithAttributes(
		attribute.String("neo4j.database", s.database),
	))
	defer span.End()
	logger := component.Logger(ctx).With("neo4j.database", s.database)
	defer func() {
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
		}
	}()

	// We open a new session for every transaction to prevent any state carryover
	// between different query executions.
	sess := s.driver.NewSession(ctx, neo4j.SessionConfig{
		DatabaseName: s.database,
		AccessMode:   neo4j.AccessModeWrite,
	})
	defer func() {
		if err := sess.Close(ctx); err != nil {
			logger.Error("Failed to close session", "error", err, "mode", "write")
		}
	}()

	s.txMutex.WLock()
	defer s.txMutex.WUnlock()

	_, err = sess.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		return nil, work(tx)
	})
	if err != nil {
		return checkQueryError(ctx, err)
	}
	return nil
}

// query returns the attributes of the nodes returned as "a" by a read-only
// query.
func (s *Store) query(ctx context.Context, op, cypher string, params map[string]any) (attrs []attributetwin.Attribute, err error) {
	ctx, span := tracer.Start(ctx, "Store."+op, trace.WithAttributes(
		attribute.String("neo4j.database", s.database),
	))
	defer span.End()
	logger := component.Logger(ctx).With("neo4j.database", s.database)
	defer func() {
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
		}
	}()

	sess := s.driver.NewSession(ctx, neo4j.SessionConfig{
		DatabaseName: s.database,
		AccessMode:   neo4j.AccessModeRead,
	})
	defer func() {
		if err := sess.Close(ctx); err != nil {
			logger.Error("Failed to close session", "error", err, "mode", "read")
		}
	}()

	_, err = sess.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		result, err := tx.Run(ctx, cypher, params)
		if err != nil {
			return nil, errors.Wrap(err, "run cypher")
		}
		attrs, err = collectAttributes(ctx, result)
		return nil, err
	})
	if err != nil {
		return nil, checkQueryError(ctx, err)
	}
	return attrs, nil
}

// checkQueryError panics on errors indicating a Cypher query was changed
// without updating the code parsing its results, and returns any other error.
func checkQueryError(ctx context.Context, err error) error {
	if errors.Is(err, errPropertyNotFound) || errors.HasType(err, unexpectedPropertyTypeError{}) {
		component.Logger(ctx).Error("A Cypher query was modified without care", "error", err.Error())
		panic(errors.Wrap(err, "seek developer attention: neo4j cypher query"))
	}
	return err
}

// lookup reads a single attribute within tx.
func lookup(ctx context.Context, tx neo4j.ManagedTransaction, id attributetwin.AttributeID) (attributetwin.Attribute, error) {
	result, err := tx.Run(ctx, `
		MATCH (a:`+attributeLabel+` {id: $id})
		RETURN a
	`, map[string]any{"id": id.String()})
	if err != nil {
		return nil, errors.Wrap(err, "run cypher")
	}
	a, err := singleAttribute(ctx, result)
	if errors.Is(err, attributetwin.ErrAttributeNotFound) {
		return nil, errors.Wrapf(attributetwin.ErrAttributeNotFound, "attribute %s", id)
	}
	return a, err
}

// lockAttribute takes the write lock of an attribute's node until tx ends, so
// subsequent reads within tx observe the latest committed revision. Concurrent
// updates of the same attribute are serialised this way.
func lockAttribute(ctx context.Context, tx neo4j.ManagedTransaction, id attributetwin.AttributeID) error {
	result, err := tx.Run(ctx, `
		MATCH (a:`+attributeLabel+` {id: $id})
		SET a._lock = true
		REMOVE a._lock
	`, map[string]any{"id": id.String()})
	if err != nil {
		return errors.Wrap(err, "run cypher")
	}
	_, err = result.Consume(ctx)
	return errors.Wrap(err, "lock attribute")
}

// checkBinding fails with attributetwin.ErrDuplicateBinding if the channel of d
// is bound to another attribute.
func checkBinding(ctx context.Context, tx neo4j.ManagedTransaction, d attributetwin.DynamicAttribute) error {
	result, err := tx.Run(ctx, `
		MATCH (a:`+attributeLabel+`:`+categoryLabels[attributetwin.Dynamic]+` {deviceId: $deviceId, metricKey: $metricKey})
		WHERE a.id <> $id
		RETURN a.id AS id
		LIMIT 1
	`, map[string]any{
		"id":        d.ID.String(),
		"deviceId":  d.DeviceID,
		"metricKey": d.MetricKey,
	})
	if err != nil {
		return errors.Wrap(err, "run cypher")
	}
	if !result.Next(ctx) {
		return errors.Wrap(result.Err(), "check binding")
	}
	bound, err := getRecordProperty[string](result.Record(), "id")
	if err != nil {
		return err
	}
	return attributetwin.ValidationErrorf(attributetwin.ErrDuplicateBinding, "channel %s/%s is bound to attribute %s", d.DeviceID, d.MetricKey, bound)
}

func collectAttributes(ctx context.Context, result neo4j.ResultWithContext) ([]attributetwin.Attribute, error) {
	var attrs []attributetwin.Attribute
	for result.Next(ctx) {
		n, err := getRecordProperty[neo4j.Node](result.Record(), "a")
		if err != nil {
			return nil, err
		}
		a, err := parseNode(n)
		if err != nil {
			return nil, errors.Wrapf(err, "parse node %s", n.ElementId)
		}
		attrs = append(attrs, a)
	}
	if err := result.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate results")
	}
	return attrs, nil
}

func singleAttribute(ctx context.Context, result neo4j.ResultWithContext) (attributetwin.Attribute, error) {
	attrs, err := collectAttributes(ctx, result)
	if err != nil {
		return nil, err
	}
	switch len(attrs) {
	case 0:
		return nil, attributetwin.ErrAttributeNotFound
	case 1:
		return attrs[0], nil
	}
	panicWithCorruptedGraph(ctx, fmt.Sprintf("query matched %d attributes instead of 1", len(attrs)))
	return nil, nil
}

func runtimeAttributes(attrs []attributetwin.Attribute) ([]attributetwin.RuntimeAttribute, error) {
	rs := make([]attributetwin.RuntimeAttribute, 0, len(attrs))
	for _, a := range attrs {
		r, ok := a.(attributetwin.RuntimeAttribute)
		if !ok {
			return nil, errors.AssertionFailedf("node labelled %s holds a %s attribute", categoryLabels[attributetwin.Runtime], a.Category())
		}
		rs = append(rs, r)
	}
	return rs, nil
}

// We store attributes in a way that prompts us when the graph violates some of
// our basic constraints (e.g. two nodes storing the same attribute).
//
// When we suspect the graph has lost its integrity, we may no longer operate on
// it. In which case, we must immediately stop all operations. This is achieved
// with a panic preceded by telemetry signals (traces and logs) to bring the
// situation to our immediate attention.
func panicWithCorruptedGraph(ctx context.Context, reason string) {
	component.Logger(ctx).ErrorContext(ctx, "Encountered corrupted neo4j graph that violates attribute-store axioms", "error", reason)
	trace.SpanFromContext(ctx).SetStatus(codes.Error, reason)
	panic(errors.Newf("neo4j graph violates attribute-store axioms: %v", reason))
}
