package engine

import (
	"context"

	"github.com/go-digitaltwin/go-attributetwin"
	"github.com/go-digitaltwin/go-attributetwin/timeseries"
)

// Snapshot is the current value of an attribute.
type Snapshot struct {
	Value any
	// Timestamp is the time the value was produced, in Unix milliseconds.
	Timestamp   int64
	Quality     int
	QualityName string
}

// GetAttributeSnapshot returns the current value of an attribute. Aliases report
// the value of the attribute they resolve to. It fails with ErrNoValue for
// attributes that have no value yet.
func (e *Engine) GetAttributeSnapshot(ctx context.Context, id attributetwin.AttributeID) (Snapshot, error) {
	a, err := e.resolve(ctx, id)
	if err != nil {
		return Snapshot{}, err
	}
	p, err := currentPoint(a)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{
		Value:       p.Value,
		Timestamp:   p.Timestamp,
		Quality:     p.Quality,
		QualityName: attributetwin.QualityName(p.Quality),
	}, nil
}

// GetAttributeSeries returns the in-memory history of an attribute, most recent
// first. Aliases report the series of the attribute they resolve to, dynamic
// attributes report the series of their telemetry channel, and static
// attributes report their current value as a single point.
func (e *Engine) GetAttributeSeries(ctx context.Context, id attributetwin.AttributeID) ([]attributetwin.Point, error) {
	a, err := e.resolve(ctx, id)
	if err != nil {
		return nil, err
	}
	switch v := a.(type) {
	case attributetwin.RuntimeAttribute:
		return e.cache.Series(timeseries.AttributeScope(v.ID)), nil
	case attributetwin.DynamicAttribute:
		return e.cache.Series(timeseries.ChannelScope(v.DeviceID, v.MetricKey)), nil
	case attributetwin.StaticAttribute:
		p, err := currentPoint(v)
		if err != nil {
			return nil, nil
		}
		return []attributetwin.Point{p}, nil
	}
	return nil, nil
}

// resolve looks id up and follows it, if an alias. Unlike
// attributetwin.AliasResolver, it reports a missing id as
// attributetwin.ErrAttributeNotFound.
func (e *Engine) resolve(ctx context.Context, id attributetwin.AttributeID) (attributetwin.Attribute, error) {
	a, err := e.store.Attribute(ctx, id)
	if err != nil {
		return nil, err
	}
	return e.resolver.ResolveAttribute(ctx, a)
}
