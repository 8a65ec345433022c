// Package timeseries keeps the in-memory value history of runtime attributes and
// device telemetry channels.
package timeseries

import (
	"cmp"
	"fmt"
	"slices"
	"sync"

	"github.com/go-digitaltwin/go-attributetwin"
)

// Scope identifies a single series: either the series of a runtime attribute, or
// the series of a device telemetry channel. Use AttributeScope and ChannelScope
// to create one.
type Scope struct {
	attributeID attributetwin.AttributeID
	deviceID    string
	metricKey   string
}

// AttributeScope returns the scope of a runtime attribute's series.
func AttributeScope(id attributetwin.AttributeID) Scope {
	return Scope{attributeID: id}
}

// ChannelScope returns the scope of a telemetry channel's series.
func ChannelScope(deviceID, metricKey string) Scope {
	return Scope{deviceID: deviceID, metricKey: metricKey}
}

func (s Scope) String() string {
	if s.deviceID != "" || s.metricKey != "" {
		return fmt.Sprintf("channel(%s/%s)", s.deviceID, s.metricKey)
	}
	return fmt.Sprintf("attribute(%s)", s.attributeID)
}

// series is an append-only list of points guarded by its own lock.
type series struct {
	mu     sync.Mutex
	points []attributetwin.Point
}

// Cache holds one series per Scope. Every scope owns its own lock, so appends
// to different scopes never contend.
//
// Series grow without bound for the lifetime of the cache.
//
// The zero value is an empty cache ready to use. A Cache must not be copied
// after first use.
type Cache struct {
	m sync.Map // Scope -> *series
}

func (c *Cache) series(scope Scope) *series {
	if s, ok := c.m.Load(scope); ok {
		return s.(*series)
	}
	s, _ := c.m.LoadOrStore(scope, new(series))
	return s.(*series)
}

// Append adds p to the series of scope.
func (c *Cache) Append(scope Scope, p attributetwin.Point) {
	s := c.series(scope)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.points = append(s.points, p)
}

// Latest returns the point with the greatest Timestamp in the series of scope.
// Points with equal timestamps are resolved in favour of the one appended last.
// It returns ok == false if the series is empty.
func (c *Cache) Latest(scope Scope) (p attributetwin.Point, ok bool) {
	v, found := c.m.Load(scope)
	if !found {
		return attributetwin.Point{}, false
	}
	s := v.(*series)
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, q := range s.points {
		if i == 0 || q.Timestamp >= p.Timestamp {
			p, ok = q, true
		}
	}
	return p, ok
}

// Series returns a copy of the series of scope ordered by Timestamp, most recent
// first. Points with equal timestamps are ordered most recently appended first.
func (c *Cache) Series(scope Scope) []attributetwin.Point {
	v, found := c.m.Load(scope)
	if !found {
		return nil
	}
	s := v.(*series)
	s.mu.Lock()
	points := slices.Clone(s.points)
	s.mu.Unlock()

	slices.Reverse(points)
	slices.SortStableFunc(points, func(a, b attributetwin.Point) int {
		return cmp.Compare(b.Timestamp, a.Timestamp)
	})
	return points
}

// Len returns the number of points in the series of scope.
func (c *Cache) Len(scope Scope) int {
	v, found := c.m.Load(scope)
	if !found {
		return 0
	}
	s := v.(*series)
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.points)
}
