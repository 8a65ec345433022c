package attributetwin

import (
	"time"
)

// Quality codes accompanying every Point, following the OPC UA status code
// families.
const (
	QualityBadNonSpecific       = 0
	QualityUncertainNonSpecific = 64
	QualityGoodNonSpecific      = 192
)

// QualityName returns the human-readable name of a quality code, or the empty
// string for codes it does not know.
func QualityName(q int) string {
	switch q {
	case QualityGoodNonSpecific:
		return "Good [Non-Specific]"
	case QualityUncertainNonSpecific:
		return "Uncertain [Non-Specific]"
	case QualityBadNonSpecific:
		return "Bad [Non-Specific]"
	}
	return ""
}

// Point is a single timestamped value of an attribute or a telemetry channel.
type Point struct {
	Value any
	// Timestamp is the time the value was observed, in Unix milliseconds.
	Timestamp int64
	Quality   int
	// LatestTimestamp is the time, in Unix milliseconds, the producing source last
	// reported; zero when unknown.
	LatestTimestamp int64
}

// Time returns Timestamp as a time.Time.
func (p Point) Time() time.Time { return time.UnixMilli(p.Timestamp) }

// PointOption customizes a Point created by NewPoint.
type PointOption func(*Point)

// At sets the observation time of the point.
func At(t time.Time) PointOption {
	return func(p *Point) { p.Timestamp = t.UnixMilli() }
}

// AtMillis sets the observation time of the point in Unix milliseconds.
func AtMillis(ms int64) PointOption {
	return func(p *Point) { p.Timestamp = ms }
}

// WithQuality sets the quality code of the point.
func WithQuality(q int) PointOption {
	return func(p *Point) { p.Quality = q }
}

// WithLatestTimestamp sets the latest reported timestamp of the producing source.
func WithLatestTimestamp(ms int64) PointOption {
	return func(p *Point) { p.LatestTimestamp = ms }
}

// NewPoint returns a Point holding v. Unless overridden by opts, the point is
// timestamped now with QualityGoodNonSpecific.
func NewPoint(v any, opts ...PointOption) Point {
	p := Point{
		Value:     v,
		Timestamp: time.Now().UnixMilli(),
		Quality:   QualityGoodNonSpecific,
	}
	for _, opt := range opts {
		opt(&p)
	}
	return p
}
