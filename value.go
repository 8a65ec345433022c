package attributetwin

import (
	"math"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cast"
)

// CoerceValue converts v to the canonical Go representation of t:
//
//	TypeText       string
//	TypeBoolean    bool
//	TypeDateTime   time.Time (UTC)
//	TypeDouble     float64
//	TypeInteger    int64 (floats are rounded half away from zero)
//	TypeTimestamp  float64 (Unix milliseconds)
//
// It fails if v is nil or cannot be represented as t.
func CoerceValue(v any, t DataType) (any, error) {
	if v == nil {
		return nil, errors.New("nil value")
	}
	switch t {
	case TypeText:
		return cast.ToStringE(v)
	case TypeBoolean:
		return cast.ToBoolE(v)
	case TypeDateTime:
		tm, err := cast.ToTimeE(v)
		if err != nil {
			return nil, err
		}
		return tm.UTC(), nil
	case TypeDouble:
		f, err := cast.ToFloat64E(v)
		if err != nil {
			return nil, err
		}
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, errors.Newf("%v is not a finite number", f)
		}
		return f, nil
	case TypeInteger:
		switch n := v.(type) {
		case float64:
			return roundInteger(n)
		case float32:
			return roundInteger(float64(n))
		}
		return cast.ToInt64E(v)
	case TypeTimestamp:
		if tm, ok := v.(time.Time); ok {
			return float64(tm.UnixMilli()), nil
		}
		return cast.ToFloat64E(v)
	}
	return nil, errors.Newf("cannot coerce to %s", t)
}

func roundInteger(f float64) (int64, error) {
	r := math.Round(f)
	if math.IsNaN(r) || r >= math.MaxInt64 || r < math.MinInt64 {
		return 0, errors.Newf("%v overflows an integer", f)
	}
	return int64(r), nil
}
