package storage

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// KeyRange restricts a scan over an index (or the primary key). Bounds may
// name a prefix of a composite index: Only("c1") on (conversationId,
// createdAt) covers every createdAt of conversation c1. The zero value is
// unbounded.
type KeyRange struct {
	Lower     []any
	Upper     []any
	LowerOpen bool
	UpperOpen bool

	only bool
}

// Only matches records whose leading index fields equal values.
func Only(values ...any) KeyRange {
	return KeyRange{Lower: values, Upper: values, only: true}
}

// Bound matches records between lower and upper. A nil bound is open-ended.
func Bound(lower, upper []any, lowerOpen, upperOpen bool) KeyRange {
	return KeyRange{Lower: lower, Upper: upper, LowerOpen: lowerOpen, UpperOpen: upperOpen}
}

// LowerBound matches records at or above (or strictly above) values.
func LowerBound(values []any, open bool) KeyRange {
	return KeyRange{Lower: values, LowerOpen: open}
}

// UpperBound matches records at or below (or strictly below) values.
func UpperBound(values []any, open bool) KeyRange {
	return KeyRange{Upper: values, UpperOpen: open}
}

// where renders the range as a SQL condition over cols. Index scans skip
// records whose index fields are absent.
func (r KeyRange) where(cols []string, indexScan bool) (string, []any, error) {
	var conds []string
	var args []any

	if indexScan {
		for _, c := range cols {
			conds = append(conds, c+" IS NOT NULL")
		}
	}

	if r.only {
		if len(r.Lower) == 0 || len(r.Lower) > len(cols) {
			return "", nil, fmt.Errorf("key range has %d values for %d key fields", len(r.Lower), len(cols))
		}
		for i, v := range r.Lower {
			nv, err := normalizeKey(v)
			if err != nil {
				return "", nil, err
			}
			conds = append(conds, cols[i]+" = ?")
			args = append(args, nv)
		}
		return strings.Join(conds, " AND "), args, nil
	}

	bound := func(values []any, op string) error {
		if len(values) == 0 {
			return nil
		}
		if len(values) > len(cols) {
			return fmt.Errorf("key range has %d values for %d key fields", len(values), len(cols))
		}
		placeholders := make([]string, len(values))
		for i, v := range values {
			nv, err := normalizeKey(v)
			if err != nil {
				return err
			}
			placeholders[i] = "?"
			args = append(args, nv)
		}
		conds = append(conds, fmt.Sprintf("(%s) %s (%s)",
			strings.Join(cols[:len(values)], ", "), op, strings.Join(placeholders, ", ")))
		return nil
	}

	lowerOp, upperOp := ">=", "<="
	if r.LowerOpen {
		lowerOp = ">"
	}
	if r.UpperOpen {
		upperOp = "<"
	}
	if err := bound(r.Lower, lowerOp); err != nil {
		return "", nil, err
	}
	if err := bound(r.Upper, upperOp); err != nil {
		return "", nil, err
	}

	if len(conds) == 0 {
		return "1 = 1", nil, nil
	}
	return strings.Join(conds, " AND "), args, nil
}

// Times are keyed by Unix nanoseconds, which cover 1677-09-21 to 2262-04-11.
var (
	minTimeKey = time.Unix(0, math.MinInt64)
	maxTimeKey = time.Unix(0, math.MaxInt64)
)

func timeKey(t time.Time) (any, error) {
	if t.IsZero() {
		return nil, nil
	}
	if t.Before(minTimeKey) || t.After(maxTimeKey) {
		return nil, fmt.Errorf("time %s is outside the indexable range", t.UTC().Format(time.RFC3339))
	}
	return t.UnixNano(), nil
}

// normalizeKey maps a Go value to its ordered SQLite representation. Times
// become Unix nanoseconds so that they sort chronologically.
func normalizeKey(v any) (any, error) {
	switch k := v.(type) {
	case nil:
		return nil, nil
	case string:
		return k, nil
	case time.Time:
		return timeKey(k)
	case *time.Time:
		if k == nil {
			return nil, nil
		}
		return timeKey(*k)
	case int:
		return int64(k), nil
	case int32:
		return int64(k), nil
	case int64:
		return k, nil
	case uint32:
		return int64(k), nil
	case uint64:
		if k > math.MaxInt64 {
			return nil, fmt.Errorf("key %d overflows int64", k)
		}
		return int64(k), nil
	case bool:
		if k {
			return int64(1), nil
		}
		return int64(0), nil
	case []byte:
		return k, nil
	default:
		return nil, fmt.Errorf("unsupported key type %T", v)
	}
}
