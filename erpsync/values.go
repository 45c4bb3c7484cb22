package erpsync

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/mmdatafocus/parking_backend/models"
	"github.com/mmdatafocus/parking_backend/utils"
	"github.com/shopspring/decimal"
)

// NormalizeCode strips leading zeros from all-digit codes ("00012" -> "12").
// Anything else is only trimmed.
func NormalizeCode(s string) string {
	return models.NormalizeKey(s)
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// deref unwraps pointers; nil pointers become nil.
func deref(v any) any {
	for v != nil {
		rv := reflect.ValueOf(v)
		if rv.Kind() != reflect.Ptr {
			return v
		}
		if rv.IsNil() {
			return nil
		}
		v = rv.Elem().Interface()
	}
	return nil
}

// isAbsent treats nil and blank strings as the same missing value.
func isAbsent(v any) bool {
	v = deref(v)
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(t) == ""
	case []byte:
		return strings.TrimSpace(string(t)) == ""
	case json.Number:
		return strings.TrimSpace(t.String()) == ""
	}
	return false
}

func stringOf(v any) string {
	v = deref(v)
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	case []byte:
		return strings.TrimSpace(string(t))
	case json.Number:
		return t.String()
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(t), 'f', -1, 32)
	case decimal.Decimal:
		return t.String()
	case time.Time:
		return t.Format(time.RFC3339)
	case fmt.Stringer:
		return strings.TrimSpace(t.String())
	default:
		return strings.TrimSpace(fmt.Sprint(t))
	}
}

func decimalOf(v any) (decimal.Decimal, bool) {
	v = deref(v)
	switch t := v.(type) {
	case decimal.Decimal:
		return t, true
	case int:
		return decimal.NewFromInt(int64(t)), true
	case int32:
		return decimal.NewFromInt(int64(t)), true
	case int64:
		return decimal.NewFromInt(t), true
	case uint:
		return decimal.NewFromInt(int64(t)), true
	case uint32:
		return decimal.NewFromInt(int64(t)), true
	case uint64:
		return decimal.NewFromInt(int64(t)), true
	case float32:
		return decimal.NewFromFloat32(t), true
	case float64:
		return decimal.NewFromFloat(t), true
	case bool, time.Time, nil:
		return decimal.Decimal{}, false
	}
	d, err := utils.ParseDecimal(stringOf(v))
	if err != nil {
		return decimal.Decimal{}, false
	}
	return d, true
}

func isNumeric(v any) bool {
	switch deref(v).(type) {
	case decimal.Decimal, int, int32, int64, uint, uint32, uint64, float32, float64, json.Number:
		return true
	}
	return false
}

func timeOf(v any) (time.Time, bool) {
	switch t := deref(v).(type) {
	case time.Time:
		return t, true
	case string:
		return parseDate(t)
	case []byte:
		return parseDate(string(t))
	}
	return time.Time{}, false
}

func boolOf(v any) (bool, bool) {
	switch t := deref(v).(type) {
	case bool:
		return t, true
	case nil:
		return false, false
	}
	if d, ok := decimalOf(v); ok {
		return !d.IsZero(), true
	}
	switch strings.ToLower(stringOf(v)) {
	case "true", "yes", "y", "on", "t":
		return true, true
	case "false", "no", "n", "off", "f":
		return false, true
	}
	return false, false
}

// ValuesEqual compares a mapped value with a stored one. Absent equals empty,
// numbers compare by decimal value, times by instant (or by day when one side
// is a bare date) and digit codes ignore leading zeros.
func ValuesEqual(a, b any) bool {
	a, b = deref(a), deref(b)
	if isAbsent(a) || isAbsent(b) {
		return isAbsent(a) && isAbsent(b)
	}

	ta, aTime := timeOf(a)
	tb, bTime := timeOf(b)
	_, aIsTime := a.(time.Time)
	_, bIsTime := b.(time.Time)
	if (aIsTime || bIsTime) && aTime && bTime {
		if ta.Equal(tb) {
			return true
		}
		if isMidnight(ta) || isMidnight(tb) {
			return sameDay(ta, tb)
		}
		return false
	}

	if ba, ok := a.(bool); ok {
		bb, ok := boolOf(b)
		return ok && ba == bb
	}
	if bb, ok := b.(bool); ok {
		ba, ok := boolOf(a)
		return ok && ba == bb
	}

	if isNumeric(a) || isNumeric(b) {
		da, okA := decimalOf(a)
		db, okB := decimalOf(b)
		if okA && okB {
			return da.Equal(db)
		}
	}

	sa, sb := stringOf(a), stringOf(b)
	if sa == sb {
		return true
	}
	return isDigits(sa) && isDigits(sb) && NormalizeCode(sa) == NormalizeCode(sb)
}

func isMidnight(t time.Time) bool {
	h, m, s := t.Clock()
	return h == 0 && m == 0 && s == 0 && t.Nanosecond() == 0
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}
