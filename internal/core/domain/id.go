package domain

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// ID is the canonical string form of an entity identifier that the backend
// may send as either a string or a number. The zero value means "absent".
type ID string

// IsZero reports whether the identifier is absent.
func (id ID) IsZero() bool {
	return id == ""
}

func (id ID) String() string {
	return string(id)
}

// ParseID converts a loosely-typed JSON value into an ID. Empty strings,
// zero numbers and non-scalar values yield the zero ID.
func ParseID(v any) ID {
	switch x := v.(type) {
	case string:
		return ID(strings.TrimSpace(x))
	case json.Number:
		return ParseID(x.String())
	case float64:
		if x == 0 || math.IsNaN(x) || math.IsInf(x, 0) {
			return ""
		}
		if x == math.Trunc(x) && math.Abs(x) < 1<<53 {
			return ID(strconv.FormatInt(int64(x), 10))
		}
		return ID(strconv.FormatFloat(x, 'f', -1, 64))
	case float32:
		return ParseID(float64(x))
	case int:
		return intID(int64(x))
	case int32:
		return intID(int64(x))
	case int64:
		return intID(x)
	case uint:
		return uintID(uint64(x))
	case uint32:
		return uintID(uint64(x))
	case uint64:
		return uintID(x)
	}
	return ""
}

func intID(n int64) ID {
	if n == 0 {
		return ""
	}
	return ID(strconv.FormatInt(n, 10))
}

func uintID(n uint64) ID {
	if n == 0 {
		return ""
	}
	return ID(strconv.FormatUint(n, 10))
}
