package decode

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

var (
	ErrNullNotAllowed = errors.New("null value not allowed")
	ErrMalformedArray = errors.New("malformed array literal")
)

// NullValueError reports a null received for a column declared not null.
type NullValueError struct {
	Column string
}

func (e *NullValueError) Error() string {
	return fmt.Sprintf("column %q is not nullable but received null", e.Column)
}

func (e *NullValueError) Is(target error) bool {
	return target == ErrNullNotAllowed
}

// Caster converts the text form of a column value into a Go value.
type Caster func(value string) (any, error)

// DefaultCasters returns the built-in casters keyed by Postgres type name.
// Types without a caster pass through as strings.
func DefaultCasters() map[string]Caster {
	return map[string]Caster{
		"int2":   castInt,
		"int4":   castInt,
		"int8":   castInt64,
		"float4": castFloat,
		"float8": castFloat,
		"bool":   castBool,
		"json":   castJSON,
		"jsonb":  castJSON,
	}
}

func castInt(v string) (any, error) {
	return strconv.Atoi(v)
}

func castInt64(v string) (any, error) {
	return strconv.ParseInt(v, 10, 64)
}

// castFloat also accepts NaN, Infinity and -Infinity.
func castFloat(v string) (any, error) {
	return strconv.ParseFloat(v, 64)
}

func castBool(v string) (any, error) {
	switch v {
	case "t", "true":
		return true, nil
	case "f", "false":
		return false, nil
	}
	return nil, fmt.Errorf("invalid bool %q", v)
}

func castJSON(v string) (any, error) {
	var out any
	if err := json.Unmarshal([]byte(v), &out); err != nil {
		return nil, err
	}
	return out, nil
}
