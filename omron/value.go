package omron

import (
	"errors"
	"fmt"

	"omroncip/cip"
)

// Result is the outcome of one tag operation. On success Content holds the
// decoded value (nil for writes); on failure Err holds the cause and Message its text.
type Result struct {
	Tag     string
	Success bool
	Message string
	Content cip.Value
	Err     error
}

func newResult(tag string, v cip.Value, err error) Result {
	if err != nil {
		return Result{Tag: tag, Message: errorMessage(err), Err: err}
	}
	return Result{Tag: tag, Success: true, Message: "OK", Content: v}
}

// errorMessage prefers the named CIP status over the raw code.
func errorMessage(err error) string {
	var se *cip.StatusError
	if errors.As(err, &se) {
		return fmt.Sprintf("%s (status 0x%02X)", cip.StatusText(se.General), se.General)
	}
	return err.Error()
}

// GoValue returns the decoded Go value: a scalar for single elements, a slice for
// arrays, a string for STRING and packed BOOL arrays. Nil on failure or for writes.
func (r Result) GoValue() any {
	if !r.Success || r.Content == nil {
		return nil
	}
	return r.Content.GoValue()
}

// TypeName returns the CIP type name of the content, or "UNKNOWN".
func (r Result) TypeName() string {
	if r.Content == nil {
		return "UNKNOWN"
	}
	return r.Content.Type().String()
}

// Bool returns the value as a boolean.
func (r Result) Bool() (bool, error) {
	if err := r.scalarErr(); err != nil {
		return false, err
	}
	switch v := r.Content.(type) {
	case cip.BoolWord:
		return v != 0, nil
	case cip.String, cip.BitString:
		return false, fmt.Errorf("cannot convert %s to bool", r.TypeName())
	}
	n, err := r.Float()
	return n != 0, err
}

// Int returns the value as an int64.
func (r Result) Int() (int64, error) {
	if err := r.scalarErr(); err != nil {
		return 0, err
	}
	switch v := r.Content.(type) {
	case cip.BoolWord:
		return int64(v), nil
	case cip.Int16s:
		return int64(v[0]), nil
	case cip.Int32s:
		return int64(v[0]), nil
	case cip.Int64s:
		return v[0], nil
	case cip.Uint16s:
		return int64(v[0]), nil
	case cip.Uint32s:
		return int64(v[0]), nil
	case cip.Uint64s:
		return int64(v[0]), nil
	case cip.Float32s:
		return int64(v[0]), nil
	case cip.Float64s:
		return int64(v[0]), nil
	default:
		return 0, fmt.Errorf("cannot convert %s to int64", r.TypeName())
	}
}

// Float returns the value as a float64.
func (r Result) Float() (float64, error) {
	if err := r.scalarErr(); err != nil {
		return 0, err
	}
	switch v := r.Content.(type) {
	case cip.Float32s:
		return float64(v[0]), nil
	case cip.Float64s:
		return v[0], nil
	case cip.Uint16s:
		return float64(v[0]), nil
	case cip.Uint32s:
		return float64(v[0]), nil
	case cip.Uint64s:
		return float64(v[0]), nil
	case cip.String, cip.BitString:
		return 0, fmt.Errorf("cannot convert %s to float64", r.TypeName())
	}
	n, err := r.Int()
	return float64(n), err
}

// String returns the value formatted for display; the error message on failure.
func (r Result) String() string {
	if !r.Success {
		return r.Message
	}
	if r.Content == nil {
		return "OK"
	}
	if s, ok := r.Content.(cip.String); ok {
		return string(s)
	}
	return fmt.Sprint(r.Content.GoValue())
}

func (r Result) scalarErr() error {
	if !r.Success {
		return r.Err
	}
	if r.Content == nil {
		return errors.New("no value")
	}
	if r.Content.Len() == 0 {
		return fmt.Errorf("%w: empty value", cip.ErrMalformedReply)
	}
	return nil
}
