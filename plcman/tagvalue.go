package plcman

import (
	"fmt"
	"time"

	"omroncip/cip"
	"omroncip/config"
	"omroncip/omron"
)

// TagValue is the last polled state of one configured tag.
type TagValue struct {
	Name     string       // Tag address as configured
	Alias    string       // Optional display name
	DataType cip.DataType // Zero until the first successful read
	Value    interface{}  // Pre-computed Go value from Result.GoValue()
	Count    int          // Number of elements read
	Error    error        // Per-tag error (nil if successful)
	Updated  time.Time
}

// fromResult converts a read result into a TagValue. A failed read keeps the data
// type learned from an earlier one so writes can still be encoded.
func fromResult(sel config.TagSelection, r omron.Result, prev *TagValue) *TagValue {
	v := &TagValue{
		Name:    sel.Name,
		Alias:   sel.Alias,
		Count:   sel.ElementCount(),
		Error:   r.Err,
		Updated: time.Now(),
	}
	if r.Success && r.Content != nil {
		v.DataType = r.Content.Type()
		v.Value = r.Content.GoValue()
		v.Count = r.Content.Len()
	} else if prev != nil {
		v.DataType = prev.DataType
	}
	return v
}

// GoValue returns the pre-computed Go value, or nil if the last read failed.
func (v *TagValue) GoValue() interface{} {
	if v.Error != nil {
		return nil
	}
	return v.Value
}

// TypeName returns the IEC type name, or "UNKNOWN" before the first successful read.
func (v *TagValue) TypeName() string {
	if v.DataType == 0 {
		return "UNKNOWN"
	}
	return v.DataType.String()
}

// DisplayName returns the alias if set, otherwise the tag name.
func (v *TagValue) DisplayName() string {
	if v.Alias != "" {
		return v.Alias
	}
	return v.Name
}

// valueChanged compares rendered values so slices and scalars compare alike.
func valueChanged(old, new interface{}) bool {
	return fmt.Sprintf("%v", old) != fmt.Sprintf("%v", new)
}
