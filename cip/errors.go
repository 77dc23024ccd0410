package cip

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidAddress  = errors.New("invalid tag address")
	ErrMalformedReply  = errors.New("malformed reply")
	ErrPlcStatus       = errors.New("plc status error")
	ErrUnexpectedReply = errors.New("unexpected reply")
	ErrUnsupportedType = errors.New("unsupported type")
)

// StatusError is returned when a reply carries a non-zero general status or
// extended status size. The raw values are preserved for the caller.
type StatusError struct {
	General      byte
	ExtendedSize byte
	Extended     []uint16
}

func (e *StatusError) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s: %s (0x%02X)", ErrPlcStatus, StatusText(e.General), e.General)
	if len(e.Extended) > 0 {
		fmt.Fprintf(&sb, ", extended: %s (0x%04X)", ExtStatusText(e.Extended[0]), e.Extended[0])
	} else if e.ExtendedSize != 0 {
		fmt.Fprintf(&sb, ", extended size %d", e.ExtendedSize)
	}
	return sb.String()
}

func (e *StatusError) Unwrap() error { return ErrPlcStatus }
