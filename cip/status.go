package cip

import "fmt"

// General status codes that the tag services commonly return.
const (
	StatusSuccess           byte = 0x00
	StatusPathSegmentError  byte = 0x04
	StatusPathUnknown       byte = 0x05
	StatusPartialTransfer   byte = 0x06
	StatusServiceNotSupport byte = 0x08
	StatusObjectNotExist    byte = 0x16
	StatusGeneralError      byte = 0xFF
)

// StatusText returns a readable name for a CIP general status code.
func StatusText(status byte) string {
	switch status {
	case StatusSuccess:
		return "Success"
	case 0x01:
		return "Connection Failure"
	case 0x02:
		return "Resource Unavailable"
	case 0x03:
		return "Invalid Parameter"
	case StatusPathSegmentError:
		return "Path Segment Error"
	case StatusPathUnknown:
		return "Path Unknown"
	case StatusPartialTransfer:
		return "Partial Transfer"
	case 0x07:
		return "Connection Lost"
	case StatusServiceNotSupport:
		return "Service Not Supported"
	case 0x09:
		return "Invalid Attribute Value"
	case 0x0C:
		return "Object State Conflict"
	case 0x0F:
		return "Privilege Violation"
	case 0x10:
		return "Device State Conflict"
	case 0x11:
		return "Reply Data Too Large"
	case 0x13:
		return "Not Enough Data"
	case 0x15:
		return "Too Much Data"
	case StatusObjectNotExist:
		return "Object Does Not Exist"
	case StatusEmbeddedError:
		return "Embedded Service Error"
	case 0x20:
		return "Invalid Parameter Type"
	case 0x26:
		return "Invalid Path Size"
	case StatusGeneralError:
		return "General Error"
	default:
		return fmt.Sprintf("Status 0x%02X", status)
	}
}

// ExtStatusText returns a readable name for the first extended status word.
func ExtStatusText(ext uint16) string {
	switch ext {
	case 0x2105:
		return "Offset Out of Range"
	case 0x2107:
		return "Illegal Data Type"
	case 0x2104:
		return "Size Too Large"
	case 0x2101:
		return "Tag Read Only"
	default:
		return fmt.Sprintf("Extended 0x%04X", ext)
	}
}
