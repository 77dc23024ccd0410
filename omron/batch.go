package omron

import (
	"context"
	"errors"

	"omroncip/cip"
	"omroncip/logging"
)

// BatchSize is the number of reads packed into one Multiple Service Packet. An
// unconnected message is limited to roughly 500 bytes each way, so this stays
// conservative.
const BatchSize = 20

// ReadMany reads tags in batches of BatchSize. The returned slice always has one
// Result per tag, in order. A batch the PLC rejects as a whole (for example a
// controller without Multiple Service Packet support, or a reply too large to
// fit) is retried one tag at a time. The error is non-nil only when the
// connection failed; the affected Results carry it as well.
func (c *Client) ReadMany(ctx context.Context, tags ...string) ([]Result, error) {
	results := make([]Result, len(tags))
	var connErr error

	for start := 0; start < len(tags); start += BatchSize {
		end := min(start+BatchSize, len(tags))
		batch := tags[start:end]

		if connErr != nil {
			for i, tag := range batch {
				results[start+i] = newResult(tag, nil, connErr)
			}
			continue
		}

		values, err := c.session.ReadMulti(ctx, batch)
		switch {
		case err == nil && len(values) == len(batch):
			for i, tag := range batch {
				results[start+i] = newResult(tag, values[i].Value, values[i].Err)
			}
		case err == nil || isBatchRejected(err):
			logging.DebugLog("omron", "batch of %d rejected, reading individually: %v", len(batch), err)
			for i, tag := range batch {
				results[start+i] = c.Read(ctx, tag)
				if IsConnectionError(results[start+i].Err) {
					connErr = results[start+i].Err
				}
			}
		default:
			connErr = err
			for i, tag := range batch {
				results[start+i] = newResult(tag, nil, err)
			}
		}
	}
	return results, connErr
}

// isBatchRejected reports whether a multi-service exchange failed as a whole for a
// reason that reading the tags individually might avoid.
func isBatchRejected(err error) bool {
	if IsConnectionError(err) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return errors.Is(err, cip.ErrPlcStatus) ||
		errors.Is(err, cip.ErrMalformedReply) ||
		errors.Is(err, cip.ErrUnexpectedReply) ||
		errors.Is(err, cip.ErrInvalidAddress)
}
