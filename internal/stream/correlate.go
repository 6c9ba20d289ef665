package stream

import (
	"errors"
	"fmt"
	"time"

	"github.com/antoniostano/dialbot/internal/protocol"
)

// ErrCorrelationTimeout means no start event arrived within the attempt and
// time budget. The caller must close the underlying connection; no session
// is created.
var ErrCorrelationTimeout = errors.New("no start event within correlation budget")

// StartInfo is the call identity extracted from the provider's start event.
type StartInfo struct {
	CallSID          string
	StreamSID        string
	CustomParameters map[string]string
}

type CorrelateOptions struct {
	// MaxAttempts bounds how many messages are read while waiting for the
	// start event.
	MaxAttempts int
	// AttemptTimeout is the per-attempt read budget. An expired read
	// deadline is fatal to a websocket connection, so the budget is applied
	// as a single overall deadline of MaxAttempts*AttemptTimeout; the
	// attempt cap and the deadline each end correlation on their own.
	AttemptTimeout time.Duration
}

func (o CorrelateOptions) withDefaults() CorrelateOptions {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 10
	}
	if o.AttemptTimeout <= 0 {
		o.AttemptTimeout = 2 * time.Second
	}
	return o
}

// Correlate reads from conn until it finds the start event carrying the call
// identity. Every raw message consumed along the way is captured; the
// returned Conn replays them in original order before reading live, so the
// session sees the exact byte stream the provider sent.
func Correlate(conn Conn, opts CorrelateOptions) (StartInfo, Conn, error) {
	opts = opts.withDefaults()

	deadline := time.Now().Add(time.Duration(opts.MaxAttempts) * opts.AttemptTimeout)
	if err := conn.SetReadDeadline(deadline); err != nil {
		return StartInfo{}, nil, fmt.Errorf("set correlation deadline: %w", err)
	}

	var captured [][]byte
	for attempt := 0; attempt < opts.MaxAttempts; attempt++ {
		data, err := conn.ReadMessage()
		if err != nil {
			return StartInfo{}, nil, fmt.Errorf("%w: %v", ErrCorrelationTimeout, err)
		}
		captured = append(captured, data)

		parsed, err := protocol.Parse(data)
		if err != nil {
			// Unknown or malformed frame before start; keep waiting.
			continue
		}
		start, ok := parsed.(protocol.Start)
		if !ok {
			continue
		}

		// Clear the correlation deadline before handing off.
		if err := conn.SetReadDeadline(time.Time{}); err != nil {
			return StartInfo{}, nil, fmt.Errorf("clear correlation deadline: %w", err)
		}
		info := StartInfo{
			CallSID:          start.Start.CallSID,
			StreamSID:        start.Start.StreamSID,
			CustomParameters: start.Start.CustomParameters,
		}
		if info.CustomParameters == nil {
			info.CustomParameters = map[string]string{}
		}
		return info, newReplayConn(captured, conn), nil
	}

	return StartInfo{}, nil, ErrCorrelationTimeout
}
