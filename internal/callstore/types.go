package callstore

import (
	"context"
	"time"
)

// Record is the post-call audit entry for one outbound call.
type Record struct {
	ID          string    `json:"id"`
	CallSID     string    `json:"call_sid"`
	StreamSID   string    `json:"stream_sid"`
	PhoneNumber string    `json:"phone_number,omitempty"`
	Outcome     string    `json:"outcome"`
	StartedAt   time.Time `json:"started_at"`
	EndedAt     time.Time `json:"ended_at"`
}

type Store interface {
	SaveCall(ctx context.Context, record Record) error
	RecentCalls(ctx context.Context, limit int) ([]Record, error)
	Close() error
}
