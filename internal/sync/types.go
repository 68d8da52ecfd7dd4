package sync

import (
	"context"
	"time"

	"github.com/Kadem9/caissefacile/internal/models"
	"github.com/Kadem9/caissefacile/internal/syncclient"
)

// Backend is the network side of the engine.
type Backend interface {
	Submit(ctx context.Context, kind models.EntityType, req *syncclient.SubmitRequest) (*syncclient.RecordResponse, error)
	Fetch(ctx context.Context, kind models.EntityType, since int64, limit int) (*syncclient.FetchResponse, error)
}

// Prober checks that the backend is reachable.
type Prober interface {
	HealthCheck(ctx context.Context) (*syncclient.HealthResponse, error)
}

// Reason records what triggered a sync cycle.
type Reason string

const (
	ReasonManual    Reason = "manual"
	ReasonTimer     Reason = "timer"
	ReasonReconnect Reason = "reconnect"
	ReasonMutation  Reason = "mutation"
	ReasonStartup   Reason = "startup"
)

// Outcome is what a merge did to the local store.
type Outcome int

const (
	OutcomeUnchanged Outcome = iota
	OutcomeInserted
	OutcomeUpdated
	OutcomeRemoved
	OutcomeIgnored  // inactive record never known locally, or ack for a gone record
	OutcomeConflict // local copy kept because it has unacknowledged mutations
)

func (o Outcome) String() string {
	switch o {
	case OutcomeInserted:
		return "inserted"
	case OutcomeUpdated:
		return "updated"
	case OutcomeRemoved:
		return "removed"
	case OutcomeIgnored:
		return "ignored"
	case OutcomeConflict:
		return "conflict"
	default:
		return "unchanged"
	}
}

// MergeStats counts merge outcomes over a pull.
type MergeStats struct {
	Inserted  int
	Updated   int
	Removed   int
	Conflicts int
	Unchanged int
}

func (s *MergeStats) add(o Outcome) {
	switch o {
	case OutcomeInserted:
		s.Inserted++
	case OutcomeUpdated:
		s.Updated++
	case OutcomeRemoved:
		s.Removed++
	case OutcomeConflict:
		s.Conflicts++
	default:
		s.Unchanged++
	}
}

// PushFailure describes a queue item that stayed queued.
type PushFailure struct {
	ItemID     int64
	EntityType models.EntityType
	LocalID    int64
	Rejected   bool // 4xx: the backend refused the payload
	Err        error
}

// Result summarises one sync cycle. Network problems are reported here and
// never returned as errors.
type Result struct {
	Reason     Reason
	Skipped    bool // backend unreachable, nothing attempted
	Pushed     int
	Deferred   int // held back until a referenced record reaches the backend
	Failures   []PushFailure
	Pulled     int
	Merge      MergeStats
	PullErr    error
	StartedAt  time.Time
	FinishedAt time.Time
}

// OK reports whether the cycle pushed and pulled without a failure.
func (r Result) OK() bool {
	return !r.Skipped && len(r.Failures) == 0 && r.PullErr == nil
}
