package models

import (
	"sort"
	"time"
)

type Status string

const (
	StatusWaiting   Status = "waiting"
	StatusCalled    Status = "called"
	StatusServing   Status = "serving"
	StatusServed    Status = "served"
	StatusSkipped   Status = "skipped"
	StatusCancelled Status = "cancelled"
)

// Statuses lists every status a token can hold, in lifecycle order.
var Statuses = []Status{
	StatusWaiting,
	StatusCalled,
	StatusServing,
	StatusServed,
	StatusSkipped,
	StatusCancelled,
}

func (s Status) Valid() bool {
	for _, status := range Statuses {
		if status == s {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transition may leave s.
func (s Status) Terminal() bool {
	switch s {
	case StatusServed, StatusSkipped, StatusCancelled:
		return true
	default:
		return false
	}
}

type Token struct {
	TokenID          string     `json:"id"`
	QueueID          string     `json:"queue_id"`
	BusinessID       string     `json:"business_id"`
	TokenNumber      int        `json:"token_number"`
	HolderName       string     `json:"holder_name"`
	HolderPhone      string     `json:"holder_phone,omitempty"`
	HolderAge        *int       `json:"holder_age,omitempty"`
	Purpose          string     `json:"purpose,omitempty"`
	Priority         int        `json:"priority"`
	Status           Status     `json:"status"`
	CancelReason     string     `json:"cancel_reason,omitempty"`
	RequestID        string     `json:"request_id,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	CalledAt         *time.Time `json:"called_at,omitempty"`
	ServingStartedAt *time.Time `json:"serving_started_at,omitempty"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
}

// ServesBefore orders tokens by priority descending, then token number ascending.
func ServesBefore(a, b Token) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	return a.TokenNumber < b.TokenNumber
}

func SortTokens(tokens []Token) {
	sort.SliceStable(tokens, func(i, j int) bool {
		return ServesBefore(tokens[i], tokens[j])
	})
}

// StartOfDay returns midnight of t's calendar day in loc. Tokens are always
// scoped to created_at >= StartOfDay(now).
func StartOfDay(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	local := t.In(loc)
	year, month, day := local.Date()
	return time.Date(year, month, day, 0, 0, 0, 0, loc)
}
