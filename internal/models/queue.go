package models

import (
	"encoding/json"
	"time"
)

type Queue struct {
	QueueID            string          `json:"id"`
	BusinessID         string          `json:"business_id"`
	DepartmentID       *string         `json:"department_id,omitempty"`
	Name               string          `json:"name"`
	IsActive           bool            `json:"is_active"`
	IsPublic           bool            `json:"is_public"`
	EstimatedWaitTime  int             `json:"estimated_wait_time"`
	MaxTokensPerDay    int             `json:"max_tokens_per_day"`
	CurrentTokenNumber int             `json:"current_token_number"`
	OperatingHours     json.RawMessage `json:"operating_hours,omitempty"`
	CreatedAt          time.Time       `json:"created_at"`
}
