package store

import "errors"

var (
	ErrQueueNotFound     = errors.New("queue not found")
	ErrTokenNotFound     = errors.New("token not found")
	ErrInvalidTransition = errors.New("invalid token transition")
	ErrUnknownAction     = errors.New("unknown token action")
	ErrQueueInactive     = errors.New("queue inactive")
	ErrDailyCapReached   = errors.New("daily token cap reached")
	ErrStaleToken        = errors.New("token changed concurrently")
)
