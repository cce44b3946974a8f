package scheduler

import "errors"

var (
	ErrJobNotFound     = errors.New("job not found")
	ErrUnknownAction   = errors.New("unknown job action")
	ErrInvalidSchedule = errors.New("invalid schedule")
	ErrAlreadyRunning  = errors.New("scheduler already running")
)
