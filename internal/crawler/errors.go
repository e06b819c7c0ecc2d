package crawler

import "errors"

// Sentinel errors shared by stores, queues, and the orchestrator.
var (
	ErrJobNotFound        = errors.New("job not found")
	ErrSourceNotFound     = errors.New("source not found")
	ErrInvalidTransition  = errors.New("invalid status transition")
	ErrClaimConflict      = errors.New("job already claimed")
	ErrAlreadyQueued      = errors.New("task already queued")
	ErrQueueClosed        = errors.New("queue closed")
	ErrInvalidMetadata    = errors.New("invalid job metadata")
	ErrInvalidArgument    = errors.New("invalid argument")
	ErrDuplicateArticle   = errors.New("duplicate article")
	ErrInvalidArticle     = errors.New("article failed validation")
	ErrBackendUnavailable = errors.New("extraction backend unavailable")
)
