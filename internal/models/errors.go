package models

import "errors"

// Storage errors
var (
	ErrStorageUnavailable = errors.New("local storage unavailable")
	ErrStorageWrite       = errors.New("local storage write failed")
	ErrStorageRead        = errors.New("local storage read failed")
	ErrUnknownCollection  = errors.New("unknown collection")
)

// Queue errors
var (
	ErrEmptyURL        = errors.New("request URL cannot be empty")
	ErrInvalidMethod   = errors.New("request method must be a mutating HTTP method")
	ErrRequestNotFound = errors.New("queued request not found")
)

// Sync errors
var (
	ErrOffline        = errors.New("agent is offline")
	ErrSyncInProgress = errors.New("sync already in progress")
)
