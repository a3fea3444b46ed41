package models

import "errors"

// Common validation errors for models.
var (
	// ErrSegmentRequired indicates a required segment field is empty.
	ErrSegmentRequired = errors.New("segment is required")

	// ErrProductRequired indicates a required product field is empty.
	ErrProductRequired = errors.New("product is required")

	// ErrSessionIDRequired indicates a required session ID field is empty.
	ErrSessionIDRequired = errors.New("session_id is required")

	// ErrInvalidStage indicates a stage number outside 1..3.
	ErrInvalidStage = errors.New("invalid stage: must be 1, 2, or 3")

	// ErrInvalidSessionStatus indicates an unknown session status value.
	ErrInvalidSessionStatus = errors.New("invalid session status")

	// ErrInvalidCapabilityClass indicates an unknown capability class.
	ErrInvalidCapabilityClass = errors.New("invalid capability class")

	// ErrSessionNotFound indicates a session state file does not exist.
	ErrSessionNotFound = errors.New("session not found")

	// ErrArtifactNotFound indicates no artifact matched a
	// (session, sub-stage) lookup.
	ErrArtifactNotFound = errors.New("artifact not found")
)
