// Package handlers implements the marketpipe REST API operations. Each
// handler owns one resource, registers its operations on the huma API,
// and maps domain errors onto HTTP status codes.
package handlers

// MessageResponse is a plain confirmation body.
type MessageResponse struct {
	Message string `json:"message" doc:"Human readable confirmation"`
}

// RunStartedResponse acknowledges a pipeline run that was accepted and
// is now executing in the background.
type RunStartedResponse struct {
	SessionID string `json:"session_id" doc:"Session the run executes under"`
	Mode      string `json:"mode" doc:"Run mode: full, stage1, stage2 or stage3"`
	Message   string `json:"message" doc:"Human readable confirmation"`
}

// CancelResponse reports how many runs a cancel request stopped.
type CancelResponse struct {
	Cancelled int    `json:"cancelled" doc:"Number of runs that were cancelled"`
	Message   string `json:"message" doc:"Human readable confirmation"`
}
