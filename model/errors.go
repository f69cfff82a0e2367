package model

// Stable error codes returned to participants in ack replies.
const (
	CodeNotFound = "NOT_FOUND"
	CodeFull     = "FULL"
	CodeNotHost  = "NOT_HOST"
)
