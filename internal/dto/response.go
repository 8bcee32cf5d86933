package dto

import "github.com/BarkinBalci/event-ingestion-service/internal/validation"

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string             `json:"error" example:"validation_error"`
	Message string             `json:"message,omitempty" example:"webhook body must be an array of events"`
	Issues  []validation.Issue `json:"issues,omitempty"`
}

// WebhookResponse represents an accepted webhook delivery
type WebhookResponse struct {
	Status   string `json:"status" example:"ok"`
	Received int    `json:"received" example:"2"`
}

// StatusResponse is returned by the health and readiness probes
type StatusResponse struct {
	Status string `json:"status" example:"ok"`
	Error  string `json:"error,omitempty"`
}
