package http

import (
	"time"

	"github.com/idangerous/pushqueue/internal/domain"
)

// SendRequest creates a bulk notification job.
type SendRequest struct {
	Title       string             `json:"title" validate:"required,max=255"`
	Body        string             `json:"body" validate:"required"`
	ImageURL    string             `json:"image_url" validate:"omitempty,url"`
	ActionURL   string             `json:"action_url" validate:"omitempty"`
	Category    string             `json:"category" validate:"omitempty,max=64"`
	Payload     map[string]string  `json:"payload"`
	Filters     *domain.FilterSpec `json:"filters"`
	StoreID     int64              `json:"store_id" validate:"min=0"`
	ScheduledAt *time.Time         `json:"scheduled_at"`
}

func (r SendRequest) spec() domain.JobSpec {
	return domain.JobSpec{
		Title:       r.Title,
		Body:        r.Body,
		ImageURL:    r.ImageURL,
		ActionURL:   r.ActionURL,
		Category:    r.Category,
		Payload:     r.Payload,
		Filter:      r.Filters,
		StoreID:     r.StoreID,
		ScheduledAt: r.ScheduledAt,
	}
}

// SendCustomerRequest delivers a notification to one customer immediately.
type SendCustomerRequest struct {
	SendRequest
	CustomerID int64 `json:"customer_id" validate:"required,min=1"`
}

// ProcessRequest tunes one on-demand queue pass.
type ProcessRequest struct {
	Limit      int    `json:"limit" validate:"min=0,max=1000"`
	Status     string `json:"status" validate:"omitempty,oneof=pending failed"`
	ForceRetry bool   `json:"force_retry"`
}

// RegisterTokenRequest registers or refreshes a device token.
type RegisterTokenRequest struct {
	Token         string `json:"token" validate:"required"`
	DeviceType    string `json:"device_type" validate:"required,oneof=ios android"`
	DeviceID      string `json:"device_id" validate:"omitempty,max=128"`
	DeviceModel   string `json:"device_model" validate:"omitempty,max=128"`
	OSVersion     string `json:"os_version" validate:"omitempty,max=64"`
	AppVersion    string `json:"app_version" validate:"omitempty,max=64"`
	CustomerID    *int64 `json:"customer_id" validate:"omitempty,min=1"`
	CustomerEmail string `json:"customer_email" validate:"omitempty,email"`
	StoreID       int64  `json:"store_id" validate:"min=0"`
}

// UnregisterTokenRequest deactivates a token.
type UnregisterTokenRequest struct {
	Token string `json:"token" validate:"required"`
}

// TestSendRequest pushes a message straight to one raw token.
type TestSendRequest struct {
	Token string `json:"token" validate:"required"`
	Title string `json:"title" validate:"required,max=255"`
	Body  string `json:"body" validate:"required"`
}
