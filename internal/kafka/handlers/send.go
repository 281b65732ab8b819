package handlers

import (
	"encoding/json"
	"time"

	"github.com/idangerous/pushqueue/internal/domain"
	"github.com/idangerous/pushqueue/internal/kafka/registry"
)

func init() {
	registry.Register("send", handleSend)
	registry.Register("send_customer", handleSendCustomer)
}

// sendCommand is the wire shape shared by both send commands.
type sendCommand struct {
	Title       string             `json:"title"`
	Body        string             `json:"body"`
	ImageURL    string             `json:"image_url"`
	ActionURL   string             `json:"action_url"`
	Category    string             `json:"category"`
	Payload     map[string]string  `json:"payload"`
	Filters     *domain.FilterSpec `json:"filters"`
	CustomerID  *int64             `json:"customer_id"`
	StoreID     int64              `json:"store_id"`
	ScheduledAt *time.Time         `json:"scheduled_at"`
}

func (c sendCommand) spec() *domain.JobSpec {
	if c.Title == "" || c.Body == "" {
		return nil
	}
	return &domain.JobSpec{
		Title:       c.Title,
		Body:        c.Body,
		ImageURL:    c.ImageURL,
		ActionURL:   c.ActionURL,
		Category:    c.Category,
		Payload:     c.Payload,
		StoreID:     c.StoreID,
		ScheduledAt: c.ScheduledAt,
	}
}

// handleSend queues a bulk send targeting the command's audience filters.
func handleSend(data []byte) *domain.JobSpec {
	var cmd sendCommand
	if err := json.Unmarshal(data, &cmd); err != nil {
		return nil
	}
	spec := cmd.spec()
	if spec == nil {
		return nil
	}
	spec.Filter = cmd.Filters
	return spec
}

// handleSendCustomer targets a single customer; delivered synchronously.
func handleSendCustomer(data []byte) *domain.JobSpec {
	var cmd sendCommand
	if err := json.Unmarshal(data, &cmd); err != nil {
		return nil
	}
	if cmd.CustomerID == nil || *cmd.CustomerID <= 0 {
		return nil
	}
	spec := cmd.spec()
	if spec == nil {
		return nil
	}
	spec.TargetCustomerID = cmd.CustomerID
	return spec
}
