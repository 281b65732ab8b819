package domain

import "time"

// DeviceType is the mobile platform a token belongs to.
type DeviceType string

const (
	DeviceIOS     DeviceType = "ios"
	DeviceAndroid DeviceType = "android"
)

// DeviceToken is a registered push-capable device endpoint. The token string
// is the natural key; re-registering the same token updates the record.
type DeviceToken struct {
	ID            int64      `json:"id"`
	Token         string     `json:"token"`
	DeviceType    DeviceType `json:"device_type"`
	DeviceID      string     `json:"device_id,omitempty"`
	DeviceModel   string     `json:"device_model,omitempty"`
	OSVersion     string     `json:"os_version,omitempty"`
	AppVersion    string     `json:"app_version,omitempty"`
	CustomerID    *int64     `json:"customer_id,omitempty"`
	CustomerEmail string     `json:"customer_email,omitempty"`
	StoreID       int64      `json:"store_id"`
	IsActive      bool       `json:"is_active"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	LastSeenAt    time.Time  `json:"last_seen_at"`
}

// TokenRegistration is the upsert input for token registration.
type TokenRegistration struct {
	Token         string
	DeviceType    DeviceType
	DeviceID      string
	DeviceModel   string
	OSVersion     string
	AppVersion    string
	CustomerID    *int64
	CustomerEmail string
	StoreID       int64
}

// Recipient is a resolved delivery target: just enough of a token row to
// send to it and to record the delivery in the ledger.
type Recipient struct {
	TokenID    int64
	Token      string
	CustomerID *int64
}
