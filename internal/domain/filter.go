package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// OwnerType restricts a filter to tokens owned by a registered customer
// ("member") or to anonymous installs ("guest").
type OwnerType string

const (
	OwnerMember OwnerType = "member"
	OwnerGuest  OwnerType = "guest"
)

// OrderBucket groups token owners by their lifetime order count.
// Bucket "0" means owners with no orders at all.
type OrderBucket string

const (
	Orders0      OrderBucket = "0"
	Orders1      OrderBucket = "1"
	Orders2      OrderBucket = "2"
	Orders3      OrderBucket = "3"
	Orders4to10  OrderBucket = "4-10"
	Orders11to50 OrderBucket = "11-50"
	Orders51Up   OrderBucket = "51+"
)

// FilterSpec is the explicit target-audience specification of a bulk job.
// Zero-valued fields are absent predicates; present predicates are
// AND-combined by the recipient resolver.
type FilterSpec struct {
	OwnerType     OwnerType   `json:"user_type,omitempty"`
	DeviceType    DeviceType  `json:"device_type,omitempty"`
	CustomerGroup int64       `json:"customer_group,omitempty"`
	LastSeenFrom  *time.Time  `json:"last_seen_from,omitempty"`
	LastSeenTo    *time.Time  `json:"last_seen_to,omitempty"`
	OrderBucket   OrderBucket `json:"order_quantity,omitempty"`
}

// IsZero reports whether no predicate is set.
func (f *FilterSpec) IsZero() bool {
	return f == nil || *f == FilterSpec{}
}

// Validate rejects predicate values outside their closed enumerations.
func (f *FilterSpec) Validate() error {
	if f == nil {
		return nil
	}
	switch f.OwnerType {
	case "", OwnerMember, OwnerGuest:
	default:
		return fmt.Errorf("unknown owner type %q", f.OwnerType)
	}
	switch f.DeviceType {
	case "", DeviceIOS, DeviceAndroid:
	default:
		return fmt.Errorf("unknown device type %q", f.DeviceType)
	}
	switch f.OrderBucket {
	case "", Orders0, Orders1, Orders2, Orders3, Orders4to10, Orders11to50, Orders51Up:
	default:
		return fmt.Errorf("unknown order bucket %q", f.OrderBucket)
	}
	return nil
}

// CanonicalJSON renders the filter as JSON with a stable key order, so that
// two semantically identical filters always serialize identically. Used by
// the job fingerprint. A nil or empty filter canonicalizes to "{}".
func (f *FilterSpec) CanonicalJSON() string {
	fields := map[string]string{}
	if f != nil {
		if f.OwnerType != "" {
			fields["user_type"] = string(f.OwnerType)
		}
		if f.DeviceType != "" {
			fields["device_type"] = string(f.DeviceType)
		}
		if f.CustomerGroup != 0 {
			fields["customer_group"] = fmt.Sprintf("%d", f.CustomerGroup)
		}
		if f.LastSeenFrom != nil {
			fields["last_seen_from"] = f.LastSeenFrom.UTC().Format(time.RFC3339)
		}
		if f.LastSeenTo != nil {
			fields["last_seen_to"] = f.LastSeenTo.UTC().Format(time.RFC3339)
		}
		if f.OrderBucket != "" {
			fields["order_quantity"] = string(f.OrderBucket)
		}
	}
	// encoding/json sorts map keys.
	b, _ := json.Marshal(fields)
	return string(b)
}
