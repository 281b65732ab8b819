package domain

import (
	"testing"
	"time"
)

func TestFilterValidate(t *testing.T) {
	valid := []*FilterSpec{
		nil,
		{},
		{OwnerType: OwnerMember, DeviceType: DeviceAndroid, OrderBucket: Orders4to10},
		{OrderBucket: Orders0},
	}
	for i, f := range valid {
		if err := f.Validate(); err != nil {
			t.Errorf("case %d: unexpected error %v", i, err)
		}
	}

	invalid := []*FilterSpec{
		{OwnerType: "robot"},
		{DeviceType: "windows_phone"},
		{OrderBucket: "5-9"},
	}
	for i, f := range invalid {
		if err := f.Validate(); err == nil {
			t.Errorf("case %d: expected an error", i)
		}
	}
}

func TestCanonicalJSON_Empty(t *testing.T) {
	var f *FilterSpec
	if got := f.CanonicalJSON(); got != "{}" {
		t.Fatalf("nil filter = %q, want {}", got)
	}
	if got := (&FilterSpec{}).CanonicalJSON(); got != "{}" {
		t.Fatalf("empty filter = %q, want {}", got)
	}
}

func TestCanonicalJSON_StableAndUTC(t *testing.T) {
	at := time.Date(2026, 5, 4, 3, 2, 1, 0, time.FixedZone("ICT", 7*3600))
	f := &FilterSpec{
		OwnerType:     OwnerMember,
		DeviceType:    DeviceIOS,
		CustomerGroup: 3,
		LastSeenFrom:  &at,
		OrderBucket:   Orders1,
	}
	want := `{"customer_group":"3","device_type":"ios","last_seen_from":"2026-05-03T20:02:01Z","order_quantity":"1","user_type":"member"}`
	if got := f.CanonicalJSON(); got != want {
		t.Fatalf("canonical JSON:\n got %s\nwant %s", got, want)
	}
}

func TestFilterIsZero(t *testing.T) {
	if !(&FilterSpec{}).IsZero() {
		t.Fatal("empty filter should be zero")
	}
	var f *FilterSpec
	if !f.IsZero() {
		t.Fatal("nil filter should be zero")
	}
	if (&FilterSpec{DeviceType: DeviceIOS}).IsZero() {
		t.Fatal("populated filter should not be zero")
	}
}
