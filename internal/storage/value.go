package storage

import (
	"encoding/json"
	"maps"
	"time"
)

// Value is a stored item together with its bookkeeping.
type Value struct {
	Data      any               `json:"data"`
	CreatedAt time.Time         `json:"createdAt"`
	UpdatedAt time.Time         `json:"updatedAt"`
	ExpiresAt *time.Time        `json:"expiresAt,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Expired reports whether the value is past its expiry at now.
func (v *Value) Expired(now time.Time) bool {
	return v.ExpiresAt != nil && !now.Before(*v.ExpiresAt)
}

// Clone returns a shallow copy whose bookkeeping fields can be changed
// without affecting the original.
func (v *Value) Clone() *Value {
	if v == nil {
		return nil
	}
	c := *v
	if v.ExpiresAt != nil {
		t := *v.ExpiresAt
		c.ExpiresAt = &t
	}
	if v.Metadata != nil {
		c.Metadata = maps.Clone(v.Metadata)
	}
	return &c
}

// Entry is a key and its value as returned by listing operations.
type Entry struct {
	Key   string
	Value *Value
}

func estimateSize(v *Value) int64 {
	data, err := json.Marshal(v)
	if err != nil {
		return 1024
	}
	return int64(len(data))
}
