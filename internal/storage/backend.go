package storage

import (
	"context"
	"errors"
)

// Backend is the raw key/value contract every storage implementation fulfils.
// Backends do not interpret expiry; the Store facade enforces it on read.
type Backend interface {
	// Get returns the value for key, or false when the key is absent.
	Get(ctx context.Context, key string) (*Value, bool, error)

	// Set stores value under key, replacing any previous value.
	Set(ctx context.Context, key string, value *Value) error

	// Delete removes key and reports whether it existed.
	Delete(ctx context.Context, key string) (bool, error)

	// Keys returns every key currently held, expired or not.
	Keys(ctx context.Context) ([]string, error)

	// Clear removes every key.
	Clear(ctx context.Context) error

	// Close releases resources held by the backend.
	Close() error
}

// Type represents the type of storage backend
type Type string

const (
	TypeMemory Type = "memory"
	TypeRedis  Type = "redis"
	TypeDB     Type = "db"
)

var (
	ErrInvalidBackendType  = errors.New("invalid storage backend type")
	ErrInvalidDatabaseType = errors.New("invalid database type")
	ErrBackendClosed       = errors.New("storage backend closed")
)
