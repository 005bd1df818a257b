// Package varstore provides typed key/value access to a process-wide variable
// namespace. The default backend is the telephony engine's global variables,
// so anything written here survives a restart of the coordinator process.
package varstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrNotFound is returned by Get when the variable has never been set or has
// been unset. It is never replaced by an empty value.
var ErrNotFound = errors.New("variable not found")

// Store is the raw string key/value contract every backend implements.
type Store interface {
	Get(ctx context.Context, name string) (string, error)
	Set(ctx context.Context, name, value string) error
	Unset(ctx context.Context, name string) error
}

// Locker is implemented by backends that can serialize read-modify-write
// sequences across processes sharing the same store.
type Locker interface {
	Lock(ctx context.Context, name string) (unlock func(), err error)
}

// GetJSON reads the variable and decodes its JSON value into v.
func GetJSON(ctx context.Context, s Store, name string, v any) error {
	raw, err := s.Get(ctx, name)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return fmt.Errorf("decoding variable %s: %w", name, err)
	}
	return nil
}

// GetJSONDefault is GetJSON with a fallback: an unset variable yields def
// instead of ErrNotFound. Any other failure is returned as is.
func GetJSONDefault[T any](ctx context.Context, s Store, name string, def T) (T, error) {
	var v T
	err := GetJSON(ctx, s, name, &v)
	if errors.Is(err, ErrNotFound) {
		return def, nil
	}
	if err != nil {
		return def, err
	}
	return v, nil
}

// SetJSON encodes v as JSON and stores it under name.
func SetJSON(ctx context.Context, s Store, name string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding variable %s: %w", name, err)
	}
	return s.Set(ctx, name, string(data))
}
