package varstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// valueMark prefixes every stored value so an empty value is told apart
// from an unset global.
const valueMark = "="

// GlobalVars is the subset of the telephony control API that reads and
// writes engine-wide global variables.
type GlobalVars interface {
	GetGlobalVar(ctx context.Context, name string) (string, error)
	SetGlobalVar(ctx context.Context, name, value string) error
}

// GlobalVarStore persists variables as telephony engine globals. The engine
// has no notion of an unset global: Unset writes the empty string, and
// values are stored behind valueMark so Set(name, "") still reads back as
// "". Unmarked non-empty globals, written by something else, are returned
// as they are.
type GlobalVarStore struct {
	vars       GlobalVars
	notFound   error
	namePrefix string
}

// NewGlobalVarStore wraps vars. notFound is the error the control API returns
// for a missing variable; it is translated to ErrNotFound. prefix is
// prepended to every variable name.
func NewGlobalVarStore(vars GlobalVars, notFound error, prefix string) *GlobalVarStore {
	return &GlobalVarStore{vars: vars, notFound: notFound, namePrefix: prefix}
}

// Get implements Store.
func (s *GlobalVarStore) Get(ctx context.Context, name string) (string, error) {
	value, err := s.vars.GetGlobalVar(ctx, s.namePrefix+name)
	if err != nil {
		if s.notFound != nil && errors.Is(err, s.notFound) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("getting global variable %s: %w", name, err)
	}
	if value == "" {
		return "", ErrNotFound
	}
	return strings.TrimPrefix(value, valueMark), nil
}

// Set implements Store.
func (s *GlobalVarStore) Set(ctx context.Context, name, value string) error {
	if err := s.vars.SetGlobalVar(ctx, s.namePrefix+name, valueMark+value); err != nil {
		return fmt.Errorf("setting global variable %s: %w", name, err)
	}
	return nil
}

// Unset implements Store.
func (s *GlobalVarStore) Unset(ctx context.Context, name string) error {
	if err := s.vars.SetGlobalVar(ctx, s.namePrefix+name, ""); err != nil {
		return fmt.Errorf("unsetting global variable %s: %w", name, err)
	}
	return nil
}
