// Package admin keeps the allow-list of Telegram users who may control the
// tunnel.
package admin

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/loykin/vktunnel/internal/store"
)

var (
	ErrExists   = errors.New("admin already exists")
	ErrNotFound = errors.New("admin not found")
	// ErrOwner is returned when removing the owner.
	ErrOwner = errors.New("the owner cannot be removed")
)

// Level is a user's authority.
type Level int

const (
	LevelNone Level = iota
	LevelAdmin
	LevelOwner
)

func (l Level) String() string {
	switch l {
	case LevelOwner:
		return "owner"
	case LevelAdmin:
		return "admin"
	default:
		return "none"
	}
}

// Store persists admin user ids.
type Store interface {
	List(ctx context.Context) ([]int64, error)
	Add(ctx context.Context, id int64) error
	Remove(ctx context.Context, id int64) error
	Contains(ctx context.Context, id int64) (bool, error)
	Close() error
}

// Open picks a store for target: sqlite:// and postgres:// DSNs use SQL,
// anything else is a JSON file path.
func Open(target string) (Store, error) {
	if store.IsSQLDSN(target) {
		return OpenSQL(target)
	}
	return OpenFile(target)
}

// Registry answers authorization questions for one owner.
type Registry struct {
	store Store
	owner int64
}

// NewRegistry wraps s and makes sure the owner is listed.
func NewRegistry(ctx context.Context, s Store, owner int64) (*Registry, error) {
	r := &Registry{store: s, owner: owner}
	if owner != 0 {
		if err := s.Add(ctx, owner); err != nil && !errors.Is(err, ErrExists) {
			return nil, fmt.Errorf("register owner: %w", err)
		}
	}
	return r, nil
}

func (r *Registry) Owner() int64 { return r.owner }

// Level returns the authority of id. Store errors deny access.
func (r *Registry) Level(ctx context.Context, id int64) Level {
	if id == 0 {
		return LevelNone
	}
	if id == r.owner {
		return LevelOwner
	}
	ok, err := r.store.Contains(ctx, id)
	if err != nil || !ok {
		return LevelNone
	}
	return LevelAdmin
}

// List returns every admin id, sorted.
func (r *Registry) List(ctx context.Context) ([]int64, error) {
	ids, err := r.store.List(ctx)
	if err != nil {
		return nil, err
	}
	slices.Sort(ids)
	return ids, nil
}

func (r *Registry) Add(ctx context.Context, id int64) error {
	if id <= 0 {
		return fmt.Errorf("invalid user id %d", id)
	}
	return r.store.Add(ctx, id)
}

func (r *Registry) Remove(ctx context.Context, id int64) error {
	if id == r.owner {
		return ErrOwner
	}
	return r.store.Remove(ctx, id)
}
