package storage

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/italolelis/groupfetch/internal/group"
)

var ErrNotFound = errors.New("storage: group not found")

// GroupStore is the durable mirror of group state. Save must be atomic: a
// concurrent Load sees either the previous or the new snapshot, never a mix.
type GroupStore interface {
	Load(ctx context.Context, key string) (*group.Group, error)
	Save(ctx context.Context, g *group.Group) error
	Delete(ctx context.Context, key string) error
	List(ctx context.Context) ([]*group.Group, error)
}

// PersistenceError means the store could not be reached or written.
type PersistenceError struct {
	Op  string
	Key string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence error during %s of group %q: %v", e.Op, e.Key, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// Resumable filters groups that stopped or were interrupted before reaching a
// terminal state.
func Resumable(groups []*group.Group) []*group.Group {
	out := make([]*group.Group, 0, len(groups))

	for _, g := range groups {
		if !g.State.IsTerminal() {
			out = append(out, g)
		}
	}

	return out
}

// GenerateInstanceID returns a unique string for this process (hostname+pid+random).
func GenerateInstanceID() string {
	host, _ := os.Hostname()
	rnd := make([]byte, 4)
	_, _ = rand.Read(rnd)

	return host + "-" + strconv.Itoa(os.Getpid()) + "-" + hex.EncodeToString(rnd)
}
