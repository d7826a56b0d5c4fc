// Package cleanup holds the release actions of a single build run.
//
// Every mount point, work directory and downloaded file is registered on a
// Guard as soon as it is acquired. Release runs the actions once, newest first,
// and keeps going when one of them fails.
package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/hashicorp/go-multierror"
)

// ReleaseFunc undoes one acquisition.
type ReleaseFunc func(ctx context.Context) error

type action struct {
	name    string
	release ReleaseFunc
}

// Guard is a stack of release actions.
type Guard struct {
	mu       sync.Mutex
	actions  []action
	released bool
}

// New returns an empty guard.
func New() *Guard {
	return &Guard{}
}

// Push registers a release action. Actions pushed after Release are run immediately.
func (g *Guard) Push(name string, fn ReleaseFunc) {
	g.mu.Lock()
	if !g.released {
		g.actions = append(g.actions, action{name: name, release: fn})
		g.mu.Unlock()
		return
	}
	g.mu.Unlock()

	slog.Warn("release_after_cleanup", "resource", name)
	if err := fn(context.Background()); err != nil {
		slog.Error("release_failed", "resource", name, "error", err)
	}
}

// TempDir creates a fresh directory under dir and registers its removal.
func (g *Guard) TempDir(dir, pattern string) (string, error) {
	path, err := os.MkdirTemp(dir, pattern)
	if err != nil {
		return "", err
	}
	g.Push("dir "+path, func(context.Context) error {
		return os.RemoveAll(path)
	})
	return path, nil
}

// Len reports how many actions are pending.
func (g *Guard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.actions)
}

// Release runs every registered action in reverse order. It runs at most once;
// later calls return nil. The context is detached from cancellation so an
// interrupted build still unmounts.
func (g *Guard) Release(ctx context.Context) error {
	g.mu.Lock()
	if g.released {
		g.mu.Unlock()
		return nil
	}
	g.released = true
	actions := g.actions
	g.actions = nil
	g.mu.Unlock()

	ctx = context.WithoutCancel(ctx)

	var result error
	for i := len(actions) - 1; i >= 0; i-- {
		a := actions[i]
		slog.Debug("release", "resource", a.name)
		if err := a.release(ctx); err != nil {
			slog.Error("release_failed", "resource", a.name, "error", err)
			result = multierror.Append(result, fmt.Errorf("%s: %w", a.name, err))
		}
	}
	return result
}
