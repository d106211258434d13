// Package identity provides the anonymous identity provider used by the CLI.
package identity

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/pulsecard/studysync/internal/domain/profile"
	"github.com/pulsecard/studysync/pkg/mailbox"
)

// Anonymous issues a random identity on sign-in and optionally remembers it
// in a file so the next process start is already signed in.
type Anonymous struct {
	mu       sync.Mutex
	current  profile.Identity
	path     string
	watchers map[int]func(profile.Identity)
	nextID   int
	notify   *mailbox.Mailbox[func()]
	logger   *slog.Logger
}

// NewAnonymous creates a provider. An empty path keeps the identity in memory only.
func NewAnonymous(path string, logger *slog.Logger) (*Anonymous, error) {
	if logger == nil {
		logger = slog.Default()
	}

	a := &Anonymous{
		path:     path,
		watchers: make(map[int]func(profile.Identity)),
		logger:   logger.With("component", "anonymous_identity"),
	}
	a.notify = mailbox.New(func(fn func()) { fn() }, func(r any) {
		a.logger.Error("identity listener panicked", "panic", r)
	})

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("identity: read %s: %w", path, err)
		default:
			a.current = profile.Identity(strings.TrimSpace(string(data)))
		}
	}

	return a, nil
}

// Current returns the signed-in identity, or the zero identity.
func (a *Anonymous) Current() profile.Identity {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.current
}

// SignIn returns the current identity, issuing a new one when signed out.
func (a *Anonymous) SignIn() (profile.Identity, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.current.IsZero() {
		return a.current, nil
	}

	id := profile.Identity(uuid.NewString())
	if err := a.persist(id); err != nil {
		return "", err
	}
	a.current = id
	a.broadcastLocked(id)

	a.logger.Info("signed in", "identity", id)
	return id, nil
}

// SignOut forgets the identity. Signing out twice is a no-op.
func (a *Anonymous) SignOut() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.current.IsZero() {
		return nil
	}

	if a.path != "" {
		if err := os.Remove(a.path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("identity: remove %s: %w", a.path, err)
		}
	}

	a.logger.Info("signed out", "identity", a.current)
	a.current = ""
	a.broadcastLocked("")
	return nil
}

// OnIdentityChange implements profile.IdentityProvider.
// Callbacks run in order on a single goroutine, never under the provider's lock.
func (a *Anonymous) OnIdentityChange(fn func(profile.Identity)) (cancel func()) {
	a.mu.Lock()
	defer a.mu.Unlock()

	id := a.nextID
	a.nextID++
	a.watchers[id] = fn

	current := a.current
	a.notify.Post(func() { fn(current) })

	return func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		delete(a.watchers, id)
	}
}

// Close stops delivering callbacks.
func (a *Anonymous) Close() {
	a.notify.Close()
}

func (a *Anonymous) broadcastLocked(id profile.Identity) {
	for _, fn := range a.watchers {
		fn := fn
		a.notify.Post(func() { fn(id) })
	}
}

func (a *Anonymous) persist(id profile.Identity) error {
	if a.path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(a.path), 0o700); err != nil {
		return fmt.Errorf("identity: %w", err)
	}
	if err := os.WriteFile(a.path, []byte(id.String()+"\n"), 0o600); err != nil {
		return fmt.Errorf("identity: write %s: %w", a.path, err)
	}
	return nil
}
