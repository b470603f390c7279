package broker

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"

	"chatbridge/transport"
)

type presenceStore interface {
	ClearPresence(ctx context.Context) error
	SetPresence(ctx context.Context, localUser, resource string, online bool) error
}

// Presence tracks which resources of the configured local users are
// online and writes every change through to the store.
type Presence struct {
	store  presenceStore
	logger *zap.Logger

	mu     sync.Mutex
	known  map[string]bool
	online map[string]map[string]bool
}

func NewPresence(store presenceStore, localUsers []string, logger *zap.Logger) *Presence {
	known := make(map[string]bool, len(localUsers))
	for _, user := range localUsers {
		known[user] = true
	}
	return &Presence{
		store:  store,
		logger: logger.Named("presence"),
		known:  known,
		online: make(map[string]map[string]bool),
	}
}

// Reset marks every local user offline. Real status arrives from the
// transport once it connects.
func (p *Presence) Reset(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.store.ClearPresence(ctx); err != nil {
		return err
	}
	p.online = make(map[string]map[string]bool)
	for user := range p.known {
		if err := p.store.SetPresence(ctx, user, "", false); err != nil {
			return err
		}
	}
	return nil
}

// Known reports whether user is a configured local user.
func (p *Presence) Known(user string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.known[user]
}

// Update applies a presence event. Events for users that are not
// configured local users are ignored; Update reports whether it applied.
func (p *Presence) Update(ctx context.Context, ev transport.Presence) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.known[ev.User] {
		return false, nil
	}
	resources := p.online[ev.User]
	if resources == nil {
		resources = make(map[string]bool)
		p.online[ev.User] = resources
	}
	resources[ev.Resource] = ev.Online

	if err := p.store.SetPresence(ctx, ev.User, ev.Resource, ev.Online); err != nil {
		return true, err
	}
	p.logger.Debug("presence changed", zap.String("local_user", ev.User), zap.String("resource", ev.Resource), zap.Bool("online", ev.Online))
	return true, nil
}

// Online lists local users with at least one online resource, sorted.
func (p *Presence) Online() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	var users []string
	for user, resources := range p.online {
		for _, online := range resources {
			if online {
				users = append(users, user)
				break
			}
		}
	}
	sort.Strings(users)
	return users
}
