// Package settings: service.go caches the snapshot with go-cache.
package settings

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"
	log "github.com/sirupsen/logrus"
)

const cacheKey = "platform_settings"

type store interface {
	Load(ctx context.Context) (Settings, bool, error)
	Seed(ctx context.Context, s Settings) error
	Save(ctx context.Context, s Settings) error
}

// Provider hands out settings snapshots.
type Provider struct {
	store    store
	defaults Settings
	cache    *gocache.Cache
}

// NewProvider creates a provider; ttl bounds how long an update on another
// instance takes to become visible here.
func NewProvider(repo store, defaults Settings, ttl time.Duration) *Provider {
	return &Provider{
		store:    repo,
		defaults: defaults,
		cache:    gocache.New(ttl, 2*ttl),
	}
}

// Get returns the current snapshot, seeding the row from defaults on first use.
func (p *Provider) Get(ctx context.Context) (Settings, error) {
	if v, ok := p.cache.Get(cacheKey); ok {
		return v.(Settings), nil
	}

	s, ok, err := p.store.Load(ctx)
	if err != nil {
		return Settings{}, err
	}
	if !ok {
		if err := p.store.Seed(ctx, p.defaults); err != nil {
			return Settings{}, err
		}
		// Another instance may have seeded first.
		if s, ok, err = p.store.Load(ctx); err != nil {
			return Settings{}, err
		}
		if !ok {
			s = p.defaults
		}
		log.WithField("settings", s.String()).Info("Platform settings seeded")
	}

	p.cache.SetDefault(cacheKey, s)
	return s, nil
}

// Update validates and persists a new snapshot, then drops the cached one.
func (p *Provider) Update(ctx context.Context, s Settings) error {
	if err := s.Validate(); err != nil {
		return err
	}
	if err := p.store.Save(ctx, s); err != nil {
		return err
	}
	p.cache.Delete(cacheKey)
	log.WithField("settings", s.String()).Info("Platform settings updated")
	return nil
}
