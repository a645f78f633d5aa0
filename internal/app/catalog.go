package app

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dkeye/MediaSwitch/internal/core"
	"github.com/dkeye/MediaSwitch/internal/domain"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

var (
	ErrDuplicateSource = errors.New("duplicate source id")
	ErrUnknownSource   = errors.New("unknown source")
)

// Catalog holds the configured sources and which one feeds each kind.
type Catalog struct {
	mu      sync.RWMutex
	sources map[domain.SourceID]core.Source
	order   []domain.SourceID
	active  map[domain.SourceKind]domain.SourceID
}

// NewCatalog indexes sources. The first source of each kind starts active.
func NewCatalog(sources ...core.Source) (*Catalog, error) {
	c := &Catalog{
		sources: make(map[domain.SourceID]core.Source, len(sources)),
		active:  make(map[domain.SourceKind]domain.SourceID, 2),
	}
	for _, src := range sources {
		info := src.Info()
		if _, dup := c.sources[info.ID]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateSource, info.ID)
		}
		c.sources[info.ID] = src
		c.order = append(c.order, info.ID)
		if _, ok := c.active[info.Kind]; !ok {
			c.active[info.Kind] = info.ID
		}
	}
	return c, nil
}

func (c *Catalog) Lookup(id domain.SourceID) (core.Source, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	src, ok := c.sources[id]
	return src, ok
}

// List returns sources in configuration order.
func (c *Catalog) List() []domain.SourceStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]domain.SourceStatus, 0, len(c.order))
	for _, id := range c.order {
		info := c.sources[id].Info()
		out = append(out, domain.SourceStatus{
			SourceInfo: info,
			Active:     c.active[info.Kind] == id,
		})
	}
	return out
}

// Active returns the source currently feeding kind.
func (c *Catalog) Active(kind domain.SourceKind) (core.Source, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	id, ok := c.active[kind]
	if !ok {
		return nil, false
	}
	return c.sources[id], true
}

// SetActive marks id as the source of its kind.
func (c *Catalog) SetActive(id domain.SourceID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	src, ok := c.sources[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSource, id)
	}
	c.active[src.Info().Kind] = id
	return nil
}

// Run runs every source until ctx is done or one of them fails.
func (c *Catalog) Run(ctx context.Context) error {
	c.mu.RLock()
	sources := make([]core.Source, 0, len(c.order))
	for _, id := range c.order {
		sources = append(sources, c.sources[id])
	}
	c.mu.RUnlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, src := range sources {
		g.Go(func() error {
			if err := src.Run(gctx); err != nil {
				log.Error().Err(err).Str("module", "app.catalog").Str("source", string(src.Info().ID)).Msg("source stopped")
				return fmt.Errorf("source %s: %w", src.Info().ID, err)
			}
			return nil
		})
	}
	return g.Wait()
}
