package capability

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// Registry discovers capabilities from providers and publishes them as
// immutable snapshots. Reads are lock-free; Discover and Reconfigure are
// serialised.
type Registry struct {
	mu        sync.Mutex
	providers []Provider
	required  map[string]bool
	version   int64
	current   atomic.Pointer[Snapshot]
	logger    zerolog.Logger
}

type entry struct {
	desc     Descriptor
	provider Provider
}

// NewRegistry creates a registry over providers. required names the
// capabilities whose unreachability fails a session.
func NewRegistry(providers []Provider, required []string, logger zerolog.Logger) *Registry {
	r := &Registry{
		providers: providers,
		required:  toSet(required),
		logger:    logger.With().Str("component", "capability_registry").Logger(),
	}
	r.current.Store(EmptySnapshot())
	return r
}

func toSet(names []string) map[string]bool {
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[n] = true
	}
	return set
}

// Snapshot returns the current snapshot. It is never nil.
func (r *Registry) Snapshot() *Snapshot {
	return r.current.Load()
}

// Providers returns the configured providers.
func (r *Registry) Providers() []Provider {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Provider(nil), r.providers...)
}

// Discover lists every provider and publishes a new snapshot.
//
// Duplicate names or an invalid schema leave the current snapshot in place
// and return an error. Providers that fail to list are left out of the new
// snapshot; the returned error then wraps ErrUnreachable alongside the
// published snapshot.
func (r *Registry) Discover(ctx context.Context) (*Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.discoverLocked(ctx)
}

func (r *Registry) discoverLocked(ctx context.Context) (*Snapshot, error) {
	var (
		entries  []entry
		owners   = make(map[string]string)
		listErrs []error
	)

	for _, p := range r.providers {
		descs, err := p.List(ctx)
		if err != nil {
			r.logger.Warn().Err(err).Str("provider", p.Name()).Msg("Capability provider listing failed")
			listErrs = append(listErrs, fmt.Errorf("provider %s: %w", p.Name(), err))
			continue
		}
		for _, d := range descs {
			if owner, dup := owners[d.Name]; dup {
				return nil, fmt.Errorf("%w: %q offered by %s and %s", ErrDuplicateCapability, d.Name, owner, p.Name())
			}
			owners[d.Name] = p.Name()
			entries = append(entries, entry{desc: d, provider: p})
		}
	}

	snap, err := newSnapshot(r.version+1, entries, r.required)
	if err != nil {
		return nil, err
	}
	r.version++
	r.current.Store(snap)

	for name := range r.required {
		if _, ok := owners[name]; !ok {
			r.logger.Warn().Str("capability", name).Msg("Required capability not advertised by any provider")
		}
	}
	r.logger.Info().Int("capabilities", snap.Len()).Int64("version", snap.Version()).Msg("Capabilities discovered")

	if len(listErrs) > 0 {
		return snap, fmt.Errorf("%w: %w", ErrUnreachable, errors.Join(listErrs...))
	}
	return snap, nil
}

// Reconfigure swaps the provider set and rediscovers. Providers no longer
// configured are closed. On a discovery configuration error the previous
// providers and snapshot stay active.
func (r *Registry) Reconfigure(ctx context.Context, providers []Provider, required []string) (*Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	oldProviders, oldRequired := r.providers, r.required
	r.providers, r.required = providers, toSet(required)

	snap, err := r.discoverLocked(ctx)
	if snap == nil {
		r.providers, r.required = oldProviders, oldRequired
		return nil, err
	}

	kept := make(map[Provider]bool, len(providers))
	for _, p := range providers {
		kept[p] = true
	}
	for _, p := range oldProviders {
		if c, ok := p.(Closer); ok && !kept[p] {
			if cerr := c.Close(); cerr != nil {
				r.logger.Warn().Err(cerr).Str("provider", p.Name()).Msg("Failed to close provider")
			}
		}
	}
	return snap, err
}

// Close closes every provider that holds resources.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	for _, p := range r.providers {
		if c, ok := p.(Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, fmt.Errorf("provider %s: %w", p.Name(), err))
			}
		}
	}
	return errors.Join(errs...)
}
