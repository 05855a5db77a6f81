// Package credentials resolves lab identities to AWS access credentials.
// Providers are consulted in priority order (Redis, credentials file,
// placeholder set) and the first provider that knows a group wins.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"detection-lab/internal/logging"
)

var (
	// ErrNotFound is returned when no provider knows the requested identity.
	ErrNotFound = errors.New("credentials: not found")

	// ErrNoProvider is returned when the registry has no providers.
	ErrNoProvider = errors.New("credentials: no provider configured")

	// ErrNotSupported is returned by read-only providers on writes.
	ErrNotSupported = errors.New("credentials: operation not supported")
)

// Group partitions identities into attacker-held and benign keys.
type Group string

const (
	GroupCompromised Group = "compromised"
	GroupNormal      Group = "normal"
)

// GroupFor maps the compromised flag to its group.
func GroupFor(compromised bool) Group {
	if compromised {
		return GroupCompromised
	}
	return GroupNormal
}

// Credential is one IAM user's access key pair.
type Credential struct {
	Name            string `json:"-"`
	AccessKeyID     string `json:"aws_access_key_id"`
	SecretAccessKey string `json:"aws_secret_access_key"`
	SessionToken    string `json:"aws_session_token,omitempty"`
	Compromised     bool   `json:"-"`
}

// LogValue keeps secrets out of structured logs.
func (c Credential) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("name", c.Name),
		slog.String("access_key_id", Mask(c.AccessKeyID)),
		slog.Bool("compromised", c.Compromised),
	)
}

// Mask returns a loggable form of an access key id.
func Mask(accessKeyID string) string {
	return logging.MaskAccessKey(accessKeyID)
}

// Set maps identity name to credential.
type Set map[string]Credential

// Names returns the identity names in sorted order.
func (s Set) Names() []string {
	names := make([]string, 0, len(s))
	for name := range s {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// AccessKeyIDs returns the distinct access key ids in sorted order.
func (s Set) AccessKeyIDs() []string {
	seen := make(map[string]bool, len(s))
	ids := make([]string, 0, len(s))
	for _, c := range s {
		if c.AccessKeyID == "" || seen[c.AccessKeyID] {
			continue
		}
		seen[c.AccessKeyID] = true
		ids = append(ids, c.AccessKeyID)
	}
	sort.Strings(ids)
	return ids
}

// Provider is a source of grouped credentials.
type Provider interface {
	// Name returns the provider name for logging.
	Name() string

	// List returns every credential in a group. An unknown group returns
	// an empty set and no error.
	List(ctx context.Context, group Group) (Set, error)

	// Put stores a credential, if the provider supports writing.
	Put(ctx context.Context, group Group, cred Credential) error

	// Close releases provider resources.
	Close() error

	// HealthCheck verifies the provider is reachable.
	HealthCheck(ctx context.Context) error
}

// Registry is the canonical source of lab identities.
type Registry struct {
	providers []Provider
	cacheTTL  time.Duration
	logger    *slog.Logger

	mu    sync.RWMutex
	cache map[Group]cachedSet
}

type cachedSet struct {
	set       Set
	fetchedAt time.Time
}

// NewRegistry creates a registry over providers in priority order.
func NewRegistry(cacheTTL time.Duration, logger *slog.Logger, providers ...Provider) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		providers: providers,
		cacheTTL:  cacheTTL,
		logger:    logger.With("component", "credentials"),
		cache:     make(map[Group]cachedSet),
	}
}

// All returns the first non-empty set for a group across the provider chain.
func (r *Registry) All(ctx context.Context, group Group) (Set, error) {
	if len(r.providers) == 0 {
		return nil, ErrNoProvider
	}
	if set, ok := r.fromCache(group); ok {
		return set, nil
	}

	var errs []error
	for _, p := range r.providers {
		set, err := p.List(ctx, group)
		if err != nil {
			r.logger.Warn("credential provider failed",
				"provider", p.Name(),
				"group", string(group),
				"error", err)
			errs = append(errs, fmt.Errorf("%s: %w", p.Name(), err))
			continue
		}
		if len(set) == 0 {
			continue
		}
		for name, c := range set {
			c.Name = name
			c.Compromised = group == GroupCompromised
			set[name] = c
		}
		r.store(group, set)
		r.logger.Debug("credentials loaded",
			"provider", p.Name(),
			"group", string(group),
			"count", len(set))
		return set, nil
	}

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if len(errs) > 0 && len(errs) == len(r.providers) {
		return nil, fmt.Errorf("credentials: all providers failed: %w", errors.Join(errs...))
	}
	return Set{}, nil
}

// Resolve returns the credential for a named identity.
func (r *Registry) Resolve(ctx context.Context, name string, compromised bool) (Credential, error) {
	set, err := r.All(ctx, GroupFor(compromised))
	if err != nil {
		return Credential{}, err
	}
	cred, ok := set[name]
	if !ok {
		return Credential{}, fmt.Errorf("%w: %s (%s)", ErrNotFound, name, GroupFor(compromised))
	}
	return cred, nil
}

// First returns the first identity of a group by name order.
func (r *Registry) First(ctx context.Context, compromised bool) (Credential, error) {
	set, err := r.All(ctx, GroupFor(compromised))
	if err != nil {
		return Credential{}, err
	}
	names := set.Names()
	if len(names) == 0 {
		return Credential{}, fmt.Errorf("%w: empty %s group", ErrNotFound, GroupFor(compromised))
	}
	return set[names[0]], nil
}

// MaliciousIDs returns the access key ids of compromised identities.
func (r *Registry) MaliciousIDs(ctx context.Context) ([]string, error) {
	set, err := r.All(ctx, GroupCompromised)
	if err != nil {
		return nil, err
	}
	return set.AccessKeyIDs(), nil
}

// NormalIDs returns the access key ids of benign identities.
func (r *Registry) NormalIDs(ctx context.Context) ([]string, error) {
	set, err := r.All(ctx, GroupNormal)
	if err != nil {
		return nil, err
	}
	return set.AccessKeyIDs(), nil
}

// Publish copies both groups into the first writable provider.
func (r *Registry) Publish(ctx context.Context, groups map[Group]Set) error {
	for _, p := range r.providers {
		var written int
		var failed error
		for group, set := range groups {
			for _, name := range set.Names() {
				cred := set[name]
				cred.Name = name
				if err := p.Put(ctx, group, cred); err != nil {
					failed = err
					break
				}
				written++
			}
			if failed != nil {
				break
			}
		}
		if errors.Is(failed, ErrNotSupported) {
			continue
		}
		if failed != nil {
			return fmt.Errorf("credentials: failed to publish to %s: %w", p.Name(), failed)
		}
		r.Invalidate()
		r.logger.Info("credentials published", "provider", p.Name(), "count", written)
		return nil
	}
	return ErrNotSupported
}

// Invalidate drops the cached groups.
func (r *Registry) Invalidate() {
	r.mu.Lock()
	r.cache = make(map[Group]cachedSet)
	r.mu.Unlock()
}

// HealthCheck reports providers that are unreachable.
func (r *Registry) HealthCheck(ctx context.Context) error {
	var errs []error
	for _, p := range r.providers {
		if err := p.HealthCheck(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", p.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// Close shuts down every provider.
func (r *Registry) Close() error {
	r.Invalidate()
	var errs []error
	for _, p := range r.providers {
		if err := p.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", p.Name(), err))
		}
	}
	return errors.Join(errs...)
}

func (r *Registry) fromCache(group Group) (Set, bool) {
	if r.cacheTTL <= 0 {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.cache[group]
	if !ok || time.Since(c.fetchedAt) > r.cacheTTL {
		return nil, false
	}
	return c.set, true
}

func (r *Registry) store(group Group, set Set) {
	if r.cacheTTL <= 0 {
		return
	}
	r.mu.Lock()
	r.cache[group] = cachedSet{set: set, fetchedAt: time.Now()}
	r.mu.Unlock()
}
