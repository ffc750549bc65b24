package policy

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrNotFound is returned for template ids without a policy.
var ErrNotFound = errors.New("template policy not found")

// Resolver maps a template id to its policy. Implementations are safe for
// concurrent use and idempotent for a given id.
type Resolver interface {
	Resolve(ctx context.Context, templateID string) (*TemplatePolicy, error)
}

// StaticResolver serves a fixed policy set.
type StaticResolver struct {
	mu       sync.RWMutex
	policies Set
}

func NewStaticResolver(set Set) *StaticResolver {
	if set == nil {
		set = Set{}
	}
	return &StaticResolver{policies: set}
}

func (s *StaticResolver) Resolve(_ context.Context, templateID string) (*TemplatePolicy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.policies[templateID]
	if !ok {
		return nil, ErrNotFound
	}
	return p, nil
}

// Set replaces or adds a single policy.
func (s *StaticResolver) Set(p *TemplatePolicy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.policies[p.ID] = p
}

// FileResolver loads policies from a file on first use and caches them.
// A zero TTL caches until Invalidate is called.
type FileResolver struct {
	path string
	ttl  time.Duration
	load func(string) (Set, error)
	now  func() time.Time

	mu       sync.Mutex
	cached   Set
	loadedAt time.Time
}

func NewFileResolver(path string, ttl time.Duration) *FileResolver {
	return &FileResolver{path: path, ttl: ttl, load: LoadFile, now: time.Now}
}

func (f *FileResolver) Resolve(_ context.Context, templateID string) (*TemplatePolicy, error) {
	set, err := f.current()
	if err != nil {
		return nil, err
	}
	p, ok := set[templateID]
	if !ok {
		return nil, ErrNotFound
	}
	return p, nil
}

// Policies returns the currently loaded set, loading it if needed.
func (f *FileResolver) Policies() (Set, error) {
	return f.current()
}

// Invalidate drops the cached set so the next lookup re-reads the file.
func (f *FileResolver) Invalidate() {
	f.mu.Lock()
	f.cached = nil
	f.mu.Unlock()
}

// Reload re-reads the file now. The previous set stays in place on error.
func (f *FileResolver) Reload() (Set, error) {
	set, err := f.load(f.path)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.cached = set
	f.loadedAt = f.now()
	f.mu.Unlock()
	return set, nil
}

func (f *FileResolver) current() (Set, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cached != nil && (f.ttl <= 0 || f.now().Sub(f.loadedAt) < f.ttl) {
		return f.cached, nil
	}
	set, err := f.load(f.path)
	if err != nil {
		if f.cached != nil {
			return f.cached, nil
		}
		return nil, err
	}
	f.cached = set
	f.loadedAt = f.now()
	return set, nil
}
