package progress

import (
	"fmt"
	"strings"
	"sync"
)

// Store persists settled domains. Append must write a whole entry or nothing.
type Store interface {
	Load() ([]string, error)
	Append(domain string) error
	Close() error
}

// Tracker is the in-memory view of a Store. Reads are safe from any
// goroutine; the set only grows.
type Tracker struct {
	mu    sync.RWMutex
	set   map[string]struct{}
	store Store
}

func NewTracker(store Store) (*Tracker, error) {
	domains, err := store.Load()
	if err != nil {
		return nil, fmt.Errorf("could not load tracked domains: %w", err)
	}
	t := &Tracker{
		set:   make(map[string]struct{}, len(domains)),
		store: store,
	}
	for _, d := range domains {
		if d = normalize(d); d != "" {
			t.set[d] = struct{}{}
		}
	}
	return t, nil
}

func normalize(domain string) string {
	return strings.ToLower(strings.TrimSpace(domain))
}

func (t *Tracker) Contains(domain string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.set[normalize(domain)]
	return ok
}

// Add records a domain as settled. Adding a known domain is a no-op, so the
// store holds every domain at most once.
func (t *Tracker) Add(domain string) error {
	d := normalize(domain)
	if d == "" {
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.set[d]; ok {
		return nil
	}
	if err := t.store.Append(d); err != nil {
		return fmt.Errorf("could not persist %s: %w", d, err)
	}
	t.set[d] = struct{}{}
	return nil
}

func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.set)
}

func (t *Tracker) Close() error {
	return t.store.Close()
}

// Open returns the store for the configured backend.
func Open(backend, path string) (Store, error) {
	switch backend {
	case "", "csv":
		s, err := OpenCSVStore(path)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "bolt":
		s, err := OpenBoltStore(path)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown tracking backend %q", backend)
	}
}
