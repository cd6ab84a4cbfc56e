package usermap

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	NotFound    = "Not Found"
	NoUserInfo  = "Domain Found (No User Info)"
	Unavailable = "N/A (No User Map)"
)

// Lookup maps a domain to the user owning it. Implementations never fail:
// problems are reported through the returned display string.
type Lookup interface {
	User(domain string) string
}

// Placeholder is used when no user map is configured.
type Placeholder struct{}

func (Placeholder) User(string) string {
	return Unavailable
}

type contact struct {
	Email string `yaml:"email"`
}

type entry struct {
	Domain   string    `yaml:"domain"`
	User     string    `yaml:"user"`
	Contacts []contact `yaml:"contacts"`
}

type file struct {
	Domains []entry `yaml:"domains"`
}

// FileLookup serves lookups from a YAML document of the form
//
//	domains:
//	  - domain: example.com
//	    user: alice@example.com
//	  - domain: example.org
//	    contacts:
//	      - email: ops@example.org
type FileLookup struct {
	byDomain map[string]entry
}

func LoadFile(path string) (*FileLookup, error) {
	b, err := os.ReadFile(path) // nolint: gosec
	if err != nil {
		return nil, fmt.Errorf("could not read user map: %w", err)
	}
	var f file
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("could not parse user map %s: %w", path, err)
	}

	l := &FileLookup{byDomain: make(map[string]entry, len(f.Domains))}
	for _, e := range f.Domains {
		key := strings.ToLower(strings.TrimSpace(e.Domain))
		if key == "" {
			continue
		}
		// first entry wins, like a find-one query would
		if _, ok := l.byDomain[key]; !ok {
			l.byDomain[key] = e
		}
	}
	return l, nil
}

func (l *FileLookup) User(domain string) string {
	e, ok := l.byDomain[strings.ToLower(strings.TrimSpace(domain))]
	if !ok {
		return NotFound
	}
	if e.User != "" {
		return e.User
	}
	if len(e.Contacts) > 0 {
		if e.Contacts[0].Email == "" {
			return "Unknown Email"
		}
		return e.Contacts[0].Email
	}
	return NoUserInfo
}

// Open returns the FileLookup for path, or Placeholder when path is empty.
func Open(path string) (Lookup, error) {
	if path == "" {
		return Placeholder{}, nil
	}
	return LoadFile(path)
}
