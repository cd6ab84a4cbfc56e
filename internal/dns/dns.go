package dns

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"slices"
	"strings"
	"sync"
	"time"

	mdns "github.com/miekg/dns"
	"golang.org/x/net/publicsuffix"

	"github.com/firefart/dmarcremediator/internal/pipeline"
)

const (
	StatusPropagated  = "propagated"
	StatusPending     = "pending"
	StatusLookupError = "lookup error"
)

var (
	ErrNotFound    = errors.New("no such domain")
	ErrServerError = errors.New("dns server error")
)

type cacheEntry struct {
	records   []string
	err       error
	timestamp time.Time
}

// CachedDNSResolver looks up TXT records on a single upstream server and
// keeps the answers for cacheTimeout.
type CachedDNSResolver struct {
	server       string
	timeout      time.Duration
	cacheTimeout time.Duration
	client       *mdns.Client
	mutex        sync.RWMutex
	dnsCache     map[string]cacheEntry
	logger       *slog.Logger
}

func NewCachedDNSResolver(server string, connectTimeout, timeout time.Duration, cacheTimeout time.Duration, logger *slog.Logger) *CachedDNSResolver {
	if server == "" {
		server = systemNameserver()
	}
	return &CachedDNSResolver{
		server:       server,
		timeout:      timeout,
		cacheTimeout: cacheTimeout,
		client: &mdns.Client{
			Dialer:  &net.Dialer{Timeout: connectTimeout},
			Timeout: timeout,
		},
		dnsCache: make(map[string]cacheEntry),
		logger:   logger,
	}
}

func systemNameserver() string {
	config, err := mdns.ClientConfigFromFile("/etc/resolv.conf")
	if err != nil || len(config.Servers) == 0 {
		return "1.1.1.1:53"
	}
	return net.JoinHostPort(config.Servers[0], config.Port)
}

// CachedTXTLookup returns the TXT strings published for name. Split
// character strings of one record are joined. Failed lookups are cached too
// so a broken name is not queried over and over.
func (r *CachedDNSResolver) CachedTXTLookup(ctx context.Context, name string) ([]string, error) {
	name = strings.ToLower(mdns.Fqdn(name))
	r.logger.Debug("resolving", "name", name)
	if entry, ok := r.getCacheEntry(name); ok {
		return entry.records, entry.err
	}

	records, err := r.lookupTXT(ctx, name)
	if err != nil && ctx.Err() != nil {
		// do not cache cancellations
		return nil, err
	}
	r.updateCache(name, records, err)
	return records, err
}

func (r *CachedDNSResolver) lookupTXT(ctx context.Context, name string) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	m := new(mdns.Msg)
	m.SetQuestion(name, mdns.TypeTXT)
	m.RecursionDesired = true

	resp, _, err := r.client.ExchangeContext(ctx, m, r.server)
	if err != nil {
		return nil, fmt.Errorf("could not query %s: %w", name, err)
	}
	switch resp.Rcode {
	case mdns.RcodeSuccess:
	case mdns.RcodeNameError:
		return nil, ErrNotFound
	default:
		return nil, fmt.Errorf("%w: %s for %s", ErrServerError, mdns.RcodeToString[resp.Rcode], name)
	}

	var records []string
	for _, rr := range resp.Answer {
		if txt, ok := rr.(*mdns.TXT); ok {
			records = append(records, strings.Join(txt.Txt, ""))
		}
	}
	return records, nil
}

func (r *CachedDNSResolver) updateCache(name string, records []string, err error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.dnsCache[name] = cacheEntry{
		records:   records,
		err:       err,
		timestamp: time.Now(),
	}
}

func (r *CachedDNSResolver) getCacheEntry(name string) (cacheEntry, bool) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	val, ok := r.dnsCache[name]
	if !ok {
		return cacheEntry{}, false
	}
	// check if the cache expired
	if time.Now().Add(-1 * r.cacheTimeout).After(val.timestamp) {
		r.logger.Debug("deleting stale DNS entry", "name", name, "stored", val.timestamp)
		delete(r.dnsCache, name)
		return cacheEntry{}, false
	}
	return val, true
}

// Annotate compares the public answers for the domain and its _dmarc label
// with the values the run expects to be live and stores the verdict in
// res.PublicDNS. Fields that were not written or confirmed are not checked.
func (r *CachedDNSResolver) Annotate(ctx context.Context, res *pipeline.DomainResult) {
	type check struct {
		name string
		want string
	}
	var checks []check
	if published(res.SPF) {
		checks = append(checks, check{name: res.Domain, want: res.NewSPF})
	}
	if published(res.DMARC) {
		checks = append(checks, check{name: "_dmarc." + res.Domain, want: res.NewDMARC})
	}
	if len(checks) == 0 {
		return
	}

	status := StatusPropagated
	for _, c := range checks {
		records, err := r.CachedTXTLookup(ctx, c.name)
		switch {
		case errors.Is(err, ErrNotFound):
			status = StatusPending
		case err != nil:
			r.logger.Warn("public dns lookup failed", "name", c.name, "err", err)
			res.PublicDNS = StatusLookupError
			return
		case !slices.Contains(records, c.want):
			status = StatusPending
		}
	}
	res.PublicDNS = status
}

func published(f pipeline.FieldResult) bool {
	switch f.Outcome {
	case pipeline.Updated, pipeline.UpdatedVerificationFailed, pipeline.NoChangeNeeded:
		return true
	}
	return false
}

// ValidateDomain normalizes a user supplied domain and rejects anything that
// is not a syntactically valid name below a public suffix.
func ValidateDomain(name string) (string, error) {
	name = strings.TrimSuffix(strings.ToLower(strings.TrimSpace(name)), ".")
	if name == "" {
		return "", errors.New("empty domain")
	}
	if _, ok := mdns.IsDomainName(name); !ok {
		return "", fmt.Errorf("invalid domain name %q", name)
	}
	if _, err := publicsuffix.EffectiveTLDPlusOne(name); err != nil {
		return "", fmt.Errorf("%q is not a registrable domain: %w", name, err)
	}
	return name, nil
}

// OrganizationalDomain returns the registrable part of name, or name itself
// when it can not be determined.
func OrganizationalDomain(name string) string {
	org, err := publicsuffix.EffectiveTLDPlusOne(name)
	if err != nil {
		return name
	}
	return org
}
