package zones

import (
	"context"
	"iter"
	"log/slog"
	"strings"

	"github.com/firefart/dmarcremediator/internal/cloudflare"
)

// Lister fetches one page of zones, pages start at 1.
type Lister interface {
	ListZones(ctx context.Context, page, perPage int) ([]cloudflare.Zone, cloudflare.ResultInfo, error)
}

// Excluder reports zone names that must be skipped.
type Excluder interface {
	Contains(domain string) bool
}

type Page struct {
	Number     int
	TotalPages int
	Zones      []cloudflare.Zone
}

type Enumerator struct {
	lister  Lister
	perPage int
	logger  *slog.Logger
}

func NewEnumerator(lister Lister, perPage int, logger *slog.Logger) *Enumerator {
	return &Enumerator{
		lister:  lister,
		perPage: perPage,
		logger:  logger,
	}
}

// Pages walks the zone list from page 1. It stops after the page the
// provider reports as the last one, on the first empty page and on the first
// page that fails to load; the latter two look the same to the consumer.
// The returned func reports the fetch error that ended the walk, if any, and
// is only meaningful once iteration finished.
func (e *Enumerator) Pages(ctx context.Context) (iter.Seq[Page], func() error) {
	var stopErr error
	seq := func(yield func(Page) bool) {
		stopErr = nil
		for page := 1; ; page++ {
			if ctx.Err() != nil {
				stopErr = ctx.Err()
				return
			}

			e.logger.Info("fetching zones page", "page", page)
			zones, info, err := e.lister.ListZones(ctx, page, e.perPage)
			if err != nil {
				e.logger.Error("could not fetch zones page", "page", page, "err", err)
				stopErr = err
				return
			}
			if len(zones) == 0 {
				e.logger.Debug("empty zones page, stopping", "page", page)
				return
			}

			if !yield(Page{Number: page, TotalPages: info.TotalPages, Zones: zones}) {
				return
			}
			if page >= info.TotalPages {
				return
			}
		}
	}
	return seq, func() error { return stopErr }
}

// Zones yields every zone not in exclude, stopping once limit zones were
// yielded. A limit <= 0 means no limit and exclude may be nil.
func (e *Enumerator) Zones(ctx context.Context, limit int, exclude Excluder) iter.Seq[cloudflare.Zone] {
	return func(yield func(cloudflare.Zone) bool) {
		pages, _ := e.Pages(ctx)
		count := 0
		for p := range pages {
			remaining := 0
			if limit > 0 {
				remaining = limit - count
			}
			for _, z := range Take(p.Zones, exclude, remaining) {
				if !yield(z) {
					return
				}
				count++
			}
			if limit > 0 && count >= limit {
				e.logger.Info("reached zone limit", "limit", limit)
				return
			}
		}
	}
}

// Take drops excluded zones and keeps at most n of the rest. n <= 0 keeps
// all of them.
func Take(in []cloudflare.Zone, exclude Excluder, n int) []cloudflare.Zone {
	out := Filter(in, exclude)
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out
}

// Filter drops zones whose lowercased name is in exclude.
func Filter(in []cloudflare.Zone, exclude Excluder) []cloudflare.Zone {
	if exclude == nil {
		return in
	}
	out := make([]cloudflare.Zone, 0, len(in))
	for _, z := range in {
		if exclude.Contains(strings.ToLower(z.Name)) {
			continue
		}
		out = append(out, z)
	}
	return out
}
