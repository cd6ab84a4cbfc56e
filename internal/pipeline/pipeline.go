package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/firefart/dmarcremediator/internal/cloudflare"
	"github.com/firefart/dmarcremediator/internal/dmarc"
	"github.com/firefart/dmarcremediator/internal/metrics"
	"github.com/firefart/dmarcremediator/internal/records"
	"github.com/firefart/dmarcremediator/internal/spf"
	"github.com/firefart/dmarcremediator/internal/usermap"
)

const (
	recordTypeTXT = "TXT"
	// 1 lets the provider pick the TTL
	autoTTL = 1
)

var (
	ErrVerificationMismatch = errors.New("record content differs after update")
	ErrAmbiguousRecord      = errors.New("no single record to update")
)

// RecordService is the part of the provider API the pipeline needs.
type RecordService interface {
	ListRecords(ctx context.Context, zoneID, recordType string) ([]cloudflare.Record, error)
	UpdateRecord(ctx context.Context, zoneID, recordID string, update cloudflare.RecordUpdate) error
}

// Tracked answers whether a domain has already settled in an earlier run.
type Tracked interface {
	Contains(domain string) bool
}

type Options struct {
	DryRun       bool
	AuditComment string
}

// Pipeline evaluates a single zone, rewrites non compliant SPF and DMARC
// records and verifies the rewrite against a fresh read.
type Pipeline struct {
	records RecordService
	users   usermap.Lookup
	opts    Options
	logger  *slog.Logger
}

// New builds a pipeline. A nil users lookup degrades to usermap.Placeholder.
func New(recordService RecordService, users usermap.Lookup, opts Options, logger *slog.Logger) *Pipeline {
	if users == nil {
		users = usermap.Placeholder{}
	}
	return &Pipeline{
		records: recordService,
		users:   users,
		opts:    opts,
		logger:  logger,
	}
}

// Process runs one zone to completion. It returns false without touching
// the zone when tracked already contains it; tracked may be nil.
func (p *Pipeline) Process(ctx context.Context, zone cloudflare.Zone, tracked Tracked) (DomainResult, bool) {
	domain := zone.Name
	if tracked != nil && tracked.Contains(strings.ToLower(domain)) {
		p.logger.Debug("domain already tracked", "domain", domain)
		return DomainResult{}, false
	}

	log := p.logger.With("domain", domain, "zone_id", zone.ID, "dry_run", p.opts.DryRun)
	log.Info("processing domain")

	txt, err := p.records.ListRecords(ctx, zone.ID, recordTypeTXT)
	mappedUser := p.users.User(domain)
	if err != nil {
		log.Error("could not fetch records", "err", err)
		res := DomainResult{
			Domain:        domain,
			MappedUser:    mappedUser,
			Risk:          "API Fetch Error",
			PreviousSPF:   "Error",
			NewSPF:        "N/A",
			PreviousDMARC: "Error",
			NewDMARC:      "N/A",
			SPF:           FieldResult{Outcome: SkippedAPIError},
			DMARC:         FieldResult{Outcome: SkippedAPIError},
			ZoneID:        zone.ID,
			DryRun:        p.opts.DryRun,
		}
		p.observe(res)
		return res, true
	}

	eval := records.Evaluate(txt)
	rawSPF, rawDMARC := eval.RawSPF(), eval.RawDMARC()
	newSPF := spf.Canonicalize(rawSPF)
	newDMARC := dmarc.Canonicalize(rawDMARC, domain)

	res := DomainResult{
		Domain:        domain,
		MappedUser:    mappedUser,
		Risk:          eval.Risks.String(),
		PreviousSPF:   rawSPF,
		NewSPF:        newSPF,
		PreviousDMARC: rawDMARC,
		NewDMARC:      newDMARC,
		ZoneID:        zone.ID,
		DryRun:        p.opts.DryRun,
	}

	res.SPF = p.field(ctx, log, zone, records.FieldSPF, eval.SPF, eval.Risks, rawSPF, newSPF)
	res.DMARC = p.field(ctx, log, zone, records.FieldDMARC, eval.DMARC, eval.Risks, rawDMARC, newDMARC)

	p.observe(res)
	return res, true
}

func (p *Pipeline) field(ctx context.Context, log *slog.Logger, zone cloudflare.Zone, field records.Field, candidates []cloudflare.Record, risks records.RiskFlags, raw, canonical string) FieldResult {
	log = log.With("field", string(field))

	if canonical == raw {
		return FieldResult{Outcome: NoChangeNeeded}
	}
	if risk, ok := risks.For(field); ok {
		log.Warn("skipping record", "reason", risk.String(), "err", ErrAmbiguousRecord)
		return FieldResult{Outcome: SkippedRisk, Reason: risk.String()}
	}
	if p.opts.DryRun {
		log.Info("would update record", "old", raw, "new", canonical)
		return FieldResult{Outcome: DryRunWouldUpdate}
	}

	// no risk means exactly one candidate
	target := candidates[0]
	log.Info("updating record", "record_id", target.ID, "old", raw, "new", canonical)
	err := p.records.UpdateRecord(ctx, zone.ID, target.ID, cloudflare.RecordUpdate{
		Type:    recordTypeTXT,
		Name:    target.Name,
		Content: canonical,
		TTL:     autoTTL,
		Comment: p.opts.AuditComment,
	})
	if err != nil {
		log.Error("update failed", "record_id", target.ID, "err", err)
		return FieldResult{Outcome: UpdateFailed}
	}

	return p.verify(ctx, log, zone, target.ID, canonical)
}

// verify re-reads the zone; the update call succeeding only means the
// provider accepted it.
func (p *Pipeline) verify(ctx context.Context, log *slog.Logger, zone cloudflare.Zone, recordID, want string) FieldResult {
	fresh, err := p.records.ListRecords(ctx, zone.ID, recordTypeTXT)
	if err != nil {
		log.Warn("verification skipped, could not re-read records", "record_id", recordID, "err", err)
		return FieldResult{Outcome: UpdatedVerificationFailed}
	}
	for _, r := range fresh {
		if r.ID == recordID && r.Content == want {
			log.Info("record updated and verified", "record_id", recordID)
			return FieldResult{Outcome: Updated}
		}
	}
	log.Error("verification failed", "record_id", recordID, "err", ErrVerificationMismatch)
	return FieldResult{Outcome: UpdateFailedVerificationMismatch}
}

func (p *Pipeline) observe(res DomainResult) {
	metrics.FieldOutcome("spf", res.SPF.Outcome.Label())
	metrics.FieldOutcome("dmarc", res.DMARC.Outcome.Label())
}
