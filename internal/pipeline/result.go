package pipeline

import "fmt"

type Outcome int

const (
	NoChangeNeeded Outcome = iota
	SkippedRisk
	SkippedAPIError
	DryRunWouldUpdate
	Updated
	UpdatedVerificationFailed
	UpdateFailed
	UpdateFailedVerificationMismatch
)

// Label is the metric label of the outcome.
func (o Outcome) Label() string {
	switch o {
	case NoChangeNeeded:
		return "no_change"
	case SkippedRisk:
		return "skipped_risk"
	case SkippedAPIError:
		return "skipped_api_error"
	case DryRunWouldUpdate:
		return "dry_run"
	case Updated:
		return "updated"
	case UpdatedVerificationFailed:
		return "updated_unverified"
	case UpdateFailed:
		return "update_failed"
	case UpdateFailedVerificationMismatch:
		return "verification_mismatch"
	}
	return "unknown"
}

// FieldResult is the outcome for one of the two records of a domain.
// Reason is only set for SkippedRisk.
type FieldResult struct {
	Outcome Outcome
	Reason  string
}

func (f FieldResult) String() string {
	switch f.Outcome {
	case NoChangeNeeded:
		return "No Change Needed"
	case SkippedRisk:
		return fmt.Sprintf("Skipped (%s)", f.Reason)
	case SkippedAPIError:
		return "Skipped (API Error)"
	case DryRunWouldUpdate:
		return "Dry Run: Would Update"
	case Updated:
		return "Updated"
	case UpdatedVerificationFailed:
		return "Updated (Verification Failed - API Timeout)"
	case UpdateFailed:
		return "Update Failed"
	case UpdateFailedVerificationMismatch:
		return "Update Failed (Verification Failed)"
	}
	return "Unknown"
}

// settles reports whether the outcome proves the record is in its final state.
func (f FieldResult) settles() bool {
	return f.Outcome == Updated || f.Outcome == NoChangeNeeded
}

// DomainResult is the single row produced for every processed domain.
type DomainResult struct {
	Domain        string
	MappedUser    string
	Risk          string
	PreviousSPF   string
	NewSPF        string
	PreviousDMARC string
	NewDMARC      string
	SPF           FieldResult
	DMARC         FieldResult
	ZoneID        string
	DryRun        bool
	// PublicDNS is filled in by the optional resolver check.
	PublicDNS string
}

// Settled reports whether the domain may be skipped by later runs: a live
// run in which at least one record was updated and verified or already
// compliant. Skips and failures stay eligible for a retry.
func (r DomainResult) Settled() bool {
	if r.DryRun {
		return false
	}
	return r.SPF.settles() || r.DMARC.settles()
}
