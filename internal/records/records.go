package records

import (
	"fmt"
	"strings"

	"github.com/firefart/dmarcremediator/internal/cloudflare"
)

// Missing is the raw value reported for a field without any candidate record.
const Missing = "Missing"

type Field string

const (
	FieldSPF   Field = "SPF"
	FieldDMARC Field = "DMARC"
)

// Risk describes why a field's record can not be rewritten safely.
// Count is 0 for a missing record and the number of candidates otherwise.
type Risk struct {
	Field Field
	Count int
}

func (r Risk) String() string {
	if r.Count == 0 {
		return fmt.Sprintf("Missing %s", r.Field)
	}
	return fmt.Sprintf("Multiple %s (%d)", r.Field, r.Count)
}

type RiskFlags []Risk

// For returns the risk recorded for the field, if any.
func (f RiskFlags) For(field Field) (Risk, bool) {
	for _, r := range f {
		if r.Field == field {
			return r, true
		}
	}
	return Risk{}, false
}

func (f RiskFlags) String() string {
	if len(f) == 0 {
		return "None"
	}
	parts := make([]string, len(f))
	for i, r := range f {
		parts[i] = r.String()
	}
	return strings.Join(parts, ", ")
}

type Evaluation struct {
	SPF   []cloudflare.Record
	DMARC []cloudflare.Record
	Risks RiskFlags
}

// RawSPF is the content of the first SPF candidate or Missing.
func (e Evaluation) RawSPF() string {
	return firstContent(e.SPF)
}

// RawDMARC is the content of the first DMARC candidate or Missing.
func (e Evaluation) RawDMARC() string {
	return firstContent(e.DMARC)
}

func firstContent(r []cloudflare.Record) string {
	if len(r) == 0 {
		return Missing
	}
	return r[0].Content
}

// Evaluate sorts a zone's TXT records into SPF and DMARC candidates, keeping
// the order the provider returned them in. The input is not modified.
func Evaluate(txt []cloudflare.Record) Evaluation {
	var e Evaluation
	for _, r := range txt {
		if IsSPF(r) {
			e.SPF = append(e.SPF, r)
		}
		if IsDMARC(r) {
			e.DMARC = append(e.DMARC, r)
		}
	}
	if risk, ok := riskFor(FieldSPF, len(e.SPF)); ok {
		e.Risks = append(e.Risks, risk)
	}
	if risk, ok := riskFor(FieldDMARC, len(e.DMARC)); ok {
		e.Risks = append(e.Risks, risk)
	}
	return e
}

func IsSPF(r cloudflare.Record) bool {
	return strings.Contains(r.Content, "v=spf1")
}

func IsDMARC(r cloudflare.Record) bool {
	return strings.HasPrefix(r.Content, "v=DMARC1") || strings.HasPrefix(r.Name, "_dmarc")
}

func riskFor(field Field, n int) (Risk, bool) {
	switch {
	case n == 0:
		return Risk{Field: field}, true
	case n > 1:
		return Risk{Field: field, Count: n}, true
	}
	return Risk{}, false
}
