package report

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/firefart/dmarcremediator/internal/pipeline"
)

const (
	FormatCSV  = "csv"
	FormatJSON = "json"
)

var header = []string{
	"domain",
	"mapped user",
	"risk",
	"previous spf",
	"new spf[updated]",
	"previous dmarc",
	"new dmarc[updated]",
	"spf status",
	"dmarc status",
	"zone_id",
	"public dns",
}

// Row is the exported form of a pipeline.DomainResult.
type Row struct {
	Domain        string `json:"domain"`
	MappedUser    string `json:"mapped_user"`
	Risk          string `json:"risk"`
	PreviousSPF   string `json:"previous_spf"`
	NewSPF        string `json:"new_spf"`
	PreviousDMARC string `json:"previous_dmarc"`
	NewDMARC      string `json:"new_dmarc"`
	SPFStatus     string `json:"spf_status"`
	DMARCStatus   string `json:"dmarc_status"`
	ZoneID        string `json:"zone_id"`
	PublicDNS     string `json:"public_dns,omitempty"`
}

func NewRow(r pipeline.DomainResult) Row {
	return Row{
		Domain:        r.Domain,
		MappedUser:    r.MappedUser,
		Risk:          r.Risk,
		PreviousSPF:   r.PreviousSPF,
		NewSPF:        r.NewSPF,
		PreviousDMARC: r.PreviousDMARC,
		NewDMARC:      r.NewDMARC,
		SPFStatus:     r.SPF.String(),
		DMARCStatus:   r.DMARC.String(),
		ZoneID:        r.ZoneID,
		PublicDNS:     r.PublicDNS,
	}
}

func (r Row) fields() []string {
	return []string{
		r.Domain,
		r.MappedUser,
		r.Risk,
		r.PreviousSPF,
		r.NewSPF,
		r.PreviousDMARC,
		r.NewDMARC,
		r.SPFStatus,
		r.DMARCStatus,
		r.ZoneID,
		r.PublicDNS,
	}
}

// Sink rewrites the whole report file on every Write, so calling it again
// with a longer result list just replaces the previous content.
type Sink struct {
	path   string
	encode func([]Row) ([]byte, error)
}

// Path builds the report file name for a run, e.g.
// reports/domain_updates_20250102_150405_01J...csv.
func Path(dir string, ts time.Time, runID, format string) string {
	name := fmt.Sprintf("domain_updates_%s_%s.%s", ts.UTC().Format("20060102_150405"), runID, format)
	return filepath.Join(dir, name)
}

// New returns a sink for format writing to path.
func New(format, path string) (*Sink, error) {
	switch strings.ToLower(format) {
	case "", FormatCSV:
		return &Sink{path: path, encode: encodeCSV}, nil
	case FormatJSON:
		return &Sink{path: path, encode: encodeJSON}, nil
	default:
		return nil, fmt.Errorf("unknown report format %q", format)
	}
}

func (s *Sink) Path() string {
	return s.path
}

// Write replaces the report with results. An empty list writes nothing.
func (s *Sink) Write(results []pipeline.DomainResult) error {
	if len(results) == 0 {
		return nil
	}
	rows := make([]Row, len(results))
	for i, r := range results {
		rows[i] = NewRow(r)
	}
	b, err := s.encode(rows)
	if err != nil {
		return fmt.Errorf("could not encode report: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("could not create report dir: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return fmt.Errorf("could not write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("could not move report into place: %w", err)
	}
	return nil
}

func encodeCSV(rows []Row) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(header); err != nil {
		return nil, err
	}
	for _, r := range rows {
		if err := w.Write(r.fields()); err != nil {
			return nil, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func encodeJSON(rows []Row) ([]byte, error) {
	return json.MarshalIndent(rows, "", "  ")
}
