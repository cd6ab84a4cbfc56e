package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/firefart/dmarcremediator/internal/cloudflare"
	"github.com/firefart/dmarcremediator/internal/pipeline"
	"github.com/firefart/dmarcremediator/internal/progress"
	"github.com/firefart/dmarcremediator/internal/zones"
)

// fakeProvider is a tiny in-memory stand-in for the zones and dns_records
// endpoints. The *Status maps make single requests fail with the given
// HTTP status.
type fakeProvider struct {
	mu       sync.Mutex
	zones    []cloudflare.Zone
	records  map[string][]cloudflare.Record
	puts     int
	zoneGets map[string]int

	pageStatus   map[int]int
	recordStatus map[string]int
	putStatus    map[string]int
}

func newFakeProvider(t *testing.T, n int) (*fakeProvider, *httptest.Server) {
	t.Helper()

	f := &fakeProvider{
		records:      make(map[string][]cloudflare.Record),
		zoneGets:     make(map[string]int),
		pageStatus:   make(map[int]int),
		recordStatus: make(map[string]int),
		putStatus:    make(map[string]int),
	}
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("z%d", i)
		name := fmt.Sprintf("domain%d.com", i)
		f.zones = append(f.zones, cloudflare.Zone{ID: id, Name: name})
		f.records[id] = []cloudflare.Record{
			{ID: id + "-spf", Name: name, Type: "TXT", Content: "v=spf1 include:_spf.example.com -all"},
			{ID: id + "-dmarc", Name: "_dmarc." + name, Type: "TXT", Content: "v=DMARC1; p=reject; pct=100; rua=mailto:r@" + name},
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /zones", f.listZones)
	mux.HandleFunc("GET /zones/{zone}/dns_records", f.listRecords)
	mux.HandleFunc("PUT /zones/{zone}/dns_records/{record}", f.updateRecord)
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return f, server
}

func (f *fakeProvider) listZones(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	perPage, _ := strconv.Atoi(r.URL.Query().Get("per_page"))
	if status, ok := f.pageStatus[page]; ok {
		writeError(w, status)
		return
	}
	total := (len(f.zones) + perPage - 1) / perPage
	start := (page - 1) * perPage
	end := min(start+perPage, len(f.zones))
	result := []cloudflare.Zone{}
	if start < len(f.zones) {
		result = f.zones[start:end]
	}
	writeJSON(w, map[string]any{
		"success":     true,
		"result":      result,
		"result_info": cloudflare.ResultInfo{Page: page, PerPage: perPage, TotalPages: total},
	})
}

func (f *fakeProvider) listRecords(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	zoneID := r.PathValue("zone")
	f.zoneGets[zoneID]++
	if status, ok := f.recordStatus[zoneID]; ok {
		writeError(w, status)
		return
	}
	writeJSON(w, map[string]any{
		"success":     true,
		"result":      f.records[zoneID],
		"result_info": cloudflare.ResultInfo{Page: 1, TotalPages: 1},
	})
}

func (f *fakeProvider) updateRecord(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.puts++
	if status, ok := f.putStatus[r.PathValue("zone")]; ok {
		writeError(w, status)
		return
	}
	var u cloudflare.RecordUpdate
	if err := json.NewDecoder(r.Body).Decode(&u); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	recs := f.records[r.PathValue("zone")]
	for i := range recs {
		if recs[i].ID == r.PathValue("record") {
			recs[i].Content = u.Content
		}
	}
	writeJSON(w, map[string]any{"success": true})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"success": false,
		"errors":  []map[string]any{{"code": status, "message": http.StatusText(status)}},
	})
}

type memorySink struct {
	writes [][]pipeline.DomainResult
}

func (m *memorySink) Write(results []pipeline.DomainResult) error {
	cp := make([]pipeline.DomainResult, len(results))
	copy(cp, results)
	m.writes = append(m.writes, cp)
	return nil
}

type harness struct {
	enumerator *zones.Enumerator
	pipeline   *pipeline.Pipeline
	tracker    *progress.Tracker
	trackPath  string
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newHarness(t *testing.T, serverURL, trackPath string, dryRun bool) *harness {
	t.Helper()

	logger := testLogger()
	tr := cloudflare.NewTransport(cloudflare.TransportConfig{Token: "t", Workers: 3}, logger)
	client := cloudflare.NewClient(serverURL, tr, 5*time.Second, 5*time.Second)

	store, err := progress.OpenCSVStore(trackPath)
	if err != nil {
		t.Fatalf("could not open tracking store: %v", err)
	}
	tracker, err := progress.NewTracker(store)
	if err != nil {
		t.Fatalf("could not create tracker: %v", err)
	}
	t.Cleanup(func() { _ = tracker.Close() })

	return &harness{
		enumerator: zones.NewEnumerator(client, 5, logger),
		pipeline:   pipeline.New(client, nil, pipeline.Options{DryRun: dryRun, AuditComment: "Updated by Automation"}, logger),
		tracker:    tracker,
		trackPath:  trackPath,
	}
}

func countingSleep(n *int) Option {
	return WithSleep(func(context.Context, time.Duration) error {
		*n++
		return nil
	})
}

func TestRunDryRunDoesNotMutate(t *testing.T) {
	t.Parallel()

	provider, server := newFakeProvider(t, 7)
	h := newHarness(t, server.URL, filepath.Join(t.TempDir(), "p.csv"), true)
	sink := &memorySink{}
	sleeps := 0

	s := New(h.pipeline, h.tracker, sink, Options{Workers: 3, Cooldown: time.Second, Track: true}, testLogger(), countingSleep(&sleeps))
	summary, err := s.Run(context.Background(), h.enumerator)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(summary.Results) != 7 {
		t.Fatalf("expected 7 results, got %d", len(summary.Results))
	}
	for _, r := range summary.Results {
		if r.SPF.Outcome != pipeline.DryRunWouldUpdate {
			t.Fatalf("unexpected spf outcome for %s: %s", r.Domain, r.SPF)
		}
		if r.DMARC.Outcome != pipeline.NoChangeNeeded {
			t.Fatalf("unexpected dmarc outcome for %s: %s", r.Domain, r.DMARC)
		}
	}
	if provider.puts != 0 {
		t.Fatalf("dry run issued %d updates", provider.puts)
	}
	if h.tracker.Len() != 0 || summary.Tracked != 0 {
		t.Fatal("dry run must not track domains")
	}
	// pages of 5: [5, 7]
	if len(sink.writes) != 2 || len(sink.writes[0]) != 5 || len(sink.writes[1]) != 7 {
		t.Fatalf("unexpected sink writes %d", len(sink.writes))
	}
	if sleeps != 1 {
		t.Fatalf("expected one cooldown between two pages, got %d", sleeps)
	}
}

func TestRunLiveThenResume(t *testing.T) {
	t.Parallel()

	provider, server := newFakeProvider(t, 6)
	trackPath := filepath.Join(t.TempDir(), "p.csv")
	h := newHarness(t, server.URL, trackPath, false)
	sleeps := 0

	s := New(h.pipeline, h.tracker, &memorySink{}, Options{Workers: 4, Track: true, Cooldown: time.Second}, testLogger(), countingSleep(&sleeps))
	summary, err := s.Run(context.Background(), h.enumerator)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(summary.Results) != 6 || summary.Tracked != 6 {
		t.Fatalf("expected 6 results and 6 tracked, got %d/%d", len(summary.Results), summary.Tracked)
	}
	for _, r := range summary.Results {
		if r.SPF.Outcome != pipeline.Updated {
			t.Fatalf("unexpected spf outcome for %s: %s", r.Domain, r.SPF)
		}
	}
	if provider.puts != 6 {
		t.Fatalf("expected 6 updates, got %d", provider.puts)
	}
	if got := provider.records["z0"][0].Content; got != "v=spf1 include:_spf.example.com ~all" {
		t.Fatalf("record not updated: %q", got)
	}

	// a second run against the same store skips every domain
	_ = h.tracker.Close()
	h2 := newHarness(t, server.URL, trackPath, false)
	gets := provider.zoneGets["z0"]

	sink := &memorySink{}
	s2 := New(h2.pipeline, h2.tracker, sink, Options{Workers: 4, Track: true}, testLogger())
	summary, err = s2.Run(context.Background(), h2.enumerator)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(summary.Results) != 0 || summary.Dispatched != 0 {
		t.Fatalf("tracked domains were processed again: %+v", summary)
	}
	if provider.zoneGets["z0"] != gets {
		t.Fatal("tracked zone records were fetched again")
	}
	if len(sink.writes) != 0 {
		t.Fatal("nothing to report")
	}
}

func TestRunLimit(t *testing.T) {
	t.Parallel()

	_, server := newFakeProvider(t, 12)
	h := newHarness(t, server.URL, filepath.Join(t.TempDir(), "p.csv"), true)
	sleeps := 0

	s := New(h.pipeline, h.tracker, nil, Options{Workers: 2, Limit: 7, Cooldown: time.Second}, testLogger(), countingSleep(&sleeps))
	summary, err := s.Run(context.Background(), h.enumerator)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if summary.Dispatched != 7 || len(summary.Results) != 7 {
		t.Fatalf("expected exactly 7 domains, got %d/%d", summary.Dispatched, len(summary.Results))
	}
	if summary.Pages != 2 {
		t.Fatalf("should stop after the second page, saw %d", summary.Pages)
	}
	if sleeps != 1 {
		t.Fatalf("no cooldown after the limit is reached, got %d sleeps", sleeps)
	}
}

func TestRunWithoutTracking(t *testing.T) {
	t.Parallel()

	_, server := newFakeProvider(t, 3)
	h := newHarness(t, server.URL, filepath.Join(t.TempDir(), "p.csv"), false)

	s := New(h.pipeline, h.tracker, nil, Options{Workers: 2}, testLogger())
	summary, err := s.Run(context.Background(), h.enumerator)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(summary.Results) != 3 || summary.Tracked != 0 || h.tracker.Len() != 0 {
		t.Fatalf("no-track run must not persist anything: %+v", summary)
	}
}

func TestRunBatchSingleDomainForce(t *testing.T) {
	t.Parallel()

	provider, server := newFakeProvider(t, 1)
	h := newHarness(t, server.URL, filepath.Join(t.TempDir(), "p.csv"), false)
	if err := h.tracker.Add("domain0.com"); err != nil {
		t.Fatal(err)
	}
	s := New(h.pipeline, h.tracker, nil, Options{Workers: 1, Track: true}, testLogger())

	summary, err := s.RunBatch(context.Background(), provider.zones, h.tracker)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(summary.Results) != 0 {
		t.Fatal("tracked domain should be skipped without force")
	}

	summary, err = s.RunBatch(context.Background(), provider.zones, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(summary.Results) != 1 || summary.Results[0].SPF.Outcome != pipeline.Updated {
		t.Fatalf("forced run should update, got %+v", summary.Results)
	}
}

type annotateAll struct{}

func (annotateAll) Annotate(_ context.Context, res *pipeline.DomainResult) {
	res.PublicDNS = "checked"
}

func TestRunAnnotates(t *testing.T) {
	t.Parallel()

	_, server := newFakeProvider(t, 2)
	h := newHarness(t, server.URL, filepath.Join(t.TempDir(), "p.csv"), true)

	s := New(h.pipeline, h.tracker, nil, Options{Workers: 2}, testLogger(), WithAnnotator(annotateAll{}))
	summary, err := s.Run(context.Background(), h.enumerator)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, r := range summary.Results {
		if r.PublicDNS != "checked" {
			t.Fatalf("result for %s not annotated", r.Domain)
		}
	}
}

func TestRunDomainFailuresStayIsolated(t *testing.T) {
	t.Parallel()

	provider, server := newFakeProvider(t, 5)
	provider.recordStatus["z1"] = http.StatusBadRequest
	provider.putStatus["z3"] = http.StatusInternalServerError
	// both records of z3 need a rewrite, so neither can settle it
	provider.records["z3"][1].Content = "v=DMARC1; p=none; rua=mailto:r@domain3.com"

	h := newHarness(t, server.URL, filepath.Join(t.TempDir(), "p.csv"), false)
	sink := &memorySink{}
	s := New(h.pipeline, h.tracker, sink, Options{Workers: 3, Track: true}, testLogger())

	summary, err := s.Run(context.Background(), h.enumerator)
	if err != nil {
		t.Fatalf("domain failures must not fail the run: %v", err)
	}
	if len(summary.Results) != 5 {
		t.Fatalf("every domain yields a row, got %d", len(summary.Results))
	}

	byDomain := make(map[string]pipeline.DomainResult)
	for _, r := range summary.Results {
		byDomain[r.Domain] = r
	}
	for _, d := range []string{"domain0.com", "domain2.com", "domain4.com"} {
		if byDomain[d].SPF.Outcome != pipeline.Updated {
			t.Fatalf("%s: unexpected spf outcome %s", d, byDomain[d].SPF)
		}
		if !h.tracker.Contains(d) {
			t.Fatalf("%s should be tracked", d)
		}
	}

	fetchFailed := byDomain["domain1.com"]
	if fetchFailed.SPF.String() != "Skipped (API Error)" || fetchFailed.DMARC.String() != "Skipped (API Error)" {
		t.Fatalf("unexpected outcomes %s / %s", fetchFailed.SPF, fetchFailed.DMARC)
	}
	updateFailed := byDomain["domain3.com"]
	if updateFailed.SPF.String() != "Update Failed" || updateFailed.DMARC.String() != "Update Failed" {
		t.Fatalf("unexpected outcomes %s / %s", updateFailed.SPF, updateFailed.DMARC)
	}
	for _, d := range []string{"domain1.com", "domain3.com"} {
		if h.tracker.Contains(d) {
			t.Fatalf("failed domain %s must not be tracked", d)
		}
	}
	if summary.Tracked != 3 {
		t.Fatalf("expected 3 tracked, got %d", summary.Tracked)
	}
	if len(sink.writes) != 1 || len(sink.writes[0]) != 5 {
		t.Fatal("the page should still be reported")
	}
}

func TestRunZonePageFailure(t *testing.T) {
	t.Parallel()

	provider, server := newFakeProvider(t, 7)
	provider.pageStatus[2] = http.StatusForbidden
	h := newHarness(t, server.URL, filepath.Join(t.TempDir(), "p.csv"), false)
	sink := &memorySink{}
	sleeps := 0

	s := New(h.pipeline, h.tracker, sink, Options{Workers: 2, Track: true, Cooldown: time.Second}, testLogger(), countingSleep(&sleeps))
	summary, err := s.Run(context.Background(), h.enumerator)
	if err == nil {
		t.Fatal("a failed zones page must be reported")
	}
	if !errors.Is(err, cloudflare.ErrTransport) {
		t.Fatalf("expected the transport error, got %v", err)
	}

	if summary.Pages != 1 || len(summary.Results) != 5 {
		t.Fatalf("expected the first page only, got %d pages, %d results", summary.Pages, len(summary.Results))
	}
	if h.tracker.Len() != 5 || summary.Tracked != 5 {
		t.Fatalf("the first page should be tracked, got %d", h.tracker.Len())
	}
	if len(sink.writes) != 1 || len(sink.writes[0]) != 5 {
		t.Fatal("the first page should be reported")
	}
}

func TestRunSkipsTrackedZonesInPage(t *testing.T) {
	t.Parallel()

	provider, server := newFakeProvider(t, 5)
	h := newHarness(t, server.URL, filepath.Join(t.TempDir(), "p.csv"), false)
	for _, d := range []string{"domain0.com", "Domain2.com"} {
		if err := h.tracker.Add(d); err != nil {
			t.Fatal(err)
		}
	}

	s := New(h.pipeline, h.tracker, nil, Options{Workers: 2, Track: true}, testLogger())
	summary, err := s.Run(context.Background(), h.enumerator)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if summary.Dispatched != 3 || len(summary.Results) != 3 {
		t.Fatalf("expected 3 dispatched domains, got %d/%d", summary.Dispatched, len(summary.Results))
	}
	for _, r := range summary.Results {
		if r.Domain == "domain0.com" || r.Domain == "domain2.com" {
			t.Fatalf("tracked domain %s was processed", r.Domain)
		}
	}
	if provider.zoneGets["z0"] != 0 || provider.zoneGets["z2"] != 0 {
		t.Fatal("records of tracked zones were fetched")
	}
	if provider.zoneGets["z1"] == 0 {
		t.Fatal("untracked zone was not fetched")
	}
}

// cancelingProcessor cancels the run as soon as the first zone is processed.
type cancelingProcessor struct {
	cancel context.CancelFunc
	calls  atomic.Int32
}

func (p *cancelingProcessor) Process(_ context.Context, zone cloudflare.Zone, _ pipeline.Tracked) (pipeline.DomainResult, bool) {
	p.calls.Add(1)
	p.cancel()
	return pipeline.DomainResult{Domain: zone.Name}, true
}

func TestRunBatchStopsDispatchOnCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	proc := &cancelingProcessor{cancel: cancel}
	batch := []cloudflare.Zone{
		{ID: "z0", Name: "domain0.com"},
		{ID: "z1", Name: "domain1.com"},
		{ID: "z2", Name: "domain2.com"},
		{ID: "z3", Name: "domain3.com"},
	}

	s := New(proc, nil, nil, Options{Workers: 1}, testLogger())
	summary, err := s.RunBatch(ctx, batch, nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected the cancellation to be reported, got %v", err)
	}
	if proc.calls.Load() != 1 {
		t.Fatalf("zones were processed after the cancel: %d calls", proc.calls.Load())
	}
	if summary.Dispatched != 1 || len(summary.Results) != 1 || summary.Results[0].Domain != "domain0.com" {
		t.Fatalf("unexpected summary %+v", summary)
	}
}
