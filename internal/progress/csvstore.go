package progress

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
)

const csvHeader = "domain"

// CSVStore keeps one domain per row below a "domain" header, the format
// earlier versions of the tool wrote.
type CSVStore struct {
	mu   sync.Mutex
	path string
	f    *os.File
}

func OpenCSVStore(path string) (*CSVStore, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o644) // nolint: gosec
	if err != nil {
		return nil, fmt.Errorf("could not open %s: %w", path, err)
	}
	s := &CSVStore{path: path, f: f}

	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	if info.Size() == 0 {
		if err := s.writeRow(csvHeader); err != nil {
			_ = f.Close()
			return nil, err
		}
		return s, nil
	}

	// a file edited by hand may lack the final newline, the next row would
	// be glued onto the last one
	last := make([]byte, 1)
	if _, err := f.ReadAt(last, info.Size()-1); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("could not read %s: %w", path, err)
	}
	if last[0] != '\n' {
		if _, err := f.Write([]byte("\n")); err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("could not repair %s: %w", path, err)
		}
	}
	return s, nil
}

func (s *CSVStore) Load() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := os.ReadFile(s.path)
	if err != nil {
		return nil, err
	}

	r := csv.NewReader(bytes.NewReader(b))
	r.FieldsPerRecord = -1
	header, err := r.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("could not read header of %s: %w", s.path, err)
	}
	col := -1
	for i, h := range header {
		if strings.EqualFold(strings.TrimSpace(h), csvHeader) {
			col = i
			break
		}
	}
	if col < 0 {
		return nil, fmt.Errorf("%s has no %q column", s.path, csvHeader)
	}

	var domains []string
	for {
		row, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("could not read %s: %w", s.path, err)
		}
		if col < len(row) && strings.TrimSpace(row[col]) != "" {
			domains = append(domains, strings.ToLower(strings.TrimSpace(row[col])))
		}
	}
	return domains, nil
}

func (s *CSVStore) Append(domain string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writeRow(domain); err != nil {
		return err
	}
	return s.f.Sync()
}

// writeRow renders the row first so it hits the file in a single write.
func (s *CSVStore) writeRow(value string) error {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write([]string{value}); err != nil {
		return err
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return err
	}
	_, err := s.f.Write(buf.Bytes())
	return err
}

func (s *CSVStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.f.Close()
}
