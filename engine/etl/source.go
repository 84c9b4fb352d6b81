package etl

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
)

// Source yields raw records. Next returns io.EOF when the source is drained.
type Source interface {
	Next(ctx context.Context) (RawRecord, error)
	Close() error
}

// SliceSource serves records from memory. Used by the API facade and tests.
type SliceSource struct {
	records []RawRecord
	idx     int
}

// NewSliceSource creates a SliceSource.
func NewSliceSource(records []RawRecord) *SliceSource {
	return &SliceSource{records: records}
}

func (s *SliceSource) Next(ctx context.Context) (RawRecord, error) {
	if err := ctx.Err(); err != nil {
		return RawRecord{}, err
	}
	if s.idx >= len(s.records) {
		return RawRecord{}, io.EOF
	}
	rec := s.records[s.idx]
	s.idx++
	return rec, nil
}

func (s *SliceSource) Close() error { return nil }

// JSONLSource streams one JSON object per line from a file. A record's ID is
// its "id" field when present, else its line number.
type JSONLSource struct {
	f       *os.File
	scanner *bufio.Scanner
	line    int
}

// OpenJSONL opens a JSONL file as a Source.
func OpenJSONL(path string) (*JSONLSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("etl: open source: %w", err)
	}
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	return &JSONLSource{f: f, scanner: sc}, nil
}

func (s *JSONLSource) Next(ctx context.Context) (RawRecord, error) {
	if err := ctx.Err(); err != nil {
		return RawRecord{}, err
	}
	for s.scanner.Scan() {
		s.line++
		line := s.scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var fields map[string]any
		if err := json.Unmarshal(line, &fields); err != nil {
			return RawRecord{ID: "line:" + strconv.Itoa(s.line)},
				fmt.Errorf("%s: line %d: %w", ReasonUnparsable, s.line, err)
		}
		id := recordID(fields, s.line)
		return RawRecord{ID: id, Fields: fields}, nil
	}
	if err := s.scanner.Err(); err != nil {
		return RawRecord{}, err
	}
	return RawRecord{}, io.EOF
}

func (s *JSONLSource) Close() error { return s.f.Close() }

func recordID(fields map[string]any, line int) string {
	if v, ok := fields["id"]; ok {
		if s := toString(v); s != "" {
			return s
		}
	}
	return "line:" + strconv.Itoa(line)
}
