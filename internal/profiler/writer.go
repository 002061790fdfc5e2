package profiler

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// ResultsWriter stores finished sessions as zstd-compressed JSON lines, one
// file per session.
type ResultsWriter struct {
	dir string
	mu  sync.Mutex
}

// NewResultsWriter writes results under dir.
func NewResultsWriter(dir string) *ResultsWriter {
	return &ResultsWriter{dir: dir}
}

// Record is one line of a results file.
type Record struct {
	Type      string        `json:"type"`
	Session   *Result       `json:"session,omitempty"`
	Operation *Operation    `json:"operation,omitempty"`
	Region    *RegionTiming `json:"region,omitempty"`
}

// Path returns the file a session is written to.
func (w *ResultsWriter) Path(id string) string {
	return filepath.Join(w.dir, fmt.Sprintf("%s.jsonl.zst", id))
}

// Write stores res and returns the file path.
func (w *ResultsWriter) Write(res Result) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return "", err
	}
	path := w.Path(res.ID)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return "", err
	}
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		_ = f.Close()
		return "", err
	}
	bw := bufio.NewWriterSize(enc, 128*1024)

	header := res
	header.Operations = nil
	header.Regions = nil
	records := make([]Record, 0, 1+len(res.Operations)+len(res.Regions))
	records = append(records, Record{Type: "session", Session: &header})
	for i := range res.Operations {
		records = append(records, Record{Type: "operation", Operation: &res.Operations[i]})
	}
	for i := range res.Regions {
		records = append(records, Record{Type: "region", Region: &res.Regions[i]})
	}

	writeErr := writeJSONL(bw, records)
	if writeErr == nil {
		writeErr = bw.Flush()
	}
	if err := enc.Close(); err != nil && writeErr == nil {
		writeErr = err
	}
	if err := f.Close(); err != nil && writeErr == nil {
		writeErr = err
	}
	if writeErr != nil {
		return "", fmt.Errorf("write %s: %w", path, writeErr)
	}
	return path, nil
}

func writeJSONL(w *bufio.Writer, records []Record) error {
	for _, rec := range records {
		b, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		if _, err := w.Write(b); err != nil {
			return err
		}
		if err := w.WriteByte('\n'); err != nil {
			return err
		}
	}
	return nil
}

// ReadResults decodes a file produced by Write.
func ReadResults(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return nil, err
	}
	defer dec.Close()

	var out []Record
	jd := json.NewDecoder(dec)
	for {
		var rec Record
		if err := jd.Decode(&rec); err == io.EOF {
			return out, nil
		} else if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
}
