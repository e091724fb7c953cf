package bootstrap

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"os"
	"time"

	"github.com/cuemby/rimio/pkg/config"
	"github.com/cuemby/rimio/pkg/rimerr"
)

// InitScanEntry is one record from a cold-catalog feed: an object that
// already exists somewhere (typically an archive) and should be known to
// the cluster without moving its bytes.
type InitScanEntry struct {
	Path       string     `json:"path"`
	SizeBytes  uint64     `json:"size_bytes"`
	ETag       string     `json:"etag,omitempty"`
	ArchiveURL string     `json:"archive_url"`
	PartSize   uint64     `json:"part_size"`
	UpdatedAt  *time.Time `json:"updated_at,omitempty"`
}

// ScanSource is a pluggable, enumerable feed of InitScanEntry records
// drained once during a winning bootstrap. Next returns ok=false once the
// feed is exhausted; callers must not call Next again afterward.
type ScanSource interface {
	Next(ctx context.Context) (entry InitScanEntry, ok bool, err error)
	Close() error
}

// fileScanSource reads InitScanEntry records from a JSON-lines file, the
// concrete feed this repo ships in place of a fabricated redis mock
// source.
type fileScanSource struct {
	f       *os.File
	scanner *bufio.Scanner
}

// OpenFileScanSource opens path as a newline-delimited JSON feed.
func OpenFileScanSource(path string) (ScanSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, rimerr.Wrap(rimerr.KindConfig, err, "opening init-scan file")
	}
	return &fileScanSource{f: f, scanner: bufio.NewScanner(f)}, nil
}

func (s *fileScanSource) Next(ctx context.Context) (InitScanEntry, bool, error) {
	for s.scanner.Scan() {
		line := s.scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var entry InitScanEntry
		if err := json.Unmarshal(line, &entry); err != nil {
			return InitScanEntry{}, false, rimerr.Wrap(rimerr.KindConfig, err, "parsing init-scan entry")
		}
		return entry, true, nil
	}
	if err := s.scanner.Err(); err != nil && err != io.EOF {
		return InitScanEntry{}, false, rimerr.Wrap(rimerr.KindStorage, err, "reading init-scan file")
	}
	return InitScanEntry{}, false, nil
}

func (s *fileScanSource) Close() error {
	return s.f.Close()
}

// OpenScanSource constructs the ScanSource named by cfg's init_scan
// section, if enabled.
func OpenScanSource(cfg *config.InitScanConfig) (ScanSource, error) {
	if cfg == nil || !cfg.Enabled || cfg.File == nil {
		return nil, nil
	}
	return OpenFileScanSource(cfg.File.Path)
}
