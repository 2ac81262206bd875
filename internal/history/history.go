// Package history implements the append-only, per-day signed pulse history
// store: one pulse_YYYY-MM-DD.jsonl file per UTC date, appended one line at
// a time, replayed in chronological, signature-verified order.
package history

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sentientos/glow/internal/envelope"
	"github.com/sentientos/glow/internal/pulse"
)

var filenamePattern = regexp.MustCompile(`^pulse_(\d{4}-\d{2}-\d{2})\.jsonl$`)

// Store is the append-only history store rooted at a single directory.
type Store struct {
	root     string
	envelope *envelope.Envelope
}

// New constructs a Store. The root directory is created lazily on first
// Append.
func New(root string, env *envelope.Envelope) *Store {
	return &Store{root: root, envelope: env}
}

func filename(day string) string {
	return fmt.Sprintf("pulse_%s.jsonl", day)
}

// Append writes one JSON line to pulse_<date>.jsonl, where <date> is the UTC
// date parsed from the event's timestamp. It is atomic at the line level: a
// single buffered write call per append.
func (s *Store) Append(e pulse.Event) error {
	if err := os.MkdirAll(s.root, 0o755); err != nil {
		return fmt.Errorf("create history root: %w", err)
	}
	path := filepath.Join(s.root, filename(e.Day()))
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o640)
	if err != nil {
		return fmt.Errorf("open history file: %w", err)
	}
	defer f.Close()

	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal history entry: %w", err)
	}
	line = append(line, '\n')
	_, err = f.Write(line)
	return err
}

// historyFiles returns the sorted list of history file paths whose date is
// >= since (when since is non-nil).
func (s *Store) historyFiles(since *time.Time) ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		m := filenamePattern.FindStringSubmatch(entry.Name())
		if m == nil {
			continue
		}
		if since != nil {
			day, err := time.Parse("2006-01-02", m[1])
			if err != nil {
				continue
			}
			if day.Before(truncateToDay(*since)) {
				continue
			}
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)
	return names, nil
}

func truncateToDay(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

// Replay enumerates history files whose date >= since.Date() (or all files
// if since is nil), streaming each line, skipping malformed lines with a
// warning, filtering out events older than since, and re-verifying every
// signature. Order is ascending by filename then by file order. Replay
// never mutates the underlying files.
func (s *Store) Replay(since *time.Time) ([]pulse.Event, error) {
	names, err := s.historyFiles(since)
	if err != nil {
		return nil, err
	}
	var out []pulse.Event
	for _, name := range names {
		events, err := s.replayFile(filepath.Join(s.root, name), since)
		if err != nil {
			return nil, err
		}
		out = append(out, events...)
	}
	return out, nil
}

func (s *Store) replayFile(path string, since *time.Time) ([]pulse.Event, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var out []pulse.Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var e pulse.Event
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			log.Warn().Str("file", path).Msg("skipping malformed pulse history entry")
			continue
		}
		if since != nil {
			if pulse.ParseTimestamp(e.Timestamp).Before(*since) {
				continue
			}
		}
		if !s.envelope.Verify(e) {
			log.Warn().Str("file", path).Str("event_type", e.EventType).Msg("pulse history signature mismatch")
			continue
		}
		out = append(out, e)
	}
	if err := scanner.Err(); err != nil {
		return out, err
	}
	return out, nil
}
