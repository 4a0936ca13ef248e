package ingress

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/fsnotify/fsnotify"

	"github.com/njfio/tau/internal/event"
)

// CursorStore persists per-file consumption offsets between cycles.
// Implemented by the runtime state store.
type CursorStore interface {
	ScanCursor(source string) string
	SetScanCursor(source, cursor string)
}

// liveFiles maps ingress filenames to their transport.
var liveFiles = map[string]event.Transport{
	"telegram.ndjson": event.TransportTelegram,
	"discord.ndjson":  event.TransportDiscord,
	"whatsapp.ndjson": event.TransportWhatsApp,
}

// DirSource tails the NDJSON files of a live-ingress directory, resuming
// from persisted line cursors so restarts never re-parse consumed lines.
type DirSource struct {
	dir     string
	cursors CursorStore

	// SkippedMismatches counts envelope lines dropped for a transport tag
	// mismatch in the last Discover call.
	SkippedMismatches int
}

// NewDirSource creates a source over a live-ingress directory.
func NewDirSource(dir string, cursors CursorStore) *DirSource {
	return &DirSource{dir: dir, cursors: cursors}
}

func (s *DirSource) Name() string { return "live-ingress:" + s.dir }

// Discover parses any lines appended since the stored cursors.
func (s *DirSource) Discover(context.Context) ([]event.InboundEvent, error) {
	var events []event.InboundEvent
	s.SkippedMismatches = 0

	for name, transport := range liveFiles {
		path := filepath.Join(s.dir, name)
		consumed := s.cursorFor(path)

		lines, err := readLinesFrom(path, consumed)
		if err != nil {
			return nil, err
		}
		for _, line := range lines {
			consumed++
			e, err := ParseEnvelope(transport, []byte(line))
			if err != nil {
				if _, mismatch := err.(*ErrTransportMismatch); mismatch {
					s.SkippedMismatches++
					slog.Warn("live-ingress envelope skipped", "file", name, "error", err)
					continue
				}
				slog.Warn("live-ingress line unparseable", "file", name, "error", err)
				continue
			}
			events = append(events, e)
		}
		s.cursors.SetScanCursor(path, strconv.Itoa(consumed))
	}
	return events, nil
}

func (s *DirSource) cursorFor(path string) int {
	n, err := strconv.Atoi(s.cursors.ScanCursor(path))
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// readLinesFrom returns the non-empty lines of path after skipping the
// first `skip` non-empty lines. Missing files read as empty.
func readLinesFrom(path string, skip int) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open ingress file: %w", err)
	}
	defer f.Close()

	var lines []string
	seen := 0
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		seen++
		if seen <= skip {
			continue
		}
		lines = append(lines, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan ingress file: %w", err)
	}
	return lines, nil
}

// Watch signals on the returned channel whenever an ingress file changes,
// letting the runtime cut a poll interval short. The watcher closes when
// ctx ends.
func Watch(ctx context.Context, dir string) (<-chan struct{}, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create ingress watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch ingress dir: %w", err)
	}

	wake := make(chan struct{}, 1)
	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if _, tracked := liveFiles[filepath.Base(ev.Name)]; !tracked {
					continue
				}
				select {
				case wake <- struct{}{}:
				default:
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Warn("ingress watcher error", "error", err)
			}
		}
	}()
	return wake, nil
}
