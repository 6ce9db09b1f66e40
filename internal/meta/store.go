// Package meta implements the peer's durable metadata store.
// See doc.go for the persistence scheme and its crash guarantees.
package meta

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/antithalian/spin/internal/cluster"
)

const (
	pinCkptFile = "pins.ckpt"
	pinLogFile  = "pins.log"
	delLogFile  = "dels.log"

	// tempSuffix marks files being staged for atomic placement by rename.
	tempSuffix = ".new"

	pinLogAdd = "ADD:"
	pinLogDel = "DEL:"
)

// Store is the durable metadata store: the pin table and the tombstone
// list, each backed by the checkpoint-plus-log files under the meta
// directory. Log file descriptors are held open in append mode for the
// process lifetime.
type Store struct {
	dir  string
	name string
	log  *logrus.Entry

	mu         sync.Mutex
	pins       map[string]string   // identifier -> digest
	dels       []string            // tombstones, oldest first
	delSet     map[string]struct{} // tombstone membership
	pinLog     *os.File
	delLog     *os.File
	pinAppends int // appends since the last checkpoint

	maxPinLogEntries int
	maxDelLogEntries int
}

// Open loads (or initializes) the metadata store rooted at dir, creating
// the directory and the peer identity as needed. The returned store has
// replayed any pin-log suffix newer than the checkpoint and read the full
// tombstone log.
func Open(dir string, maxPinLogEntries, maxDelLogEntries int, log *logrus.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating meta dir: %w", err)
	}

	name, err := LoadOrCreateName(dir)
	if err != nil {
		return nil, err
	}

	s := &Store{
		dir:              dir,
		name:             name,
		log:              log.WithField("peer", name),
		delSet:           make(map[string]struct{}),
		maxPinLogEntries: maxPinLogEntries,
		maxDelLogEntries: maxDelLogEntries,
	}

	if err := s.loadPins(); err != nil {
		return nil, err
	}
	if err := s.loadTombstones(); err != nil {
		return nil, err
	}

	s.pinLog, err = os.OpenFile(filepath.Join(dir, pinLogFile), os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening pin log: %w", err)
	}
	s.delLog, err = os.OpenFile(filepath.Join(dir, delLogFile), os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		s.pinLog.Close()
		return nil, fmt.Errorf("opening tombstone log: %w", err)
	}

	return s, nil
}

// Name returns the peer's stable UUID.
func (s *Store) Name() string { return s.name }

// Close releases the open log files. The store must not be used afterwards.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var firstErr error
	for _, f := range []*os.File{s.pinLog, s.delLog} {
		if f == nil {
			continue
		}
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	s.pinLog, s.delLog = nil, nil
	return firstErr
}

// loadPins parses the checkpoint and replays the log on top when the log
// file is newer than the checkpoint.
func (s *Store) loadPins() error {
	s.pins = make(map[string]string)

	ckptPath := filepath.Join(s.dir, pinCkptFile)
	logPath := filepath.Join(s.dir, pinLogFile)

	ckptInfo, ckptErr := os.Stat(ckptPath)
	if ckptErr == nil {
		raw, err := os.ReadFile(ckptPath)
		if err != nil {
			return fmt.Errorf("reading pin checkpoint: %w", err)
		}
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &s.pins); err != nil {
				return fmt.Errorf("parsing pin checkpoint: %w", err)
			}
		}
	} else if !os.IsNotExist(ckptErr) {
		return fmt.Errorf("stat pin checkpoint: %w", ckptErr)
	}

	logInfo, logErr := os.Stat(logPath)
	if logErr != nil {
		if os.IsNotExist(logErr) {
			return nil
		}
		return fmt.Errorf("stat pin log: %w", logErr)
	}

	// The checkpoint already reflects every log entry written before it;
	// only a log that was appended to afterwards needs replay. The log is
	// truncated right after each checkpoint, so an equal mtime (coarse
	// filesystem clocks) still means a log touched after the checkpoint.
	if ckptErr == nil && logInfo.ModTime().Before(ckptInfo.ModTime()) {
		return nil
	}

	f, err := os.Open(logPath)
	if err != nil {
		return fmt.Errorf("opening pin log for replay: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
		case strings.HasPrefix(line, pinLogAdd):
			raw := strings.TrimPrefix(line, pinLogAdd)
			id, err := cluster.ParseObjectID(raw)
			if err != nil {
				s.log.Warnf("skipping malformed pin log line %q: %v", line, err)
				continue
			}
			s.pins[id.String()] = id.Digest
		case strings.HasPrefix(line, pinLogDel):
			// Deleting an identifier the checkpoint never saw is normal:
			// the ADD may have landed in an earlier, truncated log.
			delete(s.pins, strings.TrimPrefix(line, pinLogDel))
		default:
			s.log.Warnf("skipping unrecognized pin log line %q", line)
		}
		s.pinAppends++
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("replaying pin log: %w", err)
	}

	return nil
}

// loadTombstones reads the full tombstone log.
func (s *Store) loadTombstones() error {
	f, err := os.Open(filepath.Join(s.dir, delLogFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("opening tombstone log: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if _, dup := s.delSet[line]; dup {
			continue
		}
		s.dels = append(s.dels, line)
		s.delSet[line] = struct{}{}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading tombstone log: %w", err)
	}
	return nil
}

// appendLine writes one line to f and forces it to disk before returning.
func appendLine(f *os.File, line string) error {
	if _, err := fmt.Fprintln(f, line); err != nil {
		return err
	}
	return f.Sync()
}

// AddPin records identifier -> digest in the pin table. The log append is
// durable before the table changes; other goroutines never observe a pin
// the log does not.
func (s *Store) AddPin(id cluster.ObjectID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := appendLine(s.pinLog, pinLogAdd+id.String()); err != nil {
		return fmt.Errorf("appending pin log: %w", err)
	}
	s.pins[id.String()] = id.Digest
	s.pinAppends++

	return s.maybeCheckpoint()
}

// RemovePin deletes the identifier from the pin table, reporting whether it
// was present and whether its digest is still referenced by another pin.
// Removing an absent pin appends nothing and reports existed=false.
func (s *Store) RemovePin(id cluster.ObjectID) (existed, stillReferenced bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := id.String()
	if _, ok := s.pins[key]; !ok {
		return false, s.digestReferencedLocked(id.Digest), nil
	}

	if err := appendLine(s.pinLog, pinLogDel+key); err != nil {
		return false, false, fmt.Errorf("appending pin log: %w", err)
	}
	delete(s.pins, key)
	s.pinAppends++

	if err := s.maybeCheckpoint(); err != nil {
		return true, false, err
	}
	return true, s.digestReferencedLocked(id.Digest), nil
}

func (s *Store) digestReferencedLocked(digest string) bool {
	for _, d := range s.pins {
		if d == digest {
			return true
		}
	}
	return false
}

// HasPin reports whether the identifier is pinned.
func (s *Store) HasPin(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.pins[id]
	return ok
}

// Pins returns a snapshot of the pin table.
func (s *Store) Pins() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]string, len(s.pins))
	for id, digest := range s.pins {
		out[id] = digest
	}
	return out
}

// PinCount returns the number of pinned identifiers.
func (s *Store) PinCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pins)
}

// maybeCheckpoint rewrites the checkpoint and truncates the log once the
// append count passes the configured threshold. Caller holds s.mu.
func (s *Store) maybeCheckpoint() error {
	if s.pinAppends <= s.maxPinLogEntries {
		return nil
	}
	return s.checkpointLocked()
}

func (s *Store) checkpointLocked() error {
	path := filepath.Join(s.dir, pinCkptFile)
	tmp := path + tempSuffix

	raw, err := json.Marshal(s.pins)
	if err != nil {
		return fmt.Errorf("encoding pin checkpoint: %w", err)
	}

	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("creating pin checkpoint: %w", err)
	}
	if _, err := f.Write(raw); err != nil {
		f.Close()
		return fmt.Errorf("writing pin checkpoint: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("syncing pin checkpoint: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("closing pin checkpoint: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("placing pin checkpoint: %w", err)
	}

	if err := s.pinLog.Truncate(0); err != nil {
		return fmt.Errorf("truncating pin log: %w", err)
	}
	s.pinAppends = 0

	s.log.Debugf("pin checkpoint written (%d entries)", len(s.pins))
	return nil
}

// Checkpoint forces a pin-table checkpoint regardless of the append count.
func (s *Store) Checkpoint() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.checkpointLocked()
}

// AddTombstone records a deletion for the identifier, reporting whether it
// was newly added. Tombstones are appended durably before becoming visible
// and are never removed individually.
func (s *Store) AddTombstone(id string) (added bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.delSet[id]; ok {
		return false, nil
	}

	if err := appendLine(s.delLog, id); err != nil {
		return false, fmt.Errorf("appending tombstone log: %w", err)
	}
	s.dels = append(s.dels, id)
	s.delSet[id] = struct{}{}
	return true, nil
}

// IsTombstoned reports whether the identifier has been deleted.
func (s *Store) IsTombstoned(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.delSet[id]
	return ok
}

// TombstoneCount returns the number of recorded tombstones.
func (s *Store) TombstoneCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.dels)
}

// TruncateTombstones enforces the tombstone cap: when the list exceeds the
// configured size, the newer half is kept and rewritten through a temp
// file and rename. Called from the maintenance loop.
func (s *Store) TruncateTombstones() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.dels) <= s.maxDelLogEntries {
		return nil
	}

	keep := s.dels[len(s.dels)/2:]

	path := filepath.Join(s.dir, delLogFile)
	tmp := path + tempSuffix

	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("creating tombstone log: %w", err)
	}
	for _, id := range keep {
		if _, err := fmt.Fprintln(f, id); err != nil {
			f.Close()
			return fmt.Errorf("writing tombstone log: %w", err)
		}
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("syncing tombstone log: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("closing tombstone log: %w", err)
	}

	// The open append handle must follow the rename, or later tombstones
	// would land in the unlinked file.
	if err := s.delLog.Close(); err != nil {
		return fmt.Errorf("closing old tombstone log: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("placing tombstone log: %w", err)
	}
	s.delLog, err = os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("reopening tombstone log: %w", err)
	}

	dropped := len(s.dels) - len(keep)
	s.dels = append([]string(nil), keep...)
	s.delSet = make(map[string]struct{}, len(keep))
	for _, id := range keep {
		s.delSet[id] = struct{}{}
	}

	s.log.Infof("tombstone list truncated, dropped %d oldest entries", dropped)
	return nil
}
