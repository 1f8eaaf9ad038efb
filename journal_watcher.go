package skylink

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/skylink-telemetry/skylink/eddn"
)

// JournalPattern matches the game's journal file names.
const JournalPattern = "Journal.*.log"

type fileOp int

const (
	opCreate fileOp = iota
	opModify
)

type fileChange struct {
	Path string
	Op   fileOp
}

// EventSink receives accepted events. The dispatcher's queue implements it.
type EventSink interface {
	Push(QueuedEvent)
}

// IsJournalFile reports whether name (a base name or path) is a journal file.
func IsJournalFile(name string) bool {
	matched, _ := filepath.Match(JournalPattern, filepath.Base(name))
	return matched
}

// JournalWatcher tails the newest journal in a directory. History is never
// replayed: the file current at start is read from its end, and only a file
// created afterwards is read from its beginning.
type JournalWatcher struct {
	dir      string
	rules    *RuleRegistry
	session  *SessionState
	accounts *AccountRegistry
	sink     EventSink

	// ForwardIgnored queues EDDN-eligible events whose rule says ignore,
	// with private dispatch disabled.
	ForwardIgnored bool

	mu      sync.Mutex
	current string
	offset  int64
}

// NewJournalWatcher wires a watcher to its collaborators.
func NewJournalWatcher(dir string, rules *RuleRegistry, session *SessionState, accounts *AccountRegistry, sink EventSink) *JournalWatcher {
	return &JournalWatcher{
		dir:      dir,
		rules:    rules,
		session:  session,
		accounts: accounts,
		sink:     sink,
	}
}

// Run watches the directory until ctx is done. The watch is installed
// before the newest journal is located so a rotation between the two is
// not missed.
func (w *JournalWatcher) Run(ctx context.Context) error {
	changes, err := watchDirectory(ctx, w.dir)
	if err != nil {
		return fmt.Errorf("watch journal directory: %w", err)
	}
	if err := w.Start(); err != nil {
		logrus.WithError(err).Warn("no journal to tail yet, waiting for the game to create one")
	}

	for {
		select {
		case <-ctx.Done():
			logrus.Debug("journal watcher stopped")
			return nil
		case change, ok := <-changes:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return errors.New("journal watch closed unexpectedly")
			}
			switch change.Op {
			case opCreate:
				w.HandleCreate(change.Path)
			case opModify:
				w.HandleModify(change.Path)
			}
		}
	}
}

// Start locates the newest journal and positions the offset at its end.
func (w *JournalWatcher) Start() error {
	latest, err := LatestJournal(w.dir)
	if err != nil {
		return err
	}
	info, err := os.Stat(latest)
	if err != nil {
		return err
	}

	w.mu.Lock()
	w.current = latest
	w.offset = info.Size()
	w.mu.Unlock()

	logrus.Infof("📖 tailing %s from offset %d", filepath.Base(latest), info.Size())
	return nil
}

// Current returns the tracked file and read offset.
func (w *JournalWatcher) Current() (string, int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current, w.offset
}

// HandleCreate switches to a newly created journal and reads it from the
// start. Non-journal files are ignored.
func (w *JournalWatcher) HandleCreate(path string) {
	if !IsJournalFile(path) {
		return
	}

	w.mu.Lock()
	if w.current == path {
		w.mu.Unlock()
		return
	}
	w.current = path
	w.offset = 0
	w.mu.Unlock()

	logrus.Infof("🔄 journal rotated to %s", filepath.Base(path))
	w.readNew()
}

// HandleModify reads whatever was appended to the tracked file.
func (w *JournalWatcher) HandleModify(path string) {
	w.mu.Lock()
	current := w.current
	if current == "" && IsJournalFile(path) {
		w.current = path
		w.offset = 0
		current = path
	}
	w.mu.Unlock()

	if path != current {
		return
	}
	w.readNew()
}

func (w *JournalWatcher) readNew() {
	lines, err := w.readAppended()
	if err != nil {
		logrus.WithError(err).Warn("could not read journal, waiting for the next change")
		return
	}
	for _, line := range lines {
		w.processLine(line)
	}
}

// readAppended returns the complete lines written since the last read.
// A trailing line without its newline stays unread until it is finished.
func (w *JournalWatcher) readAppended() ([][]byte, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.current == "" {
		return nil, nil
	}
	file, err := os.Open(w.current)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return nil, err
	}
	if info.Size() < w.offset {
		logrus.Infof("%s shrank, reading it from the start", filepath.Base(w.current))
		w.offset = 0
	}
	if info.Size() == w.offset {
		return nil, nil
	}

	data := make([]byte, info.Size()-w.offset)
	n, err := file.ReadAt(data, w.offset)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	data = data[:n]

	end := bytes.LastIndexByte(data, '\n')
	if end < 0 {
		return nil, nil
	}
	w.offset += int64(end + 1)

	var lines [][]byte
	for _, line := range bytes.Split(data[:end], []byte{'\n'}) {
		line = bytes.TrimSpace(line)
		if len(line) > 0 {
			lines = append(lines, line)
		}
	}
	return lines, nil
}

func (w *JournalWatcher) processLine(line []byte) {
	defer recoverPanic("journal line")

	event, err := ParseEvent(line)
	if errors.Is(err, ErrNoEventType) {
		logrus.Debug("skipping journal line without an event type")
		return
	}
	if err != nil {
		logrus.WithError(err).Warn("skipping malformed journal line")
		return
	}

	w.session.ObserveIdentity(event, w.accounts)
	w.session.ObserveWorldState(event)

	identity := w.session.Snapshot().Identity
	rule := w.rules.Classify(event.Type())
	switch {
	case rule.Action == ActionSend:
		w.sink.Push(QueuedEvent{Event: event, Identity: identity, Private: true})
	case w.ForwardIgnored && eddn.Eligible(event.Type().String()):
		w.sink.Push(QueuedEvent{Event: event, Identity: identity})
	default:
		logrus.Debugf("ignoring %s", event.Type())
	}
}

// LatestJournal returns the most recently modified journal in dir.
func LatestJournal(dir string) (string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, JournalPattern))
	if err != nil {
		return "", err
	}

	var latest string
	var latestInfo os.FileInfo
	for _, match := range matches {
		info, err := os.Stat(match)
		if err != nil || info.IsDir() {
			continue
		}
		if latestInfo == nil || info.ModTime().After(latestInfo.ModTime()) {
			latest, latestInfo = match, info
		}
	}
	if latest == "" {
		return "", fmt.Errorf("no journal in %s", dir)
	}
	return latest, nil
}
