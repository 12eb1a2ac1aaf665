package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	logx "slotbot/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.subs.snapshot.json (periodic snapshot of all subscribers)
//   - <prefix>.subs.journal.jsonl (append-only journal of save/delete ops)
//
// The journal is periodically compacted into the snapshot.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	snapshotPath string
	journalFile  *os.File
	subs         map[int64]SubscriberState

	writes int
}

type journalRecord struct {
	Op     string           `json:"op"` // "save" or "delete"
	ChatID int64            `json:"chatId"`
	State  *SubscriberState `json:"state,omitempty"`
}

const compactEvery = 200

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	snapPath := prefix + ".subs.snapshot.json"
	journalPath := prefix + ".subs.journal.jsonl"

	subs := map[int64]SubscriberState{}
	_ = loadSubsSnapshot(snapPath, subs)
	_ = replaySubsJournal(journalPath, subs)

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}

	return &fileStore{
		log:          log,
		snapshotPath: snapPath,
		journalFile:  jf,
		subs:         subs,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return nil
	}
	// Compact on the way out so the next start replays nothing.
	if err := s.compactLocked(); err != nil {
		s.log.Debug("compact on close failed", logx.Err(err))
	}
	err := s.journalFile.Close()
	s.journalFile = nil
	return err
}

func (s *fileStore) LoadSubscribers(ctx context.Context) ([]SubscriberState, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SubscriberState, 0, len(s.subs))
	for _, st := range s.subs {
		out = append(out, st)
	}
	return out, nil
}

func (s *fileStore) SaveSubscriber(ctx context.Context, st SubscriberState) error {
	_ = ctx
	if st.ChatID == 0 && len(st.Scopes) == 0 {
		return nil
	}
	if st.UpdatedAt.IsZero() {
		st.UpdatedAt = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return errors.New("subscriber journal closed")
	}
	s.subs[st.ChatID] = st

	enc := json.NewEncoder(s.journalFile)
	if err := enc.Encode(journalRecord{Op: "save", ChatID: st.ChatID, State: &st}); err != nil {
		return err
	}
	s.bumpWritesLocked()
	return nil
}

func (s *fileStore) DeleteSubscriber(ctx context.Context, chatID int64) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return errors.New("subscriber journal closed")
	}
	if _, ok := s.subs[chatID]; !ok {
		return nil
	}
	delete(s.subs, chatID)

	enc := json.NewEncoder(s.journalFile)
	if err := enc.Encode(journalRecord{Op: "delete", ChatID: chatID}); err != nil {
		return err
	}
	s.bumpWritesLocked()
	return nil
}

func (s *fileStore) bumpWritesLocked() {
	s.writes++
	if s.writes%compactEvery == 0 {
		// Best-effort compact.
		if err := s.compactLocked(); err != nil {
			s.log.Debug("subscriber compact failed", logx.Err(err))
		}
	}
}

func (s *fileStore) compactLocked() error {
	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	// Key by chat id string so the snapshot is a plain JSON object.
	m := make(map[string]SubscriberState, len(s.subs))
	for id, st := range s.subs {
		m[strconv.FormatInt(id, 10)] = st
	}
	if err := json.NewEncoder(f).Encode(m); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if err := s.journalFile.Truncate(0); err != nil {
		return err
	}
	_, err = s.journalFile.Seek(0, 2)
	return err
}

func loadSubsSnapshot(path string, out map[int64]SubscriberState) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var m map[string]SubscriberState
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		return err
	}
	for k, st := range m {
		id, err := strconv.ParseInt(k, 10, 64)
		if err != nil {
			continue
		}
		out[id] = st
	}
	return nil
}

func replaySubsJournal(path string, out map[int64]SubscriberState) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		var r journalRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			continue
		}
		switch r.Op {
		case "save":
			if r.State != nil {
				out[r.State.ChatID] = *r.State
			}
		case "delete":
			delete(out, r.ChatID)
		}
	}
	return sc.Err()
}
