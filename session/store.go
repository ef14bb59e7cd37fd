package session

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

const maxRecordSize = 1024 * 1024

type indexData struct {
	Sessions []Info `json:"sessions"`
}

// FileStore persists sessions under dataDir/sessions: an index.json with
// metadata and one messages.jsonl per session. NOT safe for multiple
// instances sharing the same dataDir; use a single instance per directory.
type FileStore struct {
	dataDir string

	mu       sync.RWMutex
	sessions []Info // in-memory copy of the index
	listener func(ChangeEvent)
}

func NewFileStore(dataDir string) (*FileStore, error) {
	sessionsDir := filepath.Join(dataDir, "sessions")
	if err := os.MkdirAll(sessionsDir, 0755); err != nil {
		return nil, err
	}

	store := &FileStore{dataDir: dataDir}
	idx, err := store.readIndexFromDisk()
	if err != nil {
		return nil, err
	}
	store.sessions = idx.Sessions
	return store, nil
}

func (s *FileStore) indexPath() string {
	return filepath.Join(s.dataDir, "sessions", "index.json")
}

func (s *FileStore) messagesPath(sessionID string) string {
	return filepath.Join(s.dataDir, "sessions", sessionID, "messages.jsonl")
}

func (s *FileStore) readIndexFromDisk() (indexData, error) {
	data, err := os.ReadFile(s.indexPath())
	if os.IsNotExist(err) {
		return indexData{Sessions: []Info{}}, nil
	}
	if err != nil {
		return indexData{}, err
	}

	var idx indexData
	if err := json.Unmarshal(data, &idx); err != nil {
		return indexData{}, fmt.Errorf("parse session index: %w", err)
	}
	return idx, nil
}

func (s *FileStore) persistIndex() error {
	data, err := json.MarshalIndent(indexData{Sessions: s.sessions}, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.indexPath(), data, 0644)
}

func (s *FileStore) SetOnChangeListener(listener func(ChangeEvent)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listener = listener
}

func (s *FileStore) notify(event ChangeEvent) {
	if s.listener != nil {
		s.listener(event)
	}
}

// Save inserts or replaces the session's metadata.
func (s *FileStore) Save(info Info) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	info.UpdatedAt = time.Now()
	op := OpCreate
	for i := range s.sessions {
		if s.sessions[i].ID == info.ID {
			s.sessions[i] = info
			op = OpUpdate
			break
		}
	}
	if op == OpCreate {
		s.sessions = append([]Info{info}, s.sessions...)
	}

	if err := s.persistIndex(); err != nil {
		return err
	}
	s.notify(ChangeEvent{Op: op, Info: info})
	return nil
}

// UpdateMessages rewrites the session's history file.
func (s *FileStore) UpdateMessages(sessionID string, messages []Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := -1
	for i := range s.sessions {
		if s.sessions[i].ID == sessionID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return ErrSessionNotFound
	}

	path := s.messagesPath(sessionID)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	var buf []byte
	for _, msg := range messages {
		line, err := json.Marshal(msg)
		if err != nil {
			return err
		}
		buf = append(buf, line...)
		buf = append(buf, '\n')
	}
	if err := os.WriteFile(path, buf, 0644); err != nil {
		return err
	}

	s.sessions[idx].UpdatedAt = time.Now()
	if err := s.persistIndex(); err != nil {
		return err
	}
	s.notify(ChangeEvent{Op: OpUpdate, Info: s.sessions[idx]})
	return nil
}

// LoadAll returns every stored session, newest first.
func (s *FileStore) LoadAll() ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	infos := make([]Info, len(s.sessions))
	copy(infos, s.sessions)
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].UpdatedAt.After(infos[j].UpdatedAt)
	})

	records := make([]Record, 0, len(infos))
	for _, info := range infos {
		msgs, err := s.readMessages(info.ID)
		if err != nil {
			return nil, err
		}
		records = append(records, Record{Info: info, Messages: msgs})
	}
	return records, nil
}

// Load returns one stored session by ID.
func (s *FileStore) Load(sessionID string) (Record, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, info := range s.sessions {
		if info.ID == sessionID {
			msgs, err := s.readMessages(sessionID)
			if err != nil {
				return Record{}, false, err
			}
			return Record{Info: info, Messages: msgs}, true, nil
		}
	}
	return Record{}, false, nil
}

// Delete removes the session's metadata and history.
func (s *FileStore) Delete(sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sessionDir := filepath.Join(s.dataDir, "sessions", sessionID)
	if err := os.RemoveAll(sessionDir); err != nil {
		return err
	}

	kept := make([]Info, 0, len(s.sessions))
	for _, info := range s.sessions {
		if info.ID != sessionID {
			kept = append(kept, info)
		}
	}
	s.sessions = kept

	if err := s.persistIndex(); err != nil {
		return err
	}
	s.notify(ChangeEvent{Op: OpDelete, Info: Info{ID: sessionID}})
	return nil
}

func (s *FileStore) readMessages(sessionID string) ([]Message, error) {
	file, err := os.Open(s.messagesPath(sessionID))
	if os.IsNotExist(err) {
		return []Message{}, nil
	}
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var messages []Message
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, maxRecordSize), maxRecordSize)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg Message
		if err := json.Unmarshal(line, &msg); err != nil {
			return nil, fmt.Errorf("parse history record: %w", err)
		}
		messages = append(messages, msg)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return messages, nil
}
