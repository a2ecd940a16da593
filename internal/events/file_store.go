package events

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/tidwall/gjson"
)

// Store is the authoritative sink behind the Recorder. An Append error is
// unrecoverable for the session.
type Store interface {
	Append(evt Event) error

	Close() error
}

// FileStore writes one JSON object per line.
type FileStore struct {
	path string
	file *os.File
	mu   sync.Mutex
}

func NewFileStore(path string) (*FileStore, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create event log dir: %w", err)
		}
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open event log file: %w", err)
	}
	return &FileStore{
		path: path,
		file: f,
	}, nil
}

func (s *FileStore) Path() string { return s.path }

func (s *FileStore) Append(evt Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	data = append(data, '\n')
	if _, err := s.file.Write(data); err != nil {
		return fmt.Errorf("failed to write event to file: %w", err)
	}
	return nil
}

func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Close()
}

// ReadLog re-reads a JSONL event log in file order.
func ReadLog(path string) ([]Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return decodeLines(f, nil)
}

// FilterLog returns only the events whose type is in want. Lines are matched
// on the "type" field before being decoded.
func FilterLog(path string, want ...Type) ([]Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	set := make(map[string]struct{}, len(want))
	for _, t := range want {
		set[string(t)] = struct{}{}
	}
	return decodeLines(f, func(line []byte) bool {
		if len(set) == 0 {
			return true
		}
		_, ok := set[gjson.GetBytes(line, "type").String()]
		return ok
	})
}

func decodeLines(r io.Reader, keep func([]byte) bool) ([]Event, error) {
	var out []Event
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if !gjson.ValidBytes(line) {
			return nil, fmt.Errorf("invalid json on line %d", lineNum)
		}
		if keep != nil && !keep(line) {
			continue
		}
		var evt Event
		if err := json.Unmarshal(line, &evt); err != nil {
			return nil, fmt.Errorf("failed to unmarshal line %d: %w", lineNum, err)
		}
		out = append(out, evt)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scanner error: %w", err)
	}
	return out, nil
}
