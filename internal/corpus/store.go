package corpus

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// DatasetStore persists the authoritative dataset. Save replaces the stored
// dataset wholesale.
type DatasetStore interface {
	Load() ([]Record, error)
	Save(records []Record) error
	Close() error
}

// FileStore keeps the dataset as a single JSON document.
type FileStore struct {
	path string
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (s *FileStore) Path() string {
	return s.path
}

func (s *FileStore) Load() ([]Record, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("%w: read dataset: %v", ErrPersistenceRead, err)
	}
	var ds Dataset
	if err := json.Unmarshal(data, &ds); err != nil {
		return nil, fmt.Errorf("%w: parse dataset: %v", ErrPersistenceRead, err)
	}
	return ds.Messages, nil
}

func (s *FileStore) Save(records []Record) error {
	if records == nil {
		records = []Record{}
	}
	return writeJSON(s.path, Dataset{Messages: records})
}

func (s *FileStore) Close() error {
	return nil
}

func writeJSON(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("%w: create dir: %v", ErrPersistenceWrite, err)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("%w: marshal: %v", ErrPersistenceWrite, err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("%w: write %s: %v", ErrPersistenceWrite, path, err)
	}
	return nil
}
