package corpus

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func TestFileStore_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "markovDB.json")
	s := NewFileStore(path)

	want := []Record{
		{ID: "1", Text: "hi"},
		{ID: "2", Text: "there", Attachment: "https://cdn.example/cat.png"},
	}
	if err := s.Save(want); err != nil {
		t.Fatalf("Save error: %v", err)
	}
	got, err := s.Load()
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Load = %+v, want %+v", got, want)
	}
}

func TestFileStore_WireFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "markovDB.json")
	s := NewFileStore(path)
	if err := s.Save([]Record{{ID: "1", Text: "hi"}}); err != nil {
		t.Fatalf("Save error: %v", err)
	}
	data, _ := os.ReadFile(path)
	if string(data) != `{"messages":[{"id":"1","string":"hi"}]}` {
		t.Errorf("file = %s", data)
	}
}

func TestFileStore_SaveNilWritesEmptyList(t *testing.T) {
	path := filepath.Join(t.TempDir(), "markovDB.json")
	s := NewFileStore(path)
	if err := s.Save(nil); err != nil {
		t.Fatalf("Save error: %v", err)
	}
	data, _ := os.ReadFile(path)
	if string(data) != `{"messages":[]}` {
		t.Errorf("file = %s", data)
	}
}

func TestFileStore_LoadFailures(t *testing.T) {
	dir := t.TempDir()

	_, err := NewFileStore(filepath.Join(dir, "missing.json")).Load()
	if !errors.Is(err, ErrPersistenceRead) {
		t.Errorf("missing file err = %v, want ErrPersistenceRead", err)
	}

	bad := filepath.Join(dir, "bad.json")
	os.WriteFile(bad, []byte("{not json"), 0644)
	_, err = NewFileStore(bad).Load()
	if !errors.Is(err, ErrPersistenceRead) {
		t.Errorf("corrupt file err = %v, want ErrPersistenceRead", err)
	}
}

func TestFileStore_SaveFailure(t *testing.T) {
	dir := t.TempDir()
	err := NewFileStore(dir).Save([]Record{{ID: "1"}})
	if !errors.Is(err, ErrPersistenceWrite) {
		t.Errorf("err = %v, want ErrPersistenceWrite", err)
	}
}

func TestSQLiteStore_RoundTripAndReplace(t *testing.T) {
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "data", "corpus.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore error: %v", err)
	}
	defer s.Close()

	empty, err := s.Load()
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if len(empty) != 0 {
		t.Errorf("fresh store has %d records", len(empty))
	}

	first := []Record{{ID: "b", Text: "second"}, {ID: "a", Text: "first", Attachment: "http://x"}}
	if err := s.Save(first); err != nil {
		t.Fatalf("Save error: %v", err)
	}
	got, _ := s.Load()
	if !reflect.DeepEqual(got, first) {
		t.Errorf("Load = %+v, want %+v", got, first)
	}

	second := []Record{{ID: "c", Text: "only"}}
	if err := s.Save(second); err != nil {
		t.Fatalf("Save error: %v", err)
	}
	got, _ = s.Load()
	if !reflect.DeepEqual(got, second) {
		t.Errorf("after replace Load = %+v, want %+v", got, second)
	}
}

func TestSQLiteStore_DuplicateIDFailsWithoutPartialWrite(t *testing.T) {
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "corpus.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore error: %v", err)
	}
	defer s.Close()

	s.Save([]Record{{ID: "keep", Text: "x"}})
	err = s.Save([]Record{{ID: "d"}, {ID: "d"}})
	if !errors.Is(err, ErrPersistenceWrite) {
		t.Fatalf("err = %v, want ErrPersistenceWrite", err)
	}
	got, _ := s.Load()
	if len(got) != 1 || got[0].ID != "keep" {
		t.Errorf("Load = %+v, want previous dataset", got)
	}
}
