// Package corpus owns the observed-message dataset and the model derived from it.
package corpus

import "errors"

// SeedID identifies the placeholder record used when no dataset can be read.
const SeedID = "0"

var (
	ErrEmptyID          = errors.New("record id is empty")
	ErrPersistenceRead  = errors.New("persistence read failure")
	ErrPersistenceWrite = errors.New("persistence write failure")
)

// Record is one observed chat message.
type Record struct {
	ID         string `json:"id"`
	Text       string `json:"string"`
	Attachment string `json:"attachment,omitempty"`
}

// Dataset is the on-disk shape of the corpus file.
type Dataset struct {
	Messages []Record `json:"messages"`
}

// SeedDataset returns the single-record dataset used when nothing can be loaded,
// so model training never sees an empty input.
func SeedDataset() []Record {
	return []Record{{ID: SeedID, Text: ""}}
}
