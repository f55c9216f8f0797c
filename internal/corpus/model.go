package corpus

import (
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"os"

	"github.com/stellarlinkco/markbot/internal/markov"
)

// DefaultStateSize is the number of preceding words that condition the next.
const DefaultStateSize = 2

// Model is the persisted artifact: a trained chain plus the records its
// reference markers point into.
type Model struct {
	StateSize int           `json:"stateSize"`
	Chain     *markov.Chain `json:"chain"`
	Sources   []Record      `json:"sources"`
}

// Candidate is one sampled sentence with its contributing records resolved.
type Candidate struct {
	Text  string   `json:"string"`
	Score int      `json:"score"`
	Refs  []Record `json:"refs"`
	Ended bool     `json:"-"`
}

// Sample walks the chain once. Contributing records are deduplicated by text.
func (m *Model) Sample(rng *rand.Rand, maxSteps int) (Candidate, error) {
	s, err := m.Chain.Walk(rng, maxSteps)
	if err != nil {
		return Candidate{}, err
	}

	c := Candidate{Text: s.Text, Score: s.Score, Ended: s.Ended}
	seen := make(map[string]struct{}, len(s.Refs))
	for _, ref := range s.Refs {
		if ref < 0 || ref >= len(m.Sources) {
			continue
		}
		r := m.Sources[ref]
		if _, ok := seen[r.Text]; ok {
			continue
		}
		seen[r.Text] = struct{}{}
		c.Refs = append(c.Refs, r)
	}
	return c, nil
}

// Records returns the dataset the model was trained on.
func (m *Model) Records() []Record {
	return m.Sources
}

// Builder trains models from datasets.
type Builder struct {
	StateSize int
}

func NewBuilder(stateSize int) *Builder {
	if stateSize <= 0 {
		stateSize = DefaultStateSize
	}
	return &Builder{StateSize: stateSize}
}

// Build trains on dataset, or on the seed dataset when dataset is empty.
func (b *Builder) Build(dataset []Record) (*Model, error) {
	if len(dataset) == 0 {
		dataset = SeedDataset()
	}
	texts := make([]string, len(dataset))
	for i, r := range dataset {
		texts[i] = r.Text
	}
	chain, err := markov.Build(texts, b.StateSize)
	if err != nil {
		return nil, fmt.Errorf("build chain: %w", err)
	}
	sources := make([]Record, len(dataset))
	copy(sources, dataset)
	return &Model{StateSize: b.StateSize, Chain: chain, Sources: sources}, nil
}

func SaveModel(path string, m *Model) error {
	return writeJSON(path, m)
}

func LoadModel(path string) (*Model, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read model: %v", ErrPersistenceRead, err)
	}
	var m Model
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: parse model: %v", ErrPersistenceRead, err)
	}
	if m.Chain == nil {
		return nil, fmt.Errorf("%w: model has no chain", ErrPersistenceRead)
	}
	return &m, nil
}
