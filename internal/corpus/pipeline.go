package corpus

import (
	"fmt"
	"log"
	"sync"
	"time"
)

// Stats describes one completed merge cycle.
type Stats struct {
	Records   int
	Additions int
	Deletions int
	Seeded    bool
	Duration  time.Duration
}

// Pipeline runs merge cycles: drain the buffer, merge into the stored
// dataset, persist it, rebuild the model and persist that. Cycles are
// serialized so two triggers never interleave their read-modify-write.
type Pipeline struct {
	mu        sync.Mutex
	buffer    *Buffer
	store     DatasetStore
	builder   *Builder
	modelPath string

	// OnRebuilt is called with the new model after it has been persisted.
	OnRebuilt func(*Model)
}

func NewPipeline(buffer *Buffer, store DatasetStore, builder *Builder, modelPath string) *Pipeline {
	return &Pipeline{
		buffer:    buffer,
		store:     store,
		builder:   builder,
		modelPath: modelPath,
	}
}

func (p *Pipeline) ModelPath() string {
	return p.modelPath
}

// Regen merges pending observations into the stored dataset and rebuilds the model.
func (p *Pipeline) Regen() (Stats, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cycle(p.loadDataset, nil)
}

// Retrain discards the stored dataset and rebuilds from pending observations
// followed by history.
func (p *Pipeline) Retrain(history []Record) (Stats, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cycle(func() ([]Record, bool) { return nil, false }, history)
}

// Dataset returns the currently stored dataset.
func (p *Pipeline) Dataset() ([]Record, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.store.Load()
}

func (p *Pipeline) loadDataset() ([]Record, bool) {
	records, err := p.store.Load()
	if err != nil {
		log.Printf("[corpus] %v, starting from seed dataset", err)
		return SeedDataset(), true
	}
	return records, false
}

func (p *Pipeline) cycle(base func() ([]Record, bool), extra []Record) (Stats, error) {
	start := time.Now()
	pending := p.buffer.Drain()
	persisted, seeded := base()

	additions := pending.Additions
	if len(extra) > 0 {
		additions = append(append(make([]Record, 0, len(additions)+len(extra)), additions...), extra...)
	}
	merged := Merge(persisted, additions, pending.Deletions)

	stats := Stats{
		Records:   len(merged),
		Additions: len(additions),
		Deletions: len(pending.Deletions),
		Seeded:    seeded,
	}

	if err := p.store.Save(merged); err != nil {
		p.buffer.Requeue(pending)
		return stats, fmt.Errorf("save dataset: %w", err)
	}

	model, err := p.builder.Build(merged)
	if err != nil {
		p.buffer.Requeue(pending)
		return stats, fmt.Errorf("build model: %w", err)
	}
	if err := SaveModel(p.modelPath, model); err != nil {
		p.buffer.Requeue(pending)
		return stats, fmt.Errorf("save model: %w", err)
	}

	if p.OnRebuilt != nil {
		p.OnRebuilt(model)
	}

	stats.Duration = time.Since(start)
	log.Printf("[corpus] regenerated: %d records (+%d, -%d) in %s",
		stats.Records, stats.Additions, stats.Deletions, stats.Duration.Round(time.Millisecond))
	return stats, nil
}
