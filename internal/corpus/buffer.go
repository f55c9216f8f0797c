package corpus

import "sync"

// Pending is a snapshot of records and deletions not yet merged.
type Pending struct {
	Additions []Record
	Deletions []string
}

func (p Pending) Empty() bool {
	return len(p.Additions) == 0 && len(p.Deletions) == 0
}

// Buffer accumulates observations between merge cycles.
type Buffer struct {
	mu        sync.Mutex
	additions []Record
	deletions []string
}

func NewBuffer() *Buffer {
	return &Buffer{}
}

// RecordMessage appends r to the pending additions. No dedup is done here.
func (b *Buffer) RecordMessage(r Record) error {
	if r.ID == "" {
		return ErrEmptyID
	}
	b.mu.Lock()
	b.additions = append(b.additions, r)
	b.mu.Unlock()
	return nil
}

// RecordDeletion marks id for removal at the next merge.
func (b *Buffer) RecordDeletion(id string) {
	if id == "" {
		return
	}
	b.mu.Lock()
	b.deletions = append(b.deletions, id)
	b.mu.Unlock()
}

// Drain returns both buffers and clears them in a single critical section.
func (b *Buffer) Drain() Pending {
	b.mu.Lock()
	defer b.mu.Unlock()
	p := Pending{Additions: b.additions, Deletions: b.deletions}
	b.additions = nil
	b.deletions = nil
	return p
}

// Requeue puts a drained snapshot back ahead of anything recorded since the
// drain, preserving observation order.
func (b *Buffer) Requeue(p Pending) {
	if p.Empty() {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.additions = append(append(make([]Record, 0, len(p.Additions)+len(b.additions)), p.Additions...), b.additions...)
	b.deletions = append(append(make([]string, 0, len(p.Deletions)+len(b.deletions)), p.Deletions...), b.deletions...)
}

// Len reports the number of pending additions and deletions.
func (b *Buffer) Len() (additions, deletions int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.additions), len(b.deletions)
}
