// Package responder picks generated sentences that satisfy quality constraints.
package responder

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/stellarlinkco/markbot/internal/corpus"
)

const (
	DefaultMaxAttempts = 2000
	DefaultMinScore    = 10
	// MinRefs is the floor on distinct source records behind a sentence.
	MinRefs = 2
	// TopicBudgetFactor multiplies the attempt budget when topic words are required.
	TopicBudgetFactor = 4

	modelCacheKey = "model"
)

var ErrGenerationExhausted = errors.New("generation exhausted")

// ExhaustedError reports how many candidates were rejected.
type ExhaustedError struct {
	Attempts int
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("no acceptable sentence after %d attempts", e.Attempts)
}

func (e *ExhaustedError) Is(target error) bool {
	return target == ErrGenerationExhausted
}

// Model is the capability the selector needs from a trained generator.
type Model interface {
	Sample(rng *rand.Rand, maxSteps int) (corpus.Candidate, error)
	Records() []corpus.Record
}

// Loader fetches the current model, typically from disk.
type Loader func() (Model, error)

// FileLoader loads the persisted model artifact at path.
func FileLoader(path string) Loader {
	return func() (Model, error) {
		m, err := corpus.LoadModel(path)
		if err != nil {
			return nil, err
		}
		return m, nil
	}
}

type Constraints struct {
	MinScore      int
	MinRefs       int
	RequiredWords []string
	MaxAttempts   int
	// MaxWords limits sentence length when positive.
	MaxWords int
}

// Result is an accepted sentence.
type Result struct {
	Text       string          `json:"string"`
	Score      int             `json:"score"`
	Attempts   int             `json:"tries"`
	Refs       []corpus.Record `json:"refs"`
	Attachment string          `json:"attachment,omitempty"`
}

type Selector struct {
	load  Loader
	cache *gocache.Cache

	mu  sync.Mutex
	rng *rand.Rand
}

func NewSelector(load Loader, rng *rand.Rand) *Selector {
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return &Selector{
		load:  load,
		cache: gocache.New(30*time.Minute, 10*time.Minute),
		rng:   rng,
	}
}

// Prime replaces the cached model, e.g. right after a rebuild.
func (s *Selector) Prime(m Model) {
	s.cache.SetDefault(modelCacheKey, m)
}

func (s *Selector) model() (Model, error) {
	if v, ok := s.cache.Get(modelCacheKey); ok {
		return v.(Model), nil
	}
	m, err := s.load()
	if err != nil {
		return nil, err
	}
	s.cache.SetDefault(modelCacheKey, m)
	return m, nil
}

// Generate samples candidates until one satisfies c or the attempt budget
// runs out, in which case the error matches ErrGenerationExhausted.
func (s *Selector) Generate(c Constraints) (*Result, error) {
	m, err := s.model()
	if err != nil {
		return nil, fmt.Errorf("load model: %w", err)
	}

	budget := c.MaxAttempts
	if budget <= 0 {
		budget = DefaultMaxAttempts
	}
	if len(c.RequiredWords) > 0 {
		budget *= TopicBudgetFactor
	}
	minRefs := max(c.MinRefs, MinRefs)

	s.mu.Lock()
	defer s.mu.Unlock()

	for attempt := 1; attempt <= budget; attempt++ {
		cand, err := m.Sample(s.rng, budget)
		if err != nil {
			return nil, fmt.Errorf("sample: %w", err)
		}
		if !c.accepts(cand, minRefs) {
			continue
		}
		return &Result{
			Text:       Sanitize(cand.Text),
			Score:      cand.Score,
			Attempts:   attempt,
			Refs:       cand.Refs,
			Attachment: s.pickAttachment(cand.Refs, m.Records()),
		}, nil
	}
	return nil, &ExhaustedError{Attempts: budget}
}

func (c Constraints) accepts(cand corpus.Candidate, minRefs int) bool {
	if !cand.Ended || cand.Score < c.MinScore || len(cand.Refs) < minRefs {
		return false
	}
	words := strings.Split(cand.Text, " ")
	if c.MaxWords > 0 && len(words) > c.MaxWords {
		return false
	}
	if len(c.RequiredWords) == 0 {
		return true
	}
	for _, w := range words {
		for _, req := range c.RequiredWords {
			if w == req {
				return true
			}
		}
	}
	return false
}

// pickAttachment prefers an attachment from a contributing record and falls
// back to whatever a random dataset record carries.
func (s *Selector) pickAttachment(refs, dataset []corpus.Record) string {
	var attachments []string
	for _, r := range refs {
		if r.Attachment != "" {
			attachments = append(attachments, r.Attachment)
		}
	}
	if len(attachments) > 0 {
		return attachments[s.rng.IntN(len(attachments))]
	}
	if len(dataset) == 0 {
		return ""
	}
	return dataset[s.rng.IntN(len(dataset))].Attachment
}

var mentionReplacer = strings.NewReplacer(
	"@everyone", "at everyone",
	"@here", "at here",
)

// Sanitize defuses broadcast mentions.
func Sanitize(s string) string {
	return mentionReplacer.Replace(s)
}
