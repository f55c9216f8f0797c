// Package markov implements a word-level Markov chain sentence generator.
//
// Every fragment of the chain remembers which training texts produced it, as
// integer references into the slice passed to Build. Generated sentences carry
// the union of those references so callers can trace output back to sources.
package markov

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
)

var (
	// ErrEmptyCorpus is returned by Walk when the chain has no start fragments.
	ErrEmptyCorpus = errors.New("corpus is empty")
	// ErrStateSize is returned by Build for a state size below one.
	ErrStateSize = errors.New("invalid state size")
)

// Fragment is a run of StateSize words plus the texts it was seen in.
type Fragment struct {
	Words string `json:"words"`
	Refs  []int  `json:"refs"`
}

// Chain is the trained model. It is safe for concurrent Walks once built.
type Chain struct {
	StateSize  int                   `json:"stateSize"`
	Corpus     map[string][]Fragment `json:"corpus"`
	StartWords []Fragment            `json:"startWords"`
	EndWords   []Fragment            `json:"endWords"`

	endOnce sync.Once
	ends    map[string]struct{}
}

// Sentence is the outcome of a single walk through the chain.
type Sentence struct {
	Text  string
	Score int
	Refs  []int
	// Ended reports whether the walk stopped on an end fragment rather than
	// running out of transitions or steps.
	Ended bool
}

// Build trains a chain over texts, splitting each text on single spaces.
func Build(texts []string, stateSize int) (*Chain, error) {
	if stateSize < 1 {
		return nil, fmt.Errorf("%w: %d", ErrStateSize, stateSize)
	}

	c := &Chain{
		StateSize: stateSize,
		Corpus:    make(map[string][]Fragment),
	}
	startIdx := make(map[string]int)
	endIdx := make(map[string]int)

	for ref, text := range texts {
		words := strings.Split(text, " ")

		start := strings.Join(words[:min(stateSize, len(words))], " ")
		c.StartWords = addRef(c.StartWords, startIdx, start, ref)

		end := strings.Join(words[max(len(words)-stateSize, 0):], " ")
		c.EndWords = addRef(c.EndWords, endIdx, end, ref)

		for i := 0; i+2*stateSize <= len(words); i++ {
			curr := strings.Join(words[i:i+stateSize], " ")
			next := strings.Join(words[i+stateSize:i+2*stateSize], " ")
			if next == "" {
				continue
			}
			c.Corpus[curr] = appendFollower(c.Corpus[curr], next, ref)
		}
	}
	return c, nil
}

func addRef(frags []Fragment, idx map[string]int, words string, ref int) []Fragment {
	if i, ok := idx[words]; ok {
		refs := frags[i].Refs
		if len(refs) == 0 || refs[len(refs)-1] != ref {
			frags[i].Refs = append(refs, ref)
		}
		return frags
	}
	idx[words] = len(frags)
	return append(frags, Fragment{Words: words, Refs: []int{ref}})
}

func appendFollower(followers []Fragment, words string, ref int) []Fragment {
	for i := range followers {
		if followers[i].Words == words {
			followers[i].Refs = append(followers[i].Refs, ref)
			return followers
		}
	}
	return append(followers, Fragment{Words: words, Refs: []int{ref}})
}

// Walk produces one candidate sentence. It starts from a random start
// fragment and follows random transitions for at most maxSteps steps. The
// score adds, for every step, the number of alternatives that were not taken.
// A start fragment without followers yields a sentence that is not Ended.
func (c *Chain) Walk(rng *rand.Rand, maxSteps int) (Sentence, error) {
	if len(c.StartWords) == 0 {
		return Sentence{}, ErrEmptyCorpus
	}

	block := c.StartWords[rng.IntN(len(c.StartWords))]
	words := []string{block.Words}
	refs := append([]int(nil), block.Refs...)

	var s Sentence
	for step := 0; step < maxSteps; step++ {
		followers := c.Corpus[block.Words]
		if len(followers) == 0 {
			break
		}
		next := followers[rng.IntN(len(followers))]
		s.Score += len(followers) - 1
		words = append(words, next.Words)
		refs = append(refs, next.Refs...)
		block = next
		if c.isEnd(next.Words) {
			s.Ended = true
			break
		}
	}

	s.Text = strings.TrimSpace(strings.Join(words, " "))
	s.Refs = uniqueInts(refs)
	return s, nil
}

func (c *Chain) isEnd(words string) bool {
	c.endOnce.Do(func() {
		c.ends = make(map[string]struct{}, len(c.EndWords))
		for _, f := range c.EndWords {
			c.ends[f.Words] = struct{}{}
		}
	})
	_, ok := c.ends[words]
	return ok
}

func uniqueInts(in []int) []int {
	seen := make(map[int]struct{}, len(in))
	out := make([]int, 0, len(in))
	for _, v := range in {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
