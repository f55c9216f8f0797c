package responder

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

//go:embed commonwords.txt
var commonWordsData string

var commonWords = func() map[string]struct{} {
	set := make(map[string]struct{})
	for _, w := range strings.Fields(commonWordsData) {
		set[w] = struct{}{}
	}
	return set
}()

// RemoveCommonWords drops empty tokens and high-frequency English words.
func RemoveCommonWords(words []string) []string {
	out := make([]string, 0, len(words))
	for _, w := range words {
		if w == "" {
			continue
		}
		if _, ok := commonWords[w]; ok {
			continue
		}
		out = append(out, w)
	}
	return out
}

// Topics lowercases text, splits it on spaces and strips common words.
func Topics(text string) []string {
	return RemoveCommonWords(strings.Split(strings.ToLower(text), " "))
}

type phraseFile struct {
	Messages []string `json:"messages"`
}

// LoadPhrases reads a canned phrase list of the form {"messages": [...]}.
func LoadPhrases(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read phrases: %w", err)
	}
	var pf phraseFile
	if err := json.Unmarshal(data, &pf); err != nil {
		return nil, fmt.Errorf("parse phrases: %w", err)
	}
	return pf.Messages, nil
}
