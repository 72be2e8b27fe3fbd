// Package safety screens user utterances for crisis phrases so they leave
// a local audit trail. It never blocks or rewrites the conversation.
package safety

import (
	"strings"
	"sync"
	"unicode"
)

// Flag describes a matched phrase.
type Flag struct {
	Keyword string `json:"keyword"`
	Text    string `json:"text"`
}

// Detector matches whole words and phrases, ignoring case and punctuation.
type Detector struct {
	mu       sync.RWMutex
	enabled  bool
	keywords []string
}

// NewDetector creates an enabled detector for keywords.
func NewDetector(keywords []string) *Detector {
	d := &Detector{enabled: true}
	d.SetKeywords(keywords)
	return d
}

// SetKeywords replaces the phrase list.
func (d *Detector) SetKeywords(keywords []string) {
	normalized := make([]string, 0, len(keywords))
	for _, kw := range keywords {
		if kw = normalize(kw); kw != "" {
			normalized = append(normalized, kw)
		}
	}

	d.mu.Lock()
	d.keywords = normalized
	d.mu.Unlock()
}

// SetEnabled turns screening on or off.
func (d *Detector) SetEnabled(enabled bool) {
	d.mu.Lock()
	d.enabled = enabled
	d.mu.Unlock()
}

// Keywords returns the normalized phrase list.
func (d *Detector) Keywords() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]string(nil), d.keywords...)
}

// Check reports the first phrase found in text.
func (d *Detector) Check(text string) (Flag, bool) {
	if d == nil {
		return Flag{}, false
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	if !d.enabled || len(d.keywords) == 0 {
		return Flag{}, false
	}

	padded := " " + normalize(text) + " "
	for _, kw := range d.keywords {
		if strings.Contains(padded, " "+kw+" ") {
			return Flag{Keyword: kw, Text: text}, true
		}
	}
	return Flag{}, false
}

// normalize lowercases s, drops apostrophes and collapses any other
// non-alphanumeric run into a single space.
func normalize(s string) string {
	mapped := strings.Map(func(r rune) rune {
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r):
			return unicode.ToLower(r)
		case r == '\'' || r == '’':
			return -1
		default:
			return ' '
		}
	}, s)
	return strings.Join(strings.Fields(mapped), " ")
}
