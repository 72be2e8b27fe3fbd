package safety

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDetector_Check(t *testing.T) {
	d := NewDetector([]string{"Kill myself", "suicide", "  want to die "})

	tests := []struct {
		name    string
		text    string
		want    bool
		keyword string
	}{
		{"phrase", "Sometimes I want to KILL myself.", true, "kill myself"},
		{"punctuation between words", "I just... want to die", true, "want to die"},
		{"single word", "thinking about suicide", true, "suicide"},
		{"substring of a word", "suicidehotline is a word", false, ""},
		{"unrelated", "I feel anxious", false, ""},
		{"empty", "", false, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			flag, ok := d.Check(tt.text)
			assert.Equal(t, tt.want, ok)
			if tt.want {
				assert.Equal(t, tt.keyword, flag.Keyword)
				assert.Equal(t, tt.text, flag.Text)
			}
		})
	}
}

func TestDetector_Apostrophes(t *testing.T) {
	d := NewDetector([]string{"can't go on"})

	_, ok := d.Check("I cant go on anymore")
	assert.True(t, ok)

	_, ok = d.Check("I can’t go on")
	assert.True(t, ok)
}

func TestDetector_Disabled(t *testing.T) {
	d := NewDetector([]string{"suicide"})
	d.SetEnabled(false)

	_, ok := d.Check("suicide")
	assert.False(t, ok)
}

func TestDetector_SetKeywords(t *testing.T) {
	d := NewDetector(nil)
	_, ok := d.Check("self harm")
	assert.False(t, ok)

	d.SetKeywords([]string{"Self-Harm", ""})
	assert.Equal(t, []string{"self harm"}, d.Keywords())

	_, ok = d.Check("thoughts of self harm")
	assert.True(t, ok)
}

func TestDetector_NilIsSafe(t *testing.T) {
	var d *Detector
	_, ok := d.Check("anything")
	assert.False(t, ok)
}
