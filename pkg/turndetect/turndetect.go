// Package turndetect decides whether a final transcript means the user
// has yielded the floor. The classifier is a pure function; the dialog
// controller combines its verdict with a commit timeout so a hesitant
// "not yet" can never stall a turn forever.
package turndetect

import (
	"strings"
	"unicode"
)

// Result is a floor-yield verdict.
type Result struct {
	// Yield reports whether the user appears done speaking.
	Yield bool
	// Confidence is the classifier's confidence in [0, 1].
	Confidence float64
}

// Classifier scores a final transcript for turn completion.
type Classifier interface {
	Classify(transcript string) Result
}

// ClassifierFunc adapts a function to the Classifier interface.
type ClassifierFunc func(transcript string) Result

// Classify calls the underlying function.
func (f ClassifierFunc) Classify(transcript string) Result {
	return f(transcript)
}

// terminalRunes end a complete sentence in the scripts we serve.
const terminalRunes = ".!?。！？…"

// trailingHolds are words that signal a continuation is coming when
// they end an utterance.
var trailingHolds = map[string]bool{
	"and": true, "but": true, "or": true, "so": true,
	"because": true, "then": true, "like": true,
	"um": true, "uh": true, "hmm": true,
	"和": true, "但是": true, "可是": true, "因为": true,
	"所以": true, "然后": true, "还有": true,
	"嗯": true, "呃": true, "那个": true,
}

// Rules is the default rule-based classifier. It looks only at the
// tail of the transcript: terminal punctuation yields, a dangling
// conjunction or filler holds, anything else yields with moderate
// confidence.
type Rules struct{}

// NewRules returns the default classifier.
func NewRules() *Rules { return &Rules{} }

// Classify implements Classifier.
func (*Rules) Classify(transcript string) Result {
	t := strings.TrimSpace(transcript)
	if t == "" {
		return Result{Yield: false, Confidence: 0.9}
	}

	runes := []rune(t)
	last := runes[len(runes)-1]
	if strings.ContainsRune(terminalRunes, last) {
		return Result{Yield: true, Confidence: 0.9}
	}
	if last == ',' || last == '，' || last == '、' || last == ':' || last == '：' {
		return Result{Yield: false, Confidence: 0.85}
	}

	if holdsFloor(t) {
		return Result{Yield: false, Confidence: 0.8}
	}

	// No punctuation at all is common in ASR output; most finals are
	// still complete turns.
	return Result{Yield: true, Confidence: 0.6}
}

// holdsFloor reports whether the transcript ends in a hold word. Latin
// text is checked on its last whitespace-separated token; unsegmented
// CJK text is checked by suffix.
func holdsFloor(t string) bool {
	last := t
	if i := strings.LastIndexFunc(t, unicode.IsSpace); i >= 0 {
		last = t[i+1:]
	}
	if trailingHolds[strings.ToLower(last)] {
		return true
	}
	for w := range trailingHolds {
		if unicode.Is(unicode.Han, []rune(w)[0]) && strings.HasSuffix(t, w) {
			return true
		}
	}
	return false
}
