package turndetect

import "testing"

func TestRulesClassify(t *testing.T) {
	tests := []struct {
		name       string
		transcript string
		wantYield  bool
	}{
		{"terminal period", "Turn on the living room light.", true},
		{"question mark", "What's the weather like today?", true},
		{"cjk terminal", "帮我把灯打开。", true},
		{"exclamation", "Stop!", true},
		{"no punctuation", "play some jazz", true},
		{"trailing comma", "I want to ask you,", false},
		{"cjk comma", "我想问一下，", false},
		{"trailing and", "turn off the lights and", false},
		{"trailing because", "I can't do that because", false},
		{"trailing filler", "so the thing is um", false},
		{"cjk hold ranhou", "先把灯关了然后", false},
		{"cjk filler", "我想说嗯", false},
		{"empty", "", false},
		{"whitespace only", "   ", false},
		{"and mid-sentence", "bread and butter", true},
	}
	c := NewRules()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := c.Classify(tt.transcript)
			if got.Yield != tt.wantYield {
				t.Errorf("Classify(%q).Yield = %v, want %v (confidence %v)",
					tt.transcript, got.Yield, tt.wantYield, got.Confidence)
			}
			if got.Confidence < 0 || got.Confidence > 1 {
				t.Errorf("Classify(%q).Confidence = %v out of range", tt.transcript, got.Confidence)
			}
		})
	}
}

func TestClassifierFunc(t *testing.T) {
	f := ClassifierFunc(func(string) Result { return Result{Yield: true, Confidence: 1} })
	if got := f.Classify("anything"); !got.Yield {
		t.Errorf("ClassifierFunc verdict = %+v, want yield", got)
	}
}
