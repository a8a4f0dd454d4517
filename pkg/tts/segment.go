package tts

import (
	"bytes"
	"io"
	"sync"
	"unicode"
	"unicode/utf8"

	"google.golang.org/api/iterator"
)

// defaultMaxSentenceRunes caps how much text one synthesis call covers.
const defaultMaxSentenceRunes = 256

// Aggregator collects streaming text deltas and releases them one
// sentence at a time. The first sentence is released at the earliest
// boundary so playback starts as soon as possible; later sentences
// batch up to the last boundary seen, which keeps synthesis calls
// larger once audio is already flowing.
//
// Feed and Next are intended for separate goroutines.
type Aggregator struct {
	maxRunes int

	mu          sync.Mutex
	buf         bytes.Buffer
	writeNotify chan struct{}
	wclosed     bool
	closed      bool
	firstOut    bool
}

// NewAggregator creates an Aggregator. maxRunes <= 0 selects the
// default cap.
func NewAggregator(maxRunes int) *Aggregator {
	if maxRunes <= 0 {
		maxRunes = defaultMaxSentenceRunes
	}
	return &Aggregator{
		maxRunes:    maxRunes,
		writeNotify: make(chan struct{}, 1),
	}
}

// Feed appends a text delta.
func (a *Aggregator) Feed(text string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed || a.wclosed {
		return io.ErrClosedPipe
	}
	a.buf.WriteString(text)
	select {
	case a.writeNotify <- struct{}{}:
	default:
	}
	return nil
}

// CloseWrite marks the end of the text. Next drains the remaining
// buffer as a final sentence and then returns iterator.Done.
func (a *Aggregator) CloseWrite() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.wclosed || a.closed {
		return
	}
	a.wclosed = true
	close(a.writeNotify)
}

// Close abandons any buffered text and unblocks Next, which returns
// iterator.Done.
func (a *Aggregator) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	a.closed = true
	if !a.wclosed {
		a.wclosed = true
		close(a.writeNotify)
	}
	a.buf.Reset()
}

// Next blocks for the next complete sentence. It returns iterator.Done
// once the aggregator is closed and drained.
func (a *Aggregator) Next() (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	defer func() {
		a.firstOut = true
	}()

	eof := false
	for {
		if a.closed {
			return "", iterator.Done
		}
		if eof {
			if a.buf.Len() > 0 {
				s := a.buf.String()
				a.buf.Reset()
				return s, nil
			}
			return "", iterator.Done
		}
		if b := a.buf.Bytes(); len(b) > 0 {
			b = b[:completeRunes(b)]
			full := false
			if rs := []rune(string(b)); len(rs) >= a.maxRunes {
				b = []byte(string(rs[:a.maxRunes]))
				full = true
			}
			idx := boundaryIndex(b, a.firstOut)
			if idx == 0 && full {
				idx = len(b)
			}
			if idx > 0 {
				s := string(b[:idx])
				a.buf.Next(idx)
				return s, nil
			}
		}
		a.mu.Unlock()
		_, ok := <-a.writeNotify
		eof = !ok
		a.mu.Lock()
	}
}

// completeRunes returns the length of the longest prefix of b that
// ends on a rune boundary, so a delta split mid-rune is never emitted.
func completeRunes(b []byte) int {
	n := len(b)
	for i := n - 1; i >= 0 && n-i < utf8.UTFMax; i-- {
		if b[i] < utf8.RuneSelf {
			return i + 1
		}
		if !utf8.RuneStart(b[i]) {
			continue
		}
		if utf8.FullRune(b[i:]) {
			return n
		}
		return i
	}
	return n
}

// boundaryIndex returns the byte index just past the first sentence
// boundary in b, or past the last one when batch is set. 0 means no
// boundary.
func boundaryIndex(b []byte, batch bool) int {
	rs := []rune(string(b))
	off := 0
	found := 0
	for i, r := range rs {
		off += utf8.RuneLen(r)
		if !isBoundary(rs, i) {
			continue
		}
		if !batch {
			return off
		}
		found = off
	}
	return found
}

func isBoundary(rs []rune, i int) bool {
	switch rs[i] {
	case '.', ':', ',', '：':
		// 9.9 and 10:15 stay whole.
		prev, next := '0', '0'
		if i > 0 {
			prev = rs[i-1]
		}
		if i < len(rs)-1 {
			next = rs[i+1]
		}
		return !(unicode.IsNumber(prev) && unicode.IsNumber(next))
	case '，', '；', '。', '？', '！', '…', '～',
		'?', '!', '¿', '¡', ';', '~',
		'\r', '\n', '„', '・':
		return true
	}
	return false
}
