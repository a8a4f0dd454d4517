package gen

import (
	"errors"
	"time"

	"github.com/voxloop/voxloop/pkg/queue"
)

// Stream yields response chunks. Next returns a *State error when the
// response ends; Close releases the stream early.
type Stream interface {
	Next() (*Chunk, error)
	Close() error
	CloseWithError(error) error
}

type streamEvent struct {
	chunk *Chunk
	state *State
}

// StreamBuilder is the producer side of a Stream. Driver adapters push
// chunks into it from their pull goroutine and finish it with exactly
// one terminal call (Done, Truncated, Blocked, Fail, or Abort).
type StreamBuilder struct {
	q *queue.Queue[*streamEvent]
}

// NewStreamBuilder returns a builder buffering up to size events.
func NewStreamBuilder(size int) *StreamBuilder {
	return &StreamBuilder{q: queue.New[*streamEvent](size)}
}

// Add pushes chunks onto the stream.
func (b *StreamBuilder) Add(chunks ...*Chunk) error {
	for _, c := range chunks {
		if err := b.q.Put(&streamEvent{chunk: c}); err != nil {
			return err
		}
	}
	return nil
}

func (b *StreamBuilder) finish(s *State) error {
	if err := b.q.Put(&streamEvent{state: s}); err != nil {
		return err
	}
	b.q.CloseWrite()
	return nil
}

// Done ends the stream normally.
func (b *StreamBuilder) Done(usage Usage) error { return b.finish(Done(usage)) }

// Truncated ends the stream at the model's length limit.
func (b *StreamBuilder) Truncated(usage Usage) error { return b.finish(Truncated(usage)) }

// Blocked ends the stream on a safety refusal.
func (b *StreamBuilder) Blocked(usage Usage, refusal string) error {
	return b.finish(Blocked(usage, refusal))
}

// Fail ends the stream with a provider error.
func (b *StreamBuilder) Fail(usage Usage, err error) error { return b.finish(Failed(usage, err)) }

// Abort tears the stream down with err, unblocking any reader.
func (b *StreamBuilder) Abort(err error) {
	b.q.CloseWithError(err)
}

// Stream returns the consumer side.
func (b *StreamBuilder) Stream() Stream { return (*builtStream)(b) }

type builtStream StreamBuilder

func (s *builtStream) Next() (*Chunk, error) {
	evt, err := s.q.Next()
	if err != nil {
		if errors.Is(err, queue.ErrDone) {
			return nil, Done(Usage{})
		}
		return nil, err
	}
	if evt.state != nil {
		err := error(evt.state)
		s.q.CloseWithError(err)
		return nil, err
	}
	return evt.chunk, nil
}

func (s *builtStream) Close() error { return s.q.Close() }

func (s *builtStream) CloseWithError(err error) error {
	s.q.CloseWithError(err)
	return nil
}

// ErrFirstTokenTimeout reports that the model produced nothing within
// the first-token deadline.
var ErrFirstTokenTimeout = errors.New("gen: first token timeout")

// ErrTotalTimeout reports that the response exceeded the total
// deadline.
var ErrTotalTimeout = errors.New("gen: response timeout")

// Guard wraps a stream with a first-token deadline and a total
// response deadline. On either deadline the underlying stream is torn
// down and Next returns the timeout error.
func Guard(s Stream, firstToken, total time.Duration) Stream {
	g := &guardedStream{
		inner: s,
		first: time.AfterFunc(firstToken, func() {
			s.CloseWithError(ErrFirstTokenTimeout)
		}),
		total: time.AfterFunc(total, func() {
			s.CloseWithError(ErrTotalTimeout)
		}),
	}
	return g
}

type guardedStream struct {
	inner Stream
	first *time.Timer
	total *time.Timer
	got   bool
}

func (g *guardedStream) Next() (*Chunk, error) {
	c, err := g.inner.Next()
	if err != nil {
		g.stop()
		return nil, err
	}
	if !g.got {
		g.got = true
		g.first.Stop()
	}
	return c, nil
}

func (g *guardedStream) stop() {
	g.first.Stop()
	g.total.Stop()
}

func (g *guardedStream) Close() error {
	g.stop()
	return g.inner.Close()
}

func (g *guardedStream) CloseWithError(err error) error {
	g.stop()
	return g.inner.CloseWithError(err)
}
