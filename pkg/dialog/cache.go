package dialog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/voxloop/voxloop/pkg/audio/pcm"
	"github.com/voxloop/voxloop/pkg/gen"
	"github.com/voxloop/voxloop/pkg/jsontime"
	"github.com/voxloop/voxloop/pkg/kv"
)

// DefaultResumeTTL is how long a disconnected session stays resumable.
const DefaultResumeTTL = 30 * time.Minute

// ErrNoSnapshot is returned by Resume when the session id is unknown
// or its snapshot expired.
var ErrNoSnapshot = errors.New("dialog: no snapshot for session")

const cachePrefix = "session/"

// Cache persists session snapshots so a client that reconnects with
// its previous session id keeps its dialogue history. A snapshot is
// written on disconnect and read once on resume; audio formats are
// renegotiated by the new hello, only identity and history carry over.
type Cache struct {
	store kv.Store
	ttl   time.Duration
}

// NewCache wraps a store. A zero ttl means DefaultResumeTTL.
func NewCache(store kv.Store, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultResumeTTL
	}
	return &Cache{store: store, ttl: ttl}
}

// snapshot is the stored form of a session. Timestamps are unix
// milliseconds so the encoding does not depend on wrapper time types.
type snapshot struct {
	ID         string     `msgpack:"id"`
	Utterances uint64     `msgpack:"utterances"`
	Responses  uint64     `msgpack:"responses"`
	Turns      []snapTurn `msgpack:"turns"`
	SavedAtMs  int64      `msgpack:"saved_at_ms"`
}

type snapTurn struct {
	Role       string     `msgpack:"role"`
	Content    string     `msgpack:"content,omitempty"`
	ToolCalls  []snapCall `msgpack:"tool_calls,omitempty"`
	ToolCallID string     `msgpack:"tool_call_id,omitempty"`
	AtMs       int64      `msgpack:"at_ms"`
}

type snapCall struct {
	ID        string `msgpack:"id"`
	Name      string `msgpack:"name"`
	Arguments string `msgpack:"arguments"`
}

// Save writes the session's snapshot, replacing any previous one.
func (c *Cache) Save(ctx context.Context, sess *Session) error {
	turns := sess.History.Turns()
	snap := snapshot{
		ID:         sess.ID,
		Utterances: sess.utterances.Load(),
		Responses:  sess.responses.Load(),
		Turns:      make([]snapTurn, 0, len(turns)),
		SavedAtMs:  time.Now().UnixMilli(),
	}
	for _, t := range turns {
		st := snapTurn{
			Role:       string(t.Role),
			Content:    t.Content,
			ToolCallID: t.ToolCallID,
			AtMs:       t.At.Time().UnixMilli(),
		}
		for _, call := range t.ToolCalls {
			st.ToolCalls = append(st.ToolCalls, snapCall(call))
		}
		snap.Turns = append(snap.Turns, st)
	}

	b, err := msgpack.Marshal(&snap)
	if err != nil {
		return fmt.Errorf("dialog: encode snapshot: %w", err)
	}
	return c.store.Set(ctx, cachePrefix+sess.ID, b, c.ttl)
}

// Resume rebuilds a session from its snapshot under the given audio
// formats. The snapshot is consumed: a second resume of the same id
// starts fresh.
func (c *Cache) Resume(ctx context.Context, id string, input, output pcm.Format) (*Session, error) {
	b, err := c.store.Get(ctx, cachePrefix+id)
	if errors.Is(err, kv.ErrNotFound) {
		return nil, ErrNoSnapshot
	}
	if err != nil {
		return nil, err
	}
	var snap snapshot
	if err := msgpack.Unmarshal(b, &snap); err != nil {
		return nil, fmt.Errorf("dialog: decode snapshot: %w", err)
	}

	turns := make([]Turn, 0, len(snap.Turns))
	for _, st := range snap.Turns {
		t := Turn{
			Role:       gen.Role(st.Role),
			Content:    st.Content,
			ToolCallID: st.ToolCallID,
			At:         jsontime.Milli(time.UnixMilli(st.AtMs)),
		}
		for _, call := range st.ToolCalls {
			t.ToolCalls = append(t.ToolCalls, gen.ToolCall(call))
		}
		turns = append(turns, t)
	}

	sess := &Session{
		ID:      snap.ID,
		Input:   input,
		Output:  output,
		History: &History{},
	}
	sess.History.Restore(turns)
	sess.utterances.Store(snap.Utterances)
	sess.responses.Store(snap.Responses)

	if err := c.store.Delete(ctx, cachePrefix+id); err != nil {
		return nil, err
	}
	return sess, nil
}

// Drop discards a session's snapshot.
func (c *Cache) Drop(ctx context.Context, id string) error {
	return c.store.Delete(ctx, cachePrefix+id)
}

// SessionIDs lists the sessions that currently have a live snapshot.
func (c *Cache) SessionIDs(ctx context.Context) ([]string, error) {
	var ids []string
	for k, err := range c.store.Keys(ctx, cachePrefix) {
		if err != nil {
			return nil, err
		}
		ids = append(ids, k[len(cachePrefix):])
	}
	return ids, nil
}
