package chatsync

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// FetchFunc retrieves historical chunks for one dialog stream. A nil
// fromSequenceID asks for the full history. Implementations return an empty
// slice, not an error, for non-success HTTP statuses.
type FetchFunc func(ctx context.Context, dialogID string, tag MessageTypeTag, fromSequenceID *int64) ([]Chunk, error)

// ChunkSink receives each reconciled, ordered, de-duplicated chunk. It is
// the sole contract a consumer implements to render a conversation.
type ChunkSink func(chunk Chunk, tag MessageTypeTag)

type taggedChunk struct {
	chunk Chunk
	tag   MessageTypeTag
}

type fetchParams struct {
	fromSequenceID *int64
}

func (p fetchParams) equal(fromSequenceID *int64) bool {
	if p.fromSequenceID == nil || fromSequenceID == nil {
		return p.fromSequenceID == fromSequenceID
	}
	return *p.fromSequenceID == *fromSequenceID
}

// CatchupCoordinator reconciles one dialog's live stream with its historical
// chunks. Live payloads buffer while a historical fetch is in flight; the
// two streams merge into a single ordered, de-duplicated sequence delivered
// through one sink. One coordinator per dialog; per-dialog state is owned
// exclusively here.
type CatchupCoordinator struct {
	dialogID string
	tags     []MessageTypeTag
	fetch    FetchFunc
	sink     ChunkSink
	logger   Logger

	mu             sync.Mutex
	buffering      bool
	completed      bool
	fetchInFlight  bool
	lastFetch      *fetchParams
	buffer         []taggedChunk
	processedKeys  map[string]struct{}
	lastSequenceID *int64
}

// NewCatchupCoordinator builds a coordinator for dialogID covering the given
// stream tags. fetch supplies history; sink receives reconciled chunks.
func NewCatchupCoordinator(dialogID string, tags []MessageTypeTag, fetch FetchFunc, sink ChunkSink) *CatchupCoordinator {
	if len(tags) == 0 {
		tags = []MessageTypeTag{TagMessage}
	}
	return &CatchupCoordinator{
		dialogID:      dialogID,
		tags:          tags,
		fetch:         fetch,
		sink:          sink,
		logger:        noopLogger{},
		processedKeys: make(map[string]struct{}),
	}
}

// SetLogger overrides the logger (optional).
func (c *CatchupCoordinator) SetLogger(l Logger) {
	if l == nil {
		return
	}
	c.logger = l
}

// StartInitialBuffering resets the buffer and enters the buffering phase.
// Called when the dialog subscription is (re)established, before the
// subscribe acknowledgment arrives, so no live chunk can slip past the
// historical merge.
func (c *CatchupCoordinator) StartInitialBuffering() {
	c.mu.Lock()
	c.buffer = nil
	c.buffering = true
	c.completed = false
	c.mu.Unlock()
}

// ProcessChunk accepts one live chunk. While buffering (and not forced) the
// chunk is deferred, never dropped; otherwise it is forwarded immediately.
// Returns true for every accepted chunk.
func (c *CatchupCoordinator) ProcessChunk(chunk Chunk, tag MessageTypeTag, force bool) bool {
	c.mu.Lock()
	if c.buffering && !force {
		c.buffer = append(c.buffer, taggedChunk{chunk: chunk, tag: tag})
		c.mu.Unlock()
		return true
	}
	c.mu.Unlock()
	c.deliver(taggedChunk{chunk: chunk, tag: tag})
	return true
}

// Phase reports the dialog's reconciliation state.
func (c *CatchupCoordinator) Phase() CatchupPhase {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.fetchInFlight:
		return PhaseReconciling
	case c.completed:
		return PhaseReconciled
	case c.buffering:
		return PhaseBuffering
	default:
		return PhaseIdle
	}
}

// IsBuffering reports whether live chunks are currently deferred.
func (c *CatchupCoordinator) IsBuffering() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buffering
}

// HasCompletedInitialCatchup reports whether a catch-up cycle finished for
// this dialog. It never reverts without an explicit Reset.
func (c *CatchupCoordinator) HasCompletedInitialCatchup() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.completed
}

// LastSequenceID returns the most recent sequence id forwarded downstream,
// or nil if none carried one.
func (c *CatchupCoordinator) LastSequenceID() *int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lastSequenceID == nil {
		return nil
	}
	v := *c.lastSequenceID
	return &v
}

// Reset clears all per-dialog state, returning the coordinator to idle.
// Called on dialog teardown or explicit resubscription.
func (c *CatchupCoordinator) Reset() {
	c.mu.Lock()
	c.buffer = nil
	c.buffering = false
	c.completed = false
	c.fetchInFlight = false
	c.lastFetch = nil
	c.lastSequenceID = nil
	c.processedKeys = make(map[string]struct{})
	c.mu.Unlock()
}

// CatchUp fetches historical chunks for every stream tag in parallel, merges
// them with whatever buffered while the fetch was in flight, and forwards
// the replay window downstream in order. It is idempotent and reentrant
// safe: a completed cycle, an in-flight cycle, or a repeat call with the
// same parameters all no-op. Fetch failures are contained; the buffered live
// chunks still flush so the dialog never sticks in buffering.
func (c *CatchupCoordinator) CatchUp(ctx context.Context, fromSequenceID *int64) error {
	c.mu.Lock()
	if c.completed || c.fetchInFlight {
		c.mu.Unlock()
		return nil
	}
	if c.lastFetch != nil && c.lastFetch.equal(fromSequenceID) {
		c.mu.Unlock()
		return nil
	}
	c.fetchInFlight = true
	c.lastFetch = &fetchParams{fromSequenceID: copySeq(fromSequenceID)}
	tags := c.tags
	c.mu.Unlock()

	fetched := make([][]Chunk, len(tags))
	var wg sync.WaitGroup
	for i, tag := range tags {
		wg.Add(1)
		go func(i int, tag MessageTypeTag) {
			defer wg.Done()
			chunks, err := c.fetch(ctx, c.dialogID, tag, copySeq(fromSequenceID))
			if err != nil {
				// Independent per tag: one failed stream never aborts the
				// other, it just contributes no history.
				c.logger.Warn("historical fetch failed", map[string]any{
					"dialogId": c.dialogID,
					"chatType": string(tag),
					"error":    err.Error(),
				})
				return
			}
			fetched[i] = chunks
		}(i, tag)
	}
	wg.Wait()

	// Snapshot what accumulated during the fetch window. Anything arriving
	// after this point buffers again and flushes in the completion step.
	c.mu.Lock()
	snapshot := c.buffer
	c.buffer = nil
	c.mu.Unlock()

	total := 0
	for _, chunks := range fetched {
		total += len(chunks)
	}

	if total == 0 {
		// No history: the live buffer is already in arrival order.
		for _, tc := range snapshot {
			c.deliver(tc)
		}
		c.finishCatchup()
		return ctx.Err()
	}

	merged := make([]taggedChunk, 0, total+len(snapshot))
	for i, chunks := range fetched {
		for _, ch := range chunks {
			merged = append(merged, taggedChunk{chunk: ch, tag: tags[i]})
		}
	}
	merged = append(merged, snapshot...)

	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].chunk.Seq() < merged[j].chunk.Seq()
	})
	merged = dedupeChunks(merged)

	for _, tc := range selectReplayWindow(merged) {
		c.deliver(tc)
	}
	c.finishCatchup()
	return ctx.Err()
}

// finishCatchup flushes chunks that arrived after the merge snapshot, in
// sequence order, and only then leaves the buffering phase. The buffer is
// drained in rounds: a live chunk landing mid-flush keeps buffering and goes
// out in a later round, so it can never overtake a lower-sequence tail chunk.
func (c *CatchupCoordinator) finishCatchup() {
	for {
		c.mu.Lock()
		tail := c.buffer
		c.buffer = nil
		if len(tail) == 0 {
			c.buffering = false
			c.completed = true
			c.fetchInFlight = false
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()

		sort.SliceStable(tail, func(i, j int) bool {
			return tail[i].chunk.Seq() < tail[j].chunk.Seq()
		})
		for _, tc := range tail {
			c.deliver(tc)
		}
	}
}

// deliver forwards one chunk downstream unless its composite key was already
// processed, giving exactly-once-effective delivery across the two sources.
func (c *CatchupCoordinator) deliver(tc taggedChunk) {
	key := chunkKey(tc.tag, tc.chunk)
	c.mu.Lock()
	if _, dup := c.processedKeys[key]; dup {
		c.mu.Unlock()
		return
	}
	c.processedKeys[key] = struct{}{}
	if tc.chunk.SequenceID != nil {
		v := *tc.chunk.SequenceID
		c.lastSequenceID = &v
	}
	c.mu.Unlock()
	c.sink(tc.chunk, tc.tag)
}

// chunkKey is the composite identity used for de-duplication.
func chunkKey(tag MessageTypeTag, c Chunk) string {
	seq := "na"
	if c.SequenceID != nil {
		seq = strconv.FormatInt(*c.SequenceID, 10)
	}
	return strings.Join([]string{
		string(tag), seq, c.Type, c.Text, c.IntegratedToolType, c.ToolFunction, c.ApprovalRequestID,
	}, "|")
}

// dedupeChunks keeps the earliest occurrence of each composite key.
func dedupeChunks(list []taggedChunk) []taggedChunk {
	seen := make(map[string]struct{}, len(list))
	out := list[:0]
	for _, tc := range list {
		key := chunkKey(tc.tag, tc.chunk)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, tc)
	}
	return out
}

// selectReplayWindow picks the suffix of the reconciled list that must be
// (re)delivered: from the start of the most recent message still open, or
// after the last fully closed message, or everything when no boundary
// markers are present. Assumes at most one open streamed message per dialog,
// an invariant of the upstream protocol.
func selectReplayWindow(list []taggedChunk) []taggedChunk {
	var endSeq *int64
	for i := len(list) - 1; i >= 0; i-- {
		ch := list[i].chunk
		if ch.Type == ChunkMessageEnd && ch.SequenceID != nil {
			endSeq = ch.SequenceID
			break
		}
	}

	var startSeq *int64
	for i := len(list) - 1; i >= 0; i-- {
		ch := list[i].chunk
		if ch.Type != ChunkMessageStart || ch.SequenceID == nil {
			continue
		}
		if endSeq == nil || *ch.SequenceID > *endSeq {
			startSeq = ch.SequenceID
		}
		break
	}

	switch {
	case startSeq != nil:
		out := make([]taggedChunk, 0, len(list))
		for _, tc := range list {
			if tc.chunk.Seq() >= *startSeq {
				out = append(out, tc)
			}
		}
		return out
	case endSeq != nil:
		out := make([]taggedChunk, 0)
		for _, tc := range list {
			if tc.chunk.Seq() > *endSeq {
				out = append(out, tc)
			}
		}
		return out
	default:
		return list
	}
}

func copySeq(v *int64) *int64 {
	if v == nil {
		return nil
	}
	n := *v
	return &n
}
