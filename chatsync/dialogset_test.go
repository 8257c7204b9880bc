package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func newTestDialogSet(t *testing.T, fetch FetchFunc) (*DialogSubscriptionSet, *RealtimeRouter, *fakeDialer) {
	t.Helper()
	reg, dialer := newTestRegistry(t, 10*time.Millisecond)
	router := NewRealtimeRouter("Assistant", 50)
	set := NewDialogSubscriptionSet(reg, router, fetch, "ws://a")
	return set, router, dialer
}

func mustEmit(t *testing.T, conn *fakeConn, dialogID string, chunk Chunk) {
	t.Helper()
	data, err := json.Marshal(chunk)
	if err != nil {
		t.Fatalf("marshal chunk: %v", err)
	}
	conn.emit(Topic(dialogID, TagMessage), data)
}

func TestDialogSetOpenReplaysHistoryIntoRouter(t *testing.T) {
	// An unterminated message in history must reach the router on open.
	history := []Chunk{
		markerChunk(1, ChunkMessageStart),
		textChunk(2, "hel"),
	}
	set, router, dialer := newTestDialogSet(t, staticFetch(history))
	router.ActivateDialog("d1", nil)

	if err := set.Open(context.Background(), "d1"); err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer set.CloseAll()

	msgs := router.ActiveMessages()
	if len(msgs) != 1 {
		t.Fatalf("active messages = %d, want 1", len(msgs))
	}
	if got := msgs[0].TextContent(); got != "hel" {
		t.Fatalf("text = %q, want %q", got, "hel")
	}
	if !msgs[0].Streaming {
		t.Fatalf("replayed open message should still be streaming")
	}
	if dialer.count() != 1 {
		t.Fatalf("dialled %d conns, want 1", dialer.count())
	}
}

func TestDialogSetOpenIsIdempotent(t *testing.T) {
	var fetches atomic.Int64
	fetch := func(context.Context, string, MessageTypeTag, *int64) ([]Chunk, error) {
		fetches.Add(1)
		return nil, nil
	}
	set, _, dialer := newTestDialogSet(t, fetch)

	if err := set.Open(context.Background(), "d1"); err != nil {
		t.Fatalf("first Open: %v", err)
	}
	if err := set.Open(context.Background(), "d1"); err != nil {
		t.Fatalf("second Open: %v", err)
	}
	defer set.CloseAll()

	if got := fetches.Load(); got != 1 {
		t.Fatalf("fetch ran %d times, want 1", got)
	}
	if dialer.count() != 1 {
		t.Fatalf("dialled %d conns, want 1", dialer.count())
	}
	if got := set.OpenDialogs(); len(got) != 1 || got[0] != "d1" {
		t.Fatalf("open dialogs = %v", got)
	}
}

func TestDialogSetBuffersLiveChunksDuringCatchup(t *testing.T) {
	release := make(chan struct{})
	fetching := make(chan struct{})
	var fetchOnce sync.Once
	fetch := func(context.Context, string, MessageTypeTag, *int64) ([]Chunk, error) {
		fetchOnce.Do(func() { close(fetching) })
		<-release
		return nil, nil
	}
	set, router, dialer := newTestDialogSet(t, fetch)
	router.ActivateDialog("d1", nil)

	done := make(chan error, 1)
	go func() { done <- set.Open(context.Background(), "d1") }()

	<-fetching
	// The live chunk arrives while history is still in flight; it must be
	// held back, then delivered exactly once.
	mustEmit(t, dialer.last(), "d1", textChunk(7, "live"))
	if got := len(router.ActiveMessages()); got != 0 {
		t.Fatalf("chunk delivered before reconciliation, messages = %d", got)
	}
	close(release)

	if err := <-done; err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer set.CloseAll()

	msgs := router.ActiveMessages()
	if len(msgs) != 1 || msgs[0].TextContent() != "live" {
		t.Fatalf("messages after reconciliation = %+v", msgs)
	}
}

func TestDialogSetDropsMalformedLivePayload(t *testing.T) {
	set, router, dialer := newTestDialogSet(t, emptyFetch)
	router.ActivateDialog("d1", nil)

	if err := set.Open(context.Background(), "d1"); err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer set.CloseAll()

	conn := dialer.last()
	conn.emit(Topic("d1", TagMessage), []byte("{not json"))
	mustEmit(t, conn, "d1", textChunk(1, "ok"))

	msgs := router.ActiveMessages()
	if len(msgs) != 1 || msgs[0].TextContent() != "ok" {
		t.Fatalf("messages = %+v, want the valid chunk only", msgs)
	}
}

func TestDialogSetSendMessagePublishes(t *testing.T) {
	set, _, dialer := newTestDialogSet(t, emptyFetch)

	if err := set.SendMessage(context.Background(), "d1", "hello"); !errors.Is(err, NewError(ErrorUnresolvableDialog, "")) {
		t.Fatalf("SendMessage on closed dialog = %v, want unresolvable dialog", err)
	}

	if err := set.Open(context.Background(), "d1"); err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer set.CloseAll()

	if err := set.SendMessage(context.Background(), "d1", "hello"); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	conn := dialer.last()
	published := conn.published[Topic("d1", TagMessage)]
	if len(published) != 1 {
		t.Fatalf("published %d payloads, want 1", len(published))
	}
	req, ok := published[0].(MessageRequest)
	if !ok || req.Type != ChunkMessageRequest || req.Text != "hello" {
		t.Fatalf("published payload = %#v", published[0])
	}
}

func TestDialogSetCloseTearsDown(t *testing.T) {
	set, router, dialer := newTestDialogSet(t, emptyFetch)

	if err := set.Open(context.Background(), "d1"); err != nil {
		t.Fatalf("Open: %v", err)
	}
	conn := dialer.last()
	mustEmit(t, conn, "d1", textChunk(1, "before close"))

	set.Close("d1")
	if set.IsOpen("d1") {
		t.Fatalf("dialog still open after Close")
	}
	if got := router.BackgroundMessages("d1"); len(got) != 0 {
		t.Fatalf("router state survived Close: %v", got)
	}

	// The subscription is gone, so late chunks fall on the floor.
	mustEmit(t, conn, "d1", textChunk(2, "after close"))
	if got := router.BackgroundMessages("d1"); len(got) != 0 {
		t.Fatalf("chunk delivered after Close: %v", got)
	}

	// The last reference is released; the shared connection closes after
	// the grace delay.
	deadline := time.After(time.Second)
	for conn.closeCalls.Load() == 0 {
		select {
		case <-deadline:
			t.Fatalf("shared connection never closed")
		case <-time.After(2 * time.Millisecond):
		}
	}
}

func TestDialogSetResyncFetchesFromLastSequence(t *testing.T) {
	var mu sync.Mutex
	var froms []*int64
	fetch := func(_ context.Context, _ string, _ MessageTypeTag, from *int64) ([]Chunk, error) {
		mu.Lock()
		froms = append(froms, copySeq(from))
		mu.Unlock()
		if from == nil {
			return []Chunk{markerChunk(1, ChunkMessageStart), textChunk(2, "hi")}, nil
		}
		return nil, nil
	}
	set, router, _ := newTestDialogSet(t, fetch)
	router.ActivateDialog("d1", nil)

	if err := set.Open(context.Background(), "d1"); err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer set.CloseAll()

	if err := set.Resync(context.Background(), "d1"); err != nil {
		t.Fatalf("Resync: %v", err)
	}
	if err := set.Resync(context.Background(), "missing"); !errors.Is(err, NewError(ErrorUnresolvableDialog, "")) {
		t.Fatalf("Resync on closed dialog = %v, want unresolvable dialog", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(froms) != 2 {
		t.Fatalf("fetch ran %d times, want 2", len(froms))
	}
	if froms[0] != nil {
		t.Fatalf("initial fetch from = %d, want nil", *froms[0])
	}
	if froms[1] == nil || *froms[1] != 2 {
		t.Fatalf("resync fetch from = %v, want 2", froms[1])
	}
}
