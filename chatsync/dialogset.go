package chatsync

import (
	"context"
	"encoding/json"
	"sync"
)

// DialogSubscriptionSet keeps one catch-up coordinator and one subscription
// per stream tag alive for every dialog opened in the current session, even
// after the user switches away. It owns its resources explicitly; a view
// layer calls Open/Close, it does not define them.
type DialogSubscriptionSet struct {
	registry *ConnectionRegistry
	router   *RealtimeRouter
	fetch    FetchFunc
	url      string
	tags     []MessageTypeTag
	logger   Logger

	mu      sync.Mutex
	entries map[string]*dialogEntry
}

type dialogEntry struct {
	coordinator *CatchupCoordinator
	subs        []*Subscription
	cancel      context.CancelFunc
	handle      *ConnectionHandle
}

// NewDialogSubscriptionSet wires the aggregate. url is the pub/sub endpoint
// acquired through the registry; fetch supplies historical chunks; tags
// lists the streams subscribed per dialog (defaults to the client stream).
func NewDialogSubscriptionSet(registry *ConnectionRegistry, router *RealtimeRouter, fetch FetchFunc, url string, tags ...MessageTypeTag) *DialogSubscriptionSet {
	if len(tags) == 0 {
		tags = []MessageTypeTag{TagMessage}
	}
	return &DialogSubscriptionSet{
		registry: registry,
		router:   router,
		fetch:    fetch,
		url:      url,
		tags:     tags,
		logger:   noopLogger{},
		entries:  make(map[string]*dialogEntry),
	}
}

// SetLogger overrides the logger (optional).
func (s *DialogSubscriptionSet) SetLogger(l Logger) {
	if l == nil {
		return
	}
	s.logger = l
}

// Open establishes the dialog's subscriptions and runs catch-up: buffering
// starts before the subscribe acknowledgment can arrive, live chunks defer
// until history is reconciled, then the merged stream flows to the router.
// Opening an already-open dialog is a no-op.
func (s *DialogSubscriptionSet) Open(ctx context.Context, dialogID string) error {
	s.mu.Lock()
	if _, ok := s.entries[dialogID]; ok {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	handle := s.registry.Acquire(s.url)
	if err := handle.Connect(ctx); err != nil {
		handle.Release()
		return WrapError(ErrorTransport, "connect shared transport", err)
	}

	coord := NewCatchupCoordinator(dialogID, s.tags, s.fetch, func(chunk Chunk, tag MessageTypeTag) {
		s.router.ProcessChunk(chunk, tag, dialogID)
	})
	coord.SetLogger(s.logger)
	coord.StartInitialBuffering()

	subCtx, cancel := context.WithCancel(context.Background())
	entry := &dialogEntry{coordinator: coord, cancel: cancel, handle: handle}

	for _, tag := range s.tags {
		tag := tag
		sub, err := handle.Conn().Subscribe(subCtx, Topic(dialogID, tag), func(data []byte) {
			var chunk Chunk
			if err := json.Unmarshal(data, &chunk); err != nil {
				// Malformed live payloads never crash the subscription.
				s.logger.Debug("dropping malformed payload", map[string]any{
					"dialogId": dialogID,
					"chatType": string(tag),
				})
				return
			}
			coord.ProcessChunk(chunk, tag, false)
		})
		if err != nil {
			cancel()
			for _, prev := range entry.subs {
				prev.Unsubscribe()
			}
			coord.Reset()
			handle.Release()
			return WrapError(ErrorSubscription, "subscribe dialog stream", err)
		}
		entry.subs = append(entry.subs, sub)
	}

	s.mu.Lock()
	if _, raced := s.entries[dialogID]; raced {
		s.mu.Unlock()
		cancel()
		for _, sub := range entry.subs {
			sub.Unsubscribe()
		}
		handle.Release()
		return nil
	}
	s.entries[dialogID] = entry
	s.mu.Unlock()

	if err := coord.CatchUp(ctx, nil); err != nil {
		s.logger.Warn("catch-up interrupted", map[string]any{"dialogId": dialogID, "error": err.Error()})
	}
	return nil
}

// Resync tears the dialog's chunk tracking down and runs a fresh catch-up
// starting from the last delivered sequence id. Used after a reconnect.
func (s *DialogSubscriptionSet) Resync(ctx context.Context, dialogID string) error {
	s.mu.Lock()
	entry, ok := s.entries[dialogID]
	s.mu.Unlock()
	if !ok {
		return NewError(ErrorUnresolvableDialog, "dialog not open")
	}
	from := entry.coordinator.LastSequenceID()
	entry.coordinator.Reset()
	entry.coordinator.StartInitialBuffering()
	return entry.coordinator.CatchUp(ctx, from)
}

// Activate switches the foreground dialog, handing its background buffer
// over merged with the supplied paginated history.
func (s *DialogSubscriptionSet) Activate(dialogID string, paginated []Message) []Message {
	return s.router.ActivateDialog(dialogID, paginated)
}

// SendMessage publishes a user prompt on the dialog's topic. Fails fast
// when the transport is not connected; nothing queues.
func (s *DialogSubscriptionSet) SendMessage(ctx context.Context, dialogID, text string) error {
	s.mu.Lock()
	entry, ok := s.entries[dialogID]
	s.mu.Unlock()
	if !ok {
		return NewError(ErrorUnresolvableDialog, "dialog not open")
	}
	return entry.handle.Conn().Publish(ctx, Topic(dialogID, TagMessage), NewMessageRequest(text))
}

// IsOpen reports whether the dialog currently holds live subscriptions.
func (s *DialogSubscriptionSet) IsOpen(dialogID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[dialogID]
	return ok
}

// OpenDialogs lists the dialogs with live subscriptions.
func (s *DialogSubscriptionSet) OpenDialogs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.entries))
	for id := range s.entries {
		out = append(out, id)
	}
	return out
}

// Close tears the dialog down: aborts in-flight fetches, unsubscribes the
// topic handles, resets chunk tracking, disposes router state, and releases
// the shared connection reference.
func (s *DialogSubscriptionSet) Close(dialogID string) {
	s.mu.Lock()
	entry, ok := s.entries[dialogID]
	delete(s.entries, dialogID)
	s.mu.Unlock()
	if !ok {
		return
	}
	entry.cancel()
	for _, sub := range entry.subs {
		sub.Unsubscribe()
	}
	entry.coordinator.Reset()
	s.router.DisposeDialog(dialogID)
	entry.handle.Release()
}

// CloseAll tears down every open dialog.
func (s *DialogSubscriptionSet) CloseAll() {
	s.mu.Lock()
	ids := make([]string, 0, len(s.entries))
	for id := range s.entries {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	for _, id := range ids {
		s.Close(id)
	}
}
