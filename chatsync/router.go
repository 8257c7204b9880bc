package chatsync

import "sync"

// AIMetadata describes the model serving a dialog, reported by the server
// through control chunks.
type AIMetadata struct {
	ModelName     string
	ProviderName  string
	ContextWindow int
}

// BackgroundDialogState accumulates updates for a dialog the user has open
// in session but is not currently viewing. Messages are bounded, oldest
// evicted first. Created lazily, cleared on explicit dispose.
type BackgroundDialogState struct {
	store  *MessageStore
	unread int
}

// streamKey addresses one conversation stream: the client-facing and
// operator-facing streams of a dialog never share accumulation state.
type streamKey struct {
	dialog string
	tag    MessageTypeTag
}

type streamState struct {
	// messageID is the open synthetic message this stream accumulates into,
	// empty when no message is in flight.
	messageID string
	segments  []MessageSegment
	textAccum string
	streaming bool
}

// RealtimeRouter fans reconciled chunks out to either the active dialog's
// live message store or a bounded per-dialog background buffer, tracking
// per-stream accumulation, unread counts, and approval lifecycles. It
// exclusively owns per-dialog background state; it never touches coordinator
// internals.
type RealtimeRouter struct {
	logger        Logger
	assistantName string
	backgroundCap int

	mu          sync.Mutex
	active      string
	activeStore *MessageStore
	background  map[string]*BackgroundDialogState
	streams     map[streamKey]*streamState

	// typing is the last per-dialog any-stream-streaming value reported
	// through the callback.
	typing map[string]bool

	approvalStatuses  map[string]ApprovalStatus
	pendingApprovals  map[string]ApprovalRequestData
	awaitingEscalated bool

	onStreaming func(dialogID string, streaming bool)
	onUnread    func(dialogID string, count int)
	onMetadata  func(dialogID string, meta AIMetadata)
	onError     func(dialogID string, errText string)
}

// NewRealtimeRouter constructs a router. backgroundCap bounds each
// background dialog's buffer; 0 or negative falls back to the default of 50.
func NewRealtimeRouter(assistantName string, backgroundCap int) *RealtimeRouter {
	if backgroundCap <= 0 {
		backgroundCap = DefaultConfig().BackgroundCap
	}
	return &RealtimeRouter{
		logger:           noopLogger{},
		assistantName:    assistantName,
		backgroundCap:    backgroundCap,
		activeStore:      NewMessageStore(0),
		background:       make(map[string]*BackgroundDialogState),
		streams:          make(map[streamKey]*streamState),
		typing:           make(map[string]bool),
		approvalStatuses: make(map[string]ApprovalStatus),
		pendingApprovals: make(map[string]ApprovalRequestData),
	}
}

// SetLogger overrides the logger (optional).
func (r *RealtimeRouter) SetLogger(l Logger) {
	if l == nil {
		return
	}
	r.logger = l
}

// OnStreaming registers a callback for per-dialog streaming/typing changes.
// It reports whether any stream of the dialog is mid-message.
func (r *RealtimeRouter) OnStreaming(fn func(dialogID string, streaming bool)) {
	r.mu.Lock()
	r.onStreaming = fn
	r.mu.Unlock()
}

// OnUnread registers a callback for background unread count changes.
func (r *RealtimeRouter) OnUnread(fn func(dialogID string, count int)) {
	r.mu.Lock()
	r.onUnread = fn
	r.mu.Unlock()
}

// OnMetadata registers a callback for AI metadata control chunks.
func (r *RealtimeRouter) OnMetadata(fn func(dialogID string, meta AIMetadata)) {
	r.mu.Lock()
	r.onMetadata = fn
	r.mu.Unlock()
}

// OnErrorMessage registers a callback fired when the assistant reports a
// stream error for a dialog.
func (r *RealtimeRouter) OnErrorMessage(fn func(dialogID string, errText string)) {
	r.mu.Lock()
	r.onError = fn
	r.mu.Unlock()
}

// ProcessChunk routes one reconciled chunk from the tagged stream. The
// dialog is resolved from the explicit argument, else the payload's
// dialogId, else the active dialog; with no dialog context the chunk is
// dropped and logged.
func (r *RealtimeRouter) ProcessChunk(chunk Chunk, tag MessageTypeTag, targetDialogID string) {
	r.mu.Lock()
	dialogID := targetDialogID
	if dialogID == "" {
		dialogID = chunk.DialogID
	}
	if dialogID == "" {
		dialogID = r.active
	}
	if dialogID == "" {
		r.mu.Unlock()
		r.logger.Warn("dropping chunk without dialog context", map[string]any{"type": chunk.Type})
		return
	}

	var notify []func()
	if chunk.IsHistorical() {
		r.upsertHistoricalLocked(dialogID, tag, chunk, &notify)
	} else {
		r.applyStreamChunkLocked(dialogID, tag, chunk, &notify)
	}
	r.mu.Unlock()

	for _, fn := range notify {
		fn()
	}
}

// ActivateDialog makes dialogID the foreground dialog. The accumulated
// background buffer is handed over and merged with messages already loaded
// by pagination, de-duplicated by message id, and the unread counter resets
// to zero atomically. Returns the merged view now held by the active store.
func (r *RealtimeRouter) ActivateDialog(dialogID string, paginated []Message) []Message {
	r.mu.Lock()
	var buffered []Message
	if bg, ok := r.background[dialogID]; ok {
		buffered = bg.store.Messages()
		delete(r.background, dialogID)
	}
	merged := mergeMessages(paginated, buffered)
	r.active = dialogID
	r.activeStore = NewMessageStore(0)
	r.activeStore.Load(merged)
	fn := r.onUnread
	r.mu.Unlock()

	if fn != nil {
		fn(dialogID, 0)
	}
	return merged
}

// ActiveDialog returns the current foreground dialog id.
func (r *RealtimeRouter) ActiveDialog() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

// ActiveMessages returns the live store contents.
func (r *RealtimeRouter) ActiveMessages() []Message {
	r.mu.Lock()
	store := r.activeStore
	r.mu.Unlock()
	return store.Messages()
}

// BackgroundMessages returns the buffered messages for a background dialog.
func (r *RealtimeRouter) BackgroundMessages(dialogID string) []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	bg, ok := r.background[dialogID]
	if !ok {
		return nil
	}
	return bg.store.Messages()
}

// UnreadCount returns the unread counter for a background dialog.
func (r *RealtimeRouter) UnreadCount(dialogID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if bg, ok := r.background[dialogID]; ok {
		return bg.unread
	}
	return 0
}

// IsStreaming reports whether any stream of the dialog has an assistant
// message in flight.
func (r *RealtimeRouter) IsStreaming(dialogID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.anyStreamingLocked(dialogID)
}

// AwaitingEscalatedApproval reports whether an approval request was
// escalated past the client and is still unanswered.
func (r *RealtimeRouter) AwaitingEscalatedApproval() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.awaitingEscalated
}

// DisposeDialog clears all per-dialog router state, every stream included.
func (r *RealtimeRouter) DisposeDialog(dialogID string) {
	r.mu.Lock()
	delete(r.background, dialogID)
	delete(r.typing, dialogID)
	for key := range r.streams {
		if key.dialog == dialogID {
			delete(r.streams, key)
		}
	}
	if r.active == dialogID {
		r.active = ""
		r.activeStore = NewMessageStore(0)
	}
	r.mu.Unlock()
}

func (r *RealtimeRouter) storeForLocked(dialogID string) (store *MessageStore, isActive bool) {
	if dialogID == r.active {
		return r.activeStore, true
	}
	bg, ok := r.background[dialogID]
	if !ok {
		bg = &BackgroundDialogState{store: NewMessageStore(r.backgroundCap)}
		r.background[dialogID] = bg
	}
	return bg.store, false
}

func (r *RealtimeRouter) streamForLocked(dialogID string, tag MessageTypeTag) *streamState {
	key := streamKey{dialog: dialogID, tag: tag}
	st, ok := r.streams[key]
	if !ok {
		st = &streamState{}
		r.streams[key] = st
	}
	return st
}

func (r *RealtimeRouter) anyStreamingLocked(dialogID string) bool {
	for key, st := range r.streams {
		if key.dialog == dialogID && st.streaming {
			return true
		}
	}
	return false
}

func (r *RealtimeRouter) upsertHistoricalLocked(dialogID string, tag MessageTypeTag, chunk Chunk, notify *[]func()) {
	store, isActive := r.storeForLocked(dialogID)
	_, existed := store.Get(chunk.ID)
	m := messageFromChunk(chunk)
	m.Tag = tag
	store.UpsertByID(m)
	if !isActive && !existed {
		r.incrementUnreadLocked(dialogID, notify)
	}
}

func (r *RealtimeRouter) incrementUnreadLocked(dialogID string, notify *[]func()) {
	bg := r.background[dialogID]
	if bg == nil {
		return
	}
	bg.unread++
	if fn, count := r.onUnread, bg.unread; fn != nil {
		*notify = append(*notify, func() { fn(dialogID, count) })
	}
}

func (r *RealtimeRouter) setStreamingLocked(dialogID string, tag MessageTypeTag, streaming bool, notify *[]func()) {
	st := r.streamForLocked(dialogID, tag)
	st.streaming = streaming

	// The callback reports the dialog-level aggregate, not one stream.
	agg := r.anyStreamingLocked(dialogID)
	if r.typing[dialogID] == agg {
		return
	}
	r.typing[dialogID] = agg
	if fn := r.onStreaming; fn != nil {
		*notify = append(*notify, func() { fn(dialogID, agg) })
	}
}

// ensureAssistantLocked guarantees the stream has an open assistant message
// to accumulate into, appending a synthetic one if needed.
func (r *RealtimeRouter) ensureAssistantLocked(dialogID string, tag MessageTypeTag, notify *[]func()) {
	store, isActive := r.storeForLocked(dialogID)
	st := r.streamForLocked(dialogID, tag)
	if st.messageID != "" {
		if _, ok := store.Get(st.messageID); ok {
			return
		}
		// Evicted from a capped buffer; start a fresh message.
	}
	m := newSyntheticMessage(dialogID, RoleAssistant, r.assistantName)
	m.Tag = tag
	m.Streaming = true
	store.Append(m)
	st.messageID = m.ID
	if !isActive {
		r.incrementUnreadLocked(dialogID, notify)
	}
}

func (r *RealtimeRouter) applyStreamChunkLocked(dialogID string, tag MessageTypeTag, chunk Chunk, notify *[]func()) {
	switch chunk.Type {
	case ChunkAIMetadata:
		if fn := r.onMetadata; fn != nil {
			meta := AIMetadata{
				ModelName:     chunk.ModelName,
				ProviderName:  chunk.ProviderName,
				ContextWindow: chunk.ContextWindow,
			}
			*notify = append(*notify, func() { fn(dialogID, meta) })
		}

	case ChunkMessageStart:
		st := r.streamForLocked(dialogID, tag)
		st.messageID = ""
		st.segments = nil
		st.textAccum = ""
		r.ensureAssistantLocked(dialogID, tag, notify)
		r.setStreamingLocked(dialogID, tag, true, notify)

	case ChunkMessageEnd:
		r.setStreamingLocked(dialogID, tag, false, notify)
		r.closeStreamLocked(dialogID, tag)

	case ChunkText:
		if chunk.Text == "" {
			return
		}
		r.ensureAssistantLocked(dialogID, tag, notify)
		r.setStreamingLocked(dialogID, tag, true, notify)
		st := r.streamForLocked(dialogID, tag)
		if n := len(st.segments); n > 0 && st.segments[n-1].Type == SegmentText {
			st.textAccum += chunk.Text
			st.segments[n-1].Text = st.textAccum
		} else {
			st.textAccum = chunk.Text
			st.segments = append(st.segments, MessageSegment{Type: SegmentText, Text: chunk.Text})
		}
		r.materializeLocked(dialogID, st)

	case ChunkExecutingTool, ChunkExecutedTool:
		r.ensureAssistantLocked(dialogID, tag, notify)
		r.setStreamingLocked(dialogID, tag, true, notify)
		st := r.streamForLocked(dialogID, tag)
		r.applyToolSegmentLocked(st, chunk)
		r.materializeLocked(dialogID, st)

	case ChunkApprovalRequest:
		r.ensureAssistantLocked(dialogID, tag, notify)
		r.setStreamingLocked(dialogID, tag, true, notify)
		data := ApprovalRequestData{
			Command:      chunk.Command,
			Explanation:  chunk.Explanation,
			ApprovalType: chunk.ApprovalType,
			RequestID:    chunk.ApprovalRequestID,
		}
		if data.ApprovalType == "" {
			data.ApprovalType = ApprovalTypeClient
		}
		if data.ApprovalType == ApprovalTypeClient {
			status, ok := r.approvalStatuses[data.RequestID]
			if !ok {
				status = ApprovalPending
			}
			st := r.streamForLocked(dialogID, tag)
			st.segments = append(st.segments, MessageSegment{
				Type:     SegmentApprovalRequest,
				Approval: &data,
				Status:   status,
			})
			r.materializeLocked(dialogID, st)
		} else {
			// Escalated approvals are held until their result arrives.
			r.pendingApprovals[data.RequestID] = data
			r.awaitingEscalated = true
		}

	case ChunkApprovalResult:
		requestID := chunk.ApprovalRequestID
		status := ApprovalRejected
		if chunk.Approved != nil && *chunk.Approved {
			status = ApprovalApproved
		}
		r.approvalStatuses[requestID] = status

		if pending, ok := r.pendingApprovals[requestID]; ok && pending.ApprovalType != ApprovalTypeClient {
			delete(r.pendingApprovals, requestID)
			r.awaitingEscalated = len(r.pendingApprovals) > 0
			r.ensureAssistantLocked(dialogID, tag, notify)
			st := r.streamForLocked(dialogID, tag)
			data := pending
			st.segments = append(st.segments, MessageSegment{
				Type:     SegmentApprovalRequest,
				Approval: &data,
				Status:   status,
			})
			r.materializeLocked(dialogID, st)
		} else {
			r.updateApprovalStatusLocked(requestID, status)
		}

	case ChunkError:
		r.setStreamingLocked(dialogID, tag, false, notify)
		errText := chunk.Error
		if errText == "" {
			errText = "an error occurred"
		}
		r.appendErrorMessageLocked(dialogID, tag, errText, notify)
		st := r.streamForLocked(dialogID, tag)
		st.messageID = ""
		st.segments = nil
		st.textAccum = ""
		if fn := r.onError; fn != nil {
			*notify = append(*notify, func() { fn(dialogID, errText) })
		}

	default:
		r.logger.Debug("ignoring unrecognized chunk type", map[string]any{
			"dialogId": dialogID,
			"type":     chunk.Type,
		})
	}
}

// applyToolSegmentLocked appends a tool segment, or completes the matching
// in-flight one when an EXECUTED_TOOL result lands, inheriting its
// parameters when the result carries none.
func (r *RealtimeRouter) applyToolSegmentLocked(st *streamState, chunk Chunk) {
	data := ToolExecutionData{
		Type:               chunk.Type,
		IntegratedToolType: chunk.IntegratedToolType,
		ToolFunction:       chunk.ToolFunction,
		Parameters:         chunk.Parameters,
		Result:             chunk.Result,
		Success:            chunk.Success,
	}

	if chunk.Type == ChunkExecutedTool {
		for i, seg := range st.segments {
			if seg.Type != SegmentToolExecution || seg.Tool == nil {
				continue
			}
			if seg.Tool.Type == ChunkExecutingTool &&
				seg.Tool.IntegratedToolType == data.IntegratedToolType &&
				seg.Tool.ToolFunction == data.ToolFunction {
				if data.Parameters == nil {
					data.Parameters = seg.Tool.Parameters
				}
				st.segments[i] = MessageSegment{Type: SegmentToolExecution, Tool: &data}
				return
			}
		}
	}
	st.segments = append(st.segments, MessageSegment{Type: SegmentToolExecution, Tool: &data})
}

// materializeLocked writes the stream state into its open message.
func (r *RealtimeRouter) materializeLocked(dialogID string, st *streamState) {
	if st.messageID == "" {
		return
	}
	store, _ := r.storeForLocked(dialogID)
	segments := append([]MessageSegment(nil), st.segments...)
	store.Update(st.messageID, func(m *Message) {
		m.Segments = segments
	})
}

// closeStreamLocked finishes the stream's open message and detaches from it.
func (r *RealtimeRouter) closeStreamLocked(dialogID string, tag MessageTypeTag) {
	st := r.streamForLocked(dialogID, tag)
	if st.messageID != "" {
		store, _ := r.storeForLocked(dialogID)
		store.Update(st.messageID, func(m *Message) {
			m.Streaming = false
		})
	}
	st.messageID = ""
	st.segments = nil
	st.textAccum = ""
}

// appendErrorMessageLocked converts the stream's empty open message into an
// error message, otherwise appends a new one.
func (r *RealtimeRouter) appendErrorMessageLocked(dialogID string, tag MessageTypeTag, errText string, notify *[]func()) {
	store, isActive := r.storeForLocked(dialogID)
	st := r.streamForLocked(dialogID, tag)
	errMsg := newSyntheticMessage(dialogID, RoleError, r.assistantName)
	errMsg.Tag = tag
	errMsg.Segments = []MessageSegment{{Type: SegmentText, Text: errText}}

	if st.messageID != "" {
		replaced := false
		store.Update(st.messageID, func(m *Message) {
			if len(m.Segments) == 0 {
				*m = errMsg
				replaced = true
			}
		})
		if replaced {
			return
		}
	}
	store.Append(errMsg)
	if !isActive {
		r.incrementUnreadLocked(dialogID, notify)
	}
}

func (r *RealtimeRouter) updateApprovalStatusLocked(requestID string, status ApprovalStatus) {
	apply := func(m Message) Message {
		for i, seg := range m.Segments {
			if seg.Type == SegmentApprovalRequest && seg.Approval != nil && seg.Approval.RequestID == requestID {
				m.Segments[i].Status = status
			}
		}
		return m
	}
	r.activeStore.Map(apply)
	for _, bg := range r.background {
		bg.store.Map(apply)
	}
	for _, st := range r.streams {
		for i, seg := range st.segments {
			if seg.Type == SegmentApprovalRequest && seg.Approval != nil && seg.Approval.RequestID == requestID {
				st.segments[i].Status = status
			}
		}
	}
}

// mergeMessages combines paginated history with a background buffer,
// de-duplicating by message id. For entries present in both, the richer
// one wins: a still-streaming synthetic entry is superseded by a version
// with more segments or longer text.
func mergeMessages(paginated, buffered []Message) []Message {
	out := append([]Message(nil), paginated...)
	index := make(map[string]int, len(out))
	for i, m := range out {
		index[m.ID] = i
	}
	for _, m := range buffered {
		if i, ok := index[m.ID]; ok {
			if richerMessage(m, out[i]) {
				out[i] = m
			}
			continue
		}
		index[m.ID] = len(out)
		out = append(out, m)
	}
	return out
}

func richerMessage(candidate, existing Message) bool {
	if len(candidate.Segments) != len(existing.Segments) {
		return len(candidate.Segments) > len(existing.Segments)
	}
	return len(candidate.TextContent()) > len(existing.TextContent())
}
