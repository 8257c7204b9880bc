package chatsync

import "encoding/json"

// MessageTypeTag distinguishes the client-facing and operator-facing
// conversation streams multiplexed over one connection.
type MessageTypeTag string

const (
	TagMessage      MessageTypeTag = "message"
	TagAdminMessage MessageTypeTag = "admin-message"
)

// Topic returns the pub/sub subject for a dialog's stream.
func Topic(dialogID string, tag MessageTypeTag) string {
	return "chat." + dialogID + "." + string(tag)
}

// Chunk type markers assigned by the server.
const (
	ChunkMessageStart    = "MESSAGE_START"
	ChunkMessageEnd      = "MESSAGE_END"
	ChunkText            = "TEXT"
	ChunkExecutingTool   = "EXECUTING_TOOL"
	ChunkExecutedTool    = "EXECUTED_TOOL"
	ChunkApprovalRequest = "APPROVAL_REQUEST"
	ChunkApprovalResult  = "APPROVAL_RESULT"
	ChunkError           = "ERROR"
	ChunkAIMetadata      = "AI_METADATA"
	ChunkMessageRequest  = "MESSAGE_REQUEST"
)

// Chunk is one inbound unit of streamed conversation data. SequenceID is
// assigned by the server per dialog and is monotonically increasing within
// that dialog; control chunks may carry none. Chunks are immutable once
// received.
type Chunk struct {
	SequenceID *int64 `json:"sequenceId,omitempty"`
	Type       string `json:"type"`
	Text       string `json:"text,omitempty"`

	// Tool execution fields.
	IntegratedToolType string         `json:"integratedToolType,omitempty"`
	ToolFunction       string         `json:"toolFunction,omitempty"`
	Parameters         map[string]any `json:"parameters,omitempty"`
	Result             string         `json:"result,omitempty"`
	Success            *bool          `json:"success,omitempty"`

	// Approval fields.
	ApprovalRequestID string `json:"approvalRequestId,omitempty"`
	ApprovalType      string `json:"approvalType,omitempty"`
	Command           string `json:"command,omitempty"`
	Explanation       string `json:"explanation,omitempty"`
	Approved          *bool  `json:"approved,omitempty"`

	// Error chunks.
	Error string `json:"error,omitempty"`

	// AI metadata chunks.
	ModelName     string `json:"modelName,omitempty"`
	ProviderName  string `json:"providerName,omitempty"`
	ContextWindow int    `json:"contextWindow,omitempty"`

	// Historical-shaped payloads carry both ID and DialogID and map onto a
	// stored message rather than a streaming action.
	ID        string `json:"id,omitempty"`
	DialogID  string `json:"dialogId,omitempty"`
	ChatType  string `json:"chatType,omitempty"`
	Owner     string `json:"owner,omitempty"`
	CreatedAt string `json:"createdAt,omitempty"`
}

// Seq returns the chunk's sequence id, treating a missing one as 0.
func (c Chunk) Seq() int64 {
	if c.SequenceID == nil {
		return 0
	}
	return *c.SequenceID
}

// IsHistorical reports whether the chunk is a fully-formed stored message.
func (c Chunk) IsHistorical() bool {
	return c.ID != "" && c.DialogID != ""
}

// MessageRequest asks the assistant to start streaming a response. It is
// published on the dialog's topic.
type MessageRequest struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// NewMessageRequest builds the publish payload for a user prompt.
func NewMessageRequest(text string) MessageRequest {
	return MessageRequest{Type: ChunkMessageRequest, Text: text}
}

// Wire envelope, client <-> server.
const (
	opSub   = "sub"
	opUnsub = "unsub"
	opPub   = "pub"
	opMsg   = "msg"
	opPing  = "ping"
	opPong  = "pong"
	opErr   = "err"
)

type envelope struct {
	Op      string          `json:"op"`
	Subject string          `json:"subject,omitempty"`
	SID     int64           `json:"sid,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
	Message string          `json:"message,omitempty"`
}
