package chatsync

import (
	"time"

	"github.com/google/uuid"
)

// Role identifies who a message is from.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleError     Role = "error"
)

// SegmentType identifies the kind of a message segment.
type SegmentType string

const (
	SegmentText            SegmentType = "text"
	SegmentToolExecution   SegmentType = "tool_execution"
	SegmentApprovalRequest SegmentType = "approval_request"
)

// ApprovalStatus tracks the lifecycle of an approval request segment.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
)

// ApprovalTypeClient marks approval requests answered by the end user;
// any other approval type is escalated to an operator.
const ApprovalTypeClient = "CLIENT"

// ToolExecutionData describes a tool invocation streamed by the assistant.
// Type is EXECUTING_TOOL while in flight and EXECUTED_TOOL once finished.
type ToolExecutionData struct {
	Type               string
	IntegratedToolType string
	ToolFunction       string
	Parameters         map[string]any
	Result             string
	Success            *bool
}

// ApprovalRequestData describes a command awaiting approval.
type ApprovalRequestData struct {
	Command      string
	Explanation  string
	ApprovalType string
	RequestID    string
}

// MessageSegment is one structured piece of message content. Exactly one of
// Tool or Approval is set for the non-text types.
type MessageSegment struct {
	Type     SegmentType
	Text     string
	Tool     *ToolExecutionData
	Approval *ApprovalRequestData
	Status   ApprovalStatus
}

// Message is a rendered conversation entry.
type Message struct {
	ID        string
	DialogID  string
	Role      Role
	Name      string
	Segments  []MessageSegment
	CreatedAt time.Time

	// Tag records which conversation stream the message belongs to, so the
	// client-facing and operator-facing streams stay distinguishable in a
	// merged view.
	Tag MessageTypeTag

	// Streaming marks a synthetic entry whose content is still being
	// accumulated from text deltas.
	Streaming bool
}

// TextContent flattens the message's text segments.
func (m Message) TextContent() string {
	var out string
	for _, s := range m.Segments {
		if s.Type == SegmentText {
			out += s.Text
		}
	}
	return out
}

func newSyntheticMessage(dialogID string, role Role, name string) Message {
	return Message{
		ID:        uuid.NewString(),
		DialogID:  dialogID,
		Role:      role,
		Name:      name,
		CreatedAt: time.Now(),
	}
}

// messageFromChunk materializes a historical-shaped payload.
func messageFromChunk(c Chunk) Message {
	role := RoleAssistant
	if c.Owner == "USER" {
		role = RoleUser
	}
	created := time.Now()
	if c.CreatedAt != "" {
		if t, err := time.Parse(time.RFC3339, c.CreatedAt); err == nil {
			created = t
		}
	}
	m := Message{
		ID:        c.ID,
		DialogID:  c.DialogID,
		Role:      role,
		CreatedAt: created,
	}
	if c.Text != "" {
		m.Segments = []MessageSegment{{Type: SegmentText, Text: c.Text}}
	}
	return m
}
