package rest

// ChatType values accepted by the chat API. They are distinct from the
// pub/sub stream tags: the REST layer speaks the server's enum.
const (
	ChatTypeClient = "CLIENT_CHAT"
	ChatTypeAdmin  = "ADMIN_CHAT"
)

// SendMessageRequest submits a user prompt; the assistant's reply streams
// back over pub/sub, not in this response.
type SendMessageRequest struct {
	DialogID string `json:"dialogId"`
	Content  string `json:"content"`
	ChatType string `json:"chatType"`
}

// DialogCreatedResponse is returned when a new dialog is created.
type DialogCreatedResponse struct {
	DialogID string `json:"dialogId"`
}

// ApprovalDecision answers an approval request.
type ApprovalDecision struct {
	Approve bool `json:"approve"`
}

// AIConfiguration describes the model backing the assistant.
type AIConfiguration struct {
	ID        string `json:"id"`
	Provider  string `json:"provider"`
	ModelName string `json:"modelName"`
	IsActive  bool   `json:"isActive"`
	HasAPIKey bool   `json:"hasApiKey"`
	CreatedAt string `json:"createdAt"`
	UpdatedAt string `json:"updatedAt"`
}

// ErrorResponse represents an API error body.
type ErrorResponse struct {
	Error string `json:"error"`
}
