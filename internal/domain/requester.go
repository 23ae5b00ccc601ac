package domain

import "context"

// RequesterInfo identifies who asked for a job and where the request came
// from.
type RequesterInfo struct {
	ThreadID string `json:"thread_id"`
	UserID   string `json:"user_id"`
	UserName string `json:"user_name"`
	Country  string `json:"country,omitempty"`
	Locale   string `json:"locale,omitempty"`
}

// Attachment references a stored artifact by its storage key.
type Attachment struct {
	Name string `json:"name"`
	Path string `json:"path"`
}

// Reply is a threaded response to a dream command.
type Reply struct {
	Text       string      `json:"text"`
	Attachment *Attachment `json:"attachment,omitempty"`
}

// Requester is the conversation handle a job replies into. Implementations
// must be safe for concurrent use.
type Requester interface {
	Describe() RequesterInfo
	Acknowledge(ctx context.Context, text string) error
	Reply(ctx context.Context, reply Reply) error
	Attach(ctx context.Context, att Attachment) error
	Fail(ctx context.Context, text string) error
}
