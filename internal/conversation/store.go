package conversation

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"dreambot/internal/domain"
	"dreambot/internal/infra"
	"dreambot/internal/queue"
)

// OperatorThreadID names the thread that receives operator notifications.
const OperatorThreadID = "operator"

// ErrClosed is returned when writing to a closed thread.
var ErrClosed = errors.New("conversation: thread closed")

// MessageKind classifies thread entries.
type MessageKind string

const (
	KindAcknowledgment MessageKind = "acknowledgment"
	KindReply          MessageKind = "reply"
	KindAttachment     MessageKind = "attachment"
	KindFailure        MessageKind = "failure"
	KindOperator       MessageKind = "operator"
)

// Message is one entry in a thread.
type Message struct {
	Seq        int                `json:"seq"`
	Kind       MessageKind        `json:"kind"`
	Text       string             `json:"text,omitempty"`
	Attachment *domain.Attachment `json:"attachment,omitempty"`
	At         time.Time          `json:"at"`
}

// Thread is the in-memory conversation a dream command replies into. It
// implements domain.Requester.
type Thread struct {
	id   string
	info domain.RequesterInfo
	now  func() time.Time

	mu       sync.Mutex
	messages []Message
	closed   bool
}

func (t *Thread) ID() string { return t.id }

func (t *Thread) Describe() domain.RequesterInfo { return t.info }

func (t *Thread) Acknowledge(ctx context.Context, text string) error {
	return t.append(ctx, Message{Kind: KindAcknowledgment, Text: text})
}

func (t *Thread) Reply(ctx context.Context, reply domain.Reply) error {
	msg := Message{Kind: KindReply, Text: reply.Text}
	if reply.Attachment != nil {
		att := *reply.Attachment
		msg.Attachment = &att
	}
	return t.append(ctx, msg)
}

func (t *Thread) Attach(ctx context.Context, att domain.Attachment) error {
	return t.append(ctx, Message{Kind: KindAttachment, Attachment: &att})
}

func (t *Thread) Fail(ctx context.Context, text string) error {
	return t.append(ctx, Message{Kind: KindFailure, Text: text})
}

func (t *Thread) append(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	msg.Seq = len(t.messages) + 1
	msg.At = t.now()
	t.messages = append(t.messages, msg)
	return nil
}

// Messages returns a copy of the thread history.
func (t *Thread) Messages() []Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Message(nil), t.messages...)
}

// Attachments lists every artifact posted to the thread, in order.
func (t *Thread) Attachments() []domain.Attachment {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []domain.Attachment
	for _, m := range t.messages {
		if m.Attachment != nil {
			out = append(out, *m.Attachment)
		}
	}
	return out
}

// Close rejects further writes; late replies for the thread fail with
// ErrClosed.
func (t *Thread) Close() {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
}

// Store owns every open thread plus the operator thread.
type Store struct {
	mu       sync.RWMutex
	threads  map[string]*Thread
	operator *Thread
	logger   infra.Logger
	now      func() time.Time
}

// NewStore builds an empty store.
func NewStore(logger infra.Logger) *Store {
	s := &Store{threads: make(map[string]*Thread), logger: logger, now: time.Now}
	s.operator = &Thread{id: OperatorThreadID, info: domain.RequesterInfo{ThreadID: OperatorThreadID, UserName: "operator"}, now: s.clock}
	return s
}

func (s *Store) clock() time.Time { return s.now() }

// Open starts a new thread for the requester.
func (s *Store) Open(info domain.RequesterInfo) *Thread {
	id := uuid.NewString()
	info.ThreadID = id
	t := &Thread{id: id, info: info, now: s.clock}
	s.mu.Lock()
	s.threads[id] = t
	s.mu.Unlock()
	return t
}

// Get returns the thread with id. The operator thread is reachable by
// OperatorThreadID.
func (s *Store) Get(id string) (*Thread, bool) {
	if id == OperatorThreadID {
		return s.operator, true
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.threads[id]
	return t, ok
}

// Remove closes and forgets a thread.
func (s *Store) Remove(id string) bool {
	s.mu.Lock()
	t, ok := s.threads[id]
	delete(s.threads, id)
	s.mu.Unlock()
	if ok {
		t.Close()
	}
	return ok
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.threads)
}

// Operator returns the operator thread.
func (s *Store) Operator() *Thread {
	return s.operator
}

// Deliver posts a notification to the operator thread.
func (s *Store) Deliver(ctx context.Context, n queue.Notification) error {
	s.logger.Info().Str("source", n.Source).Str("job_id", n.JobID).Msg("conversation: operator notification")
	return s.operator.append(ctx, Message{Kind: KindOperator, Text: n.Text})
}
