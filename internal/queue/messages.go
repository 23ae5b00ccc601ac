package queue

import (
	"time"

	"dreambot/internal/domain"
)

// Queue names shared by every backend.
const (
	WorkQueue    = "work"
	ResultQueue  = "result"
	NotifyQueue  = "notify"
	UpscaleQueue = "upscale"
)

// Kind tags the message type carried inside an Envelope.
type Kind string

const (
	KindWork         Kind = "work"
	KindResult       Kind = "result"
	KindUpscale      Kind = "upscale"
	KindNotification Kind = "notification"
)

// Message is implemented by every typed queue message.
type Message interface {
	Kind() Kind
}

// WorkMessage is one generation request on the Work Queue.
type WorkMessage struct {
	JobID   string         `msgpack:"job_id"`
	Payload domain.Payload `msgpack:"payload"`
}

func (WorkMessage) Kind() Kind { return KindWork }

// ResultMessage reports a finished generation back to the front-end.
type ResultMessage struct {
	JobID    string         `msgpack:"job_id"`
	Payload  domain.Payload `msgpack:"payload"`
	Filename string         `msgpack:"filename"`
	Stats    string         `msgpack:"stats"`
	Worker   string         `msgpack:"worker"`
}

func (ResultMessage) Kind() Kind { return KindResult }

// Phase is the lifecycle marker of an upscale request.
type Phase string

const (
	PhaseQueue Phase = "queue"
	PhaseDone  Phase = "done"
)

// FileRef names an artifact by storage key and resolved path.
type FileRef struct {
	Name string `msgpack:"name"`
	Path string `msgpack:"path"`
}

// UpscaleMessage travels the shared Upscale Queue twice: once in PhaseQueue
// towards the upscaler and once in PhaseDone back to the front-end.
type UpscaleMessage struct {
	RequestID string  `msgpack:"request_id"`
	Phase     Phase   `msgpack:"phase"`
	Source    FileRef `msgpack:"source"`
	Target    FileRef `msgpack:"target"`
	Model     string  `msgpack:"model"`
	Result    FileRef `msgpack:"result"`
}

func (UpscaleMessage) Kind() Kind { return KindUpscale }

// Notification is an operator-facing status or error report.
type Notification struct {
	Source string    `msgpack:"source" json:"source"`
	Text   string    `msgpack:"text" json:"text"`
	JobID  string    `msgpack:"job_id,omitempty" json:"job_id,omitempty"`
	At     time.Time `msgpack:"at" json:"at"`
}

func (Notification) Kind() Kind { return KindNotification }
