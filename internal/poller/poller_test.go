package poller

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"dreambot/internal/dispatcher"
	"dreambot/internal/domain"
	"dreambot/internal/notify"
	"dreambot/internal/queue"
)

type recordingRequester struct {
	mu       sync.Mutex
	replies  []domain.Reply
	attached []domain.Attachment
	fails    []string
	replyErr error
}

func (r *recordingRequester) Describe() domain.RequesterInfo {
	return domain.RequesterInfo{UserID: "7", UserName: "bob"}
}

func (r *recordingRequester) Acknowledge(context.Context, string) error { return nil }

func (r *recordingRequester) Reply(_ context.Context, reply domain.Reply) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.replies = append(r.replies, reply)
	return r.replyErr
}

func (r *recordingRequester) Attach(_ context.Context, att domain.Attachment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attached = append(r.attached, att)
	return nil
}

func (r *recordingRequester) Fail(_ context.Context, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fails = append(r.fails, text)
	return nil
}

type outDir struct{}

func (outDir) Path(key string) (string, error) { return filepath.Join("/out", key), nil }

type recordingEvents struct {
	events []notify.JobEvent
}

func (e *recordingEvents) PublishJob(_ context.Context, ev notify.JobEvent) error {
	e.events = append(e.events, ev)
	return nil
}

type fixture struct {
	broker    *queue.Broker
	jobs      *dispatcher.InFlight
	upscales  *dispatcher.UpscaleRequests
	delivered []queue.Notification
	slept     []time.Duration
	events    *recordingEvents
	now       time.Time
	poller    *Poller
}

func newFixture(t *testing.T, policy string, timeout time.Duration) *fixture {
	t.Helper()
	f := &fixture{
		broker:   queue.NewMemoryBroker(),
		jobs:     dispatcher.NewInFlight(),
		upscales: dispatcher.NewUpscaleRequests(),
		events:   &recordingEvents{},
		now:      time.Unix(1700000000, 0),
	}
	p, err := New(Options{
		Notify:   f.broker.Notify,
		Upscale:  f.broker.Upscale,
		Results:  f.broker.Result,
		Jobs:     f.jobs,
		Upscales: f.upscales,
		Operator: notify.SinkFunc(func(_ context.Context, n queue.Notification) error {
			f.delivered = append(f.delivered, n)
			return nil
		}),
		Events:     f.events,
		Artifacts:  outDir{},
		JitterMax:  2 * time.Second,
		LostJobs:   policy,
		JobTimeout: timeout,
		Logger:     zerolog.Nop(),
		Sleep: func(_ context.Context, d time.Duration) error {
			f.slept = append(f.slept, d)
			return nil
		},
		Jitter: func(limit time.Duration) time.Duration { return limit / 2 },
		Now:    func() time.Time { return f.now },
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	f.poller = p
	return f
}

func (f *fixture) addJob(t *testing.T, id string, requester domain.Requester) *domain.Job {
	t.Helper()
	job := domain.NewJob(id, domain.Payload{Prompt: "p", Seed: 5}, 2, 1, requester, f.now)
	if err := job.MarkDreaming(); err != nil {
		t.Fatalf("MarkDreaming() error = %v", err)
	}
	f.jobs.Add(job)
	return job
}

func mustTick(t *testing.T, p *Poller, want Action) {
	t.Helper()
	got, err := p.Tick(context.Background())
	if err != nil {
		t.Fatalf("Tick() error = %v", err)
	}
	if got != want {
		t.Fatalf("Tick() = %s, want %s", got, want)
	}
}

func TestTickPriorityOneActionPerTick(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "", 0)
	requester := &recordingRequester{}
	f.addJob(t, "job-1", requester)
	f.upscales.Add("req-1", requester)

	_ = f.broker.Result.Put(ctx, queue.ResultMessage{JobID: "job-1", Filename: "a.png"})
	_ = f.broker.Upscale.Put(ctx, queue.UpscaleMessage{RequestID: "req-1", Phase: queue.PhaseDone, Result: queue.FileRef{Name: "a_upscaled.png.upscale.png"}})
	_ = f.broker.Notify.Put(ctx, queue.Notification{Source: "w", Text: "hello"})

	mustTick(t, f.poller, ActionNotification)
	if n, _ := f.broker.Upscale.Len(ctx); n != 1 {
		t.Fatalf("upscale queue touched during notification tick")
	}
	if n, _ := f.broker.Result.Len(ctx); n != 1 {
		t.Fatalf("result queue touched during notification tick")
	}
	if len(f.delivered) != 1 || f.delivered[0].Text != "hello" {
		t.Fatalf("delivered = %+v", f.delivered)
	}

	mustTick(t, f.poller, ActionUpscaleDone)
	if len(requester.attached) != 1 || requester.attached[0].Name != "a_upscaled.png.upscale.png" {
		t.Fatalf("attached = %+v", requester.attached)
	}
	if n, _ := f.broker.Result.Len(ctx); n != 1 {
		t.Fatalf("result queue touched during upscale tick")
	}

	mustTick(t, f.poller, ActionResult)
	mustTick(t, f.poller, ActionIdle)
}

func TestTickRequeuesQueuePhaseUpscale(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "", 0)
	pending := queue.UpscaleMessage{
		RequestID: "req-1",
		Phase:     queue.PhaseQueue,
		Source:    queue.FileRef{Name: "a.png", Path: "/out/a.png"},
		Target:    queue.FileRef{Name: "a_upscaled.png", Path: "/out/a_upscaled.png"},
		Model:     domain.UpscaleModelGeneral,
	}
	requester := &recordingRequester{}
	f.upscales.Add("req-1", requester)
	_ = f.broker.Upscale.Put(ctx, pending)
	_ = f.broker.Result.Put(ctx, queue.ResultMessage{JobID: "unknown"})

	mustTick(t, f.poller, ActionUpscaleRequeued)
	got, ok, _ := f.broker.Upscale.TryGet(ctx)
	if !ok || got != pending {
		t.Fatalf("requeued = %+v, want unchanged %+v", got, pending)
	}
	if len(requester.attached) != 0 || f.upscales.Len() != 1 {
		t.Fatalf("queue-phase entry was treated as done")
	}
	if n, _ := f.broker.Result.Len(ctx); n != 1 {
		t.Fatalf("result consumed in the same tick as the requeue")
	}
}

func TestTickDropsResultForUnknownJob(t *testing.T) {
	f := newFixture(t, "", 0)
	_ = f.broker.Result.Put(context.Background(), queue.ResultMessage{JobID: "cancelled"})
	mustTick(t, f.poller, ActionResultDropped)
	if len(f.slept) != 0 {
		t.Fatalf("dropped result should not wait for jitter")
	}
}

func TestTickTerminatesJob(t *testing.T) {
	f := newFixture(t, "", 0)
	requester := &recordingRequester{}
	job := f.addJob(t, "job-1", requester)
	_ = f.broker.Result.Put(context.Background(), queue.ResultMessage{
		JobID:    "job-1",
		Filename: "1700000000_job-1.png",
		Stats:    "Took 2.00s total",
		Worker:   "sd1.5",
	})

	mustTick(t, f.poller, ActionResult)
	if len(requester.replies) != 1 {
		t.Fatalf("replies = %d, want 1", len(requester.replies))
	}
	reply := requester.replies[0]
	want := "seed: 5\nitr: 1 / 2\nfilename: 1700000000_job-1.png\nuser: bob (7)\nTook 2.00s total"
	if reply.Text != want {
		t.Fatalf("reply text = %q, want %q", reply.Text, want)
	}
	if reply.Attachment == nil || reply.Attachment.Path != filepath.Join("/out", "1700000000_job-1.png") {
		t.Fatalf("attachment = %+v", reply.Attachment)
	}
	if job.Status() != domain.JobStatusTerminated {
		t.Fatalf("status = %s, want terminated", job.Status())
	}
	if _, ok := f.jobs.Get("job-1"); ok {
		t.Fatalf("job still in flight")
	}
	if len(f.slept) != 1 || f.slept[0] != time.Second {
		t.Fatalf("slept = %v, want one jitter pause", f.slept)
	}
	if len(f.events.events) != 1 || f.events.events[0].Status != "terminated" {
		t.Fatalf("events = %+v", f.events.events)
	}

	_ = f.broker.Result.Put(context.Background(), queue.ResultMessage{JobID: "job-1"})
	mustTick(t, f.poller, ActionResultDropped)
	if len(requester.replies) != 1 {
		t.Fatalf("duplicate result delivered twice")
	}
}

func TestTickDeliversResultWhenStoppedDuringJitter(t *testing.T) {
	f := newFixture(t, "", 0)
	requester := &recordingRequester{}
	f.addJob(t, "job-1", requester)
	_ = f.broker.Result.Put(context.Background(), queue.ResultMessage{JobID: "job-1", Filename: "1700000000_job-1.png"})

	ctx, cancel := context.WithCancel(context.Background())
	f.poller.sleep = func(ctx context.Context, _ time.Duration) error {
		cancel()
		return ctx.Err()
	}

	action, err := f.poller.Tick(ctx)
	if action != ActionResult || !errors.Is(err, context.Canceled) {
		t.Fatalf("Tick() = %s, %v, want result and context.Canceled", action, err)
	}
	if len(requester.replies) != 1 || requester.replies[0].Attachment.Name != "1700000000_job-1.png" {
		t.Fatalf("replies = %+v, want the dequeued result delivered", requester.replies)
	}
	if _, ok := f.jobs.Get("job-1"); ok {
		t.Fatalf("job still in flight after shutdown")
	}
}

func TestTickReplyFailureStillRetiresJob(t *testing.T) {
	f := newFixture(t, "", 0)
	requester := &recordingRequester{replyErr: errors.New("channel gone")}
	f.addJob(t, "job-1", requester)
	_ = f.broker.Result.Put(context.Background(), queue.ResultMessage{JobID: "job-1", Filename: "x.png"})

	if _, err := f.poller.Tick(context.Background()); err == nil {
		t.Fatalf("Tick() error = nil, want reply failure")
	}
	if f.jobs.Len() != 0 {
		t.Fatalf("in-flight = %d, want 0", f.jobs.Len())
	}
}

func TestIgnorePolicyKeepsLostJob(t *testing.T) {
	f := newFixture(t, "ignore", 0)
	requester := &recordingRequester{}
	f.addJob(t, "job-1", requester)
	_ = f.broker.Notify.Put(context.Background(), queue.Notification{Source: "sd1.5", Text: "Worker sd1.5: worker_loop: has error: boom", JobID: "job-1"})

	mustTick(t, f.poller, ActionNotification)
	if _, ok := f.jobs.Get("job-1"); !ok {
		t.Fatalf("job removed under ignore policy")
	}
	if len(requester.fails) != 0 {
		t.Fatalf("requester notified under ignore policy")
	}
}

func TestFailPolicyResolvesLostJob(t *testing.T) {
	f := newFixture(t, "fail", 0)
	requester := &recordingRequester{}
	job := f.addJob(t, "job-1", requester)
	upscaleRequester := &recordingRequester{}
	f.upscales.Add("req-9", upscaleRequester)

	_ = f.broker.Notify.Put(context.Background(), queue.Notification{Text: "Worker sd1.5: worker_loop: has error: boom", JobID: "job-1"})
	_ = f.broker.Notify.Put(context.Background(), queue.Notification{Text: "Upscaler upscaler: upscaler_loop: has error: oom", JobID: "req-9"})

	mustTick(t, f.poller, ActionNotification)
	if len(requester.fails) != 1 || !strings.Contains(requester.fails[0], "has error: boom") {
		t.Fatalf("fails = %v", requester.fails)
	}
	if job.Status() != domain.JobStatusTerminated || f.jobs.Len() != 0 {
		t.Fatalf("lost job not retired")
	}
	if len(f.delivered) != 1 {
		t.Fatalf("operator notification not delivered")
	}

	mustTick(t, f.poller, ActionNotification)
	if len(upscaleRequester.fails) != 1 || f.upscales.Len() != 0 {
		t.Fatalf("upscale failure not resolved")
	}
}

func TestSweepFailsTimedOutJobs(t *testing.T) {
	f := newFixture(t, "", time.Minute)
	old := &recordingRequester{}
	f.addJob(t, "old", old)
	f.now = f.now.Add(2 * time.Minute)
	fresh := &recordingRequester{}
	f.addJob(t, "fresh", fresh)

	if n := f.poller.Sweep(context.Background()); n != 1 {
		t.Fatalf("Sweep() = %d, want 1", n)
	}
	if len(old.fails) != 1 || len(fresh.fails) != 0 {
		t.Fatalf("old fails = %v, fresh fails = %v", old.fails, fresh.fails)
	}
	if _, ok := f.jobs.Get("fresh"); !ok {
		t.Fatalf("fresh job swept")
	}
}

func TestNewRejectsUnknownPolicy(t *testing.T) {
	b := queue.NewMemoryBroker()
	_, err := New(Options{Notify: b.Notify, Upscale: b.Upscale, Results: b.Result, Jobs: dispatcher.NewInFlight(), LostJobs: "retry"})
	if err == nil {
		t.Fatalf("New() error = nil, want unknown policy error")
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	f := newFixture(t, "", 0)
	ctx, cancel := context.WithCancel(context.Background())
	requester := &recordingRequester{}
	f.addJob(t, "job-1", requester)
	_ = f.broker.Result.Put(ctx, queue.ResultMessage{JobID: "job-1", Filename: "a.png"})

	done := make(chan error, 1)
	go func() { done <- f.poller.Run(ctx) }()
	deadline := time.Now().Add(2 * time.Second)
	for f.jobs.Len() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("job never delivered")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("Run() error = %v", err)
	}
}
