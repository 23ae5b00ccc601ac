package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"dreambot/internal/domain"
	"dreambot/internal/queue"

	"github.com/rs/zerolog"
)

type recordingRequester struct {
	mu    sync.Mutex
	info  domain.RequesterInfo
	acks  []string
	fails []string
}

func (r *recordingRequester) Describe() domain.RequesterInfo { return r.info }

func (r *recordingRequester) Acknowledge(_ context.Context, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.acks = append(r.acks, text)
	return nil
}

func (r *recordingRequester) Reply(context.Context, domain.Reply) error { return nil }

func (r *recordingRequester) Attach(context.Context, domain.Attachment) error { return nil }

func (r *recordingRequester) Fail(_ context.Context, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fails = append(r.fails, text)
	return nil
}

type failingWorkQueue struct {
	failAfter int
	puts      int
}

func (f *failingWorkQueue) Put(context.Context, queue.WorkMessage) error {
	if f.puts >= f.failAfter {
		return errors.New("queue unavailable")
	}
	f.puts++
	return nil
}

func (f *failingWorkQueue) Len(context.Context) (int, error)   { return f.puts, nil }
func (f *failingWorkQueue) Drain(context.Context) (int, error) { return 0, nil }

type stubArtifacts struct {
	known map[string]bool
}

func (s stubArtifacts) Path(key string) (string, error) { return filepath.Join("/out", key), nil }
func (s stubArtifacts) Exists(key string) bool          { return s.known[key] }

func newTestDispatcher(t *testing.T, b *queue.Broker) *Dispatcher {
	t.Helper()
	n := 0
	d, err := New(Options{
		Work:      b.Work,
		Upscale:   b.Upscale,
		Presence:  b.Presence,
		Artifacts: stubArtifacts{known: map[string]bool{"1700000000_job.png": true}},
		Logger:    zerolog.Nop(),
		NewID: func() string {
			n++
			return fmt.Sprintf("id-%d", n)
		},
		Seed: func() int64 { return int64(1000 + n) },
		Now:  func() time.Time { return time.Unix(1700000000, 0) },
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return d
}

func validParams() domain.DreamParams {
	p := domain.DefaultDreamParams()
	p.Prompt = "a lighthouse at dusk"
	return p
}

func TestSubmitCreatesOneJobPerIteration(t *testing.T) {
	ctx := context.Background()
	b := queue.NewMemoryBroker()
	d := newTestDispatcher(t, b)
	requester := &recordingRequester{info: domain.RequesterInfo{UserID: "42", UserName: "alice"}}

	params := validParams()
	params.Iterations = 3
	jobs, err := d.Submit(ctx, requester, params)
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if len(jobs) != 3 {
		t.Fatalf("len(jobs) = %d, want 3", len(jobs))
	}
	if len(requester.acks) != 1 {
		t.Fatalf("acknowledgments = %d, want 1", len(requester.acks))
	}

	ids := map[string]bool{}
	seeds := map[int64]bool{}
	for i, job := range jobs {
		ids[job.ID] = true
		seeds[job.Seed] = true
		if job.CurrentIteration != i+1 || job.TotalIterations != 3 {
			t.Fatalf("job %d iteration = %d/%d, want %d/3", i, job.CurrentIteration, job.TotalIterations, i+1)
		}
		if job.Status() != domain.JobStatusDreaming {
			t.Fatalf("job %d status = %s, want dreaming", i, job.Status())
		}
		if _, ok := d.Jobs().Get(job.ID); !ok {
			t.Fatalf("job %s missing from in-flight table", job.ID)
		}
	}
	if len(ids) != 3 || len(seeds) != 3 {
		t.Fatalf("ids = %v seeds = %v, want 3 distinct each", ids, seeds)
	}
	if n, _ := b.Work.Len(ctx); n != 3 {
		t.Fatalf("Work.Len() = %d, want 3", n)
	}

	first, _, err := b.Work.TryGet(ctx)
	if err != nil {
		t.Fatalf("TryGet() error = %v", err)
	}
	if first.JobID != jobs[0].ID {
		t.Fatalf("first queued = %s, want %s", first.JobID, jobs[0].ID)
	}
	if first.Payload.Width != 512 || first.Payload.Height != 512 {
		t.Fatalf("payload size = %dx%d, want 512x512", first.Payload.Width, first.Payload.Height)
	}
	if first.Payload.UpscaleModel != domain.UpscaleModelGeneral {
		t.Fatalf("UpscaleModel = %q", first.Payload.UpscaleModel)
	}
}

func TestSubmitFixedSeedSharedAcrossIterations(t *testing.T) {
	d := newTestDispatcher(t, queue.NewMemoryBroker())
	seed := int64(777)
	params := validParams()
	params.Iterations = 3
	params.Seed = &seed

	jobs, err := d.Submit(context.Background(), &recordingRequester{}, params)
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	for _, job := range jobs {
		if job.Seed != seed || job.Payload.Seed != seed {
			t.Fatalf("job seed = %d, want %d", job.Seed, seed)
		}
	}
}

func TestSubmitPromptMatrixReducesSteps(t *testing.T) {
	ctx := context.Background()
	b := queue.NewMemoryBroker()
	d := newTestDispatcher(t, b)
	params := validParams()
	params.PromptMatrix = true
	params.Steps = 30
	params.UpscaleAnime = true

	if _, err := d.Submit(ctx, &recordingRequester{}, params); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	msg, _, _ := b.Work.TryGet(ctx)
	if msg.Payload.Steps != 20 {
		t.Fatalf("Steps = %d, want 20", msg.Payload.Steps)
	}
	if !msg.Payload.Has(domain.TogglePromptMatrix) {
		t.Fatalf("Toggles = %v, want prompt matrix", msg.Payload.Toggles)
	}
	if msg.Payload.UpscaleModel != domain.UpscaleModelAnime {
		t.Fatalf("UpscaleModel = %q, want anime variant", msg.Payload.UpscaleModel)
	}
}

func TestSubmitRejectsInvalidParams(t *testing.T) {
	ctx := context.Background()
	b := queue.NewMemoryBroker()
	d := newTestDispatcher(t, b)
	requester := &recordingRequester{}
	params := validParams()
	params.Sampler = "unknown"

	_, err := d.Submit(ctx, requester, params)
	if !errors.Is(err, domain.ErrInvalidParams) {
		t.Fatalf("Submit() error = %v, want ErrInvalidParams", err)
	}
	if len(requester.fails) != 1 || len(requester.acks) != 0 {
		t.Fatalf("fails = %v acks = %v, want one failure and no ack", requester.fails, requester.acks)
	}
	if n, _ := b.Work.Len(ctx); n != 0 {
		t.Fatalf("Work.Len() = %d, want 0", n)
	}
}

func TestSubmitEnqueueFailureRemovesJob(t *testing.T) {
	work := &failingWorkQueue{failAfter: 1}
	d, err := New(Options{Work: work, Logger: zerolog.Nop()})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	requester := &recordingRequester{}
	params := validParams()
	params.Iterations = 2

	jobs, err := d.Submit(context.Background(), requester, params)
	if err == nil {
		t.Fatalf("Submit() error = nil, want enqueue failure")
	}
	if len(jobs) != 1 {
		t.Fatalf("len(jobs) = %d, want the one job queued before the failure", len(jobs))
	}
	if d.Jobs().Len() != 1 {
		t.Fatalf("in-flight = %d, want 1", d.Jobs().Len())
	}
	if len(requester.fails) != 1 {
		t.Fatalf("fails = %v, want one", requester.fails)
	}
}

func TestCancelDrainsWorkQueue(t *testing.T) {
	ctx := context.Background()
	b := queue.NewMemoryBroker()
	d := newTestDispatcher(t, b)
	params := validParams()
	params.Iterations = 4
	if _, err := d.Submit(ctx, &recordingRequester{}, params); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	n, err := d.Cancel(ctx)
	if err != nil || n != 4 {
		t.Fatalf("Cancel() = %d, %v, want 4", n, err)
	}
	n, err = d.Cancel(ctx)
	if err != nil || n != 0 {
		t.Fatalf("second Cancel() = %d, %v, want 0", n, err)
	}
}

func TestInfoReportsDepthAndWorkers(t *testing.T) {
	ctx := context.Background()
	b := queue.NewMemoryBroker()
	d := newTestDispatcher(t, b)
	if err := b.Presence.Announce(ctx, queue.Record{Name: "worker-1", Role: queue.RoleWorker, State: queue.StateRunning}); err != nil {
		t.Fatalf("Announce() error = %v", err)
	}
	params := validParams()
	params.Iterations = 2
	if _, err := d.Submit(ctx, &recordingRequester{}, params); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	info, err := d.Info(ctx)
	if err != nil {
		t.Fatalf("Info() error = %v", err)
	}
	want := Info{QueueDepth: 2, Workers: 1, InFlight: 2}
	if info != want {
		t.Fatalf("Info() = %+v, want %+v", info, want)
	}
}

func TestInfoSkipsStaleWorkers(t *testing.T) {
	ctx := context.Background()
	b := queue.NewMemoryBroker()
	d := newTestDispatcher(t, b)
	records := []queue.Record{
		{Name: "killed", Role: queue.RoleWorker, State: queue.StateRunning, SeenAt: time.Now().Add(-time.Hour)},
		{Name: "alive", Role: queue.RoleWorker, State: queue.StateRunning, SeenAt: time.Now()},
	}
	for _, rec := range records {
		if err := b.Presence.Announce(ctx, rec); err != nil {
			t.Fatalf("Announce(%s) error = %v", rec.Name, err)
		}
	}

	info, err := d.Info(ctx)
	if err != nil {
		t.Fatalf("Info() error = %v", err)
	}
	if info.Workers != 1 {
		t.Fatalf("Workers = %d, want 1 (stale record counted)", info.Workers)
	}
}

func TestRequestUpscale(t *testing.T) {
	ctx := context.Background()
	b := queue.NewMemoryBroker()
	d := newTestDispatcher(t, b)
	requester := &recordingRequester{}

	if _, err := d.RequestUpscale(ctx, requester, "missing.png", false); !errors.Is(err, domain.ErrUnknownArtifact) {
		t.Fatalf("RequestUpscale(missing) error = %v, want ErrUnknownArtifact", err)
	}

	id, err := d.RequestUpscale(ctx, requester, "1700000000_job.png", true)
	if err != nil {
		t.Fatalf("RequestUpscale() error = %v", err)
	}
	msg, ok, err := b.Upscale.TryGet(ctx)
	if err != nil || !ok {
		t.Fatalf("Upscale.TryGet() = %v, %v", ok, err)
	}
	if msg.RequestID != id || msg.Phase != queue.PhaseQueue {
		t.Fatalf("msg = %+v, want request %s in queue phase", msg, id)
	}
	if msg.Target.Name != "1700000000_job_upscaled.png" {
		t.Fatalf("Target.Name = %q", msg.Target.Name)
	}
	if msg.Model != domain.UpscaleModelAnime {
		t.Fatalf("Model = %q, want anime", msg.Model)
	}
	if d.Upscales().Len() != 1 {
		t.Fatalf("pending upscales = %d, want 1", d.Upscales().Len())
	}
}
