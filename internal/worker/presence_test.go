package worker

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"dreambot/internal/queue"
)

func TestBeaconRefreshesAndWithdraws(t *testing.T) {
	presence := queue.NewMemoryPresence()
	var ticks atomic.Int64
	clock := func() time.Time {
		return time.Unix(1700000000+ticks.Add(1), 0)
	}

	stop := beacon{
		presence: presence,
		record:   queue.Record{Name: "sd1.5", Role: queue.RoleWorker, State: queue.StateRunning},
		every:    time.Millisecond,
		now:      clock,
		logger:   zerolog.Nop(),
	}.start(context.Background())

	list, err := presence.List(context.Background())
	if err != nil || len(list) != 1 {
		t.Fatalf("List() = %+v, %v, want one record", list, err)
	}
	first := list[0].SeenAt

	deadline := time.Now().Add(2 * time.Second)
	for {
		list, _ = presence.List(context.Background())
		if len(list) == 1 && list[0].SeenAt.After(first) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("record never refreshed: %+v", list)
		}
		time.Sleep(2 * time.Millisecond)
	}
	if !list[0].StartedAt.Before(list[0].SeenAt) {
		t.Fatalf("StartedAt = %s moved with SeenAt = %s", list[0].StartedAt, list[0].SeenAt)
	}

	stop()
	if list, _ = presence.List(context.Background()); len(list) != 0 {
		t.Fatalf("records after stop = %+v, want none", list)
	}
}

func TestBeaconWithoutPresence(t *testing.T) {
	stop := beacon{logger: zerolog.Nop()}.start(context.Background())
	stop()
}
