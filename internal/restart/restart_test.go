package restart

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nextlevelbuilder/vigil/internal/store"
	"github.com/nextlevelbuilder/vigil/internal/store/mem"
)

func TestLooksLikeSelfModification(t *testing.T) {
	cases := []struct {
		output string
		want   bool
	}{
		{"I wrote internal/reactive/worker.go with the new retry logic.", true},
		{"Updated cmd/serve.go to register the health endpoint.", true},
		{"Self-modification complete, ready for restart.", true},
		{"Searched the web and summarized three articles.", false},
		{"Created file notes/summary.md in the workspace.", false},
		{"", false},
	}
	for _, c := range cases {
		if got := LooksLikeSelfModification(c.output); got != c.want {
			t.Errorf("LooksLikeSelfModification(%q) = %v, want %v", c.output, got, c.want)
		}
	}
}

func TestScheduleRecordsDeploymentAndShutsDown(t *testing.T) {
	stores := mem.NewStores()
	var down atomic.Int32

	r := New(stores, func() { down.Add(1) })
	r.delay = 10 * time.Millisecond

	ctx := context.Background()
	r.Schedule(ctx, "source files changed: internal/tasks/executor.go")
	r.Schedule(ctx, "duplicate") // ignored while pending

	dep, err := stores.Deployments.Latest(ctx)
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}
	if dep.Status != store.DeployBuilding {
		t.Errorf("status = %q, want building", dep.Status)
	}
	if dep.Report == "duplicate" {
		t.Error("duplicate schedule overwrote the deployment")
	}

	deadline := time.After(time.Second)
	for down.Load() == 0 {
		select {
		case <-deadline:
			t.Fatal("shutdown never fired")
		case <-time.After(5 * time.Millisecond):
		}
	}
	if down.Load() != 1 {
		t.Errorf("shutdown fired %d times", down.Load())
	}
}

func TestMarkHealthyOnBoot(t *testing.T) {
	stores := mem.NewStores()
	ctx := context.Background()

	dep := &store.DeploymentData{ID: store.GenNewID(), SHA: "abc123", Branch: "main", Status: store.DeployBuilding}
	if err := stores.Deployments.Create(ctx, dep); err != nil {
		t.Fatal(err)
	}

	MarkHealthyOnBoot(ctx, stores)

	got, err := stores.Deployments.Latest(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != store.DeployHealthy {
		t.Errorf("status = %q, want healthy", got.Status)
	}
	if got.FinishedAt == nil {
		t.Error("finished_at not set")
	}
}
