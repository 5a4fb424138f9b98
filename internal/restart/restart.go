// Package restart handles the self-modification loop: detecting that the
// agent's own code changed, recording a deployment, and triggering a clean
// process exit so the supervisor brings up the new build.
package restart

import (
	"context"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/nextlevelbuilder/vigil/internal/store"
)

// restartDelay gives in-flight work a moment to settle before exit.
const restartDelay = 5 * time.Second

// Restarter records a deployment row and shuts the process down. The actual
// rebuild and relaunch belong to the supervisor (systemd, docker).
type Restarter struct {
	stores   *store.Stores
	shutdown func()
	delay    time.Duration

	mu        sync.Mutex
	scheduled bool
}

func New(stores *store.Stores, shutdown func()) *Restarter {
	return &Restarter{
		stores:   stores,
		shutdown: shutdown,
		delay:    restartDelay,
	}
}

// Schedule records the deployment and exits after the grace delay. Repeat
// calls while a restart is pending are ignored.
func (r *Restarter) Schedule(ctx context.Context, reason string) {
	r.mu.Lock()
	if r.scheduled {
		r.mu.Unlock()
		return
	}
	r.scheduled = true
	r.mu.Unlock()

	dep := &store.DeploymentData{
		ID:     store.GenNewID(),
		SHA:    buildSHA(),
		Branch: buildBranch(),
		Status: store.DeployBuilding,
		Report: reason,
	}
	if err := r.stores.Deployments.Create(ctx, dep); err != nil {
		slog.Error("record deployment failed", "error", err)
	}
	slog.Info("restart scheduled", "reason", reason, "delay", r.delay, "deployment_id", dep.ID)

	time.AfterFunc(r.delay, func() {
		slog.Info("restarting now", "reason", reason)
		r.shutdown()
	})
}

// MarkHealthyOnBoot settles the deployment row from the previous run. Called
// once at startup; a leftover "building" row means the restart worked.
func MarkHealthyOnBoot(ctx context.Context, stores *store.Stores) {
	dep, err := stores.Deployments.Latest(ctx)
	if err != nil {
		return
	}
	switch dep.Status {
	case store.DeployBuilding, store.DeployTesting, store.DeployDeploying:
		if err := stores.Deployments.Finish(ctx, dep.ID, store.DeployHealthy, "came back up"); err != nil {
			slog.Error("mark deployment healthy failed", "error", err)
			return
		}
		slog.Info("previous deployment marked healthy", "deployment_id", dep.ID)
	}
}

func buildSHA() string {
	if sha := os.Getenv("VIGIL_BUILD_SHA"); sha != "" {
		return sha
	}
	return "unknown"
}

func buildBranch() string {
	if b := os.Getenv("VIGIL_BUILD_BRANCH"); b != "" {
		return b
	}
	return "main"
}

// selfModMarkers are phrases in a task result that indicate the task edited
// the runtime's own source tree.
var selfModMarkers = []string{
	"modified source file",
	"updated internal/",
	"updated cmd/",
	"wrote internal/",
	"wrote cmd/",
	"edited go.mod",
	"self-modification complete",
	"patched the agent",
}

// LooksLikeSelfModification scans task output for signs the agent changed
// its own code. Markers only, no filesystem diffing; the watcher covers
// changes that bypass task output.
func LooksLikeSelfModification(output string) bool {
	lower := strings.ToLower(output)
	for _, m := range selfModMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}
