// Package nutritools implements the functions the nutrition assistant
// exposes to the realtime AI endpoint, plus the internal meal-photo
// logger the gateway runs on the client's behalf.
//
// Every handler follows the same contract: read the profile document,
// apply the change in memory, recompute readiness, persist the whole
// document, and return a JSON-friendly result the dispatch loop hands
// back to the model. Validation and configuration problems come back as
// structured error results, never as session-fatal failures.
package nutritools

import (
	"context"
	"log/slog"
	"time"

	"github.com/nutrivox/nutrivox/pkg/core/mail"
	"github.com/nutrivox/nutrivox/pkg/core/profile"
	"github.com/nutrivox/nutrivox/pkg/gateway/tools"
)

const (
	ToolUpdateProfile     = "update_user_profile"
	ToolLoadVitality      = "load_vitality_data"
	ToolLoadHealthySwap   = "load_healthy_swap"
	ToolCalculateTargets  = "calculate_daily_nutrition_targets"
	ToolRecommendTakeaway = "recommend_healthy_takeaway"
	ToolSendEmail         = "send_plain_email"

	// ToolLogMealPhotos is internal: the client-inbound pump invokes it
	// after a photo upload; the model never sees its definition.
	ToolLogMealPhotos = "log_meal_photos"
)

// Deps carries the shared collaborators for every executor.
type Deps struct {
	Store  *profile.Store
	UserID string
	Mailer *mail.Sender
	Logger *slog.Logger
	Now    func() time.Time

	// Detach schedules fire-and-forget work that must outlive the
	// dispatch call, e.g. SMTP delivery. The live session passes its
	// supervised spawn here.
	Detach func(name string, fn func(ctx context.Context))
}

func (d Deps) withDefaults() Deps {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Detach == nil {
		d.Detach = func(name string, fn func(ctx context.Context)) {
			go fn(context.Background())
		}
	}
	return d
}

// Executors builds the AI-visible function set.
func Executors(deps Deps) []tools.Executor {
	deps = deps.withDefaults()
	return []tools.Executor{
		NewProfileUpdateExecutor(deps),
		NewVitalityExecutor(deps),
		NewHealthySwapExecutor(deps),
		NewTargetsExecutor(deps),
		NewTakeawayExecutor(deps),
		NewEmailExecutor(deps),
	}
}

// InternalExecutors builds the set reachable only from gateway code.
func InternalExecutors(deps Deps) []tools.Executor {
	deps = deps.withDefaults()
	return []tools.Executor{NewMealLogExecutor(deps)}
}

// PushesProfile reports whether a run of the named function may change
// the stored profile; the session refreshes the client's profile view
// after dispatching one of these.
func PushesProfile(name string) bool {
	switch name {
	case ToolUpdateProfile, ToolLoadVitality, ToolLoadHealthySwap, ToolCalculateTargets, ToolLogMealPhotos:
		return true
	}
	return false
}

// PushesTracking reports whether the named function refreshes the daily
// tracking rollup alongside the profile.
func PushesTracking(name string) bool {
	return name == ToolCalculateTargets || name == ToolLogMealPhotos
}
