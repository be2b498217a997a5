package nutritools

import (
	"context"

	"github.com/nutrivox/nutrivox/pkg/core/profile"
	"github.com/nutrivox/nutrivox/pkg/gateway/tools"
)

const noSwapsNote = "No healthy swap recommendations exist for this user yet. Please let the user know."

// HealthySwapExecutor folds the user's swap recommendation document into
// the profile and returns it.
type HealthySwapExecutor struct {
	deps Deps
}

func NewHealthySwapExecutor(deps Deps) *HealthySwapExecutor {
	return &HealthySwapExecutor{deps: deps}
}

func (e *HealthySwapExecutor) Name() string { return ToolLoadHealthySwap }

func (e *HealthySwapExecutor) Definition() tools.Definition {
	return tools.Definition{
		Type:        "function",
		Name:        ToolLoadHealthySwap,
		Description: "Loads the user's healthy food swap recommendations and history from their profile. Provides information about NBA (Next Best Action) recommendations and previously suggested healthy alternatives.",
		Parameters: map[string]any{
			"type":       "object",
			"properties": map[string]any{},
			"required":   []string{},
		},
	}
}

func (e *HealthySwapExecutor) Execute(ctx context.Context, args map[string]any) (map[string]any, error) {
	swaps, found, err := e.deps.Store.LoadHealthySwaps(e.deps.UserID)
	if err != nil {
		return tools.ErrorResult("Error loading healthy swaps data: " + err.Error()), nil
	}

	if !found {
		e.deps.Logger.Info("no healthy swap document for user", "user_id", e.deps.UserID)
		out, err := structToMap(&profile.HealthySwaps{})
		if err != nil {
			return nil, err
		}
		out["note_to_ai"] = noSwapsNote
		return out, nil
	}

	doc, err := e.deps.Store.LoadProfile(e.deps.UserID)
	if err != nil {
		return nil, err
	}
	doc.HealthySwaps = swaps
	doc.RecomputeReadiness()
	if err := e.deps.Store.SaveProfile(e.deps.UserID, doc); err != nil {
		return nil, err
	}
	e.deps.Logger.Info("healthy swaps merged into profile", "user_id", e.deps.UserID)

	return structToMap(swaps)
}
