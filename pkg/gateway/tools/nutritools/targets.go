package nutritools

import (
	"context"
	"strings"

	"github.com/nutrivox/nutrivox/pkg/core/nutrition"
	"github.com/nutrivox/nutrivox/pkg/core/profile"
	"github.com/nutrivox/nutrivox/pkg/gateway/tools"
)

// TargetsExecutor computes the daily kilojoule and macronutrient budget
// from the profile and writes it back.
type TargetsExecutor struct {
	deps Deps
}

func NewTargetsExecutor(deps Deps) *TargetsExecutor {
	return &TargetsExecutor{deps: deps}
}

func (e *TargetsExecutor) Name() string { return ToolCalculateTargets }

func (e *TargetsExecutor) Definition() tools.Definition {
	return tools.Definition{
		Type:        "function",
		Name:        ToolCalculateTargets,
		Description: "Calculates baseline daily kilojoule and macronutrient targets based on user profile. EXCLUDES exercise energy expenditure - add Vitality exercise data separately to this baseline.",
		Parameters: map[string]any{
			"type":       "object",
			"properties": map[string]any{},
			"required":   []string{},
		},
	}
}

// Execute recomputes every time it is called, so corrected measurements
// always produce fresh targets even when goal_set is already true. A
// recalculation resets the day's tracking rollup against the new budget.
func (e *TargetsExecutor) Execute(ctx context.Context, args map[string]any) (map[string]any, error) {
	doc, err := e.deps.Store.LoadProfile(e.deps.UserID)
	if err != nil {
		return nil, err
	}

	if missing := doc.MissingGoalFields(); len(missing) > 0 {
		return tools.ErrorResult("Missing required profile fields: " + strings.Join(missing, ", ")), nil
	}

	targets, err := nutrition.DailyTargets(doc.GoalInputs())
	if err != nil {
		return tools.ErrorResult(err.Error()), nil
	}

	goals := profile.NutritionalGoals(targets)
	doc.Goals.NutritionalGoals = &goals
	doc.Goals.GoalSet = true
	doc.ResetTracking(e.deps.Now().Format("2006-01-02"))
	doc.RecomputeReadiness()

	if err := e.deps.Store.SaveProfile(e.deps.UserID, doc); err != nil {
		return nil, err
	}
	e.deps.Logger.Info("nutrition targets calculated",
		"user_id", e.deps.UserID,
		"daily_kilojoules", goals.DailyKilojoules)

	return structToMap(goals)
}
