package nutritools

import (
	"context"

	"github.com/nutrivox/nutrivox/pkg/gateway/tools"
)

// ProfileUpdateExecutor applies partial profile updates from the model's
// flat argument names onto the nested document.
type ProfileUpdateExecutor struct {
	deps Deps
}

func NewProfileUpdateExecutor(deps Deps) *ProfileUpdateExecutor {
	return &ProfileUpdateExecutor{deps: deps}
}

func (e *ProfileUpdateExecutor) Name() string { return ToolUpdateProfile }

func (e *ProfileUpdateExecutor) Definition() tools.Definition {
	return tools.Definition{
		Type:        "function",
		Name:        ToolUpdateProfile,
		Description: "record height, weight, target weight, culture, food preferences, allergies, or eating habits",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"height":               map[string]any{"type": "number", "description": "User height in cm"},
				"weight":               map[string]any{"type": "number", "description": "User weight in kg"},
				"target_weight_kg":     map[string]any{"type": "number", "description": "Goal weight in kg"},
				"goal_timeframe_weeks": map[string]any{"type": "number", "description": "Number of weeks to reach target weight"},
				"culture":              map[string]any{"type": "string"},
				"food_preferences": map[string]any{
					"type":        "array",
					"items":       map[string]any{"type": "string"},
					"description": "E.g. ['vegetarian', 'lactose-free']",
				},
				"allergies": map[string]any{
					"type":  "array",
					"items": map[string]any{"type": "string"},
				},
				"eating_habits": map[string]any{
					"type":        "array",
					"items":       map[string]any{"type": "string"},
					"description": "E.g. ['breakfast-skipper', 'late dinner']",
				},
			},
			"required":             []string{},
			"additionalProperties": false,
		},
	}
}

// Execute maps each recognized argument onto its nested field, refreshes
// the derived values, persists, and returns the whole updated document
// so the model sees the profile as it now stands.
func (e *ProfileUpdateExecutor) Execute(ctx context.Context, args map[string]any) (map[string]any, error) {
	doc, err := e.deps.Store.LoadProfile(e.deps.UserID)
	if err != nil {
		return nil, err
	}

	applied := make([]string, 0, len(args))
	var ignored []string
	measurementsChanged := false

	for key, raw := range args {
		ok := false
		switch key {
		case "height":
			var v float64
			if v, ok = floatValue(raw); ok {
				doc.BasicInfo.HeightCM = &v
				measurementsChanged = true
			}
		case "weight":
			var v float64
			if v, ok = floatValue(raw); ok {
				doc.BasicInfo.WeightKG = &v
				measurementsChanged = true
			}
		case "target_weight_kg":
			var v float64
			if v, ok = floatValue(raw); ok {
				doc.Goals.WeightGoals.TargetWeightKG = &v
			}
		case "goal_timeframe_weeks":
			var v float64
			if v, ok = floatValue(raw); ok {
				doc.Goals.WeightGoals.GoalTimeframeWeeks = &v
			}
		case "culture":
			var v string
			if v, ok = stringValue(raw); ok {
				doc.DietaryPreferences.Culture = &v
			}
		case "food_preferences":
			var v []string
			if v, ok = stringSliceValue(raw); ok {
				doc.DietaryPreferences.FoodPreferences = v
			}
		case "allergies":
			var v []string
			if v, ok = stringSliceValue(raw); ok {
				doc.DietaryPreferences.Allergies = v
			}
		case "eating_habits":
			var v []string
			if v, ok = stringSliceValue(raw); ok {
				doc.EatingHabits.EatingHabits = v
			}
		}
		if ok {
			applied = append(applied, key)
		} else {
			ignored = append(ignored, key)
		}
	}

	if measurementsChanged {
		doc.RecomputeBMI()
	}
	doc.RecomputeReadiness()

	if err := e.deps.Store.SaveProfile(e.deps.UserID, doc); err != nil {
		return nil, err
	}
	e.deps.Logger.Info("profile updated", "user_id", e.deps.UserID, "fields", applied)
	if len(ignored) > 0 {
		e.deps.Logger.Warn("ignoring unrecognized profile fields", "fields", ignored)
	}

	return structToMap(doc)
}
