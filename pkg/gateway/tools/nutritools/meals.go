package nutritools

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nutrivox/nutrivox/pkg/core/profile"
	"github.com/nutrivox/nutrivox/pkg/gateway/tools"
)

const mealsNoMatchSummary = "Meal nutrition estimation failed or no matching meals found for the provided photos."

// MealLogExecutor resolves uploaded photo filenames against the meal
// catalog and books the matched nutrition into the daily log and
// tracking rollup. It runs only through the gateway's internal dispatch
// path, triggered by the client's photo-upload frame.
type MealLogExecutor struct {
	deps Deps
}

func NewMealLogExecutor(deps Deps) *MealLogExecutor {
	return &MealLogExecutor{deps: deps}
}

func (e *MealLogExecutor) Name() string { return ToolLogMealPhotos }

func (e *MealLogExecutor) Definition() tools.Definition {
	return tools.Definition{
		Type:        "function",
		Name:        ToolLogMealPhotos,
		Description: "An internal tool that logs nutritional contents of user uploaded meal photos and provides a summary. Triggered by the client, never called by the model directly.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"photo_filenames": map[string]any{
					"type":        "array",
					"items":       map[string]any{"type": "string"},
					"description": "Uploaded photo filenames to match against the meal catalog",
				},
			},
			"required": []string{"photo_filenames"},
		},
	}
}

func (e *MealLogExecutor) Execute(ctx context.Context, args map[string]any) (map[string]any, error) {
	filenames, _ := stringSliceArg(args, "photo_filenames")
	e.deps.Logger.Info("logging meal photos", "user_id", e.deps.UserID, "filenames", filenames)

	doc, err := e.deps.Store.LoadProfile(e.deps.UserID)
	if err != nil {
		return nil, err
	}
	catalog, err := e.deps.Store.LoadMealPhotoCatalog()
	if err != nil {
		e.deps.Logger.Error("meal catalog unreadable", "error", err)
		profileMap, mapErr := structToMap(doc)
		if mapErr != nil {
			return nil, mapErr
		}
		return map[string]any{
			"summary_for_ai":       "Error: Could not load necessary data files.",
			"updated_full_profile": profileMap,
		}, nil
	}

	var (
		matched   []profile.MealPhotoEntry
		unmatched []string
		total     profile.MealNutrition
	)
	for _, name := range filenames {
		entry := matchMealPhoto(catalog, name)
		if entry == nil {
			unmatched = append(unmatched, name)
			continue
		}
		matched = append(matched, *entry)
		total.Add(entry.Nutrition)
	}

	now := e.deps.Now()
	timestamp := now.Format(time.RFC3339)
	for _, m := range matched {
		doc.DailyNutritionLog = append(doc.DailyNutritionLog, profile.MealLogEntry{
			ID:          uuid.New().String(),
			Timestamp:   timestamp,
			Source:      "photo_log",
			Description: m.Description,
			ImageURL:    m.ImageURL,
			Nutrition:   m.Nutrition,
			Items:       m.Items,
		})
	}

	doc.EnsureTracking(now.Format("2006-01-02"))
	if len(matched) > 0 {
		doc.AddConsumed(total)
	}
	doc.RecomputeReadiness()

	if err := e.deps.Store.SaveProfile(e.deps.UserID, doc); err != nil {
		return nil, err
	}

	summary := mealsNoMatchSummary
	if len(matched) > 0 {
		summary = mealSummary(matched, doc.DailyTrackingSummary)
	}
	if len(unmatched) > 0 {
		e.deps.Logger.Warn("no catalog match for photos", "filenames", unmatched)
	}

	profileMap, err := structToMap(doc)
	if err != nil {
		return nil, err
	}
	out := map[string]any{
		"summary_for_ai":       summary,
		"updated_full_profile": profileMap,
	}
	if len(unmatched) > 0 {
		out["unmatched_files"] = unmatched
	}
	return out, nil
}

// matchMealPhoto finds the first catalog entry whose image URL contains
// the uploaded filename, so clients may send either a bare name or a
// full path.
func matchMealPhoto(catalog []profile.MealPhotoEntry, filename string) *profile.MealPhotoEntry {
	if filename == "" {
		return nil
	}
	for i := range catalog {
		if catalog[i].ImageURL != "" && strings.Contains(catalog[i].ImageURL, filename) {
			return &catalog[i]
		}
	}
	return nil
}

func mealSummary(matched []profile.MealPhotoEntry, summary *profile.TrackingSummary) string {
	descriptions := make([]string, 0, len(matched))
	for _, m := range matched {
		descriptions = append(descriptions, m.Description)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Logged %d meal(s) from photos: %s.\n", len(matched), strings.Join(descriptions, "; "))
	b.WriteString("The user's daily nutrition tracking summary has been updated and displayed to them.\n")
	b.WriteString("Key figures from today's summary:\n")
	energy := summary.TrackingDetails.Energy
	protein := summary.TrackingDetails.Protein
	fmt.Fprintf(&b, "- Energy: %s/%s kJ\n", formatAmount(energy.ConsumedKJ), targetOrNA(energy.TargetKJ))
	fmt.Fprintf(&b, "- Protein: %s/%s g\n", formatAmount(protein.ConsumedG), targetOrNA(protein.TargetG))
	b.WriteString("Please provide some very short, witty, and encouraging feedback to the user about their meal choices and today's summary so far.")
	return b.String()
}
