package profile

import "strings"

// DisplayProfile filters and renames the document into the shape the web
// client renders. Sections appear only when they have content; the raw
// document schema never crosses the socket.
func DisplayProfile(d *Document) map[string]any {
	ui := make(map[string]any)

	basic := make(map[string]any)
	putStr(basic, "Name", d.BasicInfo.PreferredName)
	putInt(basic, "Age", d.BasicInfo.AgeYears)
	putStr(basic, "Sex", d.BasicInfo.Sex)
	putFloat(basic, "Height (cm)", d.BasicInfo.HeightCM)
	putFloat(basic, "Weight (kg)", d.BasicInfo.WeightKG)
	putFloat(basic, "BMI", d.BasicInfo.BMI)
	if len(basic) > 0 {
		ui["Basic Information"] = basic
	}

	diet := make(map[string]any)
	putStr(diet, "Cultural Background", d.DietaryPreferences.Culture)
	if d.DietaryPreferences.FoodPreferences != nil {
		diet["Food Preferences"] = joinOrNA(d.DietaryPreferences.FoodPreferences)
	}
	if d.DietaryPreferences.Allergies != nil {
		diet["Allergies"] = joinOrNA(d.DietaryPreferences.Allergies)
	}
	if d.EatingHabits.EatingHabits != nil {
		diet["General Eating Habits"] = joinOrNA(d.EatingHabits.EatingHabits)
	}
	if len(diet) > 0 {
		ui["Diet & Habits"] = diet
	}

	goals := make(map[string]any)
	putFloat(goals, "Target Weight (kg)", d.Goals.WeightGoals.TargetWeightKG)
	putFloat(goals, "Goal Timeframe (weeks)", d.Goals.WeightGoals.GoalTimeframeWeeks)
	if len(goals) > 0 {
		ui["Weight Goals"] = goals
	}

	if g := d.Goals.NutritionalGoals; g != nil {
		ui["Nutritional Targets (Baseline)"] = map[string]any{
			"Daily Kilojoules": g.DailyKilojoules,
			"Protein (g)":      g.ProteinGrams,
			"Fat (g)":          g.FatGrams,
			"Carbohydrate (g)": g.CarbohydrateGrams,
			"Fiber (g)":        g.FiberGrams,
		}
	}

	if v := d.VitalityInformation; v != nil {
		vitality := make(map[string]any)
		putStr(vitality, "Vitality Status", v.Status)
		if p := v.Points; p != nil {
			putInt(vitality, "Current Year Points", p.CurrentYear)
			putInt(vitality, "Points for Diamond", p.GoalForDiamond)
			putInt(vitality, "Weekly Active Rewards Streak", p.WeeklyActiveRewardsStreak)
		}
		if h := v.HealthChecks; h != nil {
			putStr(vitality, "Last Vitality Health Check", h.LastVitalityHealthCheck)
			putFloat(vitality, "Weight (kg)", h.WeightKG)
			putFloat(vitality, "Height (cm)", h.HeightCM)
			putFloat(vitality, "BMI", h.BMI)
			putStr(vitality, "Blood Pressure", h.BloodPressure)
			putStr(vitality, "Glucose", h.Glucose)
			putStr(vitality, "LDL Cholesterol", h.LDLCholesterol)
		}
		if len(vitality) > 0 {
			ui["Vitality Health Summary"] = vitality
		}
	}

	return ui
}

func joinOrNA(items []string) string {
	if len(items) == 0 {
		return "N/A"
	}
	return strings.Join(items, ", ")
}

func putStr(m map[string]any, key string, v *string) {
	if v != nil {
		m[key] = *v
	}
}

func putInt(m map[string]any, key string, v *int) {
	if v != nil {
		m[key] = *v
	}
}

func putFloat(m map[string]any, key string, v *float64) {
	if v != nil {
		m[key] = *v
	}
}
