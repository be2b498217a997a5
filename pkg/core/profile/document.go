// Package profile models the per-user nutrition profile document and its
// sibling catalogs. The document is stored as a single JSON file per user
// and always written whole; partial updates happen in memory through the
// typed tree, never as in-place patches of the file.
package profile

import (
	"github.com/nutrivox/nutrivox/pkg/core/nutrition"
)

// Document is the root of the user profile tree. Optional fields are
// pointers so "not yet known" survives a round-trip unchanged.
type Document struct {
	BasicInfo            BasicInfo            `json:"basic_info"`
	DietaryPreferences   DietaryPreferences   `json:"dietary_preferences"`
	EatingHabits         EatingHabits         `json:"eating_habits"`
	Goals                Goals                `json:"goals"`
	VitalityInformation  *VitalityInformation `json:"vitality_information,omitempty"`
	HealthySwaps         *HealthySwaps        `json:"healthy_swaps,omitempty"`
	DailyNutritionLog    []MealLogEntry       `json:"daily_nutrition_log,omitempty"`
	DailyTrackingSummary *TrackingSummary     `json:"daily_tracking_summary,omitempty"`
}

type BasicInfo struct {
	PreferredName *string  `json:"preferred_name,omitempty"`
	AgeYears      *int     `json:"age_years,omitempty"`
	Sex           *string  `json:"sex,omitempty"`
	HeightCM      *float64 `json:"height_cm,omitempty"`
	WeightKG      *float64 `json:"weight_kg,omitempty"`
	BMI           *float64 `json:"bmi_kg_m2,omitempty"`
}

type DietaryPreferences struct {
	Culture         *string  `json:"culture,omitempty"`
	FoodPreferences []string `json:"food_preferences,omitempty"`
	Allergies       []string `json:"allergies,omitempty"`
}

type EatingHabits struct {
	EatingHabits []string `json:"eating_habits,omitempty"`
}

type Goals struct {
	WeightGoals          WeightGoals       `json:"weight_goals"`
	NutritionalGoals     *NutritionalGoals `json:"nutritional_goals,omitempty"`
	GoalSet              bool              `json:"goal_set"`
	ReadyToCalculateGoal bool              `json:"ready_to_calculate_goal"`
}

type WeightGoals struct {
	TargetWeightKG     *float64 `json:"target_weight_kg,omitempty"`
	GoalTimeframeWeeks *float64 `json:"goal_timeframe_weeks,omitempty"`
}

// NutritionalGoals is the persisted form of a computed daily budget.
type NutritionalGoals struct {
	DailyKilojoules   int `json:"daily_kilojoules"`
	ProteinGrams      int `json:"protein_grams"`
	FatGrams          int `json:"fat_grams"`
	CarbohydrateGrams int `json:"carbohydrate_grams"`
	FiberGrams        int `json:"fiber_grams"`
}

type VitalityInformation struct {
	Status           *string            `json:"status,omitempty"`
	Points           *VitalityPoints    `json:"points,omitempty"`
	RecentActivities []VitalityActivity `json:"recent_activities,omitempty"`
	HealthChecks     *HealthChecks      `json:"health_checks,omitempty"`
}

type VitalityPoints struct {
	CurrentYear               *int `json:"current_year,omitempty"`
	GoalForDiamond            *int `json:"goal_for_diamond,omitempty"`
	WeeklyActiveRewardsStreak *int `json:"weekly_active_rewards_streak,omitempty"`
}

type VitalityActivity struct {
	Date            string `json:"date,omitempty"`
	Activity        string `json:"activity,omitempty"`
	DurationMinutes int    `json:"duration_minutes,omitempty"`
	EnergyKJ        int    `json:"energy_kj,omitempty"`
	Points          int    `json:"points,omitempty"`
}

type HealthChecks struct {
	LastVitalityHealthCheck *string  `json:"last_vitality_health_check,omitempty"`
	WeightKG                *float64 `json:"weight,omitempty"`
	HeightCM                *float64 `json:"height,omitempty"`
	BMI                     *float64 `json:"bmi,omitempty"`
	BloodPressure           *string  `json:"blood_pressure,omitempty"`
	Glucose                 *string  `json:"glucose,omitempty"`
	LDLCholesterol          *string  `json:"LDL_cholesterol,omitempty"`
}

// HealthySwaps mirrors the swap catalog document. The fields carry no
// omitempty so an empty record serializes with explicit nulls, which is
// what the client expects when no recommendation exists yet.
type HealthySwaps struct {
	NBA              *string     `json:"NBA"`
	DateRecommended  *string     `json:"date_recommended"`
	RecommendedSwaps []SwapEntry `json:"recommended_swaps"`
	Notes            *string     `json:"notes"`
}

type SwapEntry struct {
	From   string `json:"from,omitempty"`
	To     string `json:"to,omitempty"`
	Reason string `json:"reason,omitempty"`
}

type MealLogEntry struct {
	ID          string        `json:"id,omitempty"`
	Timestamp   string        `json:"timestamp"`
	Source      string        `json:"source"`
	Description string        `json:"description,omitempty"`
	ImageURL    string        `json:"image_url,omitempty"`
	Nutrition   MealNutrition `json:"nutrition"`
	Items       []string      `json:"items,omitempty"`
}

type MealNutrition struct {
	Kilojoules        float64 `json:"kilojoules"`
	ProteinGrams      float64 `json:"protein_grams"`
	FatGrams          float64 `json:"fat_grams"`
	CarbohydrateGrams float64 `json:"carbohydrate_grams"`
	FiberGrams        float64 `json:"fiber_grams"`
}

// Add accumulates another serving into n.
func (n *MealNutrition) Add(other MealNutrition) {
	n.Kilojoules += other.Kilojoules
	n.ProteinGrams += other.ProteinGrams
	n.FatGrams += other.FatGrams
	n.CarbohydrateGrams += other.CarbohydrateGrams
	n.FiberGrams += other.FiberGrams
}

// Goal-calculation field names, in the order they are reported when missing.
const (
	FieldWeightKG           = "weight_kg"
	FieldTargetWeightKG     = "target_weight_kg"
	FieldGoalTimeframeWeeks = "goal_timeframe_weeks"
	FieldHeightCM           = "height_cm"
	FieldAgeYears           = "age_years"
	FieldSex                = "sex"
)

// MissingGoalFields reports which of the six fields needed for the daily
// target calculation are still unknown.
func (d *Document) MissingGoalFields() []string {
	var missing []string
	if d.BasicInfo.WeightKG == nil {
		missing = append(missing, FieldWeightKG)
	}
	if d.Goals.WeightGoals.TargetWeightKG == nil {
		missing = append(missing, FieldTargetWeightKG)
	}
	if d.Goals.WeightGoals.GoalTimeframeWeeks == nil {
		missing = append(missing, FieldGoalTimeframeWeeks)
	}
	if d.BasicInfo.HeightCM == nil {
		missing = append(missing, FieldHeightCM)
	}
	if d.BasicInfo.AgeYears == nil {
		missing = append(missing, FieldAgeYears)
	}
	if d.BasicInfo.Sex == nil {
		missing = append(missing, FieldSex)
	}
	return missing
}

// RecomputeReadiness refreshes goals.ready_to_calculate_goal. Every
// mutating operation calls this before the document is persisted.
func (d *Document) RecomputeReadiness() {
	d.Goals.ReadyToCalculateGoal = len(d.MissingGoalFields()) == 0
}

// RecomputeBMI refreshes basic_info.bmi_kg_m2 from the current height and
// weight; the stored value becomes nil when either measurement is absent.
func (d *Document) RecomputeBMI() {
	if d.BasicInfo.HeightCM == nil || d.BasicInfo.WeightKG == nil {
		d.BasicInfo.BMI = nil
		return
	}
	d.BasicInfo.BMI = nutrition.BMI(*d.BasicInfo.HeightCM, *d.BasicInfo.WeightKG)
}

// GoalInputs assembles the calculator inputs. Call only when
// MissingGoalFields is empty.
func (d *Document) GoalInputs() nutrition.Inputs {
	return nutrition.Inputs{
		WeightKG:       *d.BasicInfo.WeightKG,
		TargetWeightKG: *d.Goals.WeightGoals.TargetWeightKG,
		TimeframeWeeks: *d.Goals.WeightGoals.GoalTimeframeWeeks,
		HeightCM:       *d.BasicInfo.HeightCM,
		AgeYears:       float64(*d.BasicInfo.AgeYears),
		Sex:            *d.BasicInfo.Sex,
	}
}
