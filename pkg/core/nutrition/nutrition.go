// Package nutrition holds the pure calculators behind the assistant's
// daily-target and BMI tools. Nothing in here performs I/O; tool handlers
// own loading and persisting the profile document.
package nutrition

import (
	"fmt"
	"math"
	"strings"
)

const (
	// Baseline activity factor for a lightly active day, excluding
	// deliberate exercise.
	activityFactor = 1.2

	// Energy content of one kilogram of body fat.
	kcalPerKGBodyFat = 7700

	kjPerKcal = 4.184

	// Minimum healthy daily intake.
	minKcalMale   = 1500
	minKcalFemale = 1200

	proteinGPerKGBody = 1.6
	fatShareOfKcal    = 0.25
	minCarbsGrams     = 50
	fiberGPer1000Kcal = 14

	kcalPerGramProtein = 4
	kcalPerGramFat     = 9
	kcalPerGramCarbs   = 4
)

// Inputs carries the six profile fields the daily-target calculation needs.
// Callers validate presence; values here are assumed set.
type Inputs struct {
	WeightKG       float64
	TargetWeightKG float64
	TimeframeWeeks float64
	HeightCM       float64
	AgeYears       float64
	Sex            string
}

// Targets is the computed daily energy and macronutrient budget.
type Targets struct {
	DailyKilojoules   int `json:"daily_kilojoules"`
	ProteinGrams      int `json:"protein_grams"`
	FatGrams          int `json:"fat_grams"`
	CarbohydrateGrams int `json:"carbohydrate_grams"`
	FiberGrams        int `json:"fiber_grams"`
}

// BMI returns the body mass index (kg/m²) rounded to one decimal place,
// or nil when either measurement is not positive.
func BMI(heightCM, weightKG float64) *float64 {
	if heightCM <= 0 || weightKG <= 0 {
		return nil
	}
	heightM := heightCM / 100
	v := math.Round(weightKG/(heightM*heightM)*10) / 10
	return &v
}

// BMR computes the basal metabolic rate in kcal/day using the
// Mifflin-St Jeor equation: 10w + 6.25h - 5a, offset +5 for males and
// -161 for everyone else.
func BMR(in Inputs) float64 {
	offset := -161.0
	if isMale(in.Sex) {
		offset = 5
	}
	return 10*in.WeightKG + 6.25*in.HeightCM - 5*in.AgeYears + offset
}

// DailyTargets derives the full daily budget from the profile inputs:
// TDEE at the baseline activity factor, a daily deficit (or surplus) to
// reach the target weight over the timeframe, a floor on total intake,
// and protein/fat/carbohydrate/fiber splits. Exercise energy is not
// included; it is layered on top from imported health data.
func DailyTargets(in Inputs) (Targets, error) {
	if in.TimeframeWeeks <= 0 {
		return Targets{}, fmt.Errorf("goal timeframe must be positive, got %v weeks", in.TimeframeWeeks)
	}

	tdee := BMR(in) * activityFactor

	dailyDelta := (in.WeightKG - in.TargetWeightKG) * kcalPerKGBodyFat / (7 * in.TimeframeWeeks)
	adjusted := tdee - dailyDelta

	minKcal := float64(minKcalFemale)
	if isMale(in.Sex) {
		minKcal = minKcalMale
	}
	if adjusted < minKcal {
		adjusted = minKcal
	}

	proteinG := int(math.Round(proteinGPerKGBody * in.WeightKG))
	fatG := int(math.Round(fatShareOfKcal * adjusted / kcalPerGramFat))

	carbsKcal := adjusted - float64(proteinG*kcalPerGramProtein) - float64(fatG*kcalPerGramFat)
	carbsG := int(math.Round(carbsKcal / kcalPerGramCarbs))
	if carbsG < 0 {
		// The protein requirement has eaten the whole budget; hold a
		// minimum of carbs and give fat whatever remains.
		carbsG = minCarbsGrams
		remaining := adjusted - float64(proteinG*kcalPerGramProtein) - float64(carbsG*kcalPerGramCarbs)
		fatG = int(math.Round(remaining / kcalPerGramFat))
	}

	return Targets{
		DailyKilojoules:   int(math.Round(adjusted * kjPerKcal)),
		ProteinGrams:      proteinG,
		FatGrams:          fatG,
		CarbohydrateGrams: carbsG,
		FiberGrams:        int(math.Round(adjusted / 1000 * fiberGPer1000Kcal)),
	}, nil
}

func isMale(sex string) bool {
	return strings.EqualFold(strings.TrimSpace(sex), "male")
}
