package profile

import "math"

// TrackingSummary is the date-scoped rollup of consumed versus target
// energy and macros for the current day.
type TrackingSummary struct {
	Date            string          `json:"date"`
	EnergyQuota     EnergyQuota     `json:"energy_quota"`
	TrackingDetails TrackingDetails `json:"tracking_details"`
}

// EnergyQuota separates the baseline daily budget from energy earned
// through exercise. Exercise credit comes from imported health data and
// stays zero until that wiring exists.
type EnergyQuota struct {
	TotalKJ    *int `json:"total_kj"`
	BaselineKJ *int `json:"baseline_kj"`
	ExerciseKJ int  `json:"exercise_kj"`
}

type TrackingDetails struct {
	Energy  EnergyTracker   `json:"energy"`
	Protein NutrientTracker `json:"protein"`
	Fat     NutrientTracker `json:"fat"`
	Carbs   NutrientTracker `json:"carbs"`
	Fiber   NutrientTracker `json:"fiber"`
}

type EnergyTracker struct {
	ConsumedKJ float64 `json:"consumed_kj"`
	TargetKJ   *int    `json:"target_kj"`
	Unit       string  `json:"unit"`
	Percentage int     `json:"percentage"`
}

type NutrientTracker struct {
	ConsumedG  float64 `json:"consumed_g"`
	TargetG    *int    `json:"target_g"`
	Unit       string  `json:"unit"`
	Percentage int     `json:"percentage"`
}

// ResetTracking replaces the summary with a fresh one for the given day,
// zero consumption, targets taken from the current nutritional goals.
func (d *Document) ResetTracking(today string) {
	var totalKJ, proteinG, fatG, carbsG, fiberG *int
	if g := d.Goals.NutritionalGoals; g != nil {
		totalKJ = intPtr(g.DailyKilojoules)
		proteinG = intPtr(g.ProteinGrams)
		fatG = intPtr(g.FatGrams)
		carbsG = intPtr(g.CarbohydrateGrams)
		fiberG = intPtr(g.FiberGrams)
	}
	d.DailyTrackingSummary = &TrackingSummary{
		Date: today,
		EnergyQuota: EnergyQuota{
			TotalKJ:    totalKJ,
			BaselineKJ: totalKJ,
		},
		TrackingDetails: TrackingDetails{
			Energy:  EnergyTracker{TargetKJ: totalKJ, Unit: "kJ"},
			Protein: NutrientTracker{TargetG: proteinG, Unit: "g"},
			Fat:     NutrientTracker{TargetG: fatG, Unit: "g"},
			Carbs:   NutrientTracker{TargetG: carbsG, Unit: "g"},
			Fiber:   NutrientTracker{TargetG: fiberG, Unit: "g"},
		},
	}
}

// EnsureTracking makes the summary valid for today: a missing summary or
// one stamped with another date is reset outright, and a same-day summary
// has its targets re-aligned with the current goals (they may have been
// recalculated since the summary was created). Consumed amounts survive a
// same-day re-alignment.
func (d *Document) EnsureTracking(today string) {
	if d.DailyTrackingSummary == nil || d.DailyTrackingSummary.Date != today {
		d.ResetTracking(today)
		return
	}

	var totalKJ, proteinG, fatG, carbsG, fiberG *int
	if g := d.Goals.NutritionalGoals; g != nil {
		totalKJ = intPtr(g.DailyKilojoules)
		proteinG = intPtr(g.ProteinGrams)
		fatG = intPtr(g.FatGrams)
		carbsG = intPtr(g.CarbohydrateGrams)
		fiberG = intPtr(g.FiberGrams)
	}
	s := d.DailyTrackingSummary
	s.EnergyQuota.TotalKJ = totalKJ
	s.EnergyQuota.BaselineKJ = totalKJ
	s.TrackingDetails.Energy.TargetKJ = totalKJ
	s.TrackingDetails.Protein.TargetG = proteinG
	s.TrackingDetails.Fat.TargetG = fatG
	s.TrackingDetails.Carbs.TargetG = carbsG
	s.TrackingDetails.Fiber.TargetG = fiberG
	s.refreshPercentages()
}

// AddConsumed accumulates a meal into the day's consumed totals. Logging
// the same photo twice counts the meal twice.
func (d *Document) AddConsumed(n MealNutrition) {
	if d.DailyTrackingSummary == nil {
		return
	}
	td := &d.DailyTrackingSummary.TrackingDetails
	td.Energy.ConsumedKJ += n.Kilojoules
	td.Protein.ConsumedG += n.ProteinGrams
	td.Fat.ConsumedG += n.FatGrams
	td.Carbs.ConsumedG += n.CarbohydrateGrams
	td.Fiber.ConsumedG += n.FiberGrams
	d.DailyTrackingSummary.refreshPercentages()
}

func (s *TrackingSummary) refreshPercentages() {
	td := &s.TrackingDetails
	td.Energy.Percentage = percentage(td.Energy.ConsumedKJ, td.Energy.TargetKJ)
	td.Protein.Percentage = percentage(td.Protein.ConsumedG, td.Protein.TargetG)
	td.Fat.Percentage = percentage(td.Fat.ConsumedG, td.Fat.TargetG)
	td.Carbs.Percentage = percentage(td.Carbs.ConsumedG, td.Carbs.TargetG)
	td.Fiber.Percentage = percentage(td.Fiber.ConsumedG, td.Fiber.TargetG)
}

// percentage follows the tracker contract: with a target set, consumed
// over target (a zero target counts as one to avoid dividing by zero);
// with no target at all, anything consumed reads as 100%.
func percentage(consumed float64, target *int) int {
	if target == nil {
		if consumed > 0 {
			return 100
		}
		return 0
	}
	t := *target
	if t == 0 {
		t = 1
	}
	return int(math.Round(consumed / float64(t) * 100))
}

func intPtr(v int) *int { return &v }
