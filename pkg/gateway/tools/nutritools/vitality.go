package nutritools

import (
	"context"
	"time"

	"github.com/nutrivox/nutrivox/pkg/core/profile"
	"github.com/nutrivox/nutrivox/pkg/gateway/tools"
)

// Health-check measurements older than this trigger a guidance note
// asking the user for fresh numbers. Approximately six months.
const vitalityStaleAfter = 180 * 24 * time.Hour

const vitalityStaleNote = "Your weight data from Vitality is more than 6 months out of date. Please tell the user about this and ask for their latest weight."

// VitalityExecutor merges the user's external health import into the
// profile document.
type VitalityExecutor struct {
	deps Deps
}

func NewVitalityExecutor(deps Deps) *VitalityExecutor {
	return &VitalityExecutor{deps: deps}
}

func (e *VitalityExecutor) Name() string { return ToolLoadVitality }

func (e *VitalityExecutor) Definition() tools.Definition {
	return tools.Definition{
		Type:        "function",
		Name:        ToolLoadVitality,
		Description: "Loads and summarizes the user's available Vitality health data after getting permission. Provides a baseline understanding of activity and health status.",
		Parameters: map[string]any{
			"type":       "object",
			"properties": map[string]any{},
			"required":   []string{},
		},
	}
}

func (e *VitalityExecutor) Execute(ctx context.Context, args map[string]any) (map[string]any, error) {
	doc, err := e.deps.Store.LoadProfile(e.deps.UserID)
	if err != nil {
		return nil, err
	}
	data, err := e.deps.Store.LoadVitality(e.deps.UserID)
	if err != nil {
		return nil, err
	}

	if basic := data.Basic; basic != nil {
		if basic.PreferredName != nil {
			doc.BasicInfo.PreferredName = basic.PreferredName
		}
		if basic.AgeYears != nil {
			doc.BasicInfo.AgeYears = basic.AgeYears
		}
		if basic.Sex != nil {
			doc.BasicInfo.Sex = basic.Sex
		}
	}

	if data.Status != nil {
		e.vitality(doc).Status = data.Status
	}
	if data.Points != nil {
		e.vitality(doc).Points = data.Points
	}
	if data.RecentActivities != nil {
		e.vitality(doc).RecentActivities = data.RecentActivities
	}

	var staleNote string
	if hc := data.HealthChecks; hc != nil {
		v := e.vitality(doc)
		if v.HealthChecks == nil {
			v.HealthChecks = &profile.HealthChecks{}
		}
		mergeHealthChecks(v.HealthChecks, hc)

		if hc.HeightCM != nil {
			doc.BasicInfo.HeightCM = hc.HeightCM
		}
		if hc.WeightKG != nil {
			doc.BasicInfo.WeightKG = hc.WeightKG
		}
		if hc.HeightCM != nil || hc.WeightKG != nil {
			doc.RecomputeBMI()

			if hc.LastVitalityHealthCheck != nil {
				checked, err := time.Parse("2006-01-02", *hc.LastVitalityHealthCheck)
				switch {
				case err != nil:
					e.deps.Logger.Warn("unparseable last_vitality_health_check date", "value", *hc.LastVitalityHealthCheck)
				case e.deps.Now().Sub(checked) > vitalityStaleAfter:
					staleNote = vitalityStaleNote
					e.deps.Logger.Info("vitality measurements are stale", "last_check", *hc.LastVitalityHealthCheck)
				}
			}
		}
	}

	doc.RecomputeReadiness()
	if err := e.deps.Store.SaveProfile(e.deps.UserID, doc); err != nil {
		return nil, err
	}
	e.deps.Logger.Info("vitality data merged into profile", "user_id", e.deps.UserID)

	out, err := structToMap(doc)
	if err != nil {
		return nil, err
	}
	if staleNote != "" {
		out["system_message_for_llm"] = staleNote
	}
	return out, nil
}

func (e *VitalityExecutor) vitality(doc *profile.Document) *profile.VitalityInformation {
	if doc.VitalityInformation == nil {
		doc.VitalityInformation = &profile.VitalityInformation{}
	}
	return doc.VitalityInformation
}

// mergeHealthChecks copies every measurement present in the import,
// leaving fields the import does not carry untouched.
func mergeHealthChecks(dst, src *profile.HealthChecks) {
	if src.LastVitalityHealthCheck != nil {
		dst.LastVitalityHealthCheck = src.LastVitalityHealthCheck
	}
	if src.WeightKG != nil {
		dst.WeightKG = src.WeightKG
	}
	if src.HeightCM != nil {
		dst.HeightCM = src.HeightCM
	}
	if src.BMI != nil {
		dst.BMI = src.BMI
	}
	if src.BloodPressure != nil {
		dst.BloodPressure = src.BloodPressure
	}
	if src.Glucose != nil {
		dst.Glucose = src.Glucose
	}
	if src.LDLCholesterol != nil {
		dst.LDLCholesterol = src.LDLCholesterol
	}
}
