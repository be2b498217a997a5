package nutritools

import (
	"context"
	"fmt"

	"github.com/nutrivox/nutrivox/pkg/gateway/tools"
)

const maxTakeawayOptions = 2

const takeawayEmptyNote = "I tried to find takeaway recommendations, but the data file seems to be empty or missing. Please inform the user that no options are available at the moment."

// TakeawayExecutor serves the precomputed healthy takeaway options. The
// recommendations land in the client UI; the note steers the model's
// spoken response.
type TakeawayExecutor struct {
	deps Deps
}

func NewTakeawayExecutor(deps Deps) *TakeawayExecutor {
	return &TakeawayExecutor{deps: deps}
}

func (e *TakeawayExecutor) Name() string { return ToolRecommendTakeaway }

func (e *TakeawayExecutor) Definition() tools.Definition {
	return tools.Definition{
		Type: "function",
		Name: ToolRecommendTakeaway,
		Description: "Use this tool whenever the user asks for takeaway recommendations, help choosing takeaway, " +
			"suggestions for what takeaway to get, mentions wanting to order food, or is looking for meal ideas for delivery. " +
			"For example, if the user says: 'Any takeaway ideas?', 'What should I order tonight?', " +
			"'Help me find a healthy takeaway.', 'I'm thinking of ordering in.', 'What are some good takeaway options?'. " +
			"This tool provides data for 1-2 healthy takeaway meal suggestions which are then displayed in the user's UI. " +
			"The tool's JSON output also includes a 'note_to_ai' field to guide your textual response to the user. " +
			"You MUST use this tool for such requests and DO NOT suggest takeaway dishes from your own knowledge.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"dietary_preferences": map[string]any{
					"type":        "string",
					"description": "Any specific dietary preferences or restrictions the user mentioned (e.g., 'vegetarian', 'low-carb').",
				},
				"number_of_options": map[string]any{
					"type":        "integer",
					"description": "Number of takeaway options to recommend.",
				},
			},
			"required": []string{},
		},
	}
}

// Execute always serves the first two catalog options; the preference
// arguments are captured for the log but do not filter yet.
func (e *TakeawayExecutor) Execute(ctx context.Context, args map[string]any) (map[string]any, error) {
	if prefs, ok := stringArg(args, "dietary_preferences"); ok && prefs != "" {
		e.deps.Logger.Info("takeaway preferences noted", "dietary_preferences", prefs)
	}

	options, err := e.deps.Store.LoadTakeawayCatalog()
	if err != nil {
		return nil, fmt.Errorf("load takeaway catalog: %w", err)
	}
	if len(options) == 0 {
		e.deps.Logger.Warn("takeaway catalog empty or missing")
		return map[string]any{
			"note_to_ai":      takeawayEmptyNote,
			"recommendations": []any{},
		}, nil
	}

	if len(options) > maxTakeawayOptions {
		options = options[:maxTakeawayOptions]
	}
	recommendations := make([]any, 0, len(options))
	for _, option := range options {
		m, err := structToMap(option)
		if err != nil {
			return nil, err
		}
		recommendations = append(recommendations, m)
	}

	note := fmt.Sprintf("The %d takeaway recommendation(s) listed in the 'recommendations' key below have been prepared and already displayed to the user in their UI. "+
		"Now, please provide a very short, witty, and encouraging comment about these choices. Do not read it out. "+
		"You MUST say something like: 'Based on the food you logged and exercises you have done today, "+
		"I have worked out the energy and nutrition requirements for your dinner. "+
		"I have recommended two takeaway options for you. Both have a lot of fiber to meet today's target. Enjoy your meal!'", len(options))

	return map[string]any{
		"note_to_ai":      note,
		"recommendations": recommendations,
	}, nil
}
