package nutritools

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nutrivox/nutrivox/pkg/gateway/tools"
)

const emailNotConfiguredMessage = "Server configuration error: SMTP settings not found."

const emailSendTimeout = 30 * time.Second

// EmailExecutor dispatches plain-text email. Delivery runs detached so a
// slow relay never stalls the model's turn; the result reports the
// dispatch, and delivery failures are logged.
type EmailExecutor struct {
	deps Deps
}

func NewEmailExecutor(deps Deps) *EmailExecutor {
	return &EmailExecutor{deps: deps}
}

func (e *EmailExecutor) Name() string { return ToolSendEmail }

func (e *EmailExecutor) Definition() tools.Definition {
	return tools.Definition{
		Type: "function",
		Name: ToolSendEmail,
		Description: "Sends a plain text email to a specified recipient. " +
			"Use this for sending simple messages, summaries, or follow-ups. " +
			"Always confirm the recipient's email address and the main content of the email with the user before calling this tool.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"email_address": map[string]any{"type": "string", "description": "The email address of the person to send the email to."},
				"subject":       map[string]any{"type": "string", "description": "The subject of the email."},
				"body":          map[string]any{"type": "string", "description": "The main text content of the email."},
			},
			"required": []string{"email_address", "subject", "body"},
		},
	}
}

func (e *EmailExecutor) Execute(ctx context.Context, args map[string]any) (map[string]any, error) {
	address, _ := stringArg(args, "email_address")
	subject, _ := stringArg(args, "subject")
	body, _ := stringArg(args, "body")

	var missing []string
	if address == "" {
		missing = append(missing, "email_address")
	}
	if subject == "" {
		missing = append(missing, "subject")
	}
	if body == "" {
		missing = append(missing, "body")
	}
	if len(missing) > 0 {
		return tools.ErrorResult("Missing required email fields: " + strings.Join(missing, ", ")), nil
	}

	if !e.deps.Mailer.Configured() {
		e.deps.Logger.Error("email requested but SMTP is not configured")
		return tools.ErrorResult(emailNotConfiguredMessage), nil
	}

	logger := e.deps.Logger
	mailer := e.deps.Mailer
	e.deps.Detach("send_plain_email", func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, emailSendTimeout)
		defer cancel()
		if err := mailer.Send(ctx, address, subject, body); err != nil {
			logger.Error("email delivery failed", "to", address, "subject", subject, "error", err)
			return
		}
		logger.Info("email delivered", "to", address, "subject", subject)
	})

	return map[string]any{
		"status":  "success",
		"message": fmt.Sprintf("Email with subject '%s' sent to %s.", subject, address),
	}, nil
}
