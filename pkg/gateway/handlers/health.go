package handlers

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/nutrivox/nutrivox/pkg/gateway/config"
	"github.com/nutrivox/nutrivox/pkg/gateway/lifecycle"
)

type HealthHandler struct{}

func (h HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

type ReadyHandler struct {
	Config    config.Config
	Lifecycle *lifecycle.Lifecycle
}

func (h ReadyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	type readyResp struct {
		OK             bool     `json:"ok"`
		Draining       bool     `json:"draining"`
		MailConfigured bool     `json:"mail_configured"`
		Issues         []string `json:"issues,omitempty"`
	}

	issues := make([]string, 0, 4)
	draining := h.Lifecycle.IsDraining()

	if draining {
		issues = append(issues, "gateway is draining")
	}
	if strings.TrimSpace(h.Config.OpenAIAPIKey) == "" {
		issues = append(issues, "openai api key is not configured")
	}
	if strings.TrimSpace(h.Config.DataDir) == "" {
		issues = append(issues, "data dir is not configured")
	}

	ok := len(issues) == 0
	status := http.StatusOK
	switch {
	case draining:
		status = http.StatusServiceUnavailable
	case !ok:
		status = http.StatusInternalServerError
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(readyResp{
		OK:             ok,
		Draining:       draining,
		MailConfigured: h.Config.MailConfigured(),
		Issues:         issues,
	})
}
