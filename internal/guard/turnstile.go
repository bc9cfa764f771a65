package guard

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Shahir-47/grab-pic/internal/config"
)

// TurnstileVerifier checks upload tokens against the Cloudflare
// siteverify endpoint. With no secret configured the check is a no-op
// (fail-open, for local dev); a missing token, a non-success response,
// or any network error fails closed.
type TurnstileVerifier struct {
	secret           string
	endpoint         string
	allowedHostnames map[string]bool
	client           *http.Client
}

func NewTurnstileVerifier(cfg config.TurnstileConfig) *TurnstileVerifier {
	allowed := make(map[string]bool)
	for _, h := range strings.Split(cfg.AllowedHostnames, ",") {
		h = strings.ToLower(strings.TrimSpace(h))
		if h != "" {
			allowed[h] = true
		}
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}

	return &TurnstileVerifier{
		secret:           cfg.Secret,
		endpoint:         cfg.Endpoint,
		allowedHostnames: allowed,
		client:           &http.Client{Timeout: timeout},
	}
}

type siteverifyResponse struct {
	Success  bool   `json:"success"`
	Hostname string `json:"hostname"`
}

// Verify returns nil when the token belongs to a human, ErrBotCheck
// otherwise.
func (v *TurnstileVerifier) Verify(ctx context.Context, token, clientIP string) error {
	if v.secret == "" {
		return nil
	}
	if token == "" {
		return fmt.Errorf("%w: missing token", ErrBotCheck)
	}

	form := url.Values{}
	form.Set("secret", v.secret)
	form.Set("response", token)
	if clientIP != "" {
		form.Set("remoteip", clientIP)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.endpoint,
		strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBotCheck, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := v.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: verification call failed", ErrBotCheck)
	}
	defer resp.Body.Close()

	var result siteverifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("%w: unreadable verification response", ErrBotCheck)
	}
	if !result.Success {
		return fmt.Errorf("%w: token rejected", ErrBotCheck)
	}

	if len(v.allowedHostnames) == 0 {
		return nil
	}
	hostname := strings.ToLower(strings.TrimSpace(result.Hostname))
	if hostname == "" || !v.allowedHostnames[hostname] {
		return fmt.Errorf("%w: hostname not allowed", ErrBotCheck)
	}
	return nil
}
