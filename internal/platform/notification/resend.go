package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

const (
	resendAPIURL      = "https://api.resend.com/emails"
	resendSandboxFrom = "onboarding@resend.dev"
)

// ResendSender posts e-mails to the Resend HTTP API.
type ResendSender struct {
	apiKey     string
	from       string
	endpoint   string
	httpClient *http.Client
}

// ResendError carries the provider's status so the send endpoint can relay it.
type ResendError struct {
	StatusCode int
	Message    string
}

func (e *ResendError) Error() string {
	return fmt.Sprintf("resend API error %d: %s", e.StatusCode, e.Message)
}

// NewResendSender falls back to the Resend sandbox sender when fromEmail is
// empty. Resend rejects sandbox mail to anyone but the account owner.
func NewResendSender(apiKey, fromEmail string, logger zerolog.Logger) *ResendSender {
	if fromEmail == "" {
		logger.Warn().
			Str("from", resendSandboxFrom).
			Msg("FROM_EMAIL is not set; external delivery will fail")
		fromEmail = resendSandboxFrom
	}
	return &ResendSender{
		apiKey:     apiKey,
		from:       fmt.Sprintf("EasygoPharm <%s>", fromEmail),
		endpoint:   resendAPIURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

func (s *ResendSender) Name() string { return "resend" }

func (s *ResendSender) Configured() bool { return s.apiKey != "" }

type resendRequest struct {
	From    string   `json:"from"`
	To      []string `json:"to"`
	Subject string   `json:"subject"`
	HTML    string   `json:"html"`
}

type resendResponse struct {
	ID      string `json:"id"`
	Message string `json:"message"`
}

func (s *ResendSender) Send(ctx context.Context, env *Envelope) error {
	if !s.Configured() {
		return fmt.Errorf("resend: %w", errMissingAPIKey)
	}
	payload, err := json.Marshal(resendRequest{
		From:    s.from,
		To:      []string{env.To},
		Subject: env.Subject,
		HTML:    env.HTML,
	})
	if err != nil {
		return fmt.Errorf("encoding resend request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+s.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("resend request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var out resendResponse
	_ = json.Unmarshal(raw, &out)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := out.Message
		if msg == "" {
			msg = "Resend API failed to send email."
		}
		return &ResendError{StatusCode: resp.StatusCode, Message: msg}
	}
	env.From = s.from
	env.ProviderID = out.ID
	return nil
}
