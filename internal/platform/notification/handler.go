package notification

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
)

var errMissingAPIKey = errors.New("email service is not configured (missing API key)")

// Handler serves the public send endpoint used by the intake forms.
type Handler struct {
	dispatcher *Dispatcher
}

func NewHandler(d *Dispatcher) *Handler {
	return &Handler{dispatcher: d}
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.Any("/notifications/send", h.HandleSend)
}

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// HandleSend delivers one message synchronously and reports the outcome.
// Errors use {error, code} bodies so form clients can branch on code.
func (h *Handler) HandleSend(c echo.Context) error {
	if c.Request().Method != http.MethodPost {
		return c.JSON(http.StatusMethodNotAllowed, errorBody{"Method not allowed", "method_not_allowed"})
	}
	if !h.dispatcher.Configured() {
		return c.JSON(http.StatusInternalServerError, errorBody{
			"Email service is not configured (Missing API Key).", "missing_api_key"})
	}

	var msg Message
	if err := c.Bind(&msg); err != nil {
		var httpErr *echo.HTTPError
		if errors.As(err, &httpErr) && httpErr.Code == http.StatusRequestEntityTooLarge {
			return c.JSON(httpErr.Code, errorBody{"Payload too large.", "payload_too_large"})
		}
		return c.JSON(http.StatusBadRequest, errorBody{ErrInvalidPayload.Error(), "invalid_payload"})
	}
	// Reset codes are only ever sent by the staff service.
	if msg.NotificationType == PasswordReset {
		return c.JSON(http.StatusBadRequest, errorBody{ErrInvalidPayload.Error(), "invalid_payload"})
	}

	env, err := h.dispatcher.Send(c.Request().Context(), msg)
	var re *ResendError
	switch {
	case err == nil:
	case errors.Is(err, ErrMissingEmail):
		return c.JSON(http.StatusBadRequest, errorBody{"User email is required for confirmation.", "missing_email"})
	case errors.Is(err, ErrInvalidPayload):
		return c.JSON(http.StatusBadRequest, errorBody{err.Error(), "invalid_payload"})
	case errors.As(err, &re):
		return c.JSON(re.StatusCode, errorBody{re.Message, "resend_api_error"})
	default:
		h.dispatcher.logger.Error().Err(err).Msg("notification send failed")
		return c.JSON(http.StatusInternalServerError, errorBody{
			"An internal error occurred while processing the email.", "internal_server_error"})
	}

	id := env.ProviderID
	if id == "" {
		id = env.ID
	}
	return c.JSON(http.StatusOK, map[string]any{"success": true, "id": id})
}
