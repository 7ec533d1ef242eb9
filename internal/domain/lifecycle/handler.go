package lifecycle

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/easygopharm/intake/internal/platform/auth"
	"github.com/easygopharm/intake/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	// Public intake forms
	api.POST("/requests", h.CreateRequest)
	api.POST("/consultations", h.CreateConsultation)

	staff := api.Group("", auth.RequireStaff())
	staff.GET("/requests", h.ListRequests)
	staff.GET("/requests/:id", h.GetRequest)
	staff.GET("/requests/:id/attachment", h.GetRequestAttachment)
	staff.PATCH("/requests/:id/status", h.SetRequestStatus)
	staff.POST("/requests/:id/enrich", h.TriggerEnrichment)

	staff.GET("/consultations", h.ListConsultations)
	staff.GET("/consultations/:id", h.GetConsultation)
	staff.GET("/consultations/:id/attachment", h.GetConsultationAttachment)
	staff.PATCH("/consultations/:id/status", h.SetConsultStatus)
	staff.PUT("/consultations/:id/notes", h.SetConsultNotes)
	staff.POST("/consultations/:id/summary", h.SummarizeConsultation)

	staff.GET("/dashboard/stats", h.Stats)

	admin := api.Group("", auth.RequireRole(auth.RoleSuperAdmin))
	admin.PUT("/requests/:id/lock", h.lockHandler(KindRequest))
	admin.PUT("/consultations/:id/lock", h.lockHandler(KindConsultation))
}

// -- Submissions --

func (h *Handler) CreateRequest(c echo.Context) error {
	var req Request
	if err := bind(c, &req); err != nil {
		return err
	}
	created, err := h.svc.CreateRequest(c.Request().Context(), &req)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, created)
}

func (h *Handler) CreateConsultation(c echo.Context) error {
	var consult Consultation
	if err := bind(c, &consult); err != nil {
		return err
	}
	created, err := h.svc.CreateConsultation(c.Request().Context(), &consult)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, created)
}

// -- Requests --

func (h *Handler) ListRequests(c echo.Context) error {
	ctx := c.Request().Context()
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListRequests(ctx, auth.ActorFromContext(ctx), ListOptions{
		Status: c.QueryParam("status"),
		Limit:  pg.Limit,
		Offset: pg.Offset,
	})
	if err != nil {
		return httpError(err)
	}
	return pagination.Respond(c, pg, items, total)
}

func (h *Handler) GetRequest(c echo.Context) error {
	ctx := c.Request().Context()
	r, err := h.svc.GetRequest(ctx, auth.ActorFromContext(ctx), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, r)
}

func (h *Handler) GetRequestAttachment(c echo.Context) error {
	ctx := c.Request().Context()
	a, err := h.svc.GetRequestAttachment(ctx, auth.ActorFromContext(ctx), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, a)
}

type statusBody struct {
	Status string `json:"status"`
}

func (h *Handler) SetRequestStatus(c echo.Context) error {
	var body statusBody
	if err := bind(c, &body); err != nil {
		return err
	}
	status, err := ParseRequestStatus(body.Status)
	if err != nil {
		return httpError(err)
	}
	ctx := c.Request().Context()
	actor := auth.ActorFromContext(ctx)
	id := c.Param("id")
	if err := h.svc.SetRequestStatus(ctx, actor, id, status, nil); err != nil {
		return httpError(err)
	}
	r, err := h.svc.GetRequest(ctx, actor, id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, r)
}

func (h *Handler) TriggerEnrichment(c echo.Context) error {
	ctx := c.Request().Context()
	r, err := h.svc.TriggerEnrichment(ctx, auth.ActorFromContext(ctx), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, r)
}

// -- Consultations --

func (h *Handler) ListConsultations(c echo.Context) error {
	ctx := c.Request().Context()
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListConsultations(ctx, auth.ActorFromContext(ctx), ListOptions{
		Status: c.QueryParam("status"),
		Limit:  pg.Limit,
		Offset: pg.Offset,
	})
	if err != nil {
		return httpError(err)
	}
	return pagination.Respond(c, pg, items, total)
}

func (h *Handler) GetConsultation(c echo.Context) error {
	ctx := c.Request().Context()
	consult, err := h.svc.GetConsultation(ctx, auth.ActorFromContext(ctx), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, consult)
}

func (h *Handler) GetConsultationAttachment(c echo.Context) error {
	ctx := c.Request().Context()
	a, err := h.svc.GetConsultationAttachment(ctx, auth.ActorFromContext(ctx), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, a)
}

func (h *Handler) SetConsultStatus(c echo.Context) error {
	var body statusBody
	if err := bind(c, &body); err != nil {
		return err
	}
	status, err := ParseConsultStatus(body.Status)
	if err != nil {
		return httpError(err)
	}
	ctx := c.Request().Context()
	actor := auth.ActorFromContext(ctx)
	id := c.Param("id")
	if err := h.svc.SetConsultStatus(ctx, actor, id, status); err != nil {
		return httpError(err)
	}
	consult, err := h.svc.GetConsultation(ctx, actor, id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, consult)
}

type notesBody struct {
	Notes string `json:"notes"`
}

func (h *Handler) SetConsultNotes(c echo.Context) error {
	var body notesBody
	if err := bind(c, &body); err != nil {
		return err
	}
	ctx := c.Request().Context()
	actor := auth.ActorFromContext(ctx)
	id := c.Param("id")
	if err := h.svc.SetConsultNotes(ctx, actor, id, body.Notes); err != nil {
		return httpError(err)
	}
	consult, err := h.svc.GetConsultation(ctx, actor, id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, consult)
}

func (h *Handler) SummarizeConsultation(c echo.Context) error {
	ctx := c.Request().Context()
	summary, err := h.svc.SummarizeConsultation(ctx, auth.ActorFromContext(ctx), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]string{"summary": summary})
}

// -- Administration --

type lockBody struct {
	Locked *bool `json:"locked"`
}

func (h *Handler) lockHandler(kind Kind) echo.HandlerFunc {
	return func(c echo.Context) error {
		var body lockBody
		if err := bind(c, &body); err != nil {
			return err
		}
		if body.Locked == nil {
			return echo.NewHTTPError(http.StatusBadRequest, "locked (true or false) is required")
		}
		ctx := c.Request().Context()
		if err := h.svc.ToggleLock(ctx, auth.ActorFromContext(ctx), kind, c.Param("id"), *body.Locked); err != nil {
			return httpError(err)
		}
		return c.JSON(http.StatusOK, map[string]any{"id": c.Param("id"), "locked": *body.Locked})
	}
}

func (h *Handler) Stats(c echo.Context) error {
	ctx := c.Request().Context()
	stats, err := h.svc.Stats(ctx, auth.ActorFromContext(ctx))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, stats)
}

// httpError maps domain errors to statuses: 403 for a missing role, 423 for
// a locked record, 500 with the store's message for a failed write.
func httpError(err error) error {
	var (
		authErr  *AuthorizationError
		locked   *LockedRecordError
		transErr *InvalidTransitionError
		verr     *ValidationError
		enrErr   *EnrichmentError
		storeErr *StorageError
	)
	switch {
	case errors.As(err, &authErr):
		return echo.NewHTTPError(http.StatusForbidden, authErr.Error())
	case errors.As(err, &locked):
		return echo.NewHTTPError(http.StatusLocked, locked.Error())
	case errors.As(err, &transErr):
		return echo.NewHTTPError(http.StatusConflict, transErr.Error())
	case errors.As(err, &verr):
		return echo.NewHTTPError(http.StatusBadRequest, verr.Error())
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.As(err, &enrErr):
		return echo.NewHTTPError(http.StatusBadGateway, enrErr.Error())
	case errors.As(err, &storeErr):
		return echo.NewHTTPError(http.StatusInternalServerError, storeErr.Error())
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}

// bind decodes the request body. Errors echo has already classified, such as
// 413 from the body limit, pass through with their own status.
func bind(c echo.Context, v any) error {
	err := c.Bind(v)
	if err == nil {
		return nil
	}
	var httpErr *echo.HTTPError
	if errors.As(err, &httpErr) && httpErr.Code != http.StatusBadRequest {
		return httpErr
	}
	return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
}
