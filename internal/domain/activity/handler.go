package activity

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/activity/internal/platform/auth"
	"github.com/ehr/activity/internal/platform/bulkexport"
	"github.com/ehr/activity/pkg/pagination"
)

// Trigger response bodies.
const (
	BodyDone          = "Done"
	BodyKickoffFailed = "Error: Bulk data kickoff request failed."
	BodyPollFailed    = "Error: Bulk data request failed."
	BodyAuthFailed    = "Error: Access token request failed."
)

// RunIDHeader carries the ledger id of the run a trigger performed.
const RunIDHeader = "X-Run-ID"

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.POST("/last-24-hours-activity", h.Last24HoursActivity)
	// Misspelled path kept for existing callers.
	g.POST("/last-24-hours-activtity", h.Last24HoursActivity)

	g.GET("/runs", h.ListRuns)
	g.GET("/runs/:id", h.GetRun)
}

// Last24HoursActivity performs one run synchronously.
func (h *Handler) Last24HoursActivity(c echo.Context) error {
	run, err := h.svc.Run(c.Request().Context())
	if run != nil {
		c.Response().Header().Set(RunIDHeader, run.ID.String())
	}
	if err == nil {
		return c.String(http.StatusOK, BodyDone)
	}

	var (
		authErr    *auth.AuthError
		kickoffErr *bulkexport.KickoffError
		pollErr    *bulkexport.PollError
	)
	switch {
	case errors.As(err, &authErr):
		return c.String(http.StatusBadRequest, BodyAuthFailed)
	case errors.As(err, &kickoffErr):
		return c.String(http.StatusBadRequest, BodyKickoffFailed)
	case errors.As(err, &pollErr):
		return c.String(http.StatusBadRequest, BodyPollFailed)
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, "Error: activity run failed.").SetInternal(err)
	}
}

func (h *Handler) ListRuns(c echo.Context) error {
	pg, err := pagination.Parse(c)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	runs, total, err := h.svc.Repository().List(c.Request().Context(), pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to list runs").SetInternal(err)
	}
	return c.JSON(http.StatusOK, pagination.NewPage(runs, total, pg))
}

func (h *Handler) GetRun(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	run, err := h.svc.Repository().GetByID(c.Request().Context(), id)
	if errors.Is(err, ErrRunNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "run not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to get run").SetInternal(err)
	}
	return c.JSON(http.StatusOK, run)
}
