package emrsync

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
)

// Handler exposes manual sync over HTTP.
type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes mounts the routes; write routes receive the guard
// middleware.
func (h *Handler) RegisterRoutes(api *echo.Group, guard ...echo.MiddlewareFunc) {
	api.GET("/sync", h.Status)
	api.POST("/sync", h.Trigger, guard...)
}

type statusResponse struct {
	Result
	Error string `json:"error,omitempty"`
}

func (h *Handler) Status(c echo.Context) error {
	res, err := h.svc.Last()
	body := statusResponse{Result: res}
	if err != nil {
		body.Error = err.Error()
	}
	return c.JSON(http.StatusOK, body)
}

// Trigger runs a pass and waits for it, bounded by the request context.
func (h *Handler) Trigger(c echo.Context) error {
	res, err := h.svc.Sync(c.Request().Context())
	if errors.Is(err, ErrRemoteUnavailable) {
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, res)
}
