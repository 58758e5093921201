package worklist

import (
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/ehr/worklist/pkg/pagination"
)

// Handler exposes read-only worklist inspection over HTTP.
type Handler struct {
	store Store
}

func NewHandler(store Store) *Handler {
	return &Handler{store: store}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/worklist", h.ListWorklist)
	api.GET("/worklist/:accession", h.GetWorklistEntry)
	api.GET("/procedure-steps/:sop", h.GetProcedureStep)
}

// ListWorklist lists active entries. Query parameters: status (comma
// separated, default SCHEDULED,IN_PROGRESS), modality, patient_id, date_from,
// date_to, limit, offset.
func (h *Handler) ListWorklist(c echo.Context) error {
	pg := pagination.FromContext(c)
	statuses, err := ParseStatuses(c.QueryParam("status"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	f := Filter{
		Statuses:  statuses,
		Modality:  strings.ToUpper(c.QueryParam("modality")),
		PatientID: c.QueryParam("patient_id"),
		DateFrom:  c.QueryParam("date_from"),
		DateTo:    c.QueryParam("date_to"),
	}

	ctx := c.Request().Context()
	total, err := h.store.CountScheduledProcedures(ctx, f)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	f.Limit, f.Offset = pg.Limit, pg.Offset
	items, err := h.store.FindScheduledProcedures(ctx, f)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if items == nil {
		items = []*Entry{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg).WithLinks(c.Path(), pg))
}

func (h *Handler) GetWorklistEntry(c echo.Context) error {
	entry, err := h.store.GetScheduledProcedure(c.Request().Context(), c.Param("accession"))
	if errors.Is(err, ErrProcedureNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "scheduled procedure not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, entry)
}

func (h *Handler) GetProcedureStep(c echo.Context) error {
	step, err := h.store.GetProcedureStep(c.Request().Context(), c.Param("sop"))
	if errors.Is(err, ErrStepNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "procedure step not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, step)
}
