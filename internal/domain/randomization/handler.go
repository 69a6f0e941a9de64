package randomization

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
)

// DefaultInitialID is used when a request omits initial_id.
const DefaultInitialID = 1

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/randomization")
	g.GET("/strata", h.ListStrata)
	g.GET("/strategies", h.ListStrategies)
	g.POST("/plans", h.CreatePlan)
}

// PlanRequest is the JSON body of POST /randomization/plans.
type PlanRequest struct {
	Strategy  string         `json:"strategy"`
	InitialID *int           `json:"initial_id"`
	Seed      *int64         `json:"seed"`
	Strata    map[string]int `json:"strata"`
}

type stratumInfo struct {
	Key          string       `json:"key"`
	SleepQuality SleepQuality `json:"sleep_quality"`
	Sex          Sex          `json:"sex"`
}

func (h *Handler) ListStrata(c echo.Context) error {
	out := make([]stratumInfo, 0, len(AllStrata))
	for _, s := range AllStrata {
		out = append(out, stratumInfo{Key: s.Key(), SleepQuality: s.SleepQuality, Sex: s.Sex})
	}
	return c.JSON(http.StatusOK, out)
}

func (h *Handler) ListStrategies(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"strategies": StrategyNames(),
		"default":    h.svc.DefaultStrategy(),
		"block_size": BlockSize,
	})
}

func (h *Handler) CreatePlan(c echo.Context) error {
	var body PlanRequest
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	sizes, err := ParseStrataSizes(body.Strata)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	initialID := DefaultInitialID
	if body.InitialID != nil {
		initialID = *body.InitialID
	}

	plan, err := h.svc.Generate(c.Request().Context(), GenerateRequest{
		Strategy:  body.Strategy,
		InitialID: initialID,
		Seed:      body.Seed,
		Sizes:     sizes,
	})
	if err != nil {
		if isPrecondition(err) {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	if wantsCSV(c) {
		return writePlanCSV(c, plan)
	}
	return c.JSON(http.StatusOK, plan)
}

func isPrecondition(err error) bool {
	return errors.Is(err, ErrInvalidInitialID) ||
		errors.Is(err, ErrNegativeStratumSize) ||
		errors.Is(err, ErrStratumSizeTooLarge) ||
		errors.Is(err, ErrSubjectIDOverflow) ||
		errors.Is(err, ErrUnknownStratum) ||
		errors.Is(err, ErrDuplicateStratum) ||
		errors.Is(err, ErrUnknownStrategy)
}

func wantsCSV(c echo.Context) bool {
	if strings.EqualFold(c.QueryParam("format"), "csv") {
		return true
	}
	return strings.Contains(c.Request().Header.Get(echo.HeaderAccept), "text/csv")
}

func writePlanCSV(c echo.Context, plan *Plan) error {
	hdr := c.Response().Header()
	hdr.Set(echo.HeaderContentType, "text/csv")
	hdr.Set(echo.HeaderContentDisposition, fmt.Sprintf("attachment; filename=%q", CSVFilename(plan.Strategy)))
	hdr.Set("X-Plan-ID", plan.ID.String())
	hdr.Set("X-Plan-Seed", strconv.FormatInt(plan.Seed, 10))
	hdr.Set("X-Validation-Errors", strconv.Itoa(len(plan.Errors)))
	for _, msg := range plan.ValidationMessages() {
		hdr.Add("X-Validation-Error", msg)
	}
	c.Response().WriteHeader(http.StatusOK)

	return WriteCSV(c.Response(), plan.Records)
}
