package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/coinlake/binance-collector/internal/app"
	"github.com/coinlake/binance-collector/internal/model"
	"github.com/coinlake/binance-collector/internal/repository"
)

// =====================================================================
// Response DTOs
// =====================================================================

// InfoResponse is the engine status payload of GET /.
type InfoResponse struct {
	Time         time.Time                   `json:"time"`
	Timezone     string                      `json:"timezone"`
	LastUpdateDt *time.Time                  `json:"last_update_dt,omitempty"`
	LastChangeDt *time.Time                  `json:"last_change_dt,omitempty"`
	LastChange   *CurrencyPairChangeResponse `json:"last_change,omitempty"`
}

// HealthResponse is the payload of GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

// CurrencyPairResponse is the pair DTO of the listing and detail
// endpoints.
type CurrencyPairResponse struct {
	UUID      string       `json:"uuid"`
	Symbol    string       `json:"symbol"`
	Base      string       `json:"base"`
	Quote     string       `json:"quote"`
	Status    model.Status `json:"status"`
	IsActive  bool         `json:"is_active"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// CurrencyPairChangeResponse renders a catalogue diff.
type CurrencyPairChangeResponse struct {
	Added   []CurrencyPairResponse `json:"added"`
	Removed []CurrencyPairResponse `json:"removed"`
}

func (s *Server) pairResponse(pair *model.CurrencyPair, isActive bool) CurrencyPairResponse {
	return CurrencyPairResponse{
		UUID:      pair.UUID,
		Symbol:    pair.Symbol(),
		Base:      pair.Base,
		Quote:     pair.Quote,
		Status:    pair.Status,
		IsActive:  isActive,
		CreatedAt: pair.CreatedAt,
		UpdatedAt: pair.UpdatedAt,
	}
}

// =====================================================================
// Handlers
// =====================================================================

// handleInfo returns engine status: current time plus the timestamps and
// content of the last catalogue refresh and change.
// GET /
func (s *Server) handleInfo(c echo.Context) error {
	now := time.Now()
	zone, _ := now.Zone()

	resp := InfoResponse{
		Time:         now,
		Timezone:     zone,
		LastUpdateDt: s.svc.LastUpdateAt(),
		LastChangeDt: s.svc.LastChangeAt(),
	}

	if change := s.svc.LastChange(); change != nil {
		rendered := CurrencyPairChangeResponse{
			Added:   make([]CurrencyPairResponse, 0, len(change.Added)),
			Removed: make([]CurrencyPairResponse, 0, len(change.Removed)),
		}
		for _, pair := range change.Added {
			rendered.Added = append(rendered.Added, s.pairResponse(pair, s.svc.IsActive(pair)))
		}
		for _, pair := range change.Removed {
			rendered.Removed = append(rendered.Removed, s.pairResponse(pair, false))
		}
		resp.LastChange = &rendered
	}

	return c.JSON(http.StatusOK, resp)
}

// handleHealth returns a static liveness payload.
// GET /health
func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "OK"})
}

// handleListCurrencyPairs lists pairs filtered by equality on the
// provided query fields.
// GET /currency_pairs?base=&quote=&status=
func (s *Server) handleListCurrencyPairs(c echo.Context) error {
	var query repository.Query

	if base := c.QueryParam("base"); base != "" {
		upper := strings.ToUpper(base)
		query.Base = &upper
	}
	if quote := c.QueryParam("quote"); quote != "" {
		upper := strings.ToUpper(quote)
		query.Quote = &upper
	}
	if status := c.QueryParam("status"); status != "" {
		parsed := model.Status(strings.ToUpper(status))
		if !parsed.Valid() {
			return c.JSON(http.StatusBadRequest, map[string]string{
				"error":   "InvalidRequest",
				"message": "Unknown status: " + status,
			})
		}
		query.Status = &parsed
	}

	pairs := s.svc.Pairs(&query)
	resp := make([]CurrencyPairResponse, 0, len(pairs))
	for _, pair := range pairs {
		resp = append(resp, s.pairResponse(pair, s.svc.IsActive(pair)))
	}
	return c.JSON(http.StatusOK, resp)
}

// handleGetCurrencyPair returns one pair by uuid.
// GET /currency_pairs/:uuid
func (s *Server) handleGetCurrencyPair(c echo.Context) error {
	id, err := parsePairUUID(c)
	if err != nil {
		return badUUID(c)
	}

	pair, err := s.svc.Pair(id)
	if err != nil {
		return pairError(c, id, err)
	}

	return c.JSON(http.StatusOK, s.pairResponse(pair, s.svc.IsActive(pair)))
}

// handleStartCurrencyPair activates a pair and starts collecting it.
// POST /currency_pairs/:uuid/start
func (s *Server) handleStartCurrencyPair(c echo.Context) error {
	id, err := parsePairUUID(c)
	if err != nil {
		return badUUID(c)
	}

	if err := s.svc.Activate(id); err != nil {
		return pairError(c, id, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// handleStopCurrencyPair deactivates a pair and ends its collection.
// POST /currency_pairs/:uuid/stop
func (s *Server) handleStopCurrencyPair(c echo.Context) error {
	id, err := parsePairUUID(c)
	if err != nil {
		return badUUID(c)
	}

	if err := s.svc.Deactivate(id); err != nil {
		return pairError(c, id, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// =====================================================================
// Helpers
// =====================================================================

// parsePairUUID validates the :uuid path parameter as a v4 UUID.
func parsePairUUID(c echo.Context) (string, error) {
	raw := c.Param("uuid")

	parsed, err := uuid.Parse(raw)
	if err != nil {
		return "", err
	}
	if parsed.Version() != 4 {
		return "", errors.New("server: not a v4 uuid")
	}
	return parsed.String(), nil
}

func badUUID(c echo.Context) error {
	return c.JSON(http.StatusBadRequest, map[string]string{
		"error":   "InvalidRequest",
		"message": "uuid must be a valid v4 UUID",
	})
}

// pairError maps service errors onto HTTP responses.
func pairError(c echo.Context, id string, err error) error {
	switch {
	case errors.Is(err, repository.ErrEntityNotFound):
		return c.JSON(http.StatusNotFound, map[string]string{
			"error":   "NotFound",
			"message": "CurrencyPair with uuid [" + id + "] cannot be found",
		})
	case errors.Is(err, repository.ErrEntityAlreadyExists):
		return c.JSON(http.StatusConflict, map[string]string{
			"error":   "Conflict",
			"message": err.Error(),
		})
	case errors.Is(err, app.ErrIllegalTransition):
		return c.JSON(http.StatusForbidden, map[string]string{
			"error":   "Forbidden",
			"message": err.Error(),
		})
	}
	return c.JSON(http.StatusInternalServerError, map[string]string{
		"error":   "InternalError",
		"message": err.Error(),
	})
}
