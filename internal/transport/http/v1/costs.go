package v1

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/leofalp/chatcheckpoint/core/session"
)

const defaultCostLookbackDays = 7

// GetCosts returns spend per day and model.
// GET /v1/costs?days=N
func (h *Handler) GetCosts(c echo.Context) error {
	days := defaultCostLookbackDays
	if raw := c.QueryParam("days"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "days must be a positive integer"})
		}
		days = n
	}

	summary, err := h.service.GetCostSummary(c.Request().Context(), days)
	if err != nil {
		return errorJSON(c, err)
	}
	if summary == nil {
		summary = []session.CostAggregate{}
	}

	var total float64
	for _, row := range summary {
		total += row.TotalCost
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"days":       days,
		"total_cost": total,
		"summary":    summary,
	})
}
