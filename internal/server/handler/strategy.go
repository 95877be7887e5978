package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/stratforge/stratd/internal/domain"
)

// StrategyReader is the store slice the strategy handler reads from.
type StrategyReader interface {
	GetByID(ctx context.Context, id string) (domain.Strategy, error)
}

// StrategySettings is the settings-service slice the strategy handler
// writes through.
type StrategySettings interface {
	InitializeStrategy(ctx context.Context, strategyID string, cfg domain.ExecutionConfig, kind domain.StrategyKind, version int64) error
	UpdateStrategySettings(ctx context.Context, strategyID string, patch map[string]string, publish bool) (int64, error)
}

// ExecutionStats is the execution-store slice serving the stats endpoint.
type ExecutionStats interface {
	Stats(ctx context.Context, strategyID string) (domain.ExecutionStats, error)
}

// StrategyHandler serves strategy deployment, settings, and stats endpoints.
type StrategyHandler struct {
	strategies StrategyReader
	settings   StrategySettings
	executions ExecutionStats
	logger     *slog.Logger
}

// NewStrategyHandler creates a StrategyHandler.
func NewStrategyHandler(strategies StrategyReader, settings StrategySettings, executions ExecutionStats, logger *slog.Logger) *StrategyHandler {
	return &StrategyHandler{
		strategies: strategies,
		settings:   settings,
		executions: executions,
		logger:     logger,
	}
}

// deployRequest is the body for POST /api/strategies/deploy.
type deployRequest struct {
	StrategyID string `json:"strategy_id"`
}

// Deploy initializes the strategy's settings hash from its execution config
// so the engine can pick it up on the next candle close.
// POST /api/strategies/deploy
func (h *StrategyHandler) Deploy(w http.ResponseWriter, r *http.Request) {
	var req deployRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.StrategyID == "" {
		writeError(w, http.StatusBadRequest, "strategy_id is required")
		return
	}

	strat, err := h.strategies.GetByID(r.Context(), req.StrategyID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "strategy not found")
			return
		}
		h.logger.ErrorContext(r.Context(), "handler: load strategy failed",
			slog.String("strategy_id", req.StrategyID),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to load strategy")
		return
	}

	if !strat.Config.Complete() {
		writeError(w, http.StatusBadRequest, "strategy execution config is incomplete")
		return
	}

	if err := h.settings.InitializeStrategy(r.Context(), strat.ID, strat.Config, strat.Kind, 1); err != nil {
		h.logger.ErrorContext(r.Context(), "handler: deploy failed",
			slog.String("strategy_id", strat.ID),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to deploy strategy")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"strategy_id": strat.ID,
		"status":      "deployed",
	})
}

// updateSettingsResponse wraps the new settings version.
type updateSettingsResponse struct {
	StrategyID string `json:"strategy_id"`
	Version    int64  `json:"version"`
}

// UpdateSettings applies a field patch to the strategy settings hash, bumps
// the version, and broadcasts the change to running workers.
// PUT /api/strategies/{id}/settings
func (h *StrategyHandler) UpdateSettings(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing strategy id")
		return
	}

	var patch map[string]string
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if len(patch) == 0 {
		writeError(w, http.StatusBadRequest, "empty settings patch")
		return
	}

	version, err := h.settings.UpdateStrategySettings(r.Context(), id, patch, true)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "strategy settings not found")
			return
		}
		h.logger.ErrorContext(r.Context(), "handler: update settings failed",
			slog.String("strategy_id", id),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to update settings")
		return
	}

	writeJSON(w, http.StatusOK, updateSettingsResponse{StrategyID: id, Version: version})
}

// Stats returns the aggregated execution history for a strategy.
// GET /api/strategies/{id}/stats
func (h *StrategyHandler) Stats(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing strategy id")
		return
	}

	stats, err := h.executions.Stats(r.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "strategy not found")
			return
		}
		h.logger.ErrorContext(r.Context(), "handler: strategy stats failed",
			slog.String("strategy_id", id),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to load stats")
		return
	}

	writeJSON(w, http.StatusOK, stats)
}
