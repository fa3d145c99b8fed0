package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"rankingEngineAPI/internal/logger"
	"rankingEngineAPI/internal/types/leaderboard"
	"rankingEngineAPI/services"
)

type LeaderboardHandler struct {
	leaderboardService *services.LeaderboardService
	recalcQueue        services.RecalculationQueue
	logger             *zap.Logger
	timeout            time.Duration
}

func NewLeaderboardHandler(leaderboardService *services.LeaderboardService, recalcQueue services.RecalculationQueue, log *zap.Logger) *LeaderboardHandler {
	return &LeaderboardHandler{
		leaderboardService: leaderboardService,
		recalcQueue:        recalcQueue,
		logger:             logger.OrNop(log),
		timeout:            5 * time.Second,
	}
}

// SetTimeout bounds the read and score update handlers. Synchronous
// recalculation is not bounded by it.
func (h *LeaderboardHandler) SetTimeout(d time.Duration) {
	if d > 0 {
		h.timeout = d
	}
}

// Register mounts the leaderboard routes on r.
func (h *LeaderboardHandler) Register(r *mux.Router) {
	r.HandleFunc("/leaderboards/{category}", h.GetLeaderboard).Methods("GET")
	r.HandleFunc("/leaderboards/{category}/activity", h.RecordActivity).Methods("POST")
	r.HandleFunc("/leaderboards/{category}/users/{userID}", h.GetRecord).Methods("GET")
	r.HandleFunc("/leaderboards/{category}/recalculate", h.TriggerRecalculation).Methods("POST")
}

func (h *LeaderboardHandler) RecordActivity(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	category := leaderboard.Category(mux.Vars(r)["category"])

	var req leaderboard.RecordActivityRequest
	decoder := json.NewDecoder(r.Body)
	decoder.UseNumber()
	if err := decoder.Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.UserID == "" {
		respondWithError(w, http.StatusBadRequest, "Field 'user_id' is required")
		return
	}

	// Scores are whole numbers; a fractional delta is rejected rather than rounded.
	delta, err := req.ScoreDelta.Int64()
	if err != nil {
		respondWithError(w, http.StatusBadRequest, services.ErrInvalidDelta.Error()+": 'score_delta' must be an integer")
		return
	}

	rec, err := h.leaderboardService.RecordActivity(ctx, req.UserID, category, delta)
	if err != nil {
		h.respondWithServiceError(w, r, err)
		return
	}

	respondWithJSON(w, http.StatusOK, rec)
}

func (h *LeaderboardHandler) GetLeaderboard(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	category := leaderboard.Category(mux.Vars(r)["category"])

	page, err := queryInt(r, "page", 1)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, services.ErrInvalidPagination.Error()+": 'page' must be an integer")
		return
	}
	pageSize, err := queryInt(r, "page_size", services.DefaultPageSize)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, services.ErrInvalidPagination.Error()+": 'page_size' must be an integer")
		return
	}

	board, err := h.leaderboardService.GetLeaderboard(ctx, category, page, pageSize)
	if err != nil {
		h.respondWithServiceError(w, r, err)
		return
	}

	respondWithJSON(w, http.StatusOK, board)
}

func (h *LeaderboardHandler) GetRecord(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	vars := mux.Vars(r)
	entry, err := h.leaderboardService.GetRecord(ctx, vars["userID"], leaderboard.Category(vars["category"]))
	if err != nil {
		h.respondWithServiceError(w, r, err)
		return
	}

	respondWithJSON(w, http.StatusOK, entry)
}

func (h *LeaderboardHandler) TriggerRecalculation(w http.ResponseWriter, r *http.Request) {
	category := leaderboard.Category(mux.Vars(r)["category"])
	if !category.Valid() {
		respondWithError(w, http.StatusBadRequest, services.ErrInvalidCategory.Error()+": "+strconv.Quote(string(category)))
		return
	}

	if async, _ := strconv.ParseBool(r.URL.Query().Get("async")); async {
		if h.recalcQueue == nil {
			respondWithError(w, http.StatusServiceUnavailable, "Asynchronous recalculation is not enabled")
			return
		}
		queued := h.recalcQueue.Enqueue(category)
		respondWithJSON(w, http.StatusAccepted, map[string]any{
			"category": category,
			"queued":   queued,
		})
		return
	}

	result, err := h.leaderboardService.TriggerRecalculation(r.Context(), category)
	if err != nil {
		h.respondWithServiceError(w, r, err)
		return
	}

	respondWithJSON(w, http.StatusOK, result)
}

func queryInt(r *http.Request, key string, fallback int) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback, nil
	}
	return strconv.Atoi(raw)
}

func (h *LeaderboardHandler) respondWithServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, services.ErrInvalidCategory),
		errors.Is(err, services.ErrInvalidPagination),
		errors.Is(err, services.ErrInvalidDelta),
		errors.Is(err, services.ErrInvalidUser):
		respondWithError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, services.ErrRecordNotFound):
		respondWithError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, services.ErrRecalculationConflict):
		respondWithError(w, http.StatusConflict, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		respondWithError(w, http.StatusGatewayTimeout, "Request timed out")
	default:
		h.logger.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
		respondWithError(w, http.StatusInternalServerError, "Internal server error")
	}
}
