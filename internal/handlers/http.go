package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"machine-monitor/internal/models"
	"machine-monitor/internal/monitor"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// maxBodyBytes ограничение на тело POST запросов
const maxBodyBytes = 1 << 20

// Handler обработчик HTTP запросов
type Handler struct {
	monitor  *monitor.Monitor
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

// NewHandler создает новый обработчик. allowedOrigins ограничивает
// WebSocket подключения; "*" разрешает любой Origin.
func NewHandler(mon *monitor.Monitor, allowedOrigins []string, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		monitor:  mon,
		upgrader: newUpgrader(allowedOrigins),
		logger:   logger,
	}
}

// Router регистрирует все маршруты
func (h *Handler) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(Recover(h.logger), Instrument)

	r.HandleFunc("/machines", h.ListMachines).Methods(http.MethodGet)
	r.HandleFunc("/machine/{id}/metrics", h.GetCurrentMetrics).Methods(http.MethodGet)
	r.HandleFunc("/machine/{id}/history", h.GetHistory).Methods(http.MethodGet)
	r.HandleFunc("/machine/{id}/analysis", h.GetAnalysis).Methods(http.MethodGet)
	r.HandleFunc("/machines/{id}/analysis", h.GetAnalysis).Methods(http.MethodGet)
	r.HandleFunc("/machine/{id}/anomalies", h.GetAnomalies).Methods(http.MethodGet)
	r.HandleFunc("/analysis", h.GetMultiAnalysis).Methods(http.MethodGet)

	r.HandleFunc("/metrics", h.SubmitMetric).Methods(http.MethodPost)
	r.HandleFunc("/metrics/batch", h.BatchSubmitMetrics).Methods(http.MethodPost)

	r.HandleFunc("/health", h.HealthCheck).Methods(http.MethodGet)
	r.HandleFunc("/stats", h.GetStats).Methods(http.MethodGet)

	r.HandleFunc("/ws/machine/{id}", h.StreamMachine)
	return r
}

// ListMachines обрабатывает GET /machines
func (h *Handler) ListMachines(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.monitor.ListMachines())
}

// GetCurrentMetrics обрабатывает GET /machine/{id}/metrics
func (h *Handler) GetCurrentMetrics(w http.ResponseWriter, r *http.Request) {
	sample, err := h.monitor.CurrentMetrics(mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sample)
}

// GetHistory обрабатывает GET /machine/{id}/history?limit=n
func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r, 0)
	if err != nil {
		writeDetail(w, http.StatusBadRequest, err.Error())
		return
	}

	history, err := h.monitor.History(mux.Vars(r)["id"], limit)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, history)
}

// GetAnalysis обрабатывает GET /machine/{id}/analysis
func (h *Handler) GetAnalysis(w http.ResponseWriter, r *http.Request) {
	rec, err := h.monitor.Analysis(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// GetMultiAnalysis обрабатывает GET /analysis?machine_ids=..&start_time=..&end_time=..
func (h *Handler) GetMultiAnalysis(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var ids []string
	for _, v := range q["machine_ids"] {
		for _, id := range strings.Split(v, ",") {
			if id = strings.TrimSpace(id); id != "" {
				ids = append(ids, id)
			}
		}
	}

	start, err := parseTime(q.Get("start_time"))
	if err != nil {
		writeDetail(w, http.StatusBadRequest, fmt.Sprintf("invalid start_time: %v", err))
		return
	}
	end, err := parseTime(q.Get("end_time"))
	if err != nil {
		writeDetail(w, http.StatusBadRequest, fmt.Sprintf("invalid end_time: %v", err))
		return
	}
	if start != nil && end != nil && end.Before(*start) {
		writeDetail(w, http.StatusBadRequest, "end_time must not be before start_time")
		return
	}

	results, err := h.monitor.AnalyzeRange(r.Context(), ids, start, end)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, results)
}

// GetAnomalies обрабатывает GET /machine/{id}/anomalies?limit=n
func (h *Handler) GetAnomalies(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r, 10)
	if err != nil {
		writeDetail(w, http.StatusBadRequest, err.Error())
		return
	}

	machineID := mux.Vars(r)["id"]
	anomalies, err := h.monitor.RecentAnomalies(r.Context(), machineID, limit)
	if err != nil {
		h.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"machine_id":    machineID,
		"anomaly_count": len(anomalies),
		"anomalies":     anomalies,
	})
}

// SubmitMetric обрабатывает POST /metrics
func (h *Handler) SubmitMetric(w http.ResponseWriter, r *http.Request) {
	var sample models.MetricSample
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&sample); err != nil {
		writeDetail(w, http.StatusBadRequest, "Invalid JSON")
		return
	}

	if err := h.monitor.Ingest(sample, "api"); err != nil {
		h.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":     "accepted",
		"machine_id": sample.MachineID,
	})
}

// BatchSubmitMetrics обрабатывает POST /metrics/batch.
// Некорректные сэмплы пропускаются, остальные принимаются.
func (h *Handler) BatchSubmitMetrics(w http.ResponseWriter, r *http.Request) {
	var batch []models.MetricSample
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&batch); err != nil {
		writeDetail(w, http.StatusBadRequest, "Invalid JSON")
		return
	}

	type rejection struct {
		Index  int    `json:"index"`
		Detail string `json:"detail"`
	}
	rejected := []rejection{}
	accepted := 0
	for i, sample := range batch {
		if err := h.monitor.Ingest(sample, "api"); err != nil {
			rejected = append(rejected, rejection{Index: i, Detail: err.Error()})
			continue
		}
		accepted++
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "accepted",
		"total":    len(batch),
		"accepted": accepted,
		"rejected": rejected,
	})
}

// HealthCheck обрабатывает GET /health
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	mirrorEnabled, mirrorErr := h.monitor.Health(r.Context())

	status := "healthy"
	redis := "disabled"
	if mirrorEnabled {
		redis = "ok"
		if mirrorErr != nil {
			// зеркало не критично, анализ продолжает работать из памяти
			redis = "unreachable"
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    status,
		"redis":     redis,
		"machines":  len(h.monitor.ListMachines()),
		"timestamp": time.Now(),
	})
}

// GetStats обрабатывает GET /stats
func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"monitor":   h.monitor.GetStats(),
		"timestamp": time.Now(),
	})
}

func parseLimit(r *http.Request, def int) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("limit must be a non-negative integer, got %q", raw)
	}
	return n, nil
}

func parseTime(raw string) (*time.Time, error) {
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// statusFor отображает доменные ошибки на HTTP статус
func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrUnknownMachine), errors.Is(err, models.ErrNoData):
		return http.StatusNotFound
	case errors.Is(err, models.ErrInvalidSample), errors.Is(err, models.ErrOutOfOrder):
		return http.StatusBadRequest
	case errors.Is(err, monitor.ErrMirrorDisabled):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", zap.Error(err))
	}
	writeDetail(w, status, err.Error())
}

func writeDetail(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
