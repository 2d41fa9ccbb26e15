package httpapi

import (
	"encoding/json"
	"net/http"
	"runtime"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/aristath/order-supervisor/internal/domain"
	"github.com/aristath/order-supervisor/internal/orders"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// handleListOrders backs GET /orders?user_id=&status=&reason=&from=&to=.
func (s *Server) handleListOrders(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	userID := q.Get("user_id")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	var from, to *time.Time
	if v := q.Get("from"); v != "" {
		parsed, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "from must be RFC3339")
			return
		}
		from = &parsed
	}
	if v := q.Get("to"); v != "" {
		parsed, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "to must be RFC3339")
			return
		}
		to = &parsed
	}

	list, err := s.orders.ListAllForUser(userID, q.Get("status"), q.Get("reason"), from, to)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// handleOrderStatistics backs GET /orders/statistics?user_id=.
func (s *Server) handleOrderStatistics(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	stats, err := s.orders.StatisticsByStatus(userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// handleRetryOrder backs POST /orders/{userID}/{localID}/retry: moves a
// failed order back to pending in place (same local id), bumping its retry
// count.
func (s *Server) handleRetryOrder(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	localID := chi.URLParam(r, "localID")

	o, err := s.orders.GetByLocalID(userID, localID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if o == nil {
		writeError(w, http.StatusNotFound, "order not found")
		return
	}
	if o.Status != domain.StatusFailed {
		writeError(w, http.StatusConflict, "only failed orders can be retried")
		return
	}

	requeued, err := orders.Requeue(s.orders, o)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, requeued)
}

// handleCancelOrder backs DELETE /orders/{userID}/{localID}: an operator
// drop, always reasoned "user drop" regardless of the order's current
// failure reason. Cancels at the broker first so the control surface never
// marks an order cancelled while it keeps working live.
func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	localID := chi.URLParam(r, "localID")

	o, err := s.orders.GetByLocalID(userID, localID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if o == nil {
		writeError(w, http.StatusNotFound, "order not found")
		return
	}

	if o.BrokerOrderID != "" {
		sess, err := s.session(r.Context(), userID)
		if err != nil {
			writeError(w, http.StatusBadGateway, err.Error())
			return
		}
		if err := s.broker.CancelOrder(r.Context(), sess, o.BrokerOrderID); err != nil {
			writeError(w, http.StatusBadGateway, err.Error())
			return
		}
	}

	if err := orders.Transition(s.orders, o, domain.StatusCancelled, orders.TransitionOpts{Reason: "user drop"}); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleStartService backs POST /services/{userID}/start?task=. An empty
// task query param starts the unified service; a named task starts it
// individually.
func (s *Server) handleStartService(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	task := r.URL.Query().Get("task")

	var err error
	if task == "" {
		err = s.services.StartUnified(userID)
	} else {
		err = s.services.StartIndividual(userID, domain.TaskName(task))
	}
	if err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// handleStopService backs POST /services/{userID}/stop?task=.
func (s *Server) handleStopService(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	task := r.URL.Query().Get("task")

	if task == "" {
		if err := s.services.StopUnified(userID, 30*time.Second); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	} else {
		s.services.StopIndividual(userID, domain.TaskName(task))
	}
	w.WriteHeader(http.StatusAccepted)
}

// handleRunOnce backs POST /services/{userID}/run-once?task=.
func (s *Server) handleRunOnce(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	task := r.URL.Query().Get("task")
	if task == "" {
		writeError(w, http.StatusBadRequest, "task is required")
		return
	}

	if err := s.services.RunOnce(r.Context(), userID, domain.TaskName(task)); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	w.WriteHeader(http.StatusOK)
}

// handleGetSchedules backs GET /schedules.
func (s *Server) handleGetSchedules(w http.ResponseWriter, r *http.Request) {
	list, err := s.services.Schedules()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// handlePutSchedule backs PUT /schedules, an admin-only edit of one task's
// trigger configuration. The caller identity is taken from the
// X-Admin-User header; this control surface assumes an upstream reverse
// proxy has already authenticated the admin session.
func (s *Server) handlePutSchedule(w http.ResponseWriter, r *http.Request) {
	var sched domain.Schedule
	if err := json.NewDecoder(r.Body).Decode(&sched); err != nil {
		writeError(w, http.StatusBadRequest, "invalid schedule payload")
		return
	}

	updatedBy := r.Header.Get("X-Admin-User")
	if updatedBy == "" {
		updatedBy = "admin"
	}
	if err := s.services.UpdateSchedule(sched, updatedBy); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusOK)
}

// healthResponse is the process resource snapshot surfaced at GET /health:
// goroutine count, CPU and memory use percentages, and the number of stuck
// service locks cleared, a supplement beyond a bare liveness check.
type healthResponse struct {
	Status        string  `json:"status"`
	GoroutineCount int    `json:"goroutine_count"`
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryUsedPct float64 `json:"memory_used_percent"`
	StuckLocks    int     `json:"stuck_locks_cleared"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok", GoroutineCount: runtime.NumGoroutine()}

	if percents, err := cpu.Percent(100*time.Millisecond, false); err == nil && len(percents) > 0 {
		resp.CPUPercent = percents[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		resp.MemoryUsedPct = vm.UsedPercent
	}
	if cleared, err := s.services.ClearStuckLocks(time.Hour); err == nil {
		resp.StuckLocks = cleared
	}

	writeJSON(w, http.StatusOK, resp)
}
