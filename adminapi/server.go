// Package adminapi exposes the operational HTTP surface: health, Prometheus
// metrics, and read-only views of connected branches and live sessions.
package adminapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"branchsync/branchnet"
	"branchsync/liveness"
	"branchsync/storage"
)

// NetServer is the view of the connection manager the admin API reads.
type NetServer interface {
	Snapshot() []branchnet.BranchInfo
}

// BranchDirectory is the persisted branch metadata view.
type BranchDirectory interface {
	Snapshot() []storage.BranchEntry
}

// ContractSessions reports live contract sessions.
type ContractSessions interface {
	Snapshot() []liveness.ContractSessionInfo
}

// CabinetSessions reports live cabinet sessions.
type CabinetSessions interface {
	Snapshot() []liveness.CabinetSessionInfo
}

// Deps collects the collaborators the handlers read from. Any field may be
// nil; the corresponding view then renders empty.
type Deps struct {
	Net       NetServer
	Directory BranchDirectory
	Contracts ContractSessions
	Cabinets  CabinetSessions
	Logger    *slog.Logger
}

// BranchView merges live connection state with persisted metadata for one
// branch.
type BranchView struct {
	BranchID    int64      `json:"branchId"`
	Online      bool       `json:"online"`
	RemoteAddr  string     `json:"remoteAddr,omitempty"`
	QueueLen    int        `json:"queueLen"`
	ConnectedAt *time.Time `json:"connectedAt,omitempty"`
	LastSeen    *time.Time `json:"lastSeen,omitempty"`
	LastAuthAt  *time.Time `json:"lastAuthAt,omitempty"`
	Connects    int        `json:"connects"`
}

// New builds the admin router.
func New(deps Deps, auth *Authenticator) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "adminapi"))

	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(sr chi.Router) {
		if auth != nil {
			sr.Use(auth.Middleware())
		}
		sr.Get("/branches", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, logger, mergeBranches(deps))
		})
		sr.Get("/sessions/contracts", func(w http.ResponseWriter, r *http.Request) {
			var sessions []liveness.ContractSessionInfo
			if deps.Contracts != nil {
				sessions = deps.Contracts.Snapshot()
			}
			writeJSON(w, logger, sessions)
		})
		sr.Get("/sessions/cabinets", func(w http.ResponseWriter, r *http.Request) {
			var sessions []liveness.CabinetSessionInfo
			if deps.Cabinets != nil {
				sessions = deps.Cabinets.Snapshot()
			}
			writeJSON(w, logger, sessions)
		})
	})

	return r
}

func mergeBranches(deps Deps) []BranchView {
	byID := make(map[int64]*BranchView)
	order := make([]int64, 0)

	if deps.Directory != nil {
		for _, entry := range deps.Directory.Snapshot() {
			view := &BranchView{
				BranchID: entry.BranchID,
				Connects: entry.Connects,
			}
			if !entry.LastSeen.IsZero() {
				lastSeen := entry.LastSeen
				view.LastSeen = &lastSeen
			}
			if !entry.LastAuthAt.IsZero() {
				lastAuth := entry.LastAuthAt
				view.LastAuthAt = &lastAuth
			}
			byID[entry.BranchID] = view
			order = append(order, entry.BranchID)
		}
	}
	if deps.Net != nil {
		for _, info := range deps.Net.Snapshot() {
			view := byID[info.BranchID]
			if view == nil {
				view = &BranchView{BranchID: info.BranchID}
				byID[info.BranchID] = view
				order = append(order, info.BranchID)
			}
			view.Online = true
			view.RemoteAddr = info.RemoteAddr
			view.QueueLen = info.QueueLen
			connectedAt := info.ConnectedAt
			view.ConnectedAt = &connectedAt
		}
	}

	sort.Slice(order, func(i, j int) bool { return order[i] < order[j] })
	out := make([]BranchView, 0, len(order))
	for _, id := range order {
		out = append(out, *byID[id])
	}
	return out
}

func writeJSON(w http.ResponseWriter, logger *slog.Logger, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.Warn("Encode response failed", slog.Any("error", err))
	}
}
