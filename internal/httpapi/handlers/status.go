package handlers

import (
	"net/http"
	"time"

	"renderfarm/internal/httpkit"
	"renderfarm/internal/models"
)

type statusResponse struct {
	Source    string        `json:"source"`
	At        time.Time     `json:"at"`
	Counts    models.Counts `json:"counts"`
	Total     int           `json:"total"`
	Finished  bool          `json:"finished"`
	Reclaimed []string      `json:"reclaimed,omitempty"`
}

// Status returns the monitor's latest snapshot, or live counts from the
// store before the first poll.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) error {
	if h.monitor != nil {
		if snap, ok := h.monitor.Last(); ok {
			httpkit.WriteJSON(w, http.StatusOK, statusResponse{
				Source:    "monitor",
				At:        snap.At,
				Counts:    snap.Counts,
				Total:     snap.Total,
				Finished:  snap.Counts.Finished(),
				Reclaimed: snap.Reclaimed,
			})
			return nil
		}
	}

	counts, err := h.store.Counts(r.Context())
	if err != nil {
		return err
	}
	httpkit.WriteJSON(w, http.StatusOK, statusResponse{
		Source:   "store",
		At:       time.Now().UTC(),
		Counts:   counts,
		Total:    counts.Total(),
		Finished: counts.Finished(),
	})
	return nil
}

// Nodes lists rented and adopted nodes, terminated ones included.
func (h *Handler) Nodes(w http.ResponseWriter, r *http.Request) error {
	nodes := []models.Node{}
	if h.nodes != nil {
		nodes = h.nodes.Snapshot()
	}
	httpkit.WriteJSON(w, http.StatusOK, map[string]any{"nodes": nodes})
	return nil
}

type jobResponse struct {
	models.Job
	Finished bool `json:"finished"`
}

// Jobs lists every job in the namespace.
func (h *Handler) Jobs(w http.ResponseWriter, r *http.Request) error {
	jobs, err := h.jobs.Jobs(r.Context())
	if err != nil {
		return err
	}
	out := make([]jobResponse, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, jobResponse{Job: j, Finished: j.Finished()})
	}
	httpkit.WriteJSON(w, http.StatusOK, map[string]any{"jobs": out})
	return nil
}
