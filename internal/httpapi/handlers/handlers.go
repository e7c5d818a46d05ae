package handlers

import (
	"context"

	"renderfarm/internal/models"
	"renderfarm/internal/monitor"
	"renderfarm/internal/pkg/logger"
)

// StatusStore is the read side of the task status store.
type StatusStore interface {
	Ping(ctx context.Context) error
	Counts(ctx context.Context) (models.Counts, error)
}

// SnapshotSource exposes the monitor's latest poll.
type SnapshotSource interface {
	Last() (monitor.Snapshot, bool)
}

// NodeLister reports the nodes this process rented or adopted.
type NodeLister interface {
	Snapshot() []models.Node
}

// JobLister reports dispatched jobs.
type JobLister interface {
	Jobs(ctx context.Context) ([]models.Job, error)
}

type Deps struct {
	Store    StatusStore
	Monitor  SnapshotSource
	Nodes    NodeLister
	Jobs     JobLister
	Provider string
	Log      *logger.Logger
}

type Handler struct {
	store    StatusStore
	monitor  SnapshotSource
	nodes    NodeLister
	jobs     JobLister
	provider string
	log      *logger.Logger
}

func New(d Deps) *Handler {
	log := d.Log
	if log == nil {
		log = logger.NewDefault()
	}
	return &Handler{
		store:    d.Store,
		monitor:  d.Monitor,
		nodes:    d.Nodes,
		jobs:     d.Jobs,
		provider: d.Provider,
		log:      log,
	}
}
