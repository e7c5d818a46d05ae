// Package nodes rents and tears down the compute instances a job runs on.
package nodes

import (
	"context"
	"sort"
	"sync"
	"time"

	"renderfarm/internal/marketplace"
	"renderfarm/internal/metrics"
	"renderfarm/internal/models"
	"renderfarm/internal/pkg/errors"
	"renderfarm/internal/pkg/logger"
)

// DefaultTeardownDelay spaces destroy calls to stay under provider rate limits.
const DefaultTeardownDelay = time.Second

// Marketplace is the subset of the marketplace client the manager uses.
type Marketplace interface {
	SearchOffers(ctx context.Context, maxPrice float64, filters ...string) ([]marketplace.Offer, error)
	CreateInstance(ctx context.Context, offerID int64, req marketplace.CreateRequest) (models.Node, error)
	DestroyInstance(ctx context.Context, instanceID int64) error
	ListInstances(ctx context.Context, label string) ([]marketplace.Instance, error)
}

// RentRequest describes how many nodes to rent and what to run on them.
type RentRequest struct {
	MaxPrice float64
	MaxNodes int
	Image    string
	// Env carries the queue and artifact-store credentials the worker needs.
	Env     map[string]string
	DiskGB  float64
	OnStart string
	Label   string
	Filters []string
}

// Manager owns every node it rents or adopts until they are terminated.
type Manager struct {
	mp    Marketplace
	log   *logger.Logger
	delay time.Duration
	sleep func(ctx context.Context, d time.Duration) error

	mu    sync.Mutex
	nodes map[int64]*models.Node
	order []int64
}

// Option customizes a Manager.
type Option func(*Manager)

// WithTeardownDelay sets the pause before each destroy call.
func WithTeardownDelay(d time.Duration) Option {
	return func(m *Manager) { m.delay = d }
}

// WithSleep replaces the context-aware sleep used between destroy calls.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(m *Manager) { m.sleep = sleep }
}

// NewManager returns a manager backed by mp.
func NewManager(mp Marketplace, log *logger.Logger, opts ...Option) *Manager {
	if log == nil {
		log = logger.NewDefault()
	}
	m := &Manager{
		mp:    mp,
		log:   log.WithComponent("nodes"),
		delay: DefaultTeardownDelay,
		sleep: sleepCtx,
		nodes: make(map[int64]*models.Node),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// RentNodes walks offers cheapest first and rents until MaxNodes instances
// are up or offers run out. Losing an offer to another renter moves on to
// the next one; any other failure stops the batch and is returned along
// with whatever was rented before it. Fewer nodes than requested is not an
// error.
func (m *Manager) RentNodes(ctx context.Context, req RentRequest) ([]models.Node, error) {
	const op = "nodes.rent"

	if req.MaxNodes <= 0 {
		return nil, nil
	}

	offers, err := m.mp.SearchOffers(ctx, req.MaxPrice, req.Filters...)
	if err != nil {
		return nil, errors.Wrap(err, op, "search offers")
	}
	m.log.Info("renting nodes", "offers", len(offers), "max_nodes", req.MaxNodes, "max_price", req.MaxPrice)

	rented := make([]models.Node, 0, req.MaxNodes)
	for _, offer := range offers {
		if len(rented) >= req.MaxNodes {
			break
		}
		if err := ctx.Err(); err != nil {
			return rented, errors.Wrap(err, op, "rental interrupted")
		}

		// A create that was sent runs to completion even if ctx is cancelled
		// meanwhile, so the instance it produces is tracked for teardown.
		node, err := m.mp.CreateInstance(context.WithoutCancel(ctx), offer.ID, marketplace.CreateRequest{
			Image:   req.Image,
			Env:     req.Env,
			DiskGB:  req.DiskGB,
			OnStart: req.OnStart,
			Label:   req.Label,
		})
		if errors.IsOfferUnavailable(err) {
			metrics.OfferRacesTotal.Inc()
			m.log.Warn("offer unavailable, trying next", "offer_id", offer.ID, "price", offer.PricePerHour)
			continue
		}
		if err != nil {
			m.log.Error("rental aborted", "offer_id", offer.ID, "rented", len(rented), "error", err.Error())
			return rented, errors.Wrap(err, op, "create instance")
		}

		m.track(node)
		metrics.NodesRentedTotal.Inc()
		rented = append(rented, node)
		m.log.WithNodeID(node.InstanceID).Info("node rented",
			"offer_id", offer.ID,
			"price", offer.PricePerHour,
			"gpu", offer.GPUName,
		)
	}

	if len(rented) < req.MaxNodes {
		m.log.Warn("under-provisioned", "rented", len(rented), "requested", req.MaxNodes)
	}
	return rented, nil
}

// Adopt takes ownership of running instances carrying label, so a process
// reattaching to a job can still tear them down.
func (m *Manager) Adopt(ctx context.Context, label string) ([]models.Node, error) {
	const op = "nodes.adopt"

	if label == "" {
		return nil, errors.Validation("adopt requires a label")
	}
	instances, err := m.mp.ListInstances(ctx, label)
	if err != nil {
		return nil, errors.Wrap(err, op, "list instances")
	}

	adopted := make([]models.Node, 0, len(instances))
	for _, in := range instances {
		node := models.Node{
			InstanceID: in.ID,
			State:      models.NodeActive,
			Label:      in.Label,
		}
		if in.StartDate > 0 {
			node.RentedAt = time.Unix(int64(in.StartDate), 0).UTC()
		}
		m.track(node)
		adopted = append(adopted, node)
	}
	m.log.Info("adopted nodes", "label", label, "count", len(adopted))
	return adopted, nil
}

// TerminateNodes destroys every node in the list, pausing before each
// call. Failures are logged and do not stop the remaining teardowns.
// Zero-value entries and nodes already terminated are skipped, so calling
// it again with the same list does nothing.
func (m *Manager) TerminateNodes(ctx context.Context, nodes []models.Node) {
	for _, n := range nodes {
		if n.InstanceID == 0 {
			continue
		}
		if !m.beginTermination(n) {
			continue
		}

		log := m.log.WithNodeID(n.InstanceID)
		if m.delay > 0 {
			if err := m.sleep(ctx, m.delay); err != nil {
				log.Warn("teardown delay cut short", "error", err.Error())
			}
		}

		// Teardown must run even after the caller's context is cancelled.
		if err := m.mp.DestroyInstance(context.WithoutCancel(ctx), n.InstanceID); err != nil {
			metrics.NodeTeardownErrorsTotal.Inc()
			m.setState(n.InstanceID, models.NodeActive)
			log.Error("failed to destroy node", "error", err.Error())
			continue
		}
		m.setState(n.InstanceID, models.NodeTerminated)
		log.Info("node terminated")
	}
}

// TerminateAll tears down every node the manager still holds.
func (m *Manager) TerminateAll(ctx context.Context) {
	m.TerminateNodes(ctx, m.Nodes())
}

// Nodes returns every tracked node that has not been terminated, in the
// order it was rented or adopted.
func (m *Manager) Nodes() []models.Node {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]models.Node, 0, len(m.order))
	for _, id := range m.order {
		if n := m.nodes[id]; n.State != models.NodeTerminated {
			out = append(out, *n)
		}
	}
	return out
}

// Snapshot returns every tracked node, terminated ones included, sorted by
// instance id.
func (m *Manager) Snapshot() []models.Node {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]models.Node, 0, len(m.nodes))
	for _, n := range m.nodes {
		out = append(out, *n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].InstanceID < out[j].InstanceID })
	return out
}

func (m *Manager) track(n models.Node) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.nodes[n.InstanceID]; ok {
		if existing.State == models.NodeTerminated {
			return
		}
		*existing = n
		return
	}
	cp := n
	m.nodes[n.InstanceID] = &cp
	m.order = append(m.order, n.InstanceID)
	metrics.NodesActive.Inc()
}

// beginTermination marks n as terminating and reports whether the caller
// should go on to destroy it.
func (m *Manager) beginTermination(n models.Node) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	tracked, ok := m.nodes[n.InstanceID]
	if !ok {
		cp := n
		tracked = &cp
		m.nodes[n.InstanceID] = tracked
		m.order = append(m.order, n.InstanceID)
		metrics.NodesActive.Inc()
	}
	if tracked.State == models.NodeTerminated || tracked.State == models.NodeTerminating {
		return false
	}
	tracked.State = models.NodeTerminating
	return true
}

func (m *Manager) setState(id int64, s models.NodeState) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n, ok := m.nodes[id]
	if !ok {
		return
	}
	if s == models.NodeTerminated && n.State != models.NodeTerminated {
		metrics.NodesActive.Dec()
	}
	n.State = s
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
