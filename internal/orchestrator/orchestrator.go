// Package orchestrator composes the store and port allocator into slice
// lifecycle operations: create (hostname + ports + route synthesis),
// stop and remove.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"sync"

	"go.uber.org/zap"

	"github.com/vebrasmusic/bakery/internal/ports"
	"github.com/vebrasmusic/bakery/internal/store"
)

// ErrInvalidInput marks request validation failures.
var ErrInvalidInput = errors.New("invalid input")

var keyRe = regexp.MustCompile(`^[a-z0-9][a-z0-9-]*$`)

// CreateResource describes one requested resource binding.
type CreateResource struct {
	Key      string `json:"key"`
	Protocol string `json:"protocol"`
	Expose   string `json:"expose"`
}

// Resource is a persisted slice resource plus its synthesized route URL.
type Resource struct {
	store.SliceResource
	RouteURL string `json:"routeUrl,omitempty"`
}

// OrchestratedSlice is the full result of a slice creation: the slice,
// its resources, the owning pie's slug and the router port route URLs
// were synthesized against.
type OrchestratedSlice struct {
	store.Slice
	Resources  []*Resource `json:"resources"`
	PieSlug    string      `json:"pieSlug"`
	RouterPort int         `json:"routerPort"`
}

// SliceCreateOutput is the projection consumed by bootstrap tooling:
// the primary-http route URL (null when the slice has none) and the
// allocated ports in request order.
type SliceCreateOutput struct {
	URL            *string `json:"url"`
	AllocatedPorts []int   `json:"allocatedPorts"`
}

// CreateOutput derives the bootstrap projection from an orchestrated slice.
func (s *OrchestratedSlice) CreateOutput() SliceCreateOutput {
	out := SliceCreateOutput{AllocatedPorts: make([]int, 0, len(s.Resources))}
	for _, res := range s.Resources {
		out.AllocatedPorts = append(out.AllocatedPorts, res.AllocatedPort)
		if res.IsPrimaryHTTP && res.RouteURL != "" {
			url := res.RouteURL
			out.URL = &url
		}
	}
	return out
}

// Orchestrator creates, stops and removes slices.
type Orchestrator struct {
	store      *store.Store
	allocator  *ports.Allocator
	hostSuffix string
	routerPort func() int
	logger     *zap.Logger

	// createMu serializes slice creation end to end. The allocator
	// excludes ports from the reserved snapshot it is handed, so the
	// snapshot read, the allocation and the persisting transaction must
	// form one critical section or two concurrent creations can select
	// the same port (or the same ordinal) before either commits.
	createMu sync.Mutex
}

// New creates an orchestrator. routerPort is a provider rather than a
// value: the reverse proxy binds to the first free candidate port after
// the orchestrator is constructed, so the port is only known later.
func New(st *store.Store, alloc *ports.Allocator, hostSuffix string, routerPort func() int, logger *zap.Logger) *Orchestrator {
	return &Orchestrator{
		store:      st,
		allocator:  alloc,
		hostSuffix: hostSuffix,
		routerPort: routerPort,
		logger:     logger,
	}
}

// CreateSlice assigns the next ordinal and hostname for the pie,
// allocates one port per requested resource, and persists the slice with
// its resource batch in a single transaction. Port exhaustion or any
// store conflict fails the call with no partial slice left behind.
func (o *Orchestrator) CreateSlice(ctx context.Context, pie *store.Pie, resources []CreateResource) (*OrchestratedSlice, error) {
	if err := ValidateResources(resources); err != nil {
		return nil, err
	}

	o.createMu.Lock()
	defer o.createMu.Unlock()

	ordinal, err := o.store.NextSliceOrdinal(ctx, pie.ID)
	if err != nil {
		return nil, fmt.Errorf("next ordinal: %w", err)
	}
	host := pie.Slug + "-s" + strconv.Itoa(ordinal) + "." + o.hostSuffix

	allocated, err := o.store.AllocatedPorts(ctx)
	if err != nil {
		return nil, fmt.Errorf("allocated ports: %w", err)
	}
	reserved := make(map[int]bool, len(allocated))
	for _, p := range allocated {
		reserved[p] = true
	}

	sel, err := o.allocator.AllocateMany(len(resources), reserved)
	if err != nil {
		return nil, err
	}

	slice := &store.Slice{
		PieID:   pie.ID,
		Ordinal: ordinal,
		Host:    host,
		Status:  store.StatusRunning,
	}

	routerPort := o.routerPort()
	stored := make([]*store.SliceResource, 0, len(resources))
	for i, req := range resources {
		res := &store.SliceResource{
			Key:           req.Key,
			AllocatedPort: sel[i],
			Protocol:      req.Protocol,
			Expose:        req.Expose,
		}
		if req.Protocol == store.ProtocolHTTP {
			switch req.Expose {
			case store.ExposePrimary:
				res.RouteHost = host
				res.IsPrimaryHTTP = true
			case store.ExposeSubdomain:
				res.RouteHost = req.Key + "." + host
			}
		}
		stored = append(stored, res)
	}

	if err := o.store.CreateSliceWithResources(ctx, slice, stored); err != nil {
		return nil, err
	}

	out := &OrchestratedSlice{
		Slice:      *slice,
		Resources:  make([]*Resource, 0, len(stored)),
		PieSlug:    pie.Slug,
		RouterPort: routerPort,
	}
	for _, res := range stored {
		out.Resources = append(out.Resources, &Resource{
			SliceResource: *res,
			RouteURL:      RouteURL(res.RouteHost, routerPort),
		})
	}

	o.logger.Info("slice created",
		zap.String("pie", pie.Slug),
		zap.String("host", host),
		zap.Int("resources", len(stored)))
	return out, nil
}

// StopSlice idempotently transitions a slice to stopped.
func (o *Orchestrator) StopSlice(ctx context.Context, sliceID string) error {
	changed, err := o.store.StopSlice(ctx, sliceID)
	if err != nil {
		return err
	}
	if changed {
		o.logger.Info("slice stopped", zap.String("slice", sliceID))
	}
	return nil
}

// RemoveSlice deletes a slice's persisted state; its resources go with
// it via cascade.
func (o *Orchestrator) RemoveSlice(ctx context.Context, slice *store.Slice) error {
	if err := o.store.DeleteSliceWithAudit(ctx, slice); err != nil {
		return err
	}
	o.logger.Info("slice removed",
		zap.String("slice", slice.ID),
		zap.String("host", slice.Host))
	return nil
}

// RouteURL synthesizes the route URL for a route host. The port suffix
// is elided on the default HTTP ports.
func RouteURL(routeHost string, routerPort int) string {
	if routeHost == "" {
		return ""
	}
	if routerPort == 80 || routerPort == 443 {
		return "http://" + routeHost
	}
	return "http://" + routeHost + ":" + strconv.Itoa(routerPort)
}

// ValidateResources checks a requested resource list: non-empty, valid
// keys/protocols/exposure modes, unique keys, and at most one
// (http, primary) entry.
func ValidateResources(resources []CreateResource) error {
	if len(resources) == 0 {
		return fmt.Errorf("%w: resources must be non-empty", ErrInvalidInput)
	}

	keys := make(map[string]bool, len(resources))
	primaries := 0
	for _, res := range resources {
		if len(res.Key) == 0 || len(res.Key) > 64 || !keyRe.MatchString(res.Key) {
			return fmt.Errorf("%w: invalid resource key %q", ErrInvalidInput, res.Key)
		}
		if keys[res.Key] {
			return fmt.Errorf("%w: duplicate resource key %q", ErrInvalidInput, res.Key)
		}
		keys[res.Key] = true

		switch res.Protocol {
		case store.ProtocolHTTP, store.ProtocolTCP, store.ProtocolUDP:
		default:
			return fmt.Errorf("%w: invalid protocol %q", ErrInvalidInput, res.Protocol)
		}
		switch res.Expose {
		case store.ExposePrimary, store.ExposeSubdomain, store.ExposeNone:
		default:
			return fmt.Errorf("%w: invalid expose mode %q", ErrInvalidInput, res.Expose)
		}

		if res.Protocol == store.ProtocolHTTP && res.Expose == store.ExposePrimary {
			primaries++
		}
	}
	if primaries > 1 {
		return fmt.Errorf("%w: at most one resource may be (http, primary)", ErrInvalidInput)
	}
	return nil
}
