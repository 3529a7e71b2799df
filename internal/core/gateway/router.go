// Package gateway maintains the routing table that maps function
// invocations to live runtime instances. The table is a derived index:
// it is replaced wholesale per application from reconciliation results
// and can always be rebuilt from registry and instance state.
package gateway

import (
	"errors"
	"sync"

	"faas-control/internal/observability"

	"github.com/rs/zerolog"
)

// ErrNotFound is returned when no live route exists for a function.
var ErrNotFound = errors.New("route not found")

// RouteTarget is the resolved destination for one function invocation.
type RouteTarget struct {
	Address    string `json:"address"`
	Version    int    `json:"version"`
	ArtifactID string `json:"artifact_id"`
}

// Router is safe for concurrent use. Writes replace one application's
// routes at a time; a rebuild never touches other tenants.
type Router struct {
	mu     sync.RWMutex
	routes map[string]map[string]RouteTarget // appID -> functionName -> target
	lg     zerolog.Logger
}

func NewRouter(lg zerolog.Logger) *Router {
	return &Router{
		routes: make(map[string]map[string]RouteTarget),
		lg:     lg.With().Str("component", "gateway-router").Logger(),
	}
}

// Resolve returns the route target for (appID, functionName), used by
// the request dispatch path.
func (r *Router) Resolve(appID, functionName string) (RouteTarget, error) {
	r.mu.RLock()
	target, ok := r.routes[appID][functionName]
	r.mu.RUnlock()

	if !ok {
		observability.RouteResolves.WithLabelValues("miss").Inc()
		return RouteTarget{}, ErrNotFound
	}
	observability.RouteResolves.WithLabelValues("hit").Inc()
	return target, nil
}

// SetRoutes replaces the full route set of one application. An empty
// map clears it. Functions excluded from a degraded reconciliation are
// simply absent and resolve to ErrNotFound.
func (r *Router) SetRoutes(appID string, routes map[string]RouteTarget) {
	copied := make(map[string]RouteTarget, len(routes))
	for name, target := range routes {
		copied[name] = target
	}

	r.mu.Lock()
	if len(copied) == 0 {
		delete(r.routes, appID)
	} else {
		r.routes[appID] = copied
	}
	r.mu.Unlock()

	r.lg.Debug().Str("app_id", appID).Int("routes", len(copied)).Msg("route table rebuilt")
}

// DropRoute removes a single function's route, used when a function is
// deleted ahead of the next reconciliation.
func (r *Router) DropRoute(appID, functionName string) {
	r.mu.Lock()
	if app, ok := r.routes[appID]; ok {
		delete(app, functionName)
		if len(app) == 0 {
			delete(r.routes, appID)
		}
	}
	r.mu.Unlock()
}

// DropApp removes every route of an application, used on instance
// termination.
func (r *Router) DropApp(appID string) {
	r.mu.Lock()
	delete(r.routes, appID)
	r.mu.Unlock()
}

// ReferencedArtifacts reports the artifact IDs currently routed to,
// for the artifact garbage collector.
func (r *Router) ReferencedArtifacts() map[string]bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	refs := make(map[string]bool)
	for _, app := range r.routes {
		for _, target := range app {
			refs[target.ArtifactID] = true
		}
	}
	return refs
}
