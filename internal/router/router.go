package router

import (
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"

	"github.com/valmatov/edgeproxy/internal/config"
)

// Route priority constants. Higher priority routes are matched first.
const (
	// priorityExactMatch is the base priority for exact path matches.
	priorityExactMatch = 1000

	// priorityPrefixMatch is the base priority for prefix path matches.
	// Longer prefixes receive additional priority based on their length.
	priorityPrefixMatch = 500

	// priorityRegexMatch is the base priority for regex path matches.
	priorityRegexMatch = 100

	// priorityMethodRestriction is the priority bonus for routes with
	// method restrictions.
	priorityMethodRestriction = 50

	// priorityHostRestriction is the priority bonus for routes with
	// hostname restrictions.
	priorityHostRestriction = 50

	// priorityHeaderRestriction is the priority bonus per header
	// restriction.
	priorityHeaderRestriction = 10

	// priorityQueryRestriction is the priority bonus per query parameter
	// restriction.
	priorityQueryRestriction = 5

	// priorityExpressionRestriction is the priority bonus for routes
	// with a matching expression.
	priorityExpressionRestriction = 10
)

// ErrRouteNotFound is returned when no route matches a request.
var ErrRouteNotFound = errors.New("no matching route")

// Router is the routing engine.
type Router struct {
	mu       sync.RWMutex
	routes   []*CompiledRoute
	routeMap map[string]*CompiledRoute
}

// CompiledRoute is a pre-compiled route for efficient matching.
type CompiledRoute struct {
	Name           string
	Config         config.RouteConfig
	PathMatcher    PathMatcher
	HostMatcher    *HostMatcher
	MethodMatcher  *MethodMatcher
	HeaderMatchers []*HeaderMatcher
	QueryMatchers  []*QueryParamMatcher
	Expression     *ExpressionMatcher
	Priority       int
}

// MatchResult contains the result of a route match.
type MatchResult struct {
	Route      *CompiledRoute
	PathParams map[string]string
}

// New creates a new router.
func New() *Router {
	return &Router{
		routes:   make([]*CompiledRoute, 0),
		routeMap: make(map[string]*CompiledRoute),
	}
}

// AddRoute compiles and adds a route.
func (r *Router) AddRoute(route config.RouteConfig) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.routeMap[route.Name]; exists {
		return fmt.Errorf("duplicate route name: %s", route.Name)
	}

	compiled, err := compileRoute(route)
	if err != nil {
		return fmt.Errorf("compiling route %s: %w", route.Name, err)
	}

	r.routes = append(r.routes, compiled)
	r.routeMap[route.Name] = compiled

	sort.SliceStable(r.routes, func(i, j int) bool {
		return r.routes[i].Priority > r.routes[j].Priority
	})

	return nil
}

// RemoveRoute removes a route by name.
func (r *Router) RemoveRoute(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.routeMap[name]; !exists {
		return fmt.Errorf("route not found: %s", name)
	}

	delete(r.routeMap, name)
	for i, route := range r.routes {
		if route.Name == name {
			r.routes = append(r.routes[:i], r.routes[i+1:]...)
			break
		}
	}
	return nil
}

// Match finds the highest priority route matching the request.
func (r *Router) Match(req *http.Request) (*MatchResult, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, route := range r.routes {
		if result := matchRoute(route, req); result != nil {
			return result, nil
		}
	}
	return nil, fmt.Errorf("%w: %s %s", ErrRouteNotFound, req.Method, req.URL.Path)
}

// matchRoute checks if a request matches a compiled route.
func matchRoute(route *CompiledRoute, req *http.Request) *MatchResult {
	if route.MethodMatcher != nil && !route.MethodMatcher.Match(req.Method) {
		return nil
	}

	if route.HostMatcher != nil && !route.HostMatcher.Match(req.Host) {
		return nil
	}

	var pathParams map[string]string
	if route.PathMatcher != nil {
		matched, params := route.PathMatcher.Match(req.URL.Path)
		if !matched {
			return nil
		}
		pathParams = params
	}

	for _, headerMatcher := range route.HeaderMatchers {
		if !headerMatcher.Match(req.Header) {
			return nil
		}
	}

	if len(route.QueryMatchers) > 0 {
		query := req.URL.Query()
		for _, queryMatcher := range route.QueryMatchers {
			if !queryMatcher.Match(query) {
				return nil
			}
		}
	}

	if route.Expression != nil && !route.Expression.Match(req) {
		return nil
	}

	return &MatchResult{
		Route:      route,
		PathParams: pathParams,
	}
}

// compileRoute compiles a route configuration.
func compileRoute(route config.RouteConfig) (*CompiledRoute, error) {
	compiled := &CompiledRoute{
		Name:     route.Name,
		Config:   route,
		Priority: calculatePriority(route),
	}

	pathMatcher, err := createPathMatcher(route.PathMatch)
	if err != nil {
		return nil, err
	}
	compiled.PathMatcher = pathMatcher

	if len(route.Hostnames) > 0 {
		compiled.HostMatcher = NewHostMatcher(route.Hostnames)
	}

	if len(route.Methods) > 0 {
		compiled.MethodMatcher = NewMethodMatcher(route.Methods)
	}

	for _, headerCfg := range route.Headers {
		headerMatcher, err := NewHeaderMatcher(headerCfg)
		if err != nil {
			return nil, fmt.Errorf("creating header matcher: %w", err)
		}
		compiled.HeaderMatchers = append(compiled.HeaderMatchers, headerMatcher)
	}

	for _, queryCfg := range route.QueryParams {
		queryMatcher, err := NewQueryParamMatcher(queryCfg)
		if err != nil {
			return nil, fmt.Errorf("creating query matcher: %w", err)
		}
		compiled.QueryMatchers = append(compiled.QueryMatchers, queryMatcher)
	}

	if route.Expression != "" {
		expr, err := NewExpressionMatcher(route.Expression)
		if err != nil {
			return nil, err
		}
		compiled.Expression = expr
	}

	return compiled, nil
}

// createPathMatcher creates a path matcher from the path configuration.
func createPathMatcher(pm config.PathMatchConfig) (PathMatcher, error) {
	if pm.Value == "" {
		return nil, nil
	}

	switch pm.Type {
	case "", config.MatchTypeExact:
		if HasPathParameters(pm.Value) {
			return NewParameterMatcher(pm.Value)
		}
		return NewExactMatcher(pm.Value), nil
	case config.MatchTypePathPrefix:
		return NewPrefixMatcher(pm.Value), nil
	case config.MatchTypeRegularExpression:
		return NewRegexMatcher(pm.Value)
	default:
		return nil, fmt.Errorf("unknown path match type: %s", pm.Type)
	}
}

// calculatePriority computes route priority from match specificity.
// Exact paths rank highest, then prefixes (longer prefixes first), then
// regex patterns. Method, hostname, header, query and expression
// restrictions add to the priority.
func calculatePriority(route config.RouteConfig) int {
	priority := 0

	switch route.PathMatch.Type {
	case "", config.MatchTypeExact:
		if route.PathMatch.Value != "" {
			priority += priorityExactMatch
		}
	case config.MatchTypePathPrefix:
		priority += priorityPrefixMatch + len(route.PathMatch.Value)
	case config.MatchTypeRegularExpression:
		priority += priorityRegexMatch
	}

	if len(route.Methods) > 0 {
		priority += priorityMethodRestriction
	}
	if len(route.Hostnames) > 0 {
		priority += priorityHostRestriction
	}
	priority += len(route.Headers) * priorityHeaderRestriction
	priority += len(route.QueryParams) * priorityQueryRestriction
	if route.Expression != "" {
		priority += priorityExpressionRestriction
	}

	return priority
}

// GetRoute returns a route by name.
func (r *Router) GetRoute(name string) (*CompiledRoute, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	route, exists := r.routeMap[name]
	return route, exists
}

// GetRoutes returns all routes in priority order.
func (r *Router) GetRoutes() []*CompiledRoute {
	r.mu.RLock()
	defer r.mu.RUnlock()

	routes := make([]*CompiledRoute, len(r.routes))
	copy(routes, r.routes)
	return routes
}

// Clear removes all routes.
func (r *Router) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.routes = make([]*CompiledRoute, 0)
	r.routeMap = make(map[string]*CompiledRoute)
}

// LoadRoutes replaces the route set from configuration.
func (r *Router) LoadRoutes(routes []config.RouteConfig) error {
	r.Clear()

	for _, route := range routes {
		if err := r.AddRoute(route); err != nil {
			return err
		}
	}
	return nil
}
