package config

import (
	"fmt"
	"regexp"
	"strings"
)

// Validate validates the full configuration including cross references.
func (c *Config) Validate() error {
	if err := c.Proxy.Validate(); err != nil {
		return fmt.Errorf("proxy validation failed: %w", err)
	}

	routeNames := make(map[string]bool)
	for i, route := range c.Routes {
		if err := route.Validate(); err != nil {
			return fmt.Errorf("route[%d] validation failed: %w", i, err)
		}
		if routeNames[route.Name] {
			return fmt.Errorf("duplicate route name: %s", route.Name)
		}
		routeNames[route.Name] = true
	}

	backendNames := make(map[string]bool)
	for i, backend := range c.Backends {
		if err := backend.Validate(); err != nil {
			return fmt.Errorf("backend[%d] validation failed: %w", i, err)
		}
		if backendNames[backend.Name] {
			return fmt.Errorf("duplicate backend name: %s", backend.Name)
		}
		backendNames[backend.Name] = true
	}

	rateLimitNames := make(map[string]bool)
	for i, rl := range c.RateLimits {
		if err := rl.Validate(); err != nil {
			return fmt.Errorf("rateLimit[%d] validation failed: %w", i, err)
		}
		if rateLimitNames[rl.Name] {
			return fmt.Errorf("duplicate rate limit name: %s", rl.Name)
		}
		rateLimitNames[rl.Name] = true
	}

	for _, route := range c.Routes {
		for _, ref := range route.BackendRefs {
			if !backendNames[ref.Name] {
				return fmt.Errorf("route %s references unknown backend: %s", route.Name, ref.Name)
			}
		}
		if route.RateLimitRef != "" && !rateLimitNames[route.RateLimitRef] {
			return fmt.Errorf("route %s references unknown rate limit: %s", route.Name, route.RateLimitRef)
		}
	}

	return nil
}

// Validate validates the ProxyConfig.
func (p *ProxyConfig) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("proxy name is required")
	}

	if len(p.Listeners) == 0 {
		return fmt.Errorf("at least one listener is required")
	}

	listenerNames := make(map[string]bool)
	listenerPorts := make(map[int]bool)

	for i, listener := range p.Listeners {
		if err := listener.Validate(); err != nil {
			return fmt.Errorf("listener[%d] validation failed: %w", i, err)
		}
		if listenerNames[listener.Name] {
			return fmt.Errorf("duplicate listener name: %s", listener.Name)
		}
		listenerNames[listener.Name] = true

		if listenerPorts[listener.Port] {
			return fmt.Errorf("duplicate listener port: %d", listener.Port)
		}
		listenerPorts[listener.Port] = true
	}

	return nil
}

// Validate validates the ListenerConfig.
func (l *ListenerConfig) Validate() error {
	if l.Name == "" {
		return fmt.Errorf("listener name is required")
	}

	if l.Port < 1 || l.Port > 65535 {
		return fmt.Errorf("listener port must be between 1 and 65535, got %d", l.Port)
	}

	proto := strings.ToUpper(l.Protocol)
	if proto != "HTTP" && proto != "HTTPS" {
		return fmt.Errorf("invalid listener protocol: %s", l.Protocol)
	}

	if proto == "HTTPS" && l.TLS == nil {
		return fmt.Errorf("TLS configuration is required for HTTPS protocol")
	}

	if l.TLS != nil {
		if err := l.TLS.Validate(); err != nil {
			return fmt.Errorf("TLS validation failed: %w", err)
		}
	}

	return nil
}

// Validate validates the ListenerTLSConfig.
func (t *ListenerTLSConfig) Validate() error {
	if t.CertFile == "" {
		return fmt.Errorf("TLS certFile is required")
	}
	if t.KeyFile == "" {
		return fmt.Errorf("TLS keyFile is required")
	}

	validVersions := map[string]bool{
		"":    true,
		"1.2": true,
		"1.3": true,
	}
	if !validVersions[t.MinVersion] {
		return fmt.Errorf("invalid TLS min version: %s", t.MinVersion)
	}
	if !validVersions[t.MaxVersion] {
		return fmt.Errorf("invalid TLS max version: %s", t.MaxVersion)
	}

	return nil
}

// Validate validates the RouteConfig.
func (r *RouteConfig) Validate() error {
	if r.Name == "" {
		return fmt.Errorf("route name is required")
	}

	if err := r.PathMatch.Validate(); err != nil {
		return fmt.Errorf("pathMatch validation failed: %w", err)
	}

	// Exactly one terminal action: backends, direct response, or redirect.
	actions := 0
	if len(r.BackendRefs) > 0 {
		actions++
	}
	if r.DirectResponse != nil {
		actions++
	}
	if r.Redirect != nil {
		actions++
	}
	if actions == 0 {
		return fmt.Errorf("route must define backendRefs, directResponse, or redirect")
	}
	if actions > 1 {
		return fmt.Errorf("route may define only one of backendRefs, directResponse, redirect")
	}

	for i, ref := range r.BackendRefs {
		if err := ref.Validate(); err != nil {
			return fmt.Errorf("backendRef[%d] validation failed: %w", i, err)
		}
	}

	for i, filter := range r.Filters {
		if err := filter.Validate(); err != nil {
			return fmt.Errorf("filter[%d] validation failed: %w", i, err)
		}
	}

	validMethods := map[string]bool{
		"GET": true, "POST": true, "PUT": true, "DELETE": true,
		"PATCH": true, "HEAD": true, "OPTIONS": true,
		"CONNECT": true, "TRACE": true,
	}
	for _, method := range r.Methods {
		if !validMethods[strings.ToUpper(method)] {
			return fmt.Errorf("invalid HTTP method: %s", method)
		}
	}

	for i, header := range r.Headers {
		if header.Name == "" {
			return fmt.Errorf("header[%d] name is required", i)
		}
		if err := validateMatchType(header.Type, header.Value); err != nil {
			return fmt.Errorf("header[%d] validation failed: %w", i, err)
		}
	}

	for i, param := range r.QueryParams {
		if param.Name == "" {
			return fmt.Errorf("queryParam[%d] name is required", i)
		}
		if err := validateMatchType(param.Type, param.Value); err != nil {
			return fmt.Errorf("queryParam[%d] validation failed: %w", i, err)
		}
	}

	if r.DirectResponse != nil {
		if r.DirectResponse.StatusCode < 100 || r.DirectResponse.StatusCode > 599 {
			return fmt.Errorf("directResponse statusCode must be a valid HTTP status, got %d", r.DirectResponse.StatusCode)
		}
	}

	if r.Redirect != nil {
		if r.Redirect.StatusCode != 0 &&
			(r.Redirect.StatusCode < 300 || r.Redirect.StatusCode > 399) {
			return fmt.Errorf("redirect statusCode must be a 3xx status, got %d", r.Redirect.StatusCode)
		}
	}

	if r.Retries != nil {
		if err := r.Retries.Validate(); err != nil {
			return fmt.Errorf("retries validation failed: %w", err)
		}
	}

	return nil
}

// validateMatchType checks an Exact/RegularExpression match pair.
func validateMatchType(matchType, value string) error {
	switch matchType {
	case "", "Exact":
	case "RegularExpression":
		if _, err := regexp.Compile(value); err != nil {
			return fmt.Errorf("invalid regular expression: %w", err)
		}
	default:
		return fmt.Errorf("invalid match type: %s", matchType)
	}
	return nil
}

// Validate validates the PathMatchConfig.
func (p *PathMatchConfig) Validate() error {
	validTypes := map[string]bool{
		"Exact":             true,
		"PathPrefix":        true,
		"RegularExpression": true,
	}
	if !validTypes[p.Type] {
		return fmt.Errorf("invalid path match type: %s", p.Type)
	}

	if p.Value == "" {
		return fmt.Errorf("path match value is required")
	}

	if p.Type == "RegularExpression" {
		if _, err := regexp.Compile(p.Value); err != nil {
			return fmt.Errorf("invalid regular expression: %w", err)
		}
	}

	return nil
}

// Validate validates the BackendRefConfig.
func (b *BackendRefConfig) Validate() error {
	if b.Name == "" {
		return fmt.Errorf("backend reference name is required")
	}

	if b.Weight < 0 {
		return fmt.Errorf("backend weight must be non-negative")
	}

	return nil
}

// Validate validates the FilterConfig.
func (f *FilterConfig) Validate() error {
	validTypes := map[string]bool{
		"RequestHeaderModifier":  true,
		"ResponseHeaderModifier": true,
		"URLRewrite":             true,
	}
	if !validTypes[f.Type] {
		return fmt.Errorf("invalid filter type: %s", f.Type)
	}

	return nil
}

// Validate validates the RetryConfig.
func (r *RetryConfig) Validate() error {
	if r.NumRetries < 0 {
		return fmt.Errorf("numRetries must be non-negative")
	}

	if r.PerTryTimeout < 0 {
		return fmt.Errorf("perTryTimeout must be non-negative")
	}

	if r.BackoffBaseInterval < 0 {
		return fmt.Errorf("backoffBaseInterval must be non-negative")
	}

	if r.BackoffMaxInterval < 0 {
		return fmt.Errorf("backoffMaxInterval must be non-negative")
	}

	validConditions := map[string]bool{
		"connect-failure":        true,
		"5xx":                    true,
		"gateway-error":          true,
		"retriable-status-codes": true,
	}
	for _, cond := range r.RetryOn {
		if !validConditions[cond] {
			return fmt.Errorf("invalid retryOn condition: %s", cond)
		}
	}

	return nil
}

// Validate validates the BackendConfig.
func (b *BackendConfig) Validate() error {
	if b.Name == "" {
		return fmt.Errorf("backend name is required")
	}

	if len(b.Endpoints) == 0 {
		return fmt.Errorf("at least one endpoint is required")
	}

	for i, endpoint := range b.Endpoints {
		if err := endpoint.Validate(); err != nil {
			return fmt.Errorf("endpoint[%d] validation failed: %w", i, err)
		}
	}

	if b.Protocol != "" {
		proto := strings.ToUpper(b.Protocol)
		if proto != "HTTP" && proto != "HTTPS" {
			return fmt.Errorf("invalid backend protocol: %s", b.Protocol)
		}
	}

	if b.LoadBalancer != nil {
		if err := b.LoadBalancer.Validate(); err != nil {
			return fmt.Errorf("loadBalancer validation failed: %w", err)
		}
	}

	if b.HealthCheck != nil {
		if err := b.HealthCheck.Validate(); err != nil {
			return fmt.Errorf("healthCheck validation failed: %w", err)
		}
	}

	if b.CircuitBreaker != nil {
		if err := b.CircuitBreaker.Validate(); err != nil {
			return fmt.Errorf("circuitBreaker validation failed: %w", err)
		}
	}

	return nil
}

// Validate validates the EndpointConfig.
func (e *EndpointConfig) Validate() error {
	if e.Address == "" {
		return fmt.Errorf("endpoint address is required")
	}

	if e.Port < 1 || e.Port > 65535 {
		return fmt.Errorf("endpoint port must be between 1 and 65535, got %d", e.Port)
	}

	if e.Weight < 0 {
		return fmt.Errorf("endpoint weight must be non-negative")
	}

	return nil
}

// Validate validates the LoadBalancerConfig.
func (l *LoadBalancerConfig) Validate() error {
	validAlgorithms := map[string]bool{
		"RoundRobin":         true,
		"WeightedRoundRobin": true,
		"LeastConnections":   true,
		"Random":             true,
		"ConsistentHash":     true,
	}
	if !validAlgorithms[l.Algorithm] {
		return fmt.Errorf("invalid load balancer algorithm: %s", l.Algorithm)
	}

	return nil
}

// Validate validates the HealthCheckConfig.
func (h *HealthCheckConfig) Validate() error {
	if h.Interval <= 0 {
		return fmt.Errorf("health check interval must be positive")
	}

	if h.Timeout <= 0 {
		return fmt.Errorf("health check timeout must be positive")
	}

	if h.UnhealthyThreshold <= 0 {
		return fmt.Errorf("unhealthy threshold must be positive")
	}

	if h.HealthyThreshold <= 0 {
		return fmt.Errorf("healthy threshold must be positive")
	}

	checks := 0
	if h.HTTP != nil {
		checks++
		if h.HTTP.Path == "" {
			return fmt.Errorf("http health check path is required")
		}
	}
	if h.GRPC != nil {
		checks++
	}
	if h.TCP != nil {
		checks++
	}
	if checks == 0 {
		return fmt.Errorf("at least one health check type must be configured")
	}
	if checks > 1 {
		return fmt.Errorf("only one health check type may be configured")
	}

	return nil
}

// Validate validates the BackendBreakerConfig.
func (b *BackendBreakerConfig) Validate() error {
	if b.MaxRequests < 0 {
		return fmt.Errorf("maxRequests must be non-negative")
	}

	if b.ConsecutiveFailures < 0 {
		return fmt.Errorf("consecutiveFailures must be non-negative")
	}

	if b.FailureRatio < 0 || b.FailureRatio > 1 {
		return fmt.Errorf("failureRatio must be between 0 and 1, got %f", b.FailureRatio)
	}

	if b.MinRequests < 0 {
		return fmt.Errorf("minRequests must be non-negative")
	}

	return nil
}

// Validate validates the RateLimitConfig.
func (r *RateLimitConfig) Validate() error {
	if r.Name == "" {
		return fmt.Errorf("rate limit name is required")
	}

	validAlgorithms := map[string]bool{
		"token_bucket":   true,
		"sliding_window": true,
		"fixed_window":   true,
	}
	if !validAlgorithms[r.Algorithm] {
		return fmt.Errorf("invalid rate limit algorithm: %s", r.Algorithm)
	}

	if r.Requests <= 0 {
		return fmt.Errorf("requests must be positive")
	}

	if r.Window <= 0 {
		return fmt.Errorf("window must be positive")
	}

	if r.Burst < 0 {
		return fmt.Errorf("burst must be non-negative")
	}

	if r.Key != nil {
		switch r.Key.Type {
		case "IP":
		case "Header":
			if r.Key.Header == "" {
				return fmt.Errorf("key header name is required for Header key type")
			}
		default:
			return fmt.Errorf("invalid rate limit key type: %s", r.Key.Type)
		}
	}

	if r.Store != nil {
		switch r.Store.Type {
		case "memory":
		case "redis":
			if r.Store.Redis == nil || r.Store.Redis.Address == "" {
				return fmt.Errorf("redis address is required for redis store")
			}
		default:
			return fmt.Errorf("invalid rate limit store type: %s", r.Store.Type)
		}
	}

	return nil
}
