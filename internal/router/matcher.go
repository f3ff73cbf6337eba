// Package router provides route matching for the proxy.
package router

import (
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"sync"

	"github.com/valmatov/edgeproxy/internal/config"
)

// PathMatcher is the interface for path matching.
type PathMatcher interface {
	Match(path string) (bool, map[string]string)
	Type() string
	Pattern() string
}

// ExactMatcher matches exact paths.
type ExactMatcher struct {
	path string
}

// NewExactMatcher creates a new exact path matcher.
func NewExactMatcher(path string) *ExactMatcher {
	return &ExactMatcher{path: path}
}

// Match checks if the path matches exactly.
func (m *ExactMatcher) Match(path string) (matched bool, params map[string]string) {
	return path == m.path, nil
}

// Type returns the matcher type.
func (m *ExactMatcher) Type() string {
	return "exact"
}

// Pattern returns the pattern.
func (m *ExactMatcher) Pattern() string {
	return m.path
}

// PrefixMatcher matches path prefixes at segment boundaries.
type PrefixMatcher struct {
	prefix string
}

// NewPrefixMatcher creates a new prefix path matcher.
func NewPrefixMatcher(prefix string) *PrefixMatcher {
	return &PrefixMatcher{prefix: prefix}
}

// Match checks if the path starts with the prefix. The match must end
// at a path segment boundary, so /api does not match /apiary.
func (m *PrefixMatcher) Match(path string) (matched bool, params map[string]string) {
	if !strings.HasPrefix(path, m.prefix) {
		return false, nil
	}
	if len(path) == len(m.prefix) {
		return true, nil
	}
	if strings.HasSuffix(m.prefix, "/") || path[len(m.prefix)] == '/' {
		return true, nil
	}
	return false, nil
}

// Type returns the matcher type.
func (m *PrefixMatcher) Type() string {
	return "prefix"
}

// Pattern returns the pattern.
func (m *PrefixMatcher) Pattern() string {
	return m.prefix
}

// regexCacheMaxSize bounds the compiled regex cache.
const regexCacheMaxSize = 1000

var (
	regexCacheMu sync.Mutex
	regexCache   = make(map[string]*regexp.Regexp)
)

// compileCached compiles a pattern, reusing previously compiled
// expressions. The cache is cleared wholesale when full; route sets are
// small enough that recompilation is cheap.
func compileCached(pattern string) (*regexp.Regexp, error) {
	regexCacheMu.Lock()
	defer regexCacheMu.Unlock()

	if re, ok := regexCache[pattern]; ok {
		return re, nil
	}

	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}

	if len(regexCache) >= regexCacheMaxSize {
		regexCache = make(map[string]*regexp.Regexp)
	}
	regexCache[pattern] = re
	return re, nil
}

// RegexMatcher matches paths using regular expressions.
type RegexMatcher struct {
	pattern string
	regex   *regexp.Regexp
}

// NewRegexMatcher creates a new regex path matcher.
func NewRegexMatcher(pattern string) (*RegexMatcher, error) {
	re, err := compileCached(pattern)
	if err != nil {
		return nil, err
	}
	return &RegexMatcher{pattern: pattern, regex: re}, nil
}

// Match checks if the path matches the regex and extracts named groups.
func (m *RegexMatcher) Match(path string) (matched bool, params map[string]string) {
	matches := m.regex.FindStringSubmatch(path)
	if matches == nil {
		return false, nil
	}

	params = make(map[string]string)
	for i, name := range m.regex.SubexpNames() {
		if i > 0 && name != "" && i < len(matches) {
			params[name] = matches[i]
		}
	}
	return true, params
}

// Type returns the matcher type.
func (m *RegexMatcher) Type() string {
	return "regex"
}

// Pattern returns the pattern.
func (m *RegexMatcher) Pattern() string {
	return m.pattern
}

// ParameterMatcher matches paths with parameters like /users/{id}.
type ParameterMatcher struct {
	pattern string
	regex   *regexp.Regexp
}

// HasPathParameters checks if a path contains parameters.
func HasPathParameters(path string) bool {
	return strings.Contains(path, "{") && strings.Contains(path, "}")
}

// NewParameterMatcher creates a new parameter path matcher.
func NewParameterMatcher(pattern string) (*ParameterMatcher, error) {
	var sb strings.Builder
	sb.WriteString("^")

	for _, part := range strings.Split(strings.Trim(pattern, "/"), "/") {
		if part == "" {
			continue
		}
		if strings.HasPrefix(part, "{") && strings.HasSuffix(part, "}") {
			sb.WriteString("/(?P<")
			sb.WriteString(part[1 : len(part)-1])
			sb.WriteString(">[^/]+)")
		} else {
			sb.WriteString("/")
			sb.WriteString(regexp.QuoteMeta(part))
		}
	}
	sb.WriteString("$")

	re, err := regexp.Compile(sb.String())
	if err != nil {
		return nil, err
	}
	return &ParameterMatcher{pattern: pattern, regex: re}, nil
}

// Match checks if the path matches the pattern and extracts parameters.
func (m *ParameterMatcher) Match(path string) (matched bool, params map[string]string) {
	matches := m.regex.FindStringSubmatch(path)
	if matches == nil {
		return false, nil
	}

	params = make(map[string]string)
	for i, name := range m.regex.SubexpNames() {
		if i > 0 && name != "" && i < len(matches) {
			params[name] = matches[i]
		}
	}
	return true, params
}

// Type returns the matcher type.
func (m *ParameterMatcher) Type() string {
	return "parameter"
}

// Pattern returns the pattern.
func (m *ParameterMatcher) Pattern() string {
	return m.pattern
}

// MethodMatcher matches HTTP methods.
type MethodMatcher struct {
	methods map[string]bool
}

// NewMethodMatcher creates a new method matcher.
func NewMethodMatcher(methods []string) *MethodMatcher {
	m := &MethodMatcher{methods: make(map[string]bool)}
	for _, method := range methods {
		m.methods[strings.ToUpper(method)] = true
	}
	return m
}

// Match checks if the method matches. HEAD matches routes that accept
// GET.
func (m *MethodMatcher) Match(method string) bool {
	method = strings.ToUpper(method)

	if m.methods["*"] {
		return true
	}
	if method == http.MethodHead && m.methods[http.MethodGet] {
		return true
	}
	return m.methods[method]
}

// HostMatcher matches request hostnames, supporting a leading wildcard
// label like *.example.com.
type HostMatcher struct {
	hostnames []string
}

// NewHostMatcher creates a new hostname matcher.
func NewHostMatcher(hostnames []string) *HostMatcher {
	lowered := make([]string, 0, len(hostnames))
	for _, h := range hostnames {
		lowered = append(lowered, strings.ToLower(h))
	}
	return &HostMatcher{hostnames: lowered}
}

// Match checks if the request host matches any configured hostname. The
// port is ignored. A wildcard matches one or more leading labels, so
// *.example.com matches api.example.com and a.b.example.com but not
// example.com.
func (m *HostMatcher) Match(host string) bool {
	host = strings.ToLower(host)
	if idx := strings.LastIndex(host, ":"); idx != -1 && !strings.Contains(host[idx:], "]") {
		host = host[:idx]
	}

	for _, pattern := range m.hostnames {
		if pattern == host {
			return true
		}
		if suffix, ok := strings.CutPrefix(pattern, "*."); ok {
			if strings.HasSuffix(host, "."+suffix) {
				return true
			}
		}
	}
	return false
}

// HeaderMatcher matches a single HTTP header.
type HeaderMatcher struct {
	config config.HeaderMatchConfig
	regex  *regexp.Regexp
}

// NewHeaderMatcher creates a new header matcher.
func NewHeaderMatcher(cfg config.HeaderMatchConfig) (*HeaderMatcher, error) {
	m := &HeaderMatcher{config: cfg}

	if cfg.Type == config.MatchTypeRegularExpression {
		re, err := compileCached(cfg.Value)
		if err != nil {
			return nil, err
		}
		m.regex = re
	}
	return m, nil
}

// Match checks if the headers match.
func (m *HeaderMatcher) Match(headers http.Header) bool {
	value := headers.Get(m.config.Name)
	if value == "" {
		return false
	}

	if m.regex != nil {
		return m.regex.MatchString(value)
	}
	return value == m.config.Value
}

// QueryParamMatcher matches a single query parameter.
type QueryParamMatcher struct {
	config config.QueryParamMatchConfig
	regex  *regexp.Regexp
}

// NewQueryParamMatcher creates a new query parameter matcher.
func NewQueryParamMatcher(cfg config.QueryParamMatchConfig) (*QueryParamMatcher, error) {
	m := &QueryParamMatcher{config: cfg}

	if cfg.Type == config.MatchTypeRegularExpression {
		re, err := compileCached(cfg.Value)
		if err != nil {
			return nil, err
		}
		m.regex = re
	}
	return m, nil
}

// Match checks if the query parameters match.
func (m *QueryParamMatcher) Match(query url.Values) bool {
	if !query.Has(m.config.Name) {
		return false
	}
	value := query.Get(m.config.Name)

	if m.regex != nil {
		return m.regex.MatchString(value)
	}
	return value == m.config.Value
}
