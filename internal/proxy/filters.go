package proxy

import (
	"net/http"
	"strings"

	"github.com/valmatov/edgeproxy/internal/config"
	"github.com/valmatov/edgeproxy/internal/router"
)

// Filter type names.
const (
	FilterRequestHeaderModifier  = "RequestHeaderModifier"
	FilterResponseHeaderModifier = "ResponseHeaderModifier"
	FilterURLRewrite             = "URLRewrite"
)

// applyRequestFilters applies request header and URL rewrite filters to
// an outbound request. The matched prefix is used for
// ReplacePrefixMatch rewrites.
func applyRequestFilters(req *http.Request, filters []config.FilterConfig, matchedPrefix string) {
	params := router.PathParamsFromContext(req.Context())

	for _, filter := range filters {
		switch filter.Type {
		case FilterRequestHeaderModifier:
			if filter.RequestHeaderModifier != nil {
				applyHeaderModifier(req.Header, filter.RequestHeaderModifier)
			}
		case FilterURLRewrite:
			if filter.URLRewrite != nil {
				applyURLRewrite(req, filter.URLRewrite, matchedPrefix, params)
			}
		}
	}
}

// applyResponseFilters applies response header filters.
func applyResponseFilters(header http.Header, filters []config.FilterConfig) {
	for _, filter := range filters {
		if filter.Type == FilterResponseHeaderModifier && filter.ResponseHeaderModifier != nil {
			applyHeaderModifier(header, filter.ResponseHeaderModifier)
		}
	}
}

// applyHeaderModifier applies set, add and remove operations in order.
func applyHeaderModifier(header http.Header, mod *config.HeaderModifierConfig) {
	for _, h := range mod.Set {
		header.Set(h.Name, h.Value)
	}
	for _, h := range mod.Add {
		header.Add(h.Name, h.Value)
	}
	for _, name := range mod.Remove {
		header.Del(name)
	}
}

// applyURLRewrite rewrites the request path and host header. Rewrite
// targets may reference parameters extracted from the matched path, so
// "/users/{id}/profile" expands {id} before the path is replaced.
func applyURLRewrite(req *http.Request, rewrite *config.URLRewriteConfig, matchedPrefix string, params map[string]string) {
	if rewrite.Hostname != "" {
		req.Host = rewrite.Hostname
	}

	if rewrite.Path == nil {
		return
	}

	switch rewrite.Path.Type {
	case "ReplaceFullPath":
		req.URL.Path = substitutePathParams(rewrite.Path.ReplaceFullPath, params)
	case "ReplacePrefixMatch":
		if matchedPrefix != "" && strings.HasPrefix(req.URL.Path, matchedPrefix) {
			rest := strings.TrimPrefix(req.URL.Path, matchedPrefix)
			newPath := substitutePathParams(rewrite.Path.ReplacePrefixMatch, params)
			if rest != "" && !strings.HasPrefix(rest, "/") && !strings.HasSuffix(newPath, "/") {
				newPath += "/"
			}
			req.URL.Path = newPath + rest
			if req.URL.Path == "" {
				req.URL.Path = "/"
			}
		}
	}
}

// substitutePathParams expands {name} placeholders with matched path
// parameters. Placeholders without a matching parameter are left as is.
func substitutePathParams(path string, params map[string]string) string {
	if len(params) == 0 || !strings.Contains(path, "{") {
		return path
	}
	for name, value := range params {
		path = strings.ReplaceAll(path, "{"+name+"}", value)
	}
	return path
}
