package router

import (
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
)

// ExpressionMatcher evaluates a CEL expression against a request. The
// expression must evaluate to a boolean.
type ExpressionMatcher struct {
	expression string
	program    cel.Program
}

// celEnv is the shared environment for route expressions.
var celEnv = mustCELEnv()

func mustCELEnv() *cel.Env {
	env, err := cel.NewEnv(
		cel.Variable("request", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("headers", cel.MapType(cel.StringType, cel.StringType)),
		cel.Variable("query", cel.MapType(cel.StringType, cel.StringType)),
		cel.Variable("now", cel.TimestampType),
		cel.Function("ip_in_range",
			cel.Overload("ip_in_range_string_string",
				[]*cel.Type{cel.StringType, cel.StringType},
				cel.BoolType,
				cel.BinaryBinding(ipInRangeBinding),
			),
		),
	)
	if err != nil {
		panic(fmt.Sprintf("building CEL environment: %v", err))
	}
	return env
}

// ipInRangeBinding checks if an IP is in a CIDR range (CEL binding).
func ipInRangeBinding(ip, cidr ref.Val) ref.Val {
	ipStr, ok := ip.Value().(string)
	if !ok {
		return types.False
	}
	cidrStr, ok := cidr.Value().(string)
	if !ok {
		return types.False
	}

	parsedIP := net.ParseIP(ipStr)
	if parsedIP == nil {
		return types.False
	}

	_, network, err := net.ParseCIDR(cidrStr)
	if err != nil {
		return types.False
	}

	if network.Contains(parsedIP) {
		return types.True
	}
	return types.False
}

// NewExpressionMatcher compiles a CEL expression for route matching.
func NewExpressionMatcher(expression string) (*ExpressionMatcher, error) {
	ast, issues := celEnv.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compiling expression: %w", issues.Err())
	}
	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("expression must return bool, got %s", ast.OutputType())
	}

	program, err := celEnv.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("creating program: %w", err)
	}

	return &ExpressionMatcher{
		expression: expression,
		program:    program,
	}, nil
}

// Match evaluates the expression against the request. Evaluation errors
// are treated as non-matches.
func (m *ExpressionMatcher) Match(r *http.Request) bool {
	headers := make(map[string]string, len(r.Header))
	for name := range r.Header {
		headers[strings.ToLower(name)] = r.Header.Get(name)
	}

	queryValues := r.URL.Query()
	query := make(map[string]string, len(queryValues))
	for name := range queryValues {
		query[name] = queryValues.Get(name)
	}

	sourceIP := r.RemoteAddr
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		sourceIP = host
	}

	result, _, err := m.program.Eval(map[string]any{
		"request": map[string]any{
			"method":   r.Method,
			"path":     r.URL.Path,
			"host":     r.Host,
			"scheme":   requestScheme(r),
			"sourceIP": sourceIP,
		},
		"headers": headers,
		"query":   query,
		"now":     time.Now(),
	})
	if err != nil {
		return false
	}

	matched, ok := result.Value().(bool)
	return ok && matched
}

// Expression returns the source expression.
func (m *ExpressionMatcher) Expression() string {
	return m.expression
}

func requestScheme(r *http.Request) string {
	if r.TLS != nil {
		return "https"
	}
	return "http"
}
