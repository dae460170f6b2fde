package expressions

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rendis/procflow/pkg/schema"
)

// InterpolationScope holds the data available for variable resolution in
// notification templates.
type InterpolationScope struct {
	Data      map[string]any // accumulated execution data
	Execution map[string]any // execution metadata (id, user, org, step)
}

// Interpolator resolves ${{...}} references in notification subjects and
// bodies. Supported namespaces: data.<field>[.<subfield>...] and
// execution.<field>.
type Interpolator struct{}

// NewInterpolator creates a new Interpolator.
func NewInterpolator() *Interpolator {
	return &Interpolator{}
}

// Resolve scans the template for ${{...}} tokens and replaces each with the
// referenced value from the scope.
func (interp *Interpolator) Resolve(template string, scope *InterpolationScope) (string, error) {
	var result strings.Builder
	result.Grow(len(template))

	i := 0
	for i < len(template) {
		// Look for ${{ marker.
		idx := strings.Index(template[i:], "${{")
		if idx == -1 {
			result.WriteString(template[i:])
			break
		}

		// Write everything before the marker.
		result.WriteString(template[i : i+idx])
		start := i + idx + 3 // skip "${{".

		// Find the closing }}.
		end := strings.Index(template[start:], "}}")
		if end == -1 {
			return "", schema.NewError(schema.ErrCodeConfiguration, "unclosed ${{ expression")
		}
		end += start

		expr := strings.TrimSpace(template[start:end])

		// Reject recursive interpolation: no nested ${{ inside the expression.
		if strings.Contains(expr, "${{") {
			return "", schema.NewError(schema.ErrCodeConfiguration,
				"nested interpolation not allowed: ${{...}} cannot contain ${{")
		}
		if expr == "" {
			return "", schema.NewError(schema.ErrCodeConfiguration, "empty variable reference: ${{  }}")
		}

		val, err := interp.resolveExpr(expr, scope)
		if err != nil {
			return "", err
		}

		result.WriteString(marshalInline(val))
		i = end + 2 // skip "}}".
	}

	return result.String(), nil
}

// resolveExpr resolves a single expression path like "data.invoice.amount".
func (interp *Interpolator) resolveExpr(expr string, scope *InterpolationScope) (any, error) {
	parts := strings.SplitN(expr, ".", 2)
	if len(parts) < 2 || parts[1] == "" {
		return nil, schema.NewErrorf(schema.ErrCodeConfiguration,
			"invalid reference %q: expected <namespace>.<field>", expr).
			WithDetails(map[string]any{"expression": expr})
	}

	var root map[string]any
	switch parts[0] {
	case "data":
		root = scope.Data
	case "execution":
		root = scope.Execution
	default:
		return nil, schema.NewErrorf(schema.ErrCodeConfiguration,
			"unknown namespace %q in ${{%s}}; available: data, execution", parts[0], expr).
			WithDetails(map[string]any{"expression": expr})
	}

	return traversePath(root, parts[1], expr)
}

// traversePath walks a dotted field path through nested maps.
func traversePath(root map[string]any, path, expr string) (any, error) {
	var current any = root
	for _, field := range strings.Split(path, ".") {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeConfiguration,
				"cannot resolve %q: %q is not an object", expr, field).
				WithDetails(map[string]any{"expression": expr})
		}
		current, ok = m[field]
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeConfiguration,
				"unresolved reference %q: field %q not found", expr, field).
				WithDetails(map[string]any{"expression": expr})
		}
	}
	return current, nil
}

// marshalInline renders a resolved value for embedding into template text.
// Strings are embedded bare; everything else is JSON-encoded.
func marshalInline(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case nil:
		return ""
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		return string(b)
	}
}
