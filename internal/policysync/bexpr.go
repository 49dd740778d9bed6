package policysync

import (
	"fmt"
	"strings"

	"github.com/hashicorp/go-bexpr"
	lru "github.com/hashicorp/golang-lru/v2"
)

const matcherCacheSize = 256

// matcherCache stores compiled evaluators keyed by expression. Each role
// rename produces a new expression, so old ones are evicted.
var matcherCache, _ = lru.New[string, *bexpr.Evaluator](matcherCacheSize)

// compileMatcher returns a cached evaluator for expr.
func compileMatcher(expr string) (*bexpr.Evaluator, error) {
	if strings.TrimSpace(expr) == "" {
		return nil, fmt.Errorf("empty match expression")
	}
	if cached, ok := matcherCache.Get(expr); ok {
		return cached, nil
	}
	evaluator, err := bexpr.CreateEvaluator(expr)
	if err != nil {
		return nil, fmt.Errorf("compile match expression %q: %w", expr, err)
	}
	matcherCache.Add(expr, evaluator)
	return evaluator, nil
}

// MatchGrouping evaluates expr against a grouping rule exposed as the
// fields "subject" and "object".
func MatchGrouping(expr string, rule GroupingRule) (bool, error) {
	evaluator, err := compileMatcher(expr)
	if err != nil {
		return false, err
	}
	return evaluator.Evaluate(map[string]any{
		"subject": rule.Subject,
		"object":  rule.Object,
	})
}

// FilterGrouping returns the rules matched by expr.
func FilterGrouping(expr string, rules []GroupingRule) ([]GroupingRule, error) {
	evaluator, err := compileMatcher(expr)
	if err != nil {
		return nil, err
	}
	var out []GroupingRule
	for _, r := range rules {
		ok, err := evaluator.Evaluate(map[string]any{"subject": r.Subject, "object": r.Object})
		if err != nil {
			return nil, fmt.Errorf("evaluate %q on %s: %w", expr, r, err)
		}
		if ok {
			out = append(out, r)
		}
	}
	return out, nil
}
