package interpret

import (
	"regexp"
	"strings"

	"curator/internal/catalog"
	"curator/internal/types"
)

// Heuristic fallback for when the model service is unreachable. It only
// ever produces read queries: a mutation guessed from regexes is worse
// than asking the user to retry, so anything that smells like a write
// comes back as clarify. Confidence is capped at 0.5 so callers can tell
// a degraded interpretation from a model-backed one.
const heuristicMaxConfidence = 0.5

var (
	queryVerbRe  = regexp.MustCompile(`(?i)^\s*(show|list|find|get|search|what|which|how many|count)\b`)
	mutateVerbRe = regexp.MustCompile(`(?i)\b(create|add|new|update|change|set|rename|delete|remove|drop|clear)\b`)
	filterRe     = regexp.MustCompile(`(?i)\b(?:with|where|whose)\s+(\w+)\s+(?:is|=|equals?)\s+"?([\w-]+)"?`)
	taggedRe     = regexp.MustCompile(`(?i)\btagged\s+"?([\w-]+)"?`)
)

// heuristicInterpret attempts a regex-based reading of the text. ok is
// false when no safe interpretation exists, in which case the original
// upstream error should surface.
func heuristicInterpret(text string, cat catalog.Catalog) (types.Interpretation, bool) {
	if mutateVerbRe.MatchString(text) {
		return types.Interpretation{
			Operation:  types.OpClarify,
			Confidence: 0,
			Message:    "The interpretation service is unavailable and I won't guess at a change. Please try again shortly.",
		}, true
	}
	if !queryVerbRe.MatchString(text) {
		return types.Interpretation{}, false
	}

	lower := strings.ToLower(text)
	var target string
	for _, name := range cat.TypeNames() {
		forms := []string{name, name + "s"}
		if strings.HasSuffix(name, "y") {
			forms = append(forms, strings.TrimSuffix(name, "y")+"ies")
		}
		for _, form := range forms {
			if strings.Contains(lower, form) {
				target = name
				break
			}
		}
		if target != "" {
			break
		}
	}
	if target == "" {
		return types.Interpretation{}, false
	}

	filters := map[string]any{}
	if m := filterRe.FindStringSubmatch(text); m != nil {
		field := strings.ToLower(m[1])
		if cat.Types[target].HasField(field) {
			filters[field] = m[2]
		}
	}
	if m := taggedRe.FindStringSubmatch(text); m != nil {
		if cat.Types[target].HasField("tags") {
			filters["tags"] = m[1]
		}
	}

	return types.Interpretation{
		Operation:  types.OpQuery,
		TargetType: target,
		Parameters: map[string]any{"type": target, "filters": filters},
		Confidence: heuristicMaxConfidence,
		Message:    "Interpreted without the model service; results may be approximate.",
	}, true
}
