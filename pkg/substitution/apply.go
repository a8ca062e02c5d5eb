package substitution

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/illmade-knight/go-mapping-gateway/pkg/mapping"
)

// BuildDocuments merges the processing cache into copies of the mapping's
// target template, one document per cache cardinality. Documents at index i
// take the i-th candidate of every target path; paths with fewer candidates
// fall back according to their repair strategy.
func BuildDocuments(m *mapping.Mapping, cache Cache) ([]map[string]any, error) {
	count := cache.MaxCardinality()
	if count == 0 {
		return nil, nil
	}

	template := make(map[string]any)
	if m.TargetTemplate != "" {
		if err := json.Unmarshal([]byte(m.TargetTemplate), &template); err != nil {
			return nil, fmt.Errorf("mapping %s: target template is not valid JSON: %w", m.Identifier, err)
		}
	}

	documents := make([]map[string]any, 0, count)
	for i := 0; i < count; i++ {
		doc := deepCopy(template)
		for pathTarget, candidates := range cache {
			substitute, ok := selectCandidate(candidates, i)
			if !ok {
				continue
			}
			applySubstitute(doc, pathTarget, substitute)
		}
		documents = append(documents, doc)
	}
	return documents, nil
}

// selectCandidate picks the candidate for document index i. When a path has a
// single candidate shared by all documents, the repair strategy decides which
// end of the list to reuse; paths with no candidate at this index and no
// single shared value contribute nothing.
func selectCandidate(candidates []SubstituteValue, i int) (SubstituteValue, bool) {
	if i < len(candidates) {
		return candidates[i], true
	}
	if len(candidates) == 0 {
		return SubstituteValue{}, false
	}
	switch candidates[0].RepairStrategy {
	case mapping.RepairUseLastValueOfArray:
		return candidates[len(candidates)-1], true
	default:
		return candidates[0], true
	}
}

func applySubstitute(doc map[string]any, pathTarget string, substitute SubstituteValue) {
	switch substitute.RepairStrategy {
	case mapping.RepairIgnore:
		return
	case mapping.RepairRemoveIfMissing:
		if substitute.Type == TypeIgnore {
			DeletePath(doc, pathTarget)
			return
		}
	case mapping.RepairRemoveIfNull:
		if substitute.Value == nil {
			DeletePath(doc, pathTarget)
			return
		}
	}
	_ = SetPath(doc, pathTarget, substitute.Value)
}

// deepCopy clones a JSON-shaped document so template mutations never bleed
// between fanned-out documents.
func deepCopy(value map[string]any) map[string]any {
	out := make(map[string]any, len(value))
	for k, v := range value {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(value any) any {
	switch v := value.(type) {
	case map[string]any:
		return deepCopy(v)
	case []any:
		out := make([]any, len(v))
		for i, element := range v {
			out[i] = copyValue(element)
		}
		return out
	default:
		return v
	}
}

// ResolvePublishTopic fills the single-level wildcards of an outbound publish
// pattern with the corresponding levels of the source topic. A trailing '#'
// absorbs all remaining source levels.
func ResolvePublishTopic(pattern string, sourceTopic string) string {
	patternLevels := mapping.SplitTopic(pattern)
	sourceLevels := mapping.SplitTopic(sourceTopic)
	resolved := make([]string, 0, len(patternLevels))
	for i, level := range patternLevels {
		switch level {
		case mapping.WildcardSingle:
			if i < len(sourceLevels) {
				resolved = append(resolved, sourceLevels[i])
			} else {
				resolved = append(resolved, level)
			}
		case mapping.WildcardMulti:
			if i < len(sourceLevels) {
				resolved = append(resolved, sourceLevels[i:]...)
			}
			return strings.Join(resolved, mapping.TopicSeparator)
		default:
			resolved = append(resolved, level)
		}
	}
	return strings.Join(resolved, mapping.TopicSeparator)
}
