package mapping

import (
	"errors"
	"fmt"
	"strings"
)

// Validation failures are rejected synchronously at the administrative
// boundary; they never enter the processing pipeline.
var (
	ErrEmptyTopic          = errors.New("topic pattern cannot be empty")
	ErrMultiWildcardNotEnd = errors.New("multi-level wildcard '#' is only allowed as the final level")
	ErrWildcardNotAlone    = errors.New("wildcards must occupy a whole topic level")
	ErrMissingIdentifier   = errors.New("mapping identifier is required")
	ErrActiveImmutable     = errors.New("active mappings cannot be updated, deactivate first")
)

// ValidateTopicPattern checks a wildcarded pattern against the topic grammar.
func ValidateTopicPattern(pattern string) error {
	levels := SplitTopic(pattern)
	if len(levels) == 0 {
		return ErrEmptyTopic
	}
	for i, level := range levels {
		if level == WildcardMulti {
			if i != len(levels)-1 {
				return fmt.Errorf("%w: %q", ErrMultiWildcardNotEnd, pattern)
			}
			continue
		}
		if strings.Contains(level, WildcardMulti) || (strings.Contains(level, WildcardSingle) && level != WildcardSingle) {
			return fmt.Errorf("%w: %q", ErrWildcardNotAlone, pattern)
		}
	}
	return nil
}

// Validate checks the structural integrity of a mapping definition.
func (m *Mapping) Validate() error {
	if m.Identifier == "" {
		return ErrMissingIdentifier
	}
	if err := ValidateTopicPattern(m.ResolvePattern()); err != nil {
		return fmt.Errorf("mapping %s: %w", m.Identifier, err)
	}
	switch m.TransformationType {
	case TransformationCode, TransformationSmartFunction:
		if m.Code == "" {
			return fmt.Errorf("mapping %s: transformation %s requires a script body", m.Identifier, m.TransformationType)
		}
	case TransformationDefault, "":
		for _, s := range m.Substitutions {
			if s.PathTarget == "" {
				return fmt.Errorf("mapping %s: substitution with source %q has no target path", m.Identifier, s.PathSource)
			}
		}
	default:
		return fmt.Errorf("mapping %s: unknown transformation type %q", m.Identifier, m.TransformationType)
	}
	if m.QOS < 0 || m.QOS > 2 {
		return fmt.Errorf("mapping %s: qos must be 0, 1 or 2", m.Identifier)
	}
	return nil
}
