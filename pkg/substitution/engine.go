package substitution

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/rs/zerolog"

	"github.com/illmade-knight/go-mapping-gateway/pkg/mapping"
)

// Input carries everything an extractor needs for one message.
type Input struct {
	Tenant string
	// Mapping declares the transformation to apply.
	Mapping *mapping.Mapping
	// Payload is the deserialized, enriched message body.
	Payload map[string]any
	// Topic is the concrete topic the message arrived on.
	Topic string
}

// Extractor produces the processing cache for one message under one mapping.
// Implementations must isolate per-rule failures: a single failing rule
// records a null value, it never aborts the sibling rules or the message.
type Extractor interface {
	Extract(ctx context.Context, in Input) (*Result, error)
}

// ExtractorSet groups one extractor per transformation type.
type ExtractorSet struct {
	Default       Extractor
	Code          Extractor
	SmartFunction Extractor
}

// For returns the extractor for the given transformation type.
func (s ExtractorSet) For(t mapping.TransformationType) (Extractor, error) {
	switch t {
	case mapping.TransformationDefault, "":
		return s.Default, nil
	case mapping.TransformationCode:
		return s.Code, nil
	case mapping.TransformationSmartFunction:
		return s.SmartFunction, nil
	default:
		return nil, fmt.Errorf("no extractor for transformation type %q", t)
	}
}

// PathExtractor is the DEFAULT strategy: each substitution rule's source path
// is evaluated as an expression against the payload. Compiled programs are
// cached per source expression since mappings evaluate the same rules for
// every message.
type PathExtractor struct {
	logger   zerolog.Logger
	programs sync.Map // source expression -> *vm.Program
}

// NewPathExtractor creates the DEFAULT extractor.
func NewPathExtractor(logger zerolog.Logger) *PathExtractor {
	return &PathExtractor{
		logger: logger.With().Str("component", "PathExtractor").Logger(),
	}
}

// exprOptions are the compile options for source-path expressions: undefined
// variables resolve to nil (a missing payload key is a repairable condition,
// not an error) and a small builtin set covers timestamps and concatenation.
func exprOptions() []expr.Option {
	return []expr.Option{
		expr.AllowUndefinedVariables(),
		expr.Function("now", func(params ...any) (any, error) {
			return time.Now().UTC().Format(time.RFC3339Nano), nil
		}),
		expr.Function("concat", func(params ...any) (any, error) {
			var b strings.Builder
			for _, p := range params {
				fmt.Fprintf(&b, "%v", p)
			}
			return b.String(), nil
		}),
	}
}

func (e *PathExtractor) program(source string) (*vm.Program, error) {
	if cached, ok := e.programs.Load(source); ok {
		return cached.(*vm.Program), nil
	}
	program, err := expr.Compile(source, exprOptions()...)
	if err != nil {
		return nil, err
	}
	e.programs.Store(source, program)
	return program, nil
}

// Extract evaluates every substitution rule. Evaluation failures and missing
// values are recorded as TypeIgnore entries for their target path.
func (e *PathExtractor) Extract(ctx context.Context, in Input) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	result := &Result{Cache: make(Cache)}
	for _, rule := range in.Mapping.Substitutions {
		value, err := e.evaluate(rule.PathSource, in.Payload)
		if err != nil {
			e.logger.Debug().Err(err).
				Str("tenant", in.Tenant).
				Str("mapping", in.Mapping.Identifier).
				Str("path_source", rule.PathSource).
				Msg("Substitution rule failed to evaluate, recording null value.")
			value = nil
		}
		result.Cache.Add(rule.PathTarget, NewSubstituteValue(value, rule.RepairStrategy, rule.ExpandArray))
	}
	return result, nil
}

func (e *PathExtractor) evaluate(source string, payload map[string]any) (any, error) {
	// Plain dotted paths are resolved directly; anything else goes through
	// the expression engine.
	if value, ok := GetPath(payload, source); ok {
		return value, nil
	}
	program, err := e.program(source)
	if err != nil {
		return nil, fmt.Errorf("compiling source path %q: %w", source, err)
	}
	value, err := expr.Run(program, payload)
	if err != nil {
		return nil, fmt.Errorf("evaluating source path %q: %w", source, err)
	}
	return value, nil
}

// EvaluateFilter evaluates a mapping pre-condition expression against the
// payload and reports whether it holds. Truthiness follows the original
// gateway: booleans directly, strings "true"/"1"/"yes". Evaluation errors
// count as non-matching.
func (e *PathExtractor) EvaluateFilter(filter string, payload map[string]any) bool {
	program, err := e.program(filter)
	if err != nil {
		e.logger.Warn().Err(err).Str("filter", filter).Msg("Filter expression failed to compile.")
		return false
	}
	value, err := expr.Run(program, payload)
	if err != nil {
		e.logger.Debug().Err(err).Str("filter", filter).Msg("Filter expression failed to evaluate.")
		return false
	}
	return isTruthy(value)
}

func isTruthy(value any) bool {
	switch v := value.(type) {
	case bool:
		return v
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "true", "1", "yes":
			return true
		}
	}
	return false
}
