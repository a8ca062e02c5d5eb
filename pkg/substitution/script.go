package substitution

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dop251/goja"
	"github.com/rs/zerolog"

	"github.com/illmade-knight/go-mapping-gateway/pkg/mapping"
)

// Script entrypoints. A SUBSTITUTION_AS_CODE script must define
// extract(payload, context); a SMART_FUNCTION script must define
// onMessage(message, context).
const (
	entrypointExtract   = "extract"
	entrypointOnMessage = "onMessage"
)

// maxScriptLength bounds tenant-supplied script bodies.
const maxScriptLength = 100 * 1024

// ScriptEngineConfig tunes the sandboxed script engine.
type ScriptEngineConfig struct {
	// MaxConcurrent bounds simultaneous script executions. Excess work
	// queues on the pool rather than spawning unbounded interpreters.
	MaxConcurrent int
	// ExecutionTimeout caps a single script run.
	ExecutionTimeout time.Duration
}

// ScriptEngine executes tenant-supplied scripts in a sandboxed interpreter.
// Scripts see only the values passed as arguments: the interpreter is created
// without any host bindings, so there is no file, network, or process access.
// Compiled programs are cached per script body; interpreter runtimes are not
// shared between executions so one tenant's globals can never leak into
// another's.
type ScriptEngine struct {
	logger   zerolog.Logger
	slots    chan struct{}
	timeout  time.Duration
	programs sync.Map // script body -> *goja.Program
}

// NewScriptEngine creates the engine with a bounded execution pool.
func NewScriptEngine(cfg ScriptEngineConfig, logger zerolog.Logger) *ScriptEngine {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 10
	}
	if cfg.ExecutionTimeout <= 0 {
		cfg.ExecutionTimeout = 5 * time.Second
	}
	return &ScriptEngine{
		logger:  logger.With().Str("component", "ScriptEngine").Logger(),
		slots:   make(chan struct{}, cfg.MaxConcurrent),
		timeout: cfg.ExecutionTimeout,
	}
}

// run executes one entrypoint of a script and returns the exported result.
// It blocks while the pool is exhausted, so callers on transport paths must
// pass a cancellable context.
func (e *ScriptEngine) run(ctx context.Context, script, entrypoint string, args ...any) (any, error) {
	if len(script) == 0 {
		return nil, fmt.Errorf("script body is empty")
	}
	if len(script) > maxScriptLength {
		return nil, fmt.Errorf("script body exceeds %d bytes", maxScriptLength)
	}

	program, err := e.program(script)
	if err != nil {
		return nil, fmt.Errorf("script failed to compile: %w", err)
	}

	select {
	case e.slots <- struct{}{}:
		defer func() { <-e.slots }()
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	runCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	vm := goja.New()

	// Interrupt the interpreter when the context ends; the watcher exits
	// once the call returns so a finished run is never poisoned.
	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-runCtx.Done():
			vm.Interrupt(runCtx.Err())
		case <-watchDone:
		}
	}()

	if _, err := vm.RunProgram(program); err != nil {
		return nil, fmt.Errorf("script failed to initialize: %w", err)
	}

	entry, ok := goja.AssertFunction(vm.Get(entrypoint))
	if !ok {
		return nil, fmt.Errorf("script does not define a %s function", entrypoint)
	}

	jsArgs := make([]goja.Value, len(args))
	for i, arg := range args {
		jsArgs[i] = vm.ToValue(arg)
	}

	value, err := entry(goja.Undefined(), jsArgs...)
	if err != nil {
		if runCtx.Err() != nil {
			return nil, runCtx.Err()
		}
		return nil, fmt.Errorf("script execution failed: %w", err)
	}
	if value == nil || goja.IsUndefined(value) || goja.IsNull(value) {
		return nil, nil
	}
	return value.Export(), nil
}

// program compiles a script body once and reuses the compiled form for every
// subsequent run. Compiled programs are immutable so they are safe to share;
// each run still gets its own runtime.
func (e *ScriptEngine) program(script string) (*goja.Program, error) {
	if cached, ok := e.programs.Load(script); ok {
		return cached.(*goja.Program), nil
	}
	program, err := goja.Compile("mapping", script, false)
	if err != nil {
		return nil, err
	}
	e.programs.Store(script, program)
	return program, nil
}

// scriptContext is the read-only context object handed to every script.
func scriptContext(in Input) map[string]any {
	return map[string]any{
		"tenant":  in.Tenant,
		"topic":   in.Topic,
		"mapping": in.Mapping.Identifier,
		"api":     string(in.Mapping.TargetAPI),
	}
}

// CodeExtractor runs SUBSTITUTION_AS_CODE scripts. The script's extract
// function returns a substitution-result object:
//
//	{ substitutions: { "target.path": value | {value, type, repairStrategy, expandArray} },
//	  alarms: ["..."] }
//
// A null or absent result is a total extraction failure, reported as an
// empty Result rather than an error.
type CodeExtractor struct {
	engine *ScriptEngine
	logger zerolog.Logger
}

// NewCodeExtractor creates the SUBSTITUTION_AS_CODE extractor.
func NewCodeExtractor(engine *ScriptEngine, logger zerolog.Logger) *CodeExtractor {
	return &CodeExtractor{
		engine: engine,
		logger: logger.With().Str("component", "CodeExtractor").Logger(),
	}
}

// Extract executes the mapping's script against the payload.
func (e *CodeExtractor) Extract(ctx context.Context, in Input) (*Result, error) {
	exported, err := e.engine.run(ctx, in.Mapping.Code, entrypointExtract, in.Payload, scriptContext(in))
	if err != nil {
		return nil, err
	}
	result := &Result{Cache: make(Cache)}
	raw, ok := exported.(map[string]any)
	if !ok {
		// Null result: the script decided this message produces nothing.
		return result, nil
	}

	if substitutions, ok := raw["substitutions"].(map[string]any); ok {
		for target, value := range substitutions {
			result.Cache.Add(target, substituteFromScript(value))
		}
	}
	if alarms, ok := raw["alarms"].([]any); ok {
		for _, alarm := range alarms {
			result.Alarms = append(result.Alarms, fmt.Sprintf("%v", alarm))
		}
	}
	return result, nil
}

// substituteFromScript interprets one substitution value from a script
// result: either a plain value or an object carrying repair metadata.
func substituteFromScript(value any) SubstituteValue {
	meta, ok := value.(map[string]any)
	if !ok {
		return NewSubstituteValue(value, mapping.RepairDefault, false)
	}
	inner, hasValue := meta["value"]
	if !hasValue {
		return NewSubstituteValue(value, mapping.RepairDefault, false)
	}
	strategy := mapping.RepairDefault
	if s, ok := meta["repairStrategy"].(string); ok && s != "" {
		strategy = mapping.RepairStrategy(s)
	}
	expand, _ := meta["expandArray"].(bool)
	return NewSubstituteValue(inner, strategy, expand)
}

// SmartFunctionExtractor runs SMART_FUNCTION scripts. The script's onMessage
// function returns a list of fully formed device messages that bypass normal
// substitution and go straight to request construction.
type SmartFunctionExtractor struct {
	engine *ScriptEngine
	logger zerolog.Logger
}

// NewSmartFunctionExtractor creates the SMART_FUNCTION extractor.
func NewSmartFunctionExtractor(engine *ScriptEngine, logger zerolog.Logger) *SmartFunctionExtractor {
	return &SmartFunctionExtractor{
		engine: engine,
		logger: logger.With().Str("component", "SmartFunctionExtractor").Logger(),
	}
}

// Extract executes the mapping's flow script against the message.
func (e *SmartFunctionExtractor) Extract(ctx context.Context, in Input) (*Result, error) {
	message := map[string]any{
		"payload": in.Payload,
		"topic":   in.Topic,
	}
	exported, err := e.engine.run(ctx, in.Mapping.Code, entrypointOnMessage, message, scriptContext(in))
	if err != nil {
		return nil, err
	}
	result := &Result{Cache: make(Cache)}
	messages, ok := exported.([]any)
	if !ok {
		return result, nil
	}
	for _, entry := range messages {
		raw, ok := entry.(map[string]any)
		if !ok {
			e.logger.Warn().Str("mapping", in.Mapping.Identifier).
				Msgf("Smart function returned a non-object device message of type %T, skipping.", entry)
			continue
		}
		result.DeviceMessages = append(result.DeviceMessages, deviceMessageFromScript(raw, in))
	}
	return result, nil
}

func deviceMessageFromScript(raw map[string]any, in Input) DeviceMessage {
	dm := DeviceMessage{Time: time.Now().UTC()}
	if topic, ok := raw["topic"].(string); ok {
		dm.Topic = topic
	}
	dm.Payload = raw["payload"]
	if action, ok := raw["action"].(string); ok {
		dm.Action = action
	}
	if source, ok := raw["externalSource"].(string); ok {
		dm.ExternalSource = source
	}
	if api, ok := raw["targetAPI"].(string); ok {
		dm.TargetAPI = mapping.TargetAPI(api)
	} else {
		dm.TargetAPI = in.Mapping.TargetAPI
	}
	if transport, ok := raw["transportId"].(string); ok {
		dm.TransportID = transport
	}
	if client, ok := raw["clientId"].(string); ok {
		dm.ClientID = client
	}
	if retain, ok := raw["retain"].(bool); ok {
		dm.Retain = retain
	}
	return dm
}
