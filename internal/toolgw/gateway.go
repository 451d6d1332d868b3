// Package toolgw is the tool registry and dispatcher.
//
// Every registered tool exposes the same contract: parameters in, text out.
// Dispatch never returns an error. Unknown tools, bad parameters, failures
// and panics all come back as a ToolResult whose Content explains the
// problem to the LLM and whose ErrorKind tags it for logs and metrics.
//
// The same registry is served over JSON-RPC 2.0 (initialize, tools/list,
// tools/call, ping) so external clients can discover and call the tools.
package toolgw

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/zps-zest/zest/internal/telemetry"
	"github.com/zps-zest/zest/internal/toolcall"
	"github.com/zps-zest/zest/pkg/contracts"
	"github.com/zps-zest/zest/pkg/models"
)

var tracer = otel.Tracer("zest-toolgw")

// KindError lets a tool pick the error kind reported for its failure.
type KindError struct {
	Kind models.ToolErrorKind
	Err  error
}

func (e *KindError) Error() string { return e.Err.Error() }
func (e *KindError) Unwrap() error { return e.Err }

// WithKind tags err with kind.
func WithKind(kind models.ToolErrorKind, err error) error {
	return &KindError{Kind: kind, Err: err}
}

type entry struct {
	tool   contracts.Tool
	spec   models.ToolSpec
	schema *jsonschema.Schema
}

// Gateway holds the registered tools.
type Gateway struct {
	metrics *telemetry.Metrics

	mu    sync.RWMutex
	tools map[string]entry
}

// New creates an empty gateway. m may be nil.
func New(m *telemetry.Metrics) *Gateway {
	return &Gateway{
		metrics: m,
		tools:   make(map[string]entry),
	}
}

// Register adds t, compiling its input schema. A later registration with the
// same name replaces the earlier one.
func (gw *Gateway) Register(t contracts.Tool) error {
	spec := t.Spec()
	if spec.Name == "" {
		return errors.New("tool has no name")
	}
	e := entry{tool: t, spec: spec}
	if len(spec.InputSchema) > 0 {
		raw, err := json.Marshal(spec.InputSchema)
		if err != nil {
			return fmt.Errorf("encode schema for %s: %w", spec.Name, err)
		}
		compiled, err := jsonschema.CompileString(spec.Name+".schema.json", string(raw))
		if err != nil {
			return fmt.Errorf("compile schema for %s: %w", spec.Name, err)
		}
		e.schema = compiled
	}

	gw.mu.Lock()
	gw.tools[spec.Name] = e
	gw.mu.Unlock()

	log.Debug().Str("tool", spec.Name).Bool("mutating", spec.Mutating).Msg("Tool registered")
	return nil
}

// MustRegister is Register for built-in tools whose schemas are constants.
func (gw *Gateway) MustRegister(tools ...contracts.Tool) {
	for _, t := range tools {
		if err := gw.Register(t); err != nil {
			panic(err)
		}
	}
}

// Get returns the tool registered under name.
func (gw *Gateway) Get(name string) (contracts.Tool, bool) {
	gw.mu.RLock()
	defer gw.mu.RUnlock()
	e, ok := gw.tools[name]
	return e.tool, ok
}

// List returns the specs of all tools, sorted by name.
func (gw *Gateway) List() []models.ToolSpec {
	gw.mu.RLock()
	defer gw.mu.RUnlock()
	out := make([]models.ToolSpec, 0, len(gw.tools))
	for _, e := range gw.tools {
		out = append(out, e.spec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (gw *Gateway) names() []string {
	specs := gw.List()
	names := make([]string, len(specs))
	for i, s := range specs {
		names[i] = s.Name
	}
	return names
}

// Dispatch executes one invocation.
func (gw *Gateway) Dispatch(ctx context.Context, inv models.ToolInvocation) (result models.ToolResult) {
	start := time.Now()
	result.Name = inv.Name

	ctx, span := tracer.Start(ctx, "tool.dispatch",
		trace.WithAttributes(
			attribute.String("tool.name", inv.Name),
			attribute.String("tool.syntax", string(inv.Syntax)),
		),
	)
	defer span.End()

	defer func() {
		result.DurationMs = time.Since(start).Milliseconds()
		status := "ok"
		if result.IsError {
			status = string(result.ErrorKind)
			span.SetAttributes(attribute.String("tool.error_kind", status))
		}
		label := inv.Name
		if result.ErrorKind == models.ToolErrUnknownTool || label == "" {
			label = "(unknown)"
		}
		gw.metrics.ToolExecuted(label, status, time.Since(start))

		evt := log.Info()
		if result.IsError {
			evt = log.Warn().Str("error_kind", status)
		}
		evt.Str("tool", inv.Name).Int64("duration_ms", result.DurationMs).Msg("Tool executed")
	}()

	if inv.ParseError != "" {
		return failure(inv.Name, models.ToolErrInvalidParams,
			fmt.Sprintf("Invalid tool invocation: %s", inv.ParseError))
	}

	gw.mu.RLock()
	e, ok := gw.tools[inv.Name]
	gw.mu.RUnlock()
	if !ok {
		return failure(inv.Name, models.ToolErrUnknownTool,
			fmt.Sprintf("Unknown tool: %s. Available tools: %s", inv.Name, strings.Join(gw.names(), ", ")))
	}

	inv.Params = normalizeParams(e.spec, inv.Params)

	if e.schema != nil {
		if err := validate(e.schema, inv.Params); err != nil {
			return failure(inv.Name, models.ToolErrInvalidParams,
				fmt.Sprintf("Invalid parameters for %s: %s", inv.Name, err))
		}
	}

	out, kind, err := execute(ctx, e.tool, inv)
	if err != nil {
		return failure(inv.Name, kind, fmt.Sprintf("Error executing tool %s: %s", inv.Name, err))
	}
	if strings.TrimSpace(out) == "" {
		out = "(no output)"
	}
	return models.ToolResult{Name: inv.Name, Content: out}
}

// DispatchAll executes invocations sequentially, in order.
func (gw *Gateway) DispatchAll(ctx context.Context, invs []models.ToolInvocation) []models.ToolResult {
	results := make([]models.ToolResult, 0, len(invs))
	for _, inv := range invs {
		results = append(results, gw.Dispatch(ctx, inv))
	}
	return results
}

func execute(ctx context.Context, t contracts.Tool, inv models.ToolInvocation) (out string, kind models.ToolErrorKind, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("tool", inv.Name).Interface("panic", r).Msg("Tool panicked")
			out, kind, err = "", models.ToolErrPanic, fmt.Errorf("tool crashed: %v", r)
		}
	}()

	out, err = t.Execute(ctx, inv)
	if err != nil {
		kind = models.ToolErrExecutionFailed
		var ke *KindError
		if errors.As(err, &ke) {
			kind = ke.Kind
		}
	}
	return out, kind, err
}

// normalizeParams maps a legacy positional argument onto the tool's primary
// parameter.
func normalizeParams(spec models.ToolSpec, params map[string]any) map[string]any {
	if params == nil {
		params = map[string]any{}
	}
	if spec.PrimaryParam == "" {
		return params
	}
	if arg, ok := params[toolcall.ArgParam]; ok {
		if _, set := params[spec.PrimaryParam]; !set {
			params[spec.PrimaryParam] = arg
			delete(params, toolcall.ArgParam)
		}
	}
	return params
}

func validate(schema *jsonschema.Schema, params map[string]any) error {
	payload, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("encode parameters: %w", err)
	}
	var decoded any
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return fmt.Errorf("decode parameters: %w", err)
	}
	if err := schema.Validate(decoded); err != nil {
		var ve *jsonschema.ValidationError
		if errors.As(err, &ve) {
			return errors.New(flattenValidation(ve))
		}
		return err
	}
	return nil
}

// flattenValidation turns a nested validation error into one line per leaf.
func flattenValidation(ve *jsonschema.ValidationError) string {
	var msgs []string
	var walk func(e *jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			loc := e.InstanceLocation
			if loc == "" {
				loc = "/"
			}
			msgs = append(msgs, fmt.Sprintf("%s: %s", loc, e.Message))
			return
		}
		for _, c := range e.Causes {
			walk(c)
		}
	}
	walk(ve)
	return strings.Join(msgs, "; ")
}

func failure(name string, kind models.ToolErrorKind, msg string) models.ToolResult {
	return models.ToolResult{Name: name, Content: msg, IsError: true, ErrorKind: kind}
}
