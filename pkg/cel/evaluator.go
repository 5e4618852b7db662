package cel

import (
	"context"
	"fmt"

	"github.com/google/cel-go/cel"
	"github.com/nbd-wtf/go-nostr"
)

// Evaluator compiles boolean expressions over a post and its author's
// display name.
type Evaluator struct {
	env *cel.Env
}

func NewEvaluator() (*Evaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("id", cel.StringType),
		cel.Variable("author", cel.StringType),
		cel.Variable("kind", cel.IntType),
		cel.Variable("content", cel.StringType),
		cel.Variable("created_at", cel.TimestampType),
		cel.Variable("tags", cel.ListType(cel.ListType(cel.StringType))),
		cel.Variable("display_name", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &Evaluator{env: env}, nil
}

func (e *Evaluator) ValidateFilterExpression(expression string) error {
	_, err := e.compile(expression)
	return err
}

func (e *Evaluator) compile(expression string) (*cel.Ast, error) {
	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("CEL expression validation failed: %w", issues.Err())
	}

	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("filter expression must return bool, got %v", ast.OutputType())
	}

	return ast, nil
}

// Filter is a compiled expression, safe for concurrent use.
type Filter struct {
	Expression string
	program    cel.Program
}

func (e *Evaluator) CompileFilter(expression string) (*Filter, error) {
	ast, err := e.compile(expression)
	if err != nil {
		return nil, err
	}

	program, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL program: %w", err)
	}

	return &Filter{Expression: expression, program: program}, nil
}

func (f *Filter) Evaluate(ctx context.Context, vars map[string]interface{}) (bool, error) {
	result, _, err := f.program.ContextEval(ctx, vars)
	if err != nil {
		return false, fmt.Errorf("failed to evaluate CEL expression: %w", err)
	}

	boolVal, ok := result.Value().(bool)
	if !ok {
		return false, fmt.Errorf("CEL expression did not return bool, got %T", result.Value())
	}

	return boolVal, nil
}

// PostVars binds ev and displayName to the variables the evaluator declares.
func PostVars(ev *nostr.Event, displayName string) map[string]interface{} {
	tags := make([][]string, 0, len(ev.Tags))
	for _, t := range ev.Tags {
		tags = append(tags, []string(t))
	}

	return map[string]interface{}{
		"id":           ev.ID,
		"author":       ev.PubKey,
		"kind":         int64(ev.Kind),
		"content":      ev.Content,
		"created_at":   ev.CreatedAt.Time(),
		"tags":         tags,
		"display_name": displayName,
	}
}
