// Package filtering decides which enriched posts reach the feed.
package filtering

import (
	"context"
	"fmt"
	"strings"

	"github.com/nbd-wtf/go-nostr"

	"kapestr/internal/config"
	"kapestr/internal/constants"
	"kapestr/internal/logger"
	"kapestr/pkg/cel"
	"kapestr/pkg/metrics"
)

// Service applies every configured expression; a post is accepted only when
// all of them hold.
type Service struct {
	filters []*cel.Filter
	onError string
	logger  logger.Logger
}

func NewService(cfg config.FilteringConfig, log logger.Logger) (*Service, error) {
	evaluator, err := cel.NewEvaluator()
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL evaluator: %w", err)
	}

	filters := make([]*cel.Filter, 0, len(cfg.Expressions))
	for i, expr := range cfg.Expressions {
		f, err := evaluator.CompileFilter(expr)
		if err != nil {
			return nil, fmt.Errorf("filtering.expressions[%d]: %w", i, err)
		}
		filters = append(filters, f)
	}

	onError := strings.ToLower(cfg.Fallback.OnError)
	if onError == "" {
		onError = constants.FallbackAllow
	}

	return &Service{
		filters: filters,
		onError: onError,
		logger:  log,
	}, nil
}

func (s *Service) Len() int {
	return len(s.filters)
}

func (s *Service) Allow(ctx context.Context, ev *nostr.Event, displayName string) bool {
	if len(s.filters) == 0 {
		return true
	}

	vars := cel.PostVars(ev, displayName)
	for _, f := range s.filters {
		ok, err := f.Evaluate(ctx, vars)
		if err != nil {
			if s.handleEvaluationError(ctx, f, err) {
				continue
			}
			metrics.IncFilteringEvaluation("error_denied")
			return false
		}
		if !ok {
			metrics.IncFilteringEvaluation("filtered")
			s.logger.DebugwCtx(ctx, "Post filtered", "expression", f.Expression)
			return false
		}
	}

	metrics.IncFilteringEvaluation("passed")
	return true
}

// handleEvaluationError reports whether evaluation may continue.
func (s *Service) handleEvaluationError(ctx context.Context, f *cel.Filter, err error) bool {
	if s.onError == constants.FallbackDeny {
		metrics.IncFallbackUsage("filtering", "deny_on_error", "evaluation_error")
		s.logger.WarnwCtx(ctx, "Evaluation error, denying post (fallback: deny)",
			"expression", f.Expression,
			"error", err,
		)
		return false
	}

	metrics.IncFallbackUsage("filtering", "allow_on_error", "evaluation_error")
	s.logger.WarnwCtx(ctx, "Evaluation error, skipping expression (fallback: allow)",
		"expression", f.Expression,
		"error", err,
	)
	return true
}
