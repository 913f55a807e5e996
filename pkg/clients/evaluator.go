package clients

import (
	"context"
	"errors"
	"net/http"

	"github.com/cahmitti123/ai-audit-backend-sub001/pkg/engine"
	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// EvaluatorClient calls the step analysis service. It implements engine.Evaluator.
type EvaluatorClient struct {
	c *client
}

// NewEvaluatorClient creates an evaluator client.
func NewEvaluatorClient(opts Options) (*EvaluatorClient, error) {
	c, err := newClient(opts, "evaluator-client")
	if err != nil {
		return nil, err
	}
	return &EvaluatorClient{c: c}, nil
}

// Evaluate posts the request to /evaluate. Responses that do not match the
// analysis schema are permanent failures.
func (e *EvaluatorClient) Evaluate(ctx context.Context, req engine.EvaluationRequest) (*engine.Analysis, error) {
	var analysis engine.Analysis
	err := e.c.do(ctx, http.MethodPost, "/evaluate", req, &analysis)
	if isNotFound(err) {
		return nil, engine.NewPermanentError("evaluator endpoint not found", err).
			WithCode(engine.ErrCodeEvaluatorFailed).
			WithResource(req.RunID)
	}
	if err != nil {
		var ee *engine.EngineError
		if errors.As(err, &ee) && ee.Class == engine.ErrorClassPermanent && ee.Code == engine.ErrCodeDependencyFailed {
			ee.Code = engine.ErrCodeEvaluatorFailed
		}
		return nil, err
	}
	if err := validate.Struct(&analysis); err != nil {
		return nil, engine.NewPermanentError("evaluator output failed validation", err).
			WithCode(engine.ErrCodeEvaluatorFailed).
			WithResource(req.RunID)
	}
	return &analysis, nil
}
