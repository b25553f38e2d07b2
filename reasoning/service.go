package reasoning

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"text/template"

	"go.uber.org/zap"

	apperrors "works-matcher/errors"
	"works-matcher/matching"
	"works-matcher/prompts"
)

// Backend sends one system+user prompt pair to a model and returns its text.
type Backend interface {
	Complete(ctx context.Context, system, prompt string) (string, error)
	Name() string
}

// Service is the reasoning service consulted for ambiguous candidates.
// It implements matching.Reasoner.
type Service struct {
	backend Backend
	system  string
	prompt  *template.Template
	logger  *zap.Logger
}

var templateFuncs = template.FuncMap{
	"join":    strings.Join,
	"percent": func(v float64) string { return fmt.Sprintf("%.2f%%", v*100) },
}

func NewService(backend Backend, logger *zap.Logger) (*Service, error) {
	tmpl, err := template.New("match_judge").Funcs(templateFuncs).Parse(prompts.MatchJudge())
	if err != nil {
		return nil, fmt.Errorf("failed to parse match prompt: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		backend: backend,
		system:  prompts.MatchJudgeSystem(),
		prompt:  tmpl,
		logger:  logger,
	}, nil
}

// RenderPrompt fills the user prompt for req.
func (s *Service) RenderPrompt(req matching.JudgeRequest) (string, error) {
	var buf bytes.Buffer
	if err := s.prompt.Execute(&buf, req); err != nil {
		return "", fmt.Errorf("render match prompt: %w", err)
	}
	return buf.String(), nil
}

// Judge asks the backend whether the pairing in req is a match.
func (s *Service) Judge(ctx context.Context, req matching.JudgeRequest) (matching.Verdict, error) {
	prompt, err := s.RenderPrompt(req)
	if err != nil {
		return matching.Verdict{}, err
	}

	raw, err := s.backend.Complete(ctx, s.system, prompt)
	if err != nil {
		return matching.Verdict{}, apperrors.Join(apperrors.ErrReasoning, err)
	}

	verdict, err := DecodeVerdict(raw)
	if err != nil {
		s.logger.Warn("Unparsable verdict from reasoning backend",
			zap.String("backend", s.backend.Name()),
			zap.String("usage_title", req.UsageTitle),
			zap.String("work_title", req.WorkTitle),
			zap.Error(err))
		return matching.Verdict{}, err
	}

	s.logger.Debug("Reasoning verdict",
		zap.String("backend", s.backend.Name()),
		zap.String("usage_title", req.UsageTitle),
		zap.String("work_title", req.WorkTitle),
		zap.Bool("is_match", verdict.IsMatch),
		zap.Float64("confidence", verdict.Confidence))
	return verdict, nil
}
