// Package ambiguity asks a secondary model whether the latest user turn uses
// indirect phrasing, and turns a confident answer into extra system guidance.
package ambiguity

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/tjfontaine/polyglot-chat-gateway/internal/domain"
	"github.com/tjfontaine/polyglot-chat-gateway/internal/jsonx"
	"github.com/tjfontaine/polyglot-chat-gateway/internal/tenant"
)

const (
	// MinTurns is the shortest conversation worth analysing.
	MinTurns = 3
	// ContextTurns is how many non-system turns are shown to the model.
	ContextTurns = 5
	// AnnotationThreshold is the confidence at which a result changes the prompt.
	AnnotationThreshold = 0.6

	temperature float32 = 0.3
	maxTokens           = 250
)

const instructions = `You analyse conversations for indirect, euphemistic or culturally coded phrasing.
Look only at the latest user message, using earlier turns as context.
Reply with a single JSON object with these fields:
  "detected": true if the latest user message contains an expression whose literal and intended meanings differ,
  "expression": the exact phrase,
  "interpretation": what the user most likely means,
  "confidence": a number between 0 and 1,
  "contextFactors": a list of short reasons drawn from the conversation.
If nothing is indirect, reply {"detected": false}.`

// Detector runs the ambiguous-expression analysis.
type Detector struct {
	completer domain.Completer
	logger    *slog.Logger
}

// NewDetector creates a detector that issues its calls through completer.
func NewDetector(completer domain.Completer, logger *slog.Logger) *Detector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Detector{completer: completer, logger: logger}
}

// ShouldDetect reports whether conv is long enough and has a user turn.
func ShouldDetect(conv domain.Conversation) bool {
	if len(conv) < MinTurns {
		return false
	}
	_, ok := conv.LatestUserTurn()
	return ok
}

// Detect analyses conv. It returns the zero value without calling upstream
// when ShouldDetect is false. A non-nil error always comes with the zero
// value and is informational only.
func (d *Detector) Detect(ctx context.Context, conv domain.Conversation, t *tenant.Tenant) (domain.AmbiguousExpression, error) {
	if !ShouldDetect(conv) {
		return domain.AmbiguousExpression{}, nil
	}
	latest, _ := conv.LatestUserTurn()

	temp := temperature
	req := &domain.CompletionRequest{
		Model: t.API.AmbiguousExpressionModel,
		Messages: domain.Conversation{
			{Role: domain.RoleSystem, Content: instructions},
			{Role: domain.RoleUser, Content: fmt.Sprintf(
				"Conversation:\n%s\n\nLatest user message:\n%s",
				conv.Recent(ContextTurns).Transcript(), latest.Content,
			)},
		},
		Temperature: &temp,
		MaxTokens:   maxTokens,
		JSONObject:  true,
	}

	resp, err := d.completer.Complete(ctx, req)
	if err != nil {
		return domain.AmbiguousExpression{}, fmt.Errorf("ambiguity: completion: %w", err)
	}

	var result domain.AmbiguousExpression
	if err := jsonx.Object(resp.Message.Content, &result); err != nil {
		return domain.AmbiguousExpression{}, fmt.Errorf("ambiguity: parse: %w", err)
	}
	result.Confidence = clamp(result.Confidence)
	if result.ContextFactors == nil {
		result.ContextFactors = []string{}
	}

	d.logger.Debug("ambiguity analysed",
		slog.Bool("detected", result.Detected),
		slog.Float64("confidence", result.Confidence),
	)
	return result, nil
}

// Annotation renders guidance for the system turn. ok is false when the
// result is not detected or below AnnotationThreshold.
func Annotation(r domain.AmbiguousExpression) (text string, ok bool) {
	if !r.Detected || r.Confidence < AnnotationThreshold {
		return "", false
	}

	var b strings.Builder
	b.WriteString("Note: the user's latest message contains an indirect expression.\n")
	fmt.Fprintf(&b, "Expression: %q\n", r.Expression)
	fmt.Fprintf(&b, "Likely meaning: %s\n", r.Interpretation)
	fmt.Fprintf(&b, "Confidence: %d%%\n", int(r.Confidence*100+0.5))
	if len(r.ContextFactors) > 0 {
		fmt.Fprintf(&b, "Context factors: %s\n", strings.Join(r.ContextFactors, "; "))
	}
	b.WriteString("Respond to the intended meaning rather than the literal wording.")
	return b.String(), true
}

func clamp(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
