package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"intake-assistant/internal/llm"
	"intake-assistant/internal/observability"
	"intake-assistant/pkg"
)

// ErrMalformedOutput marks model output that could not be used as a turn
// decision.
var ErrMalformedOutput = errors.New("malformed turn output")

// TurnContext is everything the model sees for one turn.  History is the
// full conversation so far, ending with the caller's latest utterance when
// there was one.
type TurnContext struct {
	Stage         pkg.Stage
	Filled        pkg.IntakeData
	History       []pkg.Utterance
	FirmName      string
	KnowledgeBase string
}

// Decision is the processor's output for one turn.  Fallback is set when the
// model output was unusable and the fixed apology was substituted.
type Decision struct {
	pkg.AgentResponse
	Fallback bool
}

// TurnProcessor turns conversation context into the next conversational
// move by asking the language model for a strict JSON decision.
type TurnProcessor struct {
	LLM     llm.Client
	Logger  *slog.Logger
	Metrics *observability.Metrics
	Tracer  *observability.Tracer
}

// NewTurnProcessor constructs a TurnProcessor.  Nil logger and metrics are
// replaced with no-op implementations.
func NewTurnProcessor(client llm.Client, logger *slog.Logger, metrics *observability.Metrics, tracer *observability.Tracer) *TurnProcessor {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = observability.NopMetrics()
	}
	return &TurnProcessor{LLM: client, Logger: logger, Metrics: metrics, Tracer: tracer}
}

// Process asks the model for the next move.  Transport errors are returned;
// unusable output yields a fail-soft Decision that keeps the caller on the
// same stage with no updates.
func (p *TurnProcessor) Process(ctx context.Context, tc TurnContext) (Decision, error) {
	ctx, span := p.Tracer.Start(ctx, "turn.process", attribute.String("intake.stage", string(tc.Stage)))
	defer span.End()

	raw, err := p.LLM.Chat(ctx, buildTurnMessages(tc))
	if err != nil {
		p.Metrics.LLMRequests.WithLabelValues("turn", "error").Inc()
		observability.RecordError(span, err)
		return Decision{}, fmt.Errorf("turn model: %w", err)
	}
	p.Metrics.LLMRequests.WithLabelValues("turn", "success").Inc()

	resp, err := parseTurnOutput(raw)
	if err != nil {
		p.Logger.WarnContext(ctx, "unusable turn output, keeping stage",
			"stage", tc.Stage, "error", err)
		p.Logger.DebugContext(ctx, "raw turn output", "raw", raw)
		return fallbackDecision(tc.Stage), nil
	}
	return Decision{AgentResponse: resp}, nil
}

func fallbackDecision(stage pkg.Stage) Decision {
	if !stage.Valid() {
		stage = pkg.StageStart
	}
	return Decision{
		AgentResponse: pkg.AgentResponse{
			AssistantSay: FallbackReply,
			NextState:    stage,
		},
		Fallback: true,
	}
}

func buildTurnMessages(tc TurnContext) []llm.Message {
	firmContext := ""
	if tc.FirmName != "" {
		firmContext = "\n\nFirm name: " + tc.FirmName
	}

	var state strings.Builder
	fmt.Fprintf(&state, "Current state: %s\n", tc.Stage)
	fmt.Fprintf(&state, "State description: %s\n", StateDescriptions[tc.Stage])
	fmt.Fprintf(&state, "Fields collected so far: %s", pkg.IntakeJSON(tc.Filled))
	state.WriteString(firmContext)
	if kb := strings.TrimSpace(tc.KnowledgeBase); kb != "" {
		state.WriteString("\n\nFirm information you may share if asked (never legal advice):\n" + kb)
	}

	msgs := make([]llm.Message, 0, len(tc.History)+3)
	msgs = append(msgs,
		llm.Message{Role: "system", Content: SystemPrompt + "\n\n" + DeveloperInstructions + firmContext},
		llm.Message{Role: "system", Content: state.String()},
	)
	for _, u := range tc.History {
		msgs = append(msgs, llm.Message{Role: string(u.Role), Content: u.Content})
	}
	if n := len(tc.History); n == 0 || tc.History[n-1].Role != pkg.RoleUser {
		msgs = append(msgs, llm.Message{Role: "user", Content: emptyUtterance})
	}
	return msgs
}

type turnOutput struct {
	AssistantSay string          `json:"assistant_say"`
	NextState    string          `json:"next_state"`
	Updates      *pkg.IntakeData `json:"updates"`
	Done         bool            `json:"done"`
}

// parseTurnOutput validates and normalizes one model response.
func parseTurnOutput(raw string) (pkg.AgentResponse, error) {
	var out turnOutput
	if err := validateOutput(turnSchema, raw, &out); err != nil {
		return pkg.AgentResponse{}, fmt.Errorf("%w: %v", ErrMalformedOutput, err)
	}
	stage, err := pkg.ParseStage(out.NextState)
	if err != nil {
		return pkg.AgentResponse{}, fmt.Errorf("%w: %v", ErrMalformedOutput, err)
	}
	say := strings.TrimSpace(out.AssistantSay)
	if say == "" {
		return pkg.AgentResponse{}, fmt.Errorf("%w: empty assistant_say", ErrMalformedOutput)
	}

	resp := pkg.AgentResponse{AssistantSay: say, NextState: stage, Done: out.Done}
	if out.Updates != nil {
		resp.Updates = *out.Updates
	}
	if resp.Updates.CallbackNumber != nil {
		resp.Updates.CallbackNumber = pkg.String(NormalizePhone(*resp.Updates.CallbackNumber))
	}
	if resp.Updates.EmergencyRedirected != nil && *resp.Updates.EmergencyRedirected {
		resp.NextState = pkg.StageEmergency
		resp.Done = true
	}
	return resp, nil
}

// NormalizePhone converts US numbers and explicit international numbers to
// E.164.  Anything else, including "unknown", is returned unchanged.
func NormalizePhone(raw string) string {
	v := strings.TrimSpace(raw)
	if v == "" || strings.EqualFold(v, pkg.Unknown) {
		return v
	}
	digits := make([]byte, 0, len(v))
	for i := 0; i < len(v); i++ {
		c := v[i]
		switch {
		case c >= '0' && c <= '9':
			digits = append(digits, c)
		case c == ' ' || c == '-' || c == '(' || c == ')' || c == '.' || c == '+':
		default:
			return v
		}
	}
	switch {
	case strings.HasPrefix(v, "+") && len(digits) >= 8 && len(digits) <= 15:
		return "+" + string(digits)
	case len(digits) == 10:
		return "+1" + string(digits)
	case len(digits) == 11 && digits[0] == '1':
		return "+" + string(digits)
	default:
		return v
	}
}

// marshalForPrompt renders v as indented JSON for inclusion in a prompt.
func marshalForPrompt(v any) string {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "{}"
	}
	return string(b)
}
