package core

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"intake-assistant/internal/llm"
	"intake-assistant/internal/observability"
	"intake-assistant/pkg"
)

// Summarizer produces the attorney-facing summary of a finished call from
// its transcript and intake snapshot.
type Summarizer struct {
	LLM     llm.Client
	Logger  *slog.Logger
	Metrics *observability.Metrics
	Tracer  *observability.Tracer
}

// NewSummarizer constructs a summariser.
func NewSummarizer(client llm.Client, logger *slog.Logger, metrics *observability.Metrics, tracer *observability.Tracer) *Summarizer {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = observability.NopMetrics()
	}
	return &Summarizer{LLM: client, Logger: logger, Metrics: metrics, Tracer: tracer}
}

// Summarize asks the model for a structured summary.  On any failure the
// deterministic FallbackSummary is returned together with the error, so
// callers can always continue.  The summary's urgency is never less severe
// than urgency.
func (s *Summarizer) Summarize(ctx context.Context, transcript string, intake pkg.IntakeData, urgency pkg.Urgency) (*pkg.SummaryData, error) {
	ctx, span := s.Tracer.Start(ctx, "finalize.summarize")
	defer span.End()

	summary, err := s.summarize(ctx, transcript, intake)
	if err != nil {
		observability.RecordError(span, err)
		fb := FallbackSummary(intake, urgency)
		return fb, err
	}
	summary.UrgencyLevel = pkg.MaxUrgency(pkg.MaxUrgency(summary.UrgencyLevel, intake.Classify()), urgency)
	return summary, nil
}

func (s *Summarizer) summarize(ctx context.Context, transcript string, intake pkg.IntakeData) (*pkg.SummaryData, error) {
	if s.LLM == nil {
		return nil, fmt.Errorf("summarizer has no model client")
	}
	prompt := SummaryInstruction +
		"\n\nTranscript:\n" + transcript +
		"\n\nIntake Data:\n" + marshalForPrompt(intake)

	raw, err := s.LLM.Summarize(ctx, []llm.Message{
		{Role: "system", Content: SummarySystemPrompt},
		{Role: "user", Content: prompt},
	})
	if err != nil {
		s.Metrics.LLMRequests.WithLabelValues("summary", "error").Inc()
		return nil, fmt.Errorf("summary model: %w", err)
	}
	s.Metrics.LLMRequests.WithLabelValues("summary", "success").Inc()

	var out pkg.SummaryData
	if err := validateOutput(summarySchema, raw, &out); err != nil {
		return nil, fmt.Errorf("%w: summary: %v", ErrMalformedOutput, err)
	}
	out.Title = strings.TrimSpace(out.Title)
	if out.ActionItems == nil {
		out.ActionItems = []string{}
	}
	return &out, nil
}

// FallbackSummary derives a minimal summary from the intake fields alone.
func FallbackSummary(intake pkg.IntakeData, urgency pkg.Urgency) *pkg.SummaryData {
	name := pkg.Value(intake.FullName, "Unknown")
	return &pkg.SummaryData{
		Title: "Intake Call - " + name,
		SummaryBullets: []string{
			"Caller: " + name,
			"Reason: " + pkg.Value(intake.ReasonForCall, "Not specified"),
			"Incident: " + pkg.Value(intake.IncidentDateOrTimeframe, "Not specified"),
		},
		KeyFacts: pkg.KeyFacts{
			IncidentDate: intake.IncidentDateOrTimeframe,
			Location:     intake.IncidentLocation,
			Injuries:     intake.InjuryDescription,
			Treatment:    intake.MedicalTreatmentReceived,
			Insurance:    intake.InsuranceInvolved,
		},
		ActionItems:            []string{"Review intake details", "Follow up with caller"},
		UrgencyLevel:           pkg.MaxUrgency(intake.Classify(), urgency),
		FollowUpRecommendation: "Standard follow-up recommended",
	}
}
