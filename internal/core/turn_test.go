package core

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"intake-assistant/internal/observability"
	"intake-assistant/pkg"
)

func newProcessor(client *scriptedLLM) *TurnProcessor {
	metrics, tracer := quietDeps()
	return NewTurnProcessor(client, observability.Discard(), metrics, tracer)
}

func TestProcessParsesDecision(t *testing.T) {
	client := &scriptedLLM{replies: []string{`{
		"assistant_say": "Thanks. What's the best phone number for the firm to call you back?",
		"next_state": "contact_phone",
		"updates": {"full_name": "Jane Roe", "callback_number": "(555) 123-4567", "email": null},
		"done": false
	}`}}
	p := newProcessor(client)

	d, err := p.Process(context.Background(), TurnContext{
		Stage:   pkg.StageContactName,
		History: []pkg.Utterance{{Role: pkg.RoleUser, Content: "Jane Roe"}},
	})
	require.NoError(t, err)
	assert.False(t, d.Fallback)
	assert.Equal(t, pkg.StageContactPhone, d.NextState)
	assert.Equal(t, "Jane Roe", pkg.Value(d.Updates.FullName, ""))
	assert.Equal(t, "+15551234567", pkg.Value(d.Updates.CallbackNumber, ""))
	assert.Nil(t, d.Updates.Email)
	assert.False(t, d.Done)
}

func TestProcessMalformedOutputKeepsStage(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"not json", `Sure! Here's my answer.`},
		{"unknown stage", `{"assistant_say": "Hi", "next_state": "LUNCH", "done": false}`},
		{"missing done", `{"assistant_say": "Hi", "next_state": "REASON"}`},
		{"empty say", `{"assistant_say": "   ", "next_state": "REASON", "done": false}`},
		{"wrong type", `{"assistant_say": "Hi", "next_state": "REASON", "done": "no"}`},
		{"bad urgency", `{"assistant_say": "Hi", "next_state": "REASON", "done": false, "updates": {"urgency_level": "extreme"}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newProcessor(&scriptedLLM{replies: []string{tt.raw}})
			d, err := p.Process(context.Background(), TurnContext{Stage: pkg.StageInjury})
			require.NoError(t, err)
			assert.True(t, d.Fallback)
			assert.Equal(t, pkg.StageInjury, d.NextState)
			assert.Equal(t, FallbackReply, d.AssistantSay)
			assert.True(t, d.Updates.IsEmpty())
			assert.False(t, d.Done)
		})
	}
}

func TestProcessTransportErrorIsReturned(t *testing.T) {
	p := newProcessor(&scriptedLLM{chatErr: errors.New("connection reset")})
	_, err := p.Process(context.Background(), TurnContext{Stage: pkg.StageReason})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")
}

func TestProcessEmergencyForcesTerminalStage(t *testing.T) {
	p := newProcessor(&scriptedLLM{replies: []string{`{
		"assistant_say": "If you're in immediate danger or need urgent medical help, please call 911 right now.",
		"next_state": "INJURY",
		"updates": {"emergency_redirected": true},
		"done": false
	}`}})
	d, err := p.Process(context.Background(), TurnContext{
		Stage:   pkg.StageInjury,
		History: []pkg.Utterance{{Role: pkg.RoleUser, Content: "I'm bleeding and need help now"}},
	})
	require.NoError(t, err)
	assert.Equal(t, pkg.StageEmergency, d.NextState)
	assert.True(t, d.Done)
	assert.Equal(t, pkg.UrgencyEmergencyRedirected, d.Updates.Classify())
	assert.Contains(t, d.AssistantSay, "911")
}

func TestBuildTurnMessages(t *testing.T) {
	msgs := buildTurnMessages(TurnContext{
		Stage:         pkg.StageConfirm,
		Filled:        pkg.IntakeData{FullName: pkg.String("Jane Roe")},
		FirmName:      "Smith & Jones",
		KnowledgeBase: "Office hours are 9 to 5.",
	})
	require.Len(t, msgs, 3)
	assert.Equal(t, "system", msgs[0].Role)
	assert.Contains(t, msgs[0].Content, "Firm name: Smith & Jones")
	assert.Contains(t, msgs[1].Content, "Current state: CONFIRM")
	assert.Contains(t, msgs[1].Content, `"full_name":"Jane Roe"`)
	assert.Contains(t, msgs[1].Content, "Office hours are 9 to 5.")
	assert.Equal(t, "user", msgs[2].Role)
	assert.Equal(t, "Hello", msgs[2].Content)

	msgs = buildTurnMessages(TurnContext{
		Stage: pkg.StageReason,
		History: []pkg.Utterance{
			{Role: pkg.RoleAssistant, Content: "What are you calling about?"},
			{Role: pkg.RoleUser, Content: "A dog bite."},
		},
	})
	require.Len(t, msgs, 4)
	assert.Equal(t, "assistant", msgs[2].Role)
	assert.Equal(t, "A dog bite.", msgs[3].Content)
	assert.NotContains(t, msgs[0].Content, "Firm name:")
}

func TestNormalizePhone(t *testing.T) {
	tests := []struct{ in, want string }{
		{"555-123-4567", "+15551234567"},
		{"1 (555) 123-4567", "+15551234567"},
		{"+44 20 7946 0958", "+442079460958"},
		{"+15551234567", "+15551234567"},
		{"unknown", "unknown"},
		{"call me at work", "call me at work"},
		{"12345", "12345"},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, NormalizePhone(tt.in), tt.in)
	}
}

func TestClosingScriptAndGreeting(t *testing.T) {
	assert.Contains(t, ClosingScript("Smith & Jones"), "Someone from Smith & Jones will review it")
	assert.Contains(t, ClosingScript(""), "Someone from the firm will review it")
	assert.Contains(t, ClosingScript("x"), "911")
	assert.Contains(t, ClosingScript("x"), "one business day")

	firm := &pkg.Firm{Name: "Acme Law"}
	assert.Contains(t, Greeting(firm), "Thank you for calling Acme Law.")
	firm.GreetingCustom = pkg.String("You've reached {FIRM_NAME}'s intake line.")
	assert.Equal(t, "You've reached Acme Law's intake line.", Greeting(firm))
	assert.Contains(t, Greeting(nil), "the firm")
}
