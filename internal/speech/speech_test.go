package speech

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/polly"
	"github.com/aws/smithy-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"intake-assistant/internal/observability"
)

type countingSynth struct {
	calls atomic.Int32
	delay time.Duration
	err   error
}

func (s *countingSynth) Synthesize(_ context.Context, text string) ([]byte, error) {
	s.calls.Add(1)
	time.Sleep(s.delay)
	if s.err != nil {
		return nil, s.err
	}
	return []byte("mp3:" + text), nil
}

func TestCacheSharesNormalizedPhrases(t *testing.T) {
	synth := &countingSynth{}
	c := NewCache(synth, 10, nil)
	ctx := context.Background()

	k1, err := c.Synthesize(ctx, "Hello  World")
	require.NoError(t, err)
	k2, err := c.Synthesize(ctx, "  hello world ")
	require.NoError(t, err)

	assert.Equal(t, k1, k2)
	assert.EqualValues(t, 1, synth.calls.Load())
	audio, ok := c.Get(k1)
	require.True(t, ok)
	assert.Equal(t, "mp3:Hello  World", string(audio))
	assert.Equal(t, "/api/audio/"+k1+".mp3", AudioPath(k1))
}

func TestCacheCollapsesConcurrentMisses(t *testing.T) {
	synth := &countingSynth{delay: 20 * time.Millisecond}
	c := NewCache(synth, 10, nil)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Synthesize(context.Background(), "One moment.")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, synth.calls.Load())
}

func TestCacheEvictsOldest(t *testing.T) {
	c := NewCache(&countingSynth{}, 2, nil)
	ctx := context.Background()
	a, _ := c.Synthesize(ctx, "a")
	b, _ := c.Synthesize(ctx, "b")
	d, _ := c.Synthesize(ctx, "d")

	_, ok := c.Get(a)
	assert.False(t, ok)
	_, ok = c.Get(b)
	assert.True(t, ok)
	_, ok = c.Get(d)
	assert.True(t, ok)
	assert.Equal(t, 2, c.Len())
}

func TestCacheErrorIsNotCached(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := observability.NewMetrics(reg)
	synth := &countingSynth{err: errors.New("throttled")}
	c := NewCache(synth, 10, m)

	_, err := c.Synthesize(context.Background(), "Got it.")
	require.Error(t, err)
	assert.Equal(t, 0, c.Len())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TTSRequests.WithLabelValues("error")))

	synth.err = nil
	require.NoError(t, c.Prewarm(context.Background(), "Got it.", "Okay."))
	assert.Equal(t, 2, c.Len())
}

func TestFormatTextWithPhoneNumbers(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"Call +1 (555) 123-4567 now.", "Call plus one, five, five, five, one, two, three, four, five, six, seven now."},
		{"My number is 555-123-4567", "My number is five, five, five, one, two, three, four, five, six, seven"},
		{"+15551234567", "plus one, five, five, five, one, two, three, four, five, six, seven"},
		{"No digits here, only 42.", "No digits here, only 42."},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, FormatTextWithPhoneNumbers(tt.in), tt.in)
	}
}

type fakePolly struct {
	input *polly.SynthesizeSpeechInput
	audio string
	err   error
}

func (f *fakePolly) SynthesizeSpeech(_ context.Context, in *polly.SynthesizeSpeechInput, _ ...func(*polly.Options)) (*polly.SynthesizeSpeechOutput, error) {
	f.input = in
	if f.err != nil {
		return nil, f.err
	}
	return &polly.SynthesizeSpeechOutput{AudioStream: io.NopCloser(strings.NewReader(f.audio))}, nil
}

func TestPollySynthesizer(t *testing.T) {
	fake := &fakePolly{audio: "ID3"}
	s := newPollyWithClient(PollyConfig{Engine: "neural"}, fake)

	audio, err := s.Synthesize(context.Background(), "Hello")
	require.NoError(t, err)
	assert.Equal(t, "ID3", string(audio))
	assert.Equal(t, "Joanna", string(fake.input.VoiceId))
	assert.Equal(t, "neural", string(fake.input.Engine))
	assert.Equal(t, "mp3", string(fake.input.OutputFormat))

	_, err = s.Synthesize(context.Background(), "  ")
	assert.ErrorIs(t, err, ErrEmptyAudio)

	fake.audio = ""
	_, err = s.Synthesize(context.Background(), "Hello")
	assert.ErrorIs(t, err, ErrEmptyAudio)
}

func TestPollySynthesizerAPIError(t *testing.T) {
	fake := &fakePolly{err: &smithy.GenericAPIError{Code: "TooManyRequestsException", Message: "slow down"}}
	s := newPollyWithClient(PollyConfig{}, fake)
	_, err := s.Synthesize(context.Background(), "Hello")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "TooManyRequestsException")
}

func TestDeepgramPrefersParagraphs(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Token dg-key", r.Header.Get("Authorization"))
		assert.Equal(t, "nova-2", r.URL.Query().Get("model"))
		assert.Equal(t, "true", r.URL.Query().Get("paragraphs"))
		body, _ := io.ReadAll(r.Body)
		assert.JSONEq(t, `{"url":"https://rec.test/a.mp3"}`, string(body))
		w.Write([]byte(`{"results":{"channels":[{"alternatives":[{"transcript":"flat","paragraphs":{"transcript":"\nSpeaker 0: hello\n"}}]}]}}`))
	}))
	defer srv.Close()

	d, err := NewDeepgramTranscriber(DeepgramConfig{APIKey: "dg-key", Endpoint: srv.URL})
	require.NoError(t, err)
	text, err := d.Transcribe(context.Background(), "https://rec.test/a.mp3")
	require.NoError(t, err)
	assert.Equal(t, "Speaker 0: hello", text)
}

func TestDeepgramFallbacks(t *testing.T) {
	responses := []string{
		`{"results":{"channels":[{"alternatives":[{"transcript":"flat only"}]}]}}`,
		`{"results":{"channels":[]}}`,
	}
	var n atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		i := int(n.Add(1)) - 1
		if i >= len(responses) {
			http.Error(w, "bad audio", http.StatusBadRequest)
			return
		}
		w.Write([]byte(responses[i]))
	}))
	defer srv.Close()

	d, err := NewDeepgramTranscriber(DeepgramConfig{APIKey: "k", Endpoint: srv.URL})
	require.NoError(t, err)
	ctx := context.Background()

	text, err := d.Transcribe(ctx, "u")
	require.NoError(t, err)
	assert.Equal(t, "flat only", text)

	text, err = d.Transcribe(ctx, "u")
	require.NoError(t, err)
	assert.Empty(t, text)

	_, err = d.Transcribe(ctx, "u")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")

	_, err = NewDeepgramTranscriber(DeepgramConfig{})
	assert.Error(t, err)
}
