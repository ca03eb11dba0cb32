// Package speech turns assistant replies into audio and call recordings
// into text.
package speech

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/polly"
	pollytypes "github.com/aws/aws-sdk-go-v2/service/polly/types"
	"github.com/aws/smithy-go"
)

// ErrEmptyAudio is returned when synthesis succeeds but yields no audio.
var ErrEmptyAudio = errors.New("speech: empty audio")

// Synthesizer renders text as MP3 audio.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) ([]byte, error)
}

type pollyClient interface {
	SynthesizeSpeech(ctx context.Context, params *polly.SynthesizeSpeechInput, optFns ...func(*polly.Options)) (*polly.SynthesizeSpeechOutput, error)
}

// PollyConfig configures Amazon Polly synthesis.
type PollyConfig struct {
	Region  string
	VoiceID string
	Engine  string
	Timeout time.Duration
}

// PollySynthesizer synthesizes speech with Amazon Polly.  The AWS client is
// created on first use so the service can start without credentials.
type PollySynthesizer struct {
	cfg PollyConfig

	mu     sync.Mutex
	client pollyClient
}

// NewPollySynthesizer creates a synthesizer with defaults applied.
func NewPollySynthesizer(cfg PollyConfig) *PollySynthesizer {
	if cfg.VoiceID == "" {
		cfg.VoiceID = "Joanna"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &PollySynthesizer{cfg: cfg}
}

func newPollyWithClient(cfg PollyConfig, client pollyClient) *PollySynthesizer {
	s := NewPollySynthesizer(cfg)
	s.client = client
	return s
}

// Synthesize implements Synthesizer.
func (s *PollySynthesizer) Synthesize(ctx context.Context, text string) ([]byte, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyAudio
	}
	client, err := s.resolveClient(ctx)
	if err != nil {
		return nil, err
	}

	engine := pollytypes.EngineStandard
	if strings.EqualFold(s.cfg.Engine, "neural") {
		engine = pollytypes.EngineNeural
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	out, err := client.SynthesizeSpeech(ctx, &polly.SynthesizeSpeechInput{
		Engine:       engine,
		OutputFormat: pollytypes.OutputFormatMp3,
		Text:         aws.String(text),
		TextType:     pollytypes.TextTypeText,
		VoiceId:      pollytypes.VoiceId(s.cfg.VoiceID),
	})
	if err != nil {
		return nil, classifyPollyError(err)
	}
	if out == nil || out.AudioStream == nil {
		return nil, ErrEmptyAudio
	}
	defer out.AudioStream.Close()

	audio, err := io.ReadAll(out.AudioStream)
	if err != nil {
		return nil, fmt.Errorf("polly: read audio: %w", err)
	}
	if len(audio) == 0 {
		return nil, ErrEmptyAudio
	}
	return audio, nil
}

func classifyPollyError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("polly: timeout: %w", err)
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return fmt.Errorf("polly: %s: %w", apiErr.ErrorCode(), err)
	}
	return fmt.Errorf("polly: %w", err)
}

func (s *PollySynthesizer) resolveClient(ctx context.Context) (pollyClient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.client != nil {
		return s.client, nil
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(s.cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	s.client = polly.NewFromConfig(awsCfg)
	return s.client, nil
}
