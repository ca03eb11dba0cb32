package speech

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Transcriber converts a call recording into text.  An empty string with a
// nil error means the recording had no speech.
type Transcriber interface {
	Transcribe(ctx context.Context, recordingURL string) (string, error)
}

// DeepgramConfig configures batch transcription.
type DeepgramConfig struct {
	APIKey   string
	Endpoint string
	Model    string
	Language string
	Timeout  time.Duration
}

// DeepgramTranscriber calls Deepgram's prerecorded-audio API.
type DeepgramTranscriber struct {
	cfg  DeepgramConfig
	http *http.Client
}

// NewDeepgramTranscriber creates a transcriber with defaults applied.
func NewDeepgramTranscriber(cfg DeepgramConfig) (*DeepgramTranscriber, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("deepgram: api key is required")
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = "https://api.deepgram.com/v1/listen"
	}
	if cfg.Model == "" {
		cfg.Model = "nova-2"
	}
	if cfg.Language == "" {
		cfg.Language = "en-US"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	return &DeepgramTranscriber{cfg: cfg, http: &http.Client{Timeout: cfg.Timeout}}, nil
}

type deepgramResponse struct {
	Results struct {
		Channels []struct {
			Alternatives []struct {
				Transcript string `json:"transcript"`
				Paragraphs *struct {
					Transcript string `json:"transcript"`
				} `json:"paragraphs"`
			} `json:"alternatives"`
		} `json:"channels"`
	} `json:"results"`
}

// Transcribe implements Transcriber.  The paragraph-formatted transcript is
// preferred over the flat one.
func (d *DeepgramTranscriber) Transcribe(ctx context.Context, recordingURL string) (string, error) {
	if recordingURL == "" {
		return "", errors.New("deepgram: recording url is required")
	}
	q := url.Values{
		"model":      {d.cfg.Model},
		"language":   {d.cfg.Language},
		"punctuate":  {"true"},
		"paragraphs": {"true"},
	}
	body, err := json.Marshal(map[string]string{"url": recordingURL})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.cfg.Endpoint+"?"+q.Encode(), bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Token "+d.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("deepgram: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return "", fmt.Errorf("deepgram: read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("deepgram: API error (%d): %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	var out deepgramResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return "", fmt.Errorf("deepgram: decode response: %w", err)
	}
	if len(out.Results.Channels) == 0 || len(out.Results.Channels[0].Alternatives) == 0 {
		return "", nil
	}
	alt := out.Results.Channels[0].Alternatives[0]
	if alt.Paragraphs != nil && strings.TrimSpace(alt.Paragraphs.Transcript) != "" {
		return strings.TrimSpace(alt.Paragraphs.Transcript), nil
	}
	return strings.TrimSpace(alt.Transcript), nil
}
