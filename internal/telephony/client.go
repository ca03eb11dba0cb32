package telephony

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

const apiHost = "https://api.twilio.com"

// Client makes authenticated calls to the Twilio REST API.
type Client struct {
	accountSID string
	authToken  string
	baseURL    string
	http       *http.Client
}

// NewClient creates a REST client.
func NewClient(accountSID, authToken string) (*Client, error) {
	if accountSID == "" {
		return nil, errors.New("twilio: account SID is required")
	}
	if authToken == "" {
		return nil, errors.New("twilio: auth token is required")
	}
	return &Client{
		accountSID: accountSID,
		authToken:  authToken,
		baseURL:    fmt.Sprintf("%s/2010-04-01/Accounts/%s", apiHost, accountSID),
		http:       &http.Client{Timeout: 30 * time.Second},
	}, nil
}

// SetBaseURL points the client at another API root.  Used in tests.
func (c *Client) SetBaseURL(u string) { c.baseURL = strings.TrimRight(u, "/") }

// StartRecording begins recording an in-progress call.  Twilio posts to
// callbackURL when the recording is ready.
func (c *Client) StartRecording(ctx context.Context, callSid, callbackURL string) error {
	params := url.Values{}
	if callbackURL != "" {
		params.Set("RecordingStatusCallback", callbackURL)
		params.Set("RecordingStatusCallbackMethod", "POST")
	}
	_, err := c.apiRequest(ctx, http.MethodPost, "/Calls/"+url.PathEscape(callSid)+"/Recordings.json", params)
	return err
}

// LatestRecordingURL returns the MP3 URL of the call's most recent
// recording, or "" when the call has none.
func (c *Client) LatestRecordingURL(ctx context.Context, callSid string) (string, error) {
	q := url.Values{"CallSid": {callSid}, "PageSize": {"1"}}
	body, err := c.apiRequest(ctx, http.MethodGet, "/Recordings.json?"+q.Encode(), nil)
	if err != nil {
		return "", err
	}
	var page struct {
		Recordings []struct {
			URI string `json:"uri"`
		} `json:"recordings"`
	}
	if err := json.Unmarshal(body, &page); err != nil {
		return "", fmt.Errorf("twilio: decode recordings: %w", err)
	}
	if len(page.Recordings) == 0 || page.Recordings[0].URI == "" {
		return "", nil
	}
	return apiHost + strings.TrimSuffix(page.Recordings[0].URI, ".json") + ".mp3", nil
}

// apiRequest makes an authenticated request to the Twilio API.
func (c *Client) apiRequest(ctx context.Context, method, endpoint string, params url.Values) ([]byte, error) {
	var body io.Reader
	if params != nil {
		body = bytes.NewBufferString(params.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, body)
	if err != nil {
		return nil, err
	}
	req.SetBasicAuth(c.accountSID, c.authToken)
	if params != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, (1<<20)+1))
	if err != nil {
		return nil, err
	}
	if len(data) > 1<<20 {
		return nil, fmt.Errorf("twilio: response too large (%d bytes)", len(data))
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("twilio: API error (%d): %s", resp.StatusCode, string(data))
	}
	return data, nil
}
