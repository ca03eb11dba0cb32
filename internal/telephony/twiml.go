// Package telephony speaks Twilio: TwiML responses, webhook signature
// checks and the few REST calls the call flow needs.
package telephony

import (
	"encoding/xml"
)

// ContentType is the media type of TwiML responses.
const ContentType = "text/xml; charset=utf-8"

// Response is a TwiML document under construction.  Verbs run in order.
type Response struct {
	XMLName xml.Name `xml:"Response"`
	Verbs   []any
}

// Say speaks text with the provider's built-in voice.
type Say struct {
	XMLName  xml.Name `xml:"Say"`
	Voice    string   `xml:"voice,attr,omitempty"`
	Language string   `xml:"language,attr,omitempty"`
	Text     string   `xml:",chardata"`
}

// Play streams audio from a URL.
type Play struct {
	XMLName xml.Name `xml:"Play"`
	URL     string   `xml:",chardata"`
}

// Gather collects caller speech and posts it to Action.  Nested verbs play
// while listening.
type Gather struct {
	XMLName       xml.Name `xml:"Gather"`
	Input         string   `xml:"input,attr"`
	Action        string   `xml:"action,attr"`
	Method        string   `xml:"method,attr"`
	SpeechTimeout string   `xml:"speechTimeout,attr,omitempty"`
	Language      string   `xml:"language,attr,omitempty"`
	Verbs         []any
}

// Hangup ends the call.
type Hangup struct {
	XMLName xml.Name `xml:"Hangup"`
}

// Pause waits Length seconds.
type Pause struct {
	XMLName xml.Name `xml:"Pause"`
	Length  int      `xml:"length,attr,omitempty"`
}

// NewResponse starts an empty TwiML response.
func NewResponse() *Response { return &Response{} }

// Say appends a Say verb.
func (r *Response) Say(voice, language, text string) *Response {
	r.Verbs = append(r.Verbs, Say{Voice: voice, Language: language, Text: text})
	return r
}

// Play appends a Play verb.
func (r *Response) Play(url string) *Response {
	r.Verbs = append(r.Verbs, Play{URL: url})
	return r
}

// Gather appends a speech Gather posting to action.
func (r *Response) Gather(action, language string, nested ...any) *Response {
	r.Verbs = append(r.Verbs, Gather{
		Input:         "speech",
		Action:        action,
		Method:        "POST",
		SpeechTimeout: "auto",
		Language:      language,
		Verbs:         nested,
	})
	return r
}

// Pause appends a Pause verb.
func (r *Response) Pause(seconds int) *Response {
	r.Verbs = append(r.Verbs, Pause{Length: seconds})
	return r
}

// Hangup appends a Hangup verb.
func (r *Response) Hangup() *Response {
	r.Verbs = append(r.Verbs, Hangup{})
	return r
}

// Bytes renders the document with the XML declaration.
func (r *Response) Bytes() ([]byte, error) {
	body, err := xml.Marshal(r)
	if err != nil {
		return nil, err
	}
	return append([]byte(xml.Header), body...), nil
}

// String renders the document, or an empty response if rendering fails.
func (r *Response) String() string {
	b, err := r.Bytes()
	if err != nil {
		return xml.Header + "<Response></Response>"
	}
	return string(b)
}
