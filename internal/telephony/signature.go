package telephony

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"net/http"
	"net/url"
	"sort"
	"strings"
)

// SignatureHeader carries Twilio's request signature.
const SignatureHeader = "X-Twilio-Signature"

// Signature computes the expected X-Twilio-Signature for a POST to fullURL
// with form params.
func Signature(authToken, fullURL string, params url.Values) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(fullURL)
	for _, k := range keys {
		for _, v := range params[k] {
			b.WriteString(k)
			b.WriteString(v)
		}
	}

	mac := hmac.New(sha1.New, []byte(authToken))
	mac.Write([]byte(b.String()))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// VerifySignature reports whether signature matches the request.
func VerifySignature(authToken, fullURL string, params url.Values, signature string) bool {
	if authToken == "" || signature == "" {
		return false
	}
	expected := Signature(authToken, fullURL, params)
	return hmac.Equal([]byte(signature), []byte(expected))
}

// VerifyRequest checks a parsed form request.  publicBase replaces the
// scheme and host the request arrived on, since Twilio signs the public URL
// rather than whatever a proxy forwarded.
func VerifyRequest(authToken, publicBase string, r *http.Request) bool {
	full := r.URL.RequestURI()
	if publicBase != "" {
		full = strings.TrimRight(publicBase, "/") + full
	} else {
		scheme := "https"
		if r.TLS == nil && r.Header.Get("X-Forwarded-Proto") == "" {
			scheme = "http"
		} else if p := r.Header.Get("X-Forwarded-Proto"); p != "" {
			scheme = p
		}
		full = scheme + "://" + r.Host + full
	}
	return VerifySignature(authToken, full, r.PostForm, r.Header.Get(SignatureHeader))
}
