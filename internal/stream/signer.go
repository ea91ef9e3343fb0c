package stream

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"time"
)

const (
	authMethod = "GET"
	authPath   = "/live"
)

// Sign returns the lowercase hex HMAC-SHA256 of message keyed by secret.
func Sign(secret, message string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(message))
	return hex.EncodeToString(mac.Sum(nil))
}

// SignaturePayload is the string signed for websocket auth.
func SignaturePayload(timestamp string) string {
	return authMethod + timestamp + authPath
}

// NewAuthFrame builds a signed auth frame for the given unix time.
func NewAuthFrame(apiKey, apiSecret string, now time.Time) AuthFrame {
	ts := strconv.FormatInt(now.Unix(), 10)
	return AuthFrame{
		Type: "auth",
		Payload: AuthPayload{
			APIKey:    apiKey,
			Signature: Sign(apiSecret, SignaturePayload(ts)),
			Timestamp: ts,
		},
	}
}
