package queue

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// SignatureHeader carries the transport-level HMAC over the delivery body,
// letting the invoker authenticate deliveries without the shared bearer
// credential.
const SignatureHeader = "X-Agnxi-Queue-Signature"

// Sign returns the hex HMAC-SHA256 of body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature reports whether sig is a valid signature for body.
func VerifySignature(secret, sig string, body []byte) bool {
	if secret == "" || sig == "" {
		return false
	}
	return hmac.Equal([]byte(Sign(secret, body)), []byte(sig))
}

// Deliverer POSTs dispatch messages to the worker invoker endpoint.
type Deliverer struct {
	InvokeURL string
	Secret    string
	Client    *http.Client
}

func NewDeliverer(invokeURL, secret string) *Deliverer {
	return &Deliverer{
		InvokeURL: invokeURL,
		Secret:    secret,
		Client:    &http.Client{Timeout: 30 * time.Second},
	}
}

// Deliver posts one message. A non-2xx response is an error so the caller
// can retry; the invoker makes duplicate deliveries safe.
func (d *Deliverer) Deliver(ctx context.Context, msg *DispatchMessage) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal dispatch message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.InvokeURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build dispatch request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if d.Secret != "" {
		req.Header.Set("Authorization", "Bearer "+d.Secret)
		req.Header.Set(SignatureHeader, Sign(d.Secret, body))
	}

	resp, err := d.Client.Do(req)
	if err != nil {
		return fmt.Errorf("deliver dispatch %s: %w", msg.ExternalID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("deliver dispatch %s: status %d: %s", msg.ExternalID, resp.StatusCode, snippet)
	}
	return nil
}
