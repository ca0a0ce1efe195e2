package payment

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/warp/kos-engine/core"
)

// =============================================================================
// GATEWAY ADAPTER
// =============================================================================

// SignatureHeader carries the hex HMAC-SHA256 of a callback body.
const SignatureHeader = "X-Callback-Signature"

// Token is what a customer needs to pay one payment.
type Token struct {
	Token       string    `json:"token"`
	RedirectURL string    `json:"redirect_url"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Gateway obtains payable tokens. Settlement arrives later as a Callback.
type Gateway interface {
	CreateToken(ctx context.Context, p core.Payment) (Token, error)
}

// StubGateway issues tokens pointing at a hosted payment page under BaseURL.
// It performs no network calls.
type StubGateway struct {
	BaseURL string
	TTL     time.Duration
	Clock   core.Clock
}

func (g StubGateway) CreateToken(_ context.Context, p core.Payment) (Token, error) {
	base, err := url.Parse(strings.TrimRight(g.BaseURL, "/"))
	if err != nil || base.Scheme == "" {
		return Token{}, fmt.Errorf("invalid gateway base url %q", g.BaseURL)
	}
	now := core.SystemClock
	if g.Clock != nil {
		now = g.Clock
	}
	ttl := g.TTL
	if ttl == 0 {
		ttl = 24 * time.Hour
	}

	tok := strings.ReplaceAll(uuid.NewString(), "-", "")
	u := base.JoinPath("pay", tok)
	q := u.Query()
	q.Set("order_id", string(p.ID))
	q.Set("amount", p.Amount.StringFixed(0))
	u.RawQuery = q.Encode()

	return Token{Token: tok, RedirectURL: u.String(), ExpiresAt: now().Add(ttl)}, nil
}

// Sign returns the hex HMAC-SHA256 of body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a callback signature in constant time.
func VerifySignature(secret string, body []byte, signature string) bool {
	if secret == "" || signature == "" {
		return false
	}
	want, err := hex.DecodeString(Sign(secret, body))
	if err != nil {
		return false
	}
	got, err := hex.DecodeString(strings.TrimSpace(signature))
	if err != nil {
		return false
	}
	return hmac.Equal(want, got)
}
