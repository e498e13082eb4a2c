package notify

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/akmatori/alertflow/internal/database"
)

// Headers sent with every webhook delivery
const (
	HeaderIdempotencyKey = "X-Idempotency-Key"
	HeaderSignature      = "Authorization"
)

// WebhookClaims is the signed token sent with each delivery
type WebhookClaims struct {
	IdempotencyKey string `json:"idempotency_key"`
	EventType      string `json:"event_type"`
	BodySHA256     string `json:"body_sha256"`
	jwt.RegisteredClaims
}

// Webhook POSTs rendered payloads to one URL
type Webhook struct {
	url    string
	secret []byte
	ttl    time.Duration
	client *http.Client
	now    func() time.Time
}

// NewWebhook creates the WEBHOOK channel
func NewWebhook(url, secret string) *Webhook {
	return &Webhook{
		url:    url,
		secret: []byte(secret),
		ttl:    5 * time.Minute,
		client: &http.Client{Timeout: 15 * time.Second},
		now:    time.Now,
	}
}

func (w *Webhook) Name() database.Channel { return database.ChannelWebhook }

// Sign returns the HS256 token for one payload
func (w *Webhook) Sign(p Payload) (string, error) {
	sum := sha256.Sum256([]byte(p.Body))
	now := w.now()
	claims := WebhookClaims{
		IdempotencyKey: p.IdempotencyKey(),
		EventType:      p.EventType,
		BodySHA256:     hex.EncodeToString(sum[:]),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "alertflow",
			Subject:   p.TargetID,
			ID:        p.AttemptID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(w.ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(w.secret)
}

// VerifyWebhook checks a delivery signature against body and returns its claims
func VerifyWebhook(token string, body []byte, secret string) (*WebhookClaims, error) {
	claims := &WebhookClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil || !parsed.Valid {
		return nil, fmt.Errorf("invalid webhook signature: %w", err)
	}
	sum := sha256.Sum256(body)
	if claims.BodySHA256 != hex.EncodeToString(sum[:]) {
		return nil, fmt.Errorf("webhook body does not match its signature")
	}
	return claims, nil
}

func (w *Webhook) Send(ctx context.Context, p Payload) error {
	if w.url == "" {
		return fmt.Errorf("webhook channel has no url")
	}
	token, err := w.Sign(p)
	if err != nil {
		return fmt.Errorf("sign webhook: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader([]byte(p.Body)))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderIdempotencyKey, p.IdempotencyKey())
	req.Header.Set(HeaderSignature, "Bearer "+token)

	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return fmt.Errorf("webhook returned %d: %s", resp.StatusCode, bytes.TrimSpace(snippet))
	}
	return nil
}
