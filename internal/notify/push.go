package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"github.com/noah-isme/backend-pawtag/internal/resilience"
)

// PushSender delivers an in-app notification to a user's registered devices.
type PushSender interface {
	Send(ctx context.Context, userID, title, body string) error
}

// HTTPPush posts notifications to an external push relay.
type HTTPPush struct {
	Endpoint string
	APIKey   string
	Client   resilience.HTTPClient
	Log      zerolog.Logger
}

func (p *HTTPPush) Send(ctx context.Context, userID, title, body string) error {
	if p == nil || strings.TrimSpace(p.Endpoint) == "" {
		return errors.New("push relay not configured")
	}
	payload, err := json.Marshal(map[string]string{
		"userId": userID,
		"title":  title,
		"body":   body,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequest(http.MethodPost, p.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if p.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.APIKey)
	}
	resp, err := p.Client.Do(ctx, req)
	if err != nil {
		return fmt.Errorf("push relay: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("push relay: status %d", resp.StatusCode)
	}
	return nil
}

// LogPush writes notifications to the log only. Used where no relay exists.
type LogPush struct {
	Log zerolog.Logger
}

func (p LogPush) Send(_ context.Context, userID, title, _ string) error {
	p.Log.Info().Str("user_id", userID).Str("title", title).Msg("push notification")
	return nil
}
