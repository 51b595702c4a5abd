package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/pkg/errors"
)

const sendGridEndpoint = "https://api.sendgrid.com/v3/mail/send"

// Mailer delivers unlock notifications through the SendGrid v3 mail API.
type Mailer struct {
	apiKey   string
	fromAddr string
	endpoint string
	client   *http.Client
}

func NewMailer(apiKey, fromAddr string) *Mailer {
	return &Mailer{
		apiKey:   apiKey,
		fromAddr: fromAddr,
		endpoint: sendGridEndpoint,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// SetEndpoint overrides the mail API URL, for pointing at a local stub.
func (m *Mailer) SetEndpoint(url string) {
	m.endpoint = url
}

type sendGridAddress struct {
	Email string `json:"email"`
}
type sendGridPersonalization struct {
	To []sendGridAddress `json:"to"`
}
type sendGridContent struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}
type sendGridPayload struct {
	Personalizations []sendGridPersonalization `json:"personalizations"`
	From             sendGridAddress           `json:"from"`
	Subject          string                    `json:"subject"`
	Content          []sendGridContent         `json:"content"`
}

// SendUnlockNotice tells a recipient that a capsule addressed to them is now
// open. The share link carries the token; the body never includes content.
func (m *Mailer) SendUnlockNotice(ctx context.Context, recipient, title, shareURL string) error {
	body := fmt.Sprintf(
		"A time capsule is ready for you.\n\n%q has reached its unlock date. Open it here:\n\n%s\n",
		title, shareURL,
	)
	payload := sendGridPayload{
		Personalizations: []sendGridPersonalization{
			{To: []sendGridAddress{{Email: recipient}}},
		},
		From:    sendGridAddress{Email: m.fromAddr},
		Subject: "Your time capsule has unlocked",
		Content: []sendGridContent{
			{Type: "text/plain", Value: body},
		},
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrap(err, "marshal sendgrid payload")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.endpoint, bytes.NewReader(data))
	if err != nil {
		return errors.Wrap(err, "build sendgrid request")
	}
	req.Header.Set("Authorization", "Bearer "+m.apiKey)
	req.Header.Set("Content-Type", "application/json")
	resp, err := m.client.Do(req)
	if err != nil {
		return errors.Wrap(err, "sendgrid request")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return errors.Errorf("sendgrid returned %d: %s", resp.StatusCode, snippet)
	}
	return nil
}
