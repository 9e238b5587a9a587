package consumer

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/apache/qakka/internal/qservice"
)

// webhookPayload is the JSON body POSTed to the webhook URL.
type webhookPayload struct {
	MessageID      string `json:"message_id"`
	QueueMessageID string `json:"queue_message_id"`
	ContentType    string `json:"content_type"`
	Body           string `json:"body"` // base64-encoded
	Queue          string `json:"queue"`
}

// deliverMessage POSTs msg to the subscription URL.
// Returns nil only when the endpoint responds with HTTP 200 OK.
func deliverMessage(ctx context.Context, client *http.Client, sub *Subscription, msg qservice.LeasedMessage) error {
	p := webhookPayload{
		MessageID:      msg.MessageID,
		QueueMessageID: msg.QueueMessageID,
		ContentType:    msg.ContentType,
		Body:           base64.StdEncoding.EncodeToString(msg.Body),
		Queue:          sub.Queue,
	}

	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("consumer: marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("consumer: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	// Sign the request body when a secret is provided.
	if sub.secret != "" {
		mac := hmac.New(sha256.New, []byte(sub.secret))
		mac.Write(body)
		sig := hex.EncodeToString(mac.Sum(nil))
		req.Header.Set("X-Qakka-Signature", "sha256="+sig)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("consumer: POST to %s: %w", sub.URL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("consumer: endpoint returned %d", resp.StatusCode)
	}
	return nil
}
