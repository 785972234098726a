package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/ignite/mailtriage/internal/config"
	"github.com/ignite/mailtriage/internal/domain"
	"github.com/ignite/mailtriage/internal/pkg/httpretry"
)

// HTTPSource pulls emails from the mail gateway's REST feed. The gateway
// serves messages after an opaque cursor; the cursor from a batch is held
// pending until the runner commits it, so an aborted batch replays.
type HTTPSource struct {
	baseURL string
	apiKey  string
	client  httpretry.HTTPDoer

	cursor        string
	pendingCursor string
}

func NewHTTPSource(cfg config.IngestConfig) *HTTPSource {
	base := &http.Client{Timeout: cfg.Timeout()}
	return &HTTPSource{
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		client:  httpretry.NewRetryClient(base, cfg.MaxRetries),
	}
}

// emailWire is the gateway's message shape.
type emailWire struct {
	ID             string   `json:"id"`
	MessageID      string   `json:"message_id"`
	ConversationID string   `json:"conversation_id"`
	From           string   `json:"from"`
	FromName       string   `json:"from_name"`
	To             []string `json:"to"`
	Subject        string   `json:"subject"`
	BodyText       string   `json:"body_text"`
	ReceivedAt     string   `json:"received_at"`
	HasAttachments bool     `json:"has_attachments"`
	Importance     string   `json:"importance"`
}

type feedPage struct {
	Emails     []emailWire `json:"emails"`
	NextCursor string      `json:"next_cursor"`
}

func (s *HTTPSource) Next(ctx context.Context, batchSize int) ([]domain.Email, error) {
	u, err := url.Parse(s.baseURL + "/v1/emails")
	if err != nil {
		return nil, fmt.Errorf("ingest: bad base url: %w", err)
	}
	q := u.Query()
	q.Set("limit", strconv.Itoa(batchSize))
	if s.cursor != "" {
		q.Set("after", s.cursor)
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if s.apiKey != "" {
		req.Header.Set("X-API-Key", s.apiKey)
	}

	res, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ingest: fetch: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ingest: gateway returned %d", res.StatusCode)
	}

	var page feedPage
	if err := json.NewDecoder(res.Body).Decode(&page); err != nil {
		return nil, fmt.Errorf("ingest: decode: %w", err)
	}

	out := make([]domain.Email, 0, len(page.Emails))
	for _, w := range page.Emails {
		out = append(out, convertEmail(w))
	}
	if page.NextCursor != "" {
		s.pendingCursor = page.NextCursor
	}
	return out, nil
}

// Commit advances past the last delivered batch.
func (s *HTTPSource) Commit(context.Context) error {
	if s.pendingCursor != "" {
		s.cursor = s.pendingCursor
		s.pendingCursor = ""
	}
	return nil
}

func convertEmail(w emailWire) domain.Email {
	receivedAt, err := time.Parse(time.RFC3339, w.ReceivedAt)
	if err != nil {
		receivedAt = time.Time{} // fails validation downstream, recorded there
	}

	id := w.ID
	if id == "" {
		id = w.MessageID
	}

	importance := domain.ImportanceNormal
	switch w.Importance {
	case "high":
		importance = domain.ImportanceHigh
	case "low":
		importance = domain.ImportanceLow
	}

	return domain.Email{
		ID:             id,
		MessageID:      w.MessageID,
		ConversationID: w.ConversationID,
		SenderEmail:    w.From,
		SenderName:     w.FromName,
		Recipients:     w.To,
		Subject:        w.Subject,
		BodyText:       w.BodyText,
		ReceivedAt:     receivedAt.UTC(),
		HasAttachments: w.HasAttachments,
		Importance:     importance,
	}
}
