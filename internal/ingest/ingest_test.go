package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/mailtriage/internal/config"
	"github.com/ignite/mailtriage/internal/domain"
	"github.com/ignite/mailtriage/internal/pipeline"
)

type fakeSink struct {
	mu        sync.Mutex
	got       []domain.Email
	failures  map[string]int // email ID -> remaining transient failures
	rejectIDs map[string]bool
}

func (f *fakeSink) Submit(_ context.Context, email domain.Email) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rejectIDs[email.ID] {
		return pipeline.E(pipeline.KindValidationReject, "submit", domain.ErrMissingMessageID)
	}
	if n := f.failures[email.ID]; n > 0 {
		f.failures[email.ID] = n - 1
		return pipeline.E(pipeline.KindResourceExhaustion, "enqueue p1", errors.New("queue full"))
	}
	f.got = append(f.got, email)
	return nil
}

func (f *fakeSink) received() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]string, len(f.got))
	for i, e := range f.got {
		ids[i] = e.ID
	}
	return ids
}

func wireEmail(id string) map[string]any {
	return map[string]any{
		"id":          id,
		"message_id":  "<" + id + "@gw.example>",
		"from":        "buyer@acme.example",
		"to":          []string{"sales@ignite.example"},
		"subject":     "Need quote",
		"body_text":   "Please provide pricing.",
		"received_at": time.Now().UTC().Format(time.RFC3339),
		"importance":  "high",
	}
}

// gateway serves one fixed page per cursor value.
func gateway(t *testing.T, pages map[string]feedPage, requests *[]string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/emails", r.URL.Path)
		require.Equal(t, "secret", r.Header.Get("X-API-Key"))
		after := r.URL.Query().Get("after")
		*requests = append(*requests, after)
		page, ok := pages[after]
		if !ok {
			page = feedPage{}
		}
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(page))
	}))
}

func pageOf(cursor string, ids ...string) feedPage {
	var wires []emailWire
	for _, id := range ids {
		raw, _ := json.Marshal(wireEmail(id))
		var w emailWire
		_ = json.Unmarshal(raw, &w)
		wires = append(wires, w)
	}
	return feedPage{Emails: wires, NextCursor: cursor}
}

func sourceFor(srvURL string) *HTTPSource {
	return NewHTTPSource(config.IngestConfig{
		BaseURL:        srvURL,
		APIKey:         "secret",
		TimeoutSeconds: 5,
		MaxRetries:     1,
	})
}

func TestHTTPSourceAdvancesCursorOnCommit(t *testing.T) {
	var requests []string
	srv := gateway(t, map[string]feedPage{
		"":   pageOf("c1", "e1", "e2"),
		"c1": pageOf("c2", "e3"),
	}, &requests)
	defer srv.Close()

	src := sourceFor(srv.URL)
	ctx := context.Background()

	batch, err := src.Next(ctx, 50)
	require.NoError(t, err)
	require.Len(t, batch, 2)
	assert.Equal(t, "e1", batch[0].ID)
	assert.Equal(t, domain.ImportanceHigh, batch[0].Importance)

	// Without a commit the same page is served again.
	again, err := src.Next(ctx, 50)
	require.NoError(t, err)
	require.Len(t, again, 2)

	require.NoError(t, src.Commit(ctx))
	next, err := src.Next(ctx, 50)
	require.NoError(t, err)
	require.Len(t, next, 1)
	assert.Equal(t, "e3", next[0].ID)

	assert.Equal(t, []string{"", "", "c1"}, requests)
}

func TestPollOnceSubmitsWholeBatch(t *testing.T) {
	var requests []string
	srv := gateway(t, map[string]feedPage{"": pageOf("c1", "e1", "e2")}, &requests)
	defer srv.Close()

	sink := &fakeSink{}
	r := NewRunner(sourceFor(srv.URL), sink, 50, time.Minute)

	n, err := r.PollOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"e1", "e2"}, sink.received())
}

func TestPollOnceDropsInvalidAndContinues(t *testing.T) {
	var requests []string
	srv := gateway(t, map[string]feedPage{"": pageOf("c1", "e1", "e2", "e3")}, &requests)
	defer srv.Close()

	sink := &fakeSink{rejectIDs: map[string]bool{"e2": true}}
	r := NewRunner(sourceFor(srv.URL), sink, 50, time.Minute)

	n, err := r.PollOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"e1", "e3"}, sink.received())
}

func TestPollOnceRetriesPipelinePushback(t *testing.T) {
	var requests []string
	srv := gateway(t, map[string]feedPage{"": pageOf("c1", "e1")}, &requests)
	defer srv.Close()

	sink := &fakeSink{failures: map[string]int{"e1": 2}}
	r := NewRunner(sourceFor(srv.URL), sink, 50, time.Minute)
	r.pushbackDelay = time.Millisecond

	n, err := r.PollOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"e1"}, sink.received())
}

func TestAbortedBatchReplaysNextPoll(t *testing.T) {
	var requests []string
	srv := gateway(t, map[string]feedPage{"": pageOf("c1", "e1")}, &requests)
	defer srv.Close()

	sink := &fakeSink{failures: map[string]int{"e1": 10}}
	r := NewRunner(sourceFor(srv.URL), sink, 50, time.Minute)
	r.pushbackDelay = time.Millisecond

	_, err := r.PollOnce(context.Background())
	require.Error(t, err)
	assert.Equal(t, pipeline.KindResourceExhaustion, pipeline.KindOf(err))

	// The cursor never moved: the retry pulls the same page, and with the
	// pipeline drained the email finally lands exactly once downstream.
	sink.mu.Lock()
	sink.failures["e1"] = 0
	sink.mu.Unlock()

	n, err := r.PollOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"", ""}, requests)
}
