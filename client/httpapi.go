package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/harborview/realtime/wire"
)

// API talks to the server's request/response endpoints: action submission
// and per-topic snapshot fetch. It implements both Submitter and
// SnapshotFetcher.
type API struct {
	baseURL string
	token   string
	httpc   *http.Client
}

// NewAPI creates an API client. baseURL is the server root, e.g.
// "https://sync.example.com".
func NewAPI(baseURL, token string) *API {
	return &API{
		baseURL: baseURL,
		token:   token,
		httpc:   &http.Client{},
	}
}

// Submit implements Submitter over POST /v1/actions.
func (a *API) Submit(ctx context.Context, sub wire.ActionSubmission) (wire.ActionResult, error) {
	body, err := json.Marshal(sub)
	if err != nil {
		return wire.ActionResult{}, fmt.Errorf("encode submission: %w", err)
	}

	var res wire.ActionResult
	if err := a.do(ctx, http.MethodPost, "/v1/actions", body, &res); err != nil {
		return wire.ActionResult{}, err
	}
	return res, nil
}

// Fetch implements SnapshotFetcher over GET /v1/topics/{topic}/state.
func (a *API) Fetch(ctx context.Context, topic string) (wire.Snapshot, error) {
	var snap wire.Snapshot
	path := "/v1/topics/" + url.PathEscape(topic) + "/state"
	if err := a.do(ctx, http.MethodGet, path, nil, &snap); err != nil {
		return wire.Snapshot{}, err
	}
	return snap, nil
}

func (a *API) do(ctx context.Context, method, path string, body []byte, out any) error {
	var reader *bytes.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if a.token != "" {
		req.Header.Set("Authorization", "Bearer "+a.token)
	}

	resp, err := a.httpc.Do(req)
	if err != nil {
		return &wire.TransientError{Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return &wire.AuthError{Reason: wire.AuthReasonInvalid}
	case resp.StatusCode >= 500:
		return &wire.TransientError{Err: fmt.Errorf("server status %d", resp.StatusCode)}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &wire.TransientError{Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}
