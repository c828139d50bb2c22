package karmachat

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"sync"

	"github.com/pkg/errors"
)

// PollingTransport is the HTTP long-poll fallback transport.
//
// The gateway side exposes four endpoints under the polling URL:
//
//	POST /open?<params>   -> {"sid": "..."}
//	GET  /recv?sid=...    -> [frame, ...] or 204 when the poll expired
//	POST /send?sid=...    <- frame
//	POST /close?sid=...
type PollingTransport struct {
	baseURL    string
	httpClient *http.Client

	mu     sync.Mutex
	sid    string
	queue  [][]byte
	ctx    context.Context
	cancel context.CancelFunc
}

// NewPollingTransport returns a transport polling baseURL.
func NewPollingTransport(baseURL string, httpClient *http.Client) *PollingTransport {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &PollingTransport{baseURL: baseURL, httpClient: httpClient}
}

func (t *PollingTransport) Name() string { return "polling" }

func (t *PollingTransport) Open(ctx context.Context, params url.Values) error {
	target := t.baseURL + "/open"
	if len(params) > 0 {
		target += "?" + params.Encode()
	}
	resp, err := t.do(ctx, http.MethodPost, target, nil)
	if err != nil {
		return errors.Wrap(err, "polling open")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("polling open: HTTP %d", resp.StatusCode)
	}

	var body struct {
		SID string `json:"sid"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return errors.Wrap(err, "polling open: decode")
	}
	if body.SID == "" {
		return errors.New("polling open: empty session id")
	}

	t.mu.Lock()
	t.sid = body.SID
	t.queue = nil
	t.ctx, t.cancel = context.WithCancel(context.Background())
	t.mu.Unlock()
	return nil
}

func (t *PollingTransport) session() (string, context.Context, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sid == "" {
		return "", nil, ErrNotConnected
	}
	return t.sid, t.ctx, nil
}

func (t *PollingTransport) Send(ctx context.Context, frame []byte) error {
	sid, _, err := t.session()
	if err != nil {
		return err
	}
	resp, err := t.do(ctx, http.MethodPost, t.baseURL+"/send?sid="+url.QueryEscape(sid), frame)
	if err != nil {
		return errors.Wrap(err, "polling send")
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 300 {
		return errors.Errorf("polling send: HTTP %d", resp.StatusCode)
	}
	return nil
}

// Receive returns queued frames first and otherwise issues long-poll requests
// until one yields frames. Close unblocks a pending poll.
func (t *PollingTransport) Receive(ctx context.Context) ([]byte, error) {
	for {
		t.mu.Lock()
		if len(t.queue) > 0 {
			frame := t.queue[0]
			t.queue = t.queue[1:]
			t.mu.Unlock()
			return frame, nil
		}
		t.mu.Unlock()

		sid, sessCtx, err := t.session()
		if err != nil {
			return nil, err
		}
		frames, err := t.poll(ctx, sessCtx, sid)
		if err != nil {
			return nil, err
		}

		t.mu.Lock()
		t.queue = append(t.queue, frames...)
		t.mu.Unlock()
	}
}

func (t *PollingTransport) poll(ctx, sessCtx context.Context, sid string) ([][]byte, error) {
	reqCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(sessCtx, cancel)
	defer stop()

	resp, err := t.do(reqCtx, http.MethodGet, t.baseURL+"/recv?sid="+url.QueryEscape(sid), nil)
	if err != nil {
		return nil, errors.Wrap(err, "polling receive")
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNoContent:
		return nil, nil
	case resp.StatusCode == http.StatusGone:
		return nil, errors.New("polling receive: session closed by server")
	case resp.StatusCode != http.StatusOK:
		return nil, errors.Errorf("polling receive: HTTP %d", resp.StatusCode)
	}

	var raw []json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, errors.Wrap(err, "polling receive: decode")
	}
	frames := make([][]byte, len(raw))
	for i, f := range raw {
		frames[i] = []byte(f)
	}
	return frames, nil
}

// Close ends the polling session and waits for the server to confirm it.
func (t *PollingTransport) Close(ctx context.Context) error {
	t.mu.Lock()
	sid := t.sid
	cancel := t.cancel
	t.sid = ""
	t.queue = nil
	t.cancel = nil
	t.mu.Unlock()
	if sid == "" {
		return nil
	}
	if cancel != nil {
		cancel()
	}

	resp, err := t.do(ctx, http.MethodPost, t.baseURL+"/close?sid="+url.QueryEscape(sid), nil)
	if err != nil {
		return errors.Wrap(err, "polling close")
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 && resp.StatusCode != http.StatusGone {
		return errors.Errorf("polling close: HTTP %d", resp.StatusCode)
	}
	return nil
}

func (t *PollingTransport) do(ctx context.Context, method, target string, body []byte) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return t.httpClient.Do(req)
}
