package realtime

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"crewchat/internal/models"
)

const (
	kindPolling     = "polling"
	defaultPollPath = "/poll"
)

// PollingDialer opens an HTTP long-polling channel. It is the fallback when a
// websocket cannot be established.
type PollingDialer struct {
	// Client defaults to a client without an overall timeout; each poll is
	// bounded by the gateway's hold time.
	Client *http.Client
	// Path defaults to /poll.
	Path string
}

type pollOpenResponse struct {
	SID string `json:"sid"`
}

// Dial opens a polling session.
func (d *PollingDialer) Dial(ctx context.Context, endpoint string, auth Auth) (Transport, error) {
	base, err := pollBase(endpoint, d.path())
	if err != nil {
		return nil, err
	}
	client := d.Client
	if client == nil {
		client = &http.Client{}
	}

	body, err := json.Marshal(auth)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if auth.Token != "" {
		req.Header.Set("Authorization", "Bearer "+auth.Token)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("polling open: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, fmt.Errorf("polling open: %w", ErrUnauthorized)
	case resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated:
		return nil, fmt.Errorf("polling open: unexpected status %d", resp.StatusCode)
	}

	var open pollOpenResponse
	if err := json.NewDecoder(resp.Body).Decode(&open); err != nil {
		return nil, fmt.Errorf("polling open: decode: %w", err)
	}
	if open.SID == "" {
		return nil, fmt.Errorf("polling open: empty session id")
	}

	tctx, cancel := context.WithCancel(context.Background())
	return &pollTransport{
		client: client,
		url:    base + "/" + url.PathEscape(open.SID),
		token:  auth.Token,
		ctx:    tctx,
		cancel: cancel,
	}, nil
}

func (d *PollingDialer) path() string {
	if d.Path == "" {
		return defaultPollPath
	}
	return d.Path
}

func pollBase(endpoint, path string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("parse endpoint: %w", err)
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	case "http", "https":
	default:
		return "", fmt.Errorf("unsupported endpoint scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + path
	u.RawQuery = ""
	return u.String(), nil
}

type pollTransport struct {
	client *http.Client
	url    string
	token  string

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once

	mu    sync.Mutex
	queue []models.Frame
}

func (t *pollTransport) Kind() string { return kindPolling }

func (t *pollTransport) Send(ctx context.Context, f models.Frame) error {
	body, err := json.Marshal(f)
	if err != nil {
		return err
	}
	ctx, stop := t.bind(ctx)
	defer stop()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	t.authorize(req)

	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer drain(resp.Body)
	if resp.StatusCode == http.StatusGone || resp.StatusCode == http.StatusNotFound {
		return ErrClosed
	}
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("polling send: unexpected status %d", resp.StatusCode)
	}
	return nil
}

func (t *pollTransport) Receive(ctx context.Context) (models.Frame, error) {
	for {
		if f, ok := t.pop(); ok {
			return f, nil
		}
		if err := t.poll(ctx); err != nil {
			return models.Frame{}, err
		}
	}
}

func (t *pollTransport) pop() (models.Frame, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.queue) == 0 {
		return models.Frame{}, false
	}
	f := t.queue[0]
	t.queue = t.queue[1:]
	return f, true
}

func (t *pollTransport) poll(ctx context.Context) error {
	ctx, stop := t.bind(ctx)
	defer stop()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.url, nil)
	if err != nil {
		return err
	}
	t.authorize(req)

	resp, err := t.client.Do(req)
	if err != nil {
		if t.ctx.Err() != nil {
			return ErrClosed
		}
		return err
	}
	defer drain(resp.Body)

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNoContent:
		return nil
	case http.StatusGone, http.StatusNotFound:
		return ErrClosed
	default:
		return fmt.Errorf("polling receive: unexpected status %d", resp.StatusCode)
	}

	var frames []models.Frame
	if err := json.NewDecoder(resp.Body).Decode(&frames); err != nil {
		return fmt.Errorf("polling receive: decode: %w", err)
	}
	t.mu.Lock()
	t.queue = append(t.queue, frames...)
	t.mu.Unlock()
	return nil
}

func (t *pollTransport) Close() error {
	t.closeOnce.Do(func() {
		t.cancel()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		req, err := http.NewRequestWithContext(ctx, http.MethodDelete, t.url, nil)
		if err != nil {
			return
		}
		t.authorize(req)
		if resp, err := t.client.Do(req); err == nil {
			drain(resp.Body)
		}
	})
	return nil
}

// bind ties a request context to the transport lifetime.
func (t *pollTransport) bind(ctx context.Context) (context.Context, func()) {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(t.ctx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

func (t *pollTransport) authorize(req *http.Request) {
	if t.token != "" {
		req.Header.Set("Authorization", "Bearer "+t.token)
	}
}

func drain(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, body)
	_ = body.Close()
}
