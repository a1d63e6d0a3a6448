// Package client talks to a running agentd daemon.
package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/m4xw311/agentd/agent"
	"github.com/m4xw311/agentd/config"
	"github.com/m4xw311/agentd/daemon"
	"github.com/m4xw311/agentd/errors"
	"github.com/m4xw311/agentd/session"
)

type Client struct {
	http    *http.Client
	baseURL string
}

// New dials the daemon described by cfg.
func New(cfg config.DaemonConfig) *Client {
	if cfg.Transport == config.TransportHTTP {
		return NewHTTP("http://"+cfg.Address(), http.DefaultClient)
	}
	socket := cfg.Socket
	transport := &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", socket)
		},
	}
	// The host is ignored by the unix dialer.
	return NewHTTP("http://agentd", &http.Client{Transport: transport})
}

// NewHTTP uses hc against baseURL.
func NewHTTP(baseURL string, hc *http.Client) *Client {
	return &Client{http: hc, baseURL: strings.TrimSuffix(baseURL, "/")}
}

func (c *Client) Ping(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/ping", nil, nil)
}

func (c *Client) Status(ctx context.Context) (*daemon.Status, error) {
	var st daemon.Status
	if err := c.do(ctx, http.MethodGet, "/status", nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

func (c *Client) Sessions(ctx context.Context) ([]daemon.SessionSummary, error) {
	var list []daemon.SessionSummary
	if err := c.do(ctx, http.MethodGet, "/sessions", nil, &list); err != nil {
		return nil, err
	}
	return list, nil
}

func (c *Client) Session(ctx context.Context, id string) (*session.Session, error) {
	var s session.Session
	if err := c.do(ctx, http.MethodGet, "/session/"+id, nil, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func (c *Client) CreateSession(ctx context.Context, workspace string) (*session.Session, error) {
	var s session.Session
	body := map[string]string{"workspace": workspace}
	if err := c.do(ctx, http.MethodPost, "/session", body, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// ReloadConfig asks the daemon to re-read its configuration.
func (c *Client) ReloadConfig(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/reload-config", nil, nil)
}

// ChatStream runs one turn and calls fn for every event in order. A
// terminal error event is passed to fn and then returned as an error.
func (c *Client) ChatStream(ctx context.Context, req agent.Request, fn func(agent.Event) error) error {
	resp, err := c.send(ctx, http.MethodPost, "/chat-stream", req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	// Lines are unbounded: a done event carries the whole session history.
	r := bufio.NewReader(resp.Body)
	for {
		line, readErr := r.ReadBytes('\n')
		line = bytes.TrimSpace(line)
		if len(line) > 0 {
			var e agent.Event
			if err := json.Unmarshal(line, &e); err != nil {
				return errors.Wrapf(err, "malformed event from daemon")
			}
			if err := fn(e); err != nil {
				return err
			}
			switch e.Type {
			case agent.EventError:
				return errors.New("%s", e.Message)
			case agent.EventDone:
				return nil
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return errors.Wrapf(readErr, "failed to read chat stream")
		}
	}
	return errors.New("chat stream ended without a done event")
}

func (c *Client) do(ctx context.Context, method, path string, body, dst any) error {
	resp, err := c.send(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if dst == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		return errors.Wrapf(err, "failed to decode %s response", path)
	}
	return nil
}

// send performs the request and turns non-2xx answers into errors.
func (c *Client) send(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to encode request")
		}
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, r)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to build request")
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "daemon unreachable")
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}
	defer resp.Body.Close()
	var payload struct {
		Error string `json:"error"`
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if json.Unmarshal(data, &payload) != nil || payload.Error == "" {
		payload.Error = strings.TrimSpace(string(data))
	}
	return nil, &StatusError{Code: resp.StatusCode, Message: payload.Error}
}

// StatusError is a non-2xx answer from the daemon.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return http.StatusText(e.Code) + ": " + e.Message
}
