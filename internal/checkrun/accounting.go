package checkrun

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/dharsanguruparan/Integrator/internal/errors"
	"github.com/dharsanguruparan/Integrator/internal/retry"
)

// ParseSaveResult interprets a save-transaction response. ["1", id] is a
// success; anything else carries the failure message in its second element.
func ParseSaveResult(raw json.RawMessage) (string, error) {
	var parts []any
	if err := json.Unmarshal(raw, &parts); err != nil || len(parts) == 0 {
		return "", errors.NewCoded(errors.PEResponseValidationFailed,
			map[string]any{"error_message": fmt.Sprintf("unexpected response %s", raw)})
	}
	second := ""
	if len(parts) > 1 {
		second = fmt.Sprint(parts[1])
	}
	if fmt.Sprint(parts[0]) == "1" {
		return second, nil
	}
	return "", errors.NewCoded(errors.PEResponseValidationFailed, map[string]any{"error_message": second})
}

// Credentials log a session in to the accounting API.
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Company  string `json:"company,omitempty"`
}

// Session is a stateful accounting API session. Login runs lazily on first
// use and again when the server reports the session as expired.
type Session struct {
	baseURL string
	creds   Credentials
	client  *http.Client
	policy  retry.Policy

	mu        sync.Mutex
	sessionID string
}

// NewSession builds a Session against baseURL.
func NewSession(baseURL string, creds Credentials, client *http.Client, policy retry.Policy) *Session {
	if client == nil {
		client = http.DefaultClient
	}
	return &Session{baseURL: baseURL, creds: creds, client: client, policy: policy}
}

type loginResponse struct {
	SessionID string `json:"SessionId"`
}

// Login opens a session and returns its SessionId.
func (s *Session) Login(ctx context.Context) (string, error) {
	var resp loginResponse
	if err := s.call(ctx, "/login", s.creds, &resp); err != nil {
		return "", errors.Wrap(err, "accounting login")
	}
	if resp.SessionID == "" {
		return "", errors.NewCoded(errors.AuthenticationFailedWeb, map[string]any{"username": s.creds.Username})
	}
	s.mu.Lock()
	s.sessionID = resp.SessionID
	s.mu.Unlock()
	return resp.SessionID, nil
}

func (s *Session) id(ctx context.Context) (string, error) {
	s.mu.Lock()
	id := s.sessionID
	s.mu.Unlock()
	if id != "" {
		return id, nil
	}
	return s.Login(ctx)
}

// SaveTransaction posts a transaction and returns the id the accounting
// system assigned to it.
func (s *Session) SaveTransaction(ctx context.Context, method string, payload any) (string, error) {
	id, err := s.id(ctx)
	if err != nil {
		return "", err
	}
	body := map[string]any{"SessionId": id, "payload": payload}
	var raw json.RawMessage
	err = s.call(ctx, "/"+method, body, &raw)
	if errors.Is(err, errSessionExpired) {
		if id, err = s.Login(ctx); err != nil {
			return "", err
		}
		body["SessionId"] = id
		err = s.call(ctx, "/"+method, body, &raw)
	}
	if err != nil {
		return "", errors.Wrapf(err, "accounting %s", method)
	}
	return ParseSaveResult(raw)
}

var errSessionExpired = errors.New("accounting session expired")

func (s *Session) call(ctx context.Context, path string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return err
	}
	return retry.Do(ctx, s.policy, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+path, bytes.NewReader(payload))
		if err != nil {
			return retry.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := s.client.Do(req)
		if err != nil {
			return errors.NewCoded(errors.ExternalUpstreamUnavailable, map[string]any{"error": err.Error()})
		}
		defer resp.Body.Close()
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		switch {
		case resp.StatusCode == http.StatusUnauthorized:
			return retry.Permanent(errSessionExpired)
		case resp.StatusCode >= 500:
			return errors.NewCoded(errors.ExternalUpstreamUnavailable, map[string]any{"error": resp.Status})
		case resp.StatusCode >= 300:
			return retry.Permanent(errors.NewCoded(errors.PEResponseValidationFailed,
				map[string]any{"error_message": fmt.Sprintf("%s: %s", resp.Status, bytes.TrimSpace(data))}))
		}
		if err := json.Unmarshal(data, out); err != nil {
			return retry.Permanent(errors.Wrapf(err, "decode %s response", path))
		}
		return nil
	}, nil)
}
