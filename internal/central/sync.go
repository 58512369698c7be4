package central

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/beyondessential/tamanu-sync/internal/syncerr"
	"github.com/beyondessential/tamanu-sync/internal/types"
)

// LoginResponse is the body of a successful login.
type LoginResponse struct {
	Token             string          `json:"token"`
	RefreshToken      string          `json:"refreshToken"`
	User              User            `json:"user"`
	AllowedFacilities []Facility      `json:"allowedFacilities"`
	Settings          json.RawMessage `json:"settings,omitempty"`
	Localisation      json.RawMessage `json:"localisation,omitempty"`
	Permissions       json.RawMessage `json:"permissions,omitempty"`
}

// User is the logged in user.
type User struct {
	ID          string `json:"id"`
	Email       string `json:"email"`
	DisplayName string `json:"displayName"`
	Role        string `json:"role"`
}

// Facility is a facility the user may sync.
type Facility struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Login exchanges credentials for tokens. The refresh token is persisted to
// the token store. Login is never retried.
func (c *Client) Login(ctx context.Context, email, password string) (*LoginResponse, error) {
	var resp LoginResponse
	err := c.do(ctx, request{
		op:     "login",
		method: http.MethodPost,
		path:   "/login",
		body: map[string]any{
			"email":    email,
			"password": password,
			"deviceId": c.cfg.DeviceID,
			"scopes":   []string{"SyncClient"},
		},
		out: &resp,
	})
	if err != nil {
		return nil, err
	}
	if resp.Token == "" {
		return nil, &syncerr.AuthenticationError{Message: "server returned no token"}
	}

	c.SetToken(resp.Token)
	if c.tokens != nil && resp.RefreshToken != "" {
		if err := c.tokens.SetRefreshToken(resp.RefreshToken); err != nil {
			return nil, fmt.Errorf("failed to store refresh token: %w", err)
		}
	}
	return &resp, nil
}

// Refresh exchanges the stored refresh token for a new access token.
// Any failure other than a version rejection is an AuthenticationError.
func (c *Client) Refresh(ctx context.Context) error {
	if c.tokens == nil || c.tokens.RefreshToken() == "" {
		return &syncerr.AuthenticationError{Message: "no refresh token, log in again"}
	}

	var resp struct {
		Token        string `json:"token"`
		RefreshToken string `json:"refreshToken"`
	}
	err := c.doAuthenticated(ctx, request{
		op:     "refresh",
		method: http.MethodPost,
		path:   "/refresh",
		body: map[string]any{
			"refreshToken": c.tokens.RefreshToken(),
			"deviceId":     c.cfg.DeviceID,
		},
		out: &resp,
	})
	if err != nil {
		var versionErr *syncerr.OutdatedVersionError
		var authErr *syncerr.AuthenticationError
		switch {
		case errors.As(err, &versionErr), errors.As(err, &authErr):
			return err
		case ctx.Err() != nil:
			return ctx.Err()
		}
		return &syncerr.AuthenticationError{Message: "token refresh failed", Err: err}
	}
	if resp.Token == "" {
		return &syncerr.AuthenticationError{Message: "token refresh returned no token"}
	}

	c.SetToken(resp.Token)
	if resp.RefreshToken != "" {
		if err := c.tokens.SetRefreshToken(resp.RefreshToken); err != nil {
			return fmt.Errorf("failed to store refresh token: %w", err)
		}
	}
	c.logger.Printf("access token refreshed")
	return nil
}

// StartSessionRequest opens a session.
type StartSessionRequest struct {
	Urgent         bool
	LastSyncedTick int64
	FacilityIDs    []string
}

// Session is an open sync session.
type Session struct {
	ID            string
	StartedAtTick int64
}

// StartSyncSession opens a session, waits until the server has prepared it
// and returns its start tick. An empty session id means the server's sync
// queue is full; that is reported as a temporary NetworkError.
//
// Once the server has issued an id the returned Session is non-nil, even
// when waiting for readiness or fetching the metadata fails, so the caller
// can still end it.
func (c *Client) StartSyncSession(ctx context.Context, req StartSessionRequest) (*Session, error) {
	var started struct {
		SessionID string `json:"sessionId"`
		Status    string `json:"status"`
	}
	err := c.do(ctx, request{
		op:     "start sync session",
		method: http.MethodPost,
		path:   "/sync",
		body: map[string]any{
			"urgent":         req.Urgent,
			"lastSyncedTick": req.LastSyncedTick,
			"facilityIds":    req.FacilityIDs,
			"deviceId":       c.cfg.DeviceID,
		},
		out:           &started,
		idempotent:    true,
		authenticated: true,
	})
	if err != nil {
		return nil, err
	}
	if started.SessionID == "" {
		status := started.Status
		if status == "" {
			status = "no session id returned"
		}
		return nil, &syncerr.NetworkError{Op: "start sync session", Err: fmt.Errorf("sync queue busy: %s", status)}
	}

	session := &Session{ID: started.SessionID}
	path := "/sync/" + url.PathEscape(started.SessionID)
	if err := c.pollUntilTrue(ctx, "wait for session", path+"/ready"); err != nil {
		return session, err
	}

	var meta struct {
		StartedAtTick json.Number `json:"startedAtTick"`
	}
	err = c.do(ctx, request{
		op:            "fetch session metadata",
		method:        http.MethodGet,
		path:          path + "/metadata",
		out:           &meta,
		idempotent:    true,
		authenticated: true,
	})
	if err != nil {
		return session, err
	}
	tick, err := meta.StartedAtTick.Int64()
	if err != nil {
		return session, &syncerr.NetworkError{Op: "fetch session metadata", Err: fmt.Errorf("invalid startedAtTick %q: %w", meta.StartedAtTick, err)}
	}
	session.StartedAtTick = tick
	return session, nil
}

// PullRequest asks the server to prepare the pull snapshot.
type PullRequest struct {
	Since               int64
	FacilityIDs         []string
	TablesToInclude     []string
	TablesForFullResync []string
}

// PullMetadata describes a prepared pull snapshot.
type PullMetadata struct {
	TotalToPull int
	PullUntil   int64
}

// InitiatePull prepares the pull snapshot, waits until it is ready and
// returns its size and upper tick.
func (c *Client) InitiatePull(ctx context.Context, sessionID string, req PullRequest) (*PullMetadata, error) {
	path := "/sync/" + url.PathEscape(sessionID) + "/pull"
	tables := req.TablesToInclude
	if tables == nil {
		tables = []string{}
	}
	fullResync := req.TablesForFullResync
	if fullResync == nil {
		fullResync = []string{}
	}
	err := c.do(ctx, request{
		op:     "initiate pull",
		method: http.MethodPost,
		path:   path + "/initiate",
		body: map[string]any{
			"since":               req.Since,
			"facilityIds":         req.FacilityIDs,
			"tablesToInclude":     tables,
			"tablesForFullResync": fullResync,
			"deviceId":            c.cfg.DeviceID,
		},
		idempotent:    true,
		authenticated: true,
	})
	if err != nil {
		return nil, err
	}

	if err := c.pollUntilTrue(ctx, "wait for pull snapshot", path+"/ready"); err != nil {
		return nil, err
	}

	var meta struct {
		TotalToPull json.Number `json:"totalToPull"`
		PullUntil   json.Number `json:"pullUntil"`
	}
	err = c.do(ctx, request{
		op:            "fetch pull metadata",
		method:        http.MethodGet,
		path:          path + "/metadata",
		out:           &meta,
		idempotent:    true,
		authenticated: true,
	})
	if err != nil {
		return nil, err
	}
	total, err := meta.TotalToPull.Int64()
	if err != nil {
		return nil, &syncerr.NetworkError{Op: "fetch pull metadata", Err: fmt.Errorf("invalid totalToPull %q: %w", meta.TotalToPull, err)}
	}
	until, err := meta.PullUntil.Int64()
	if err != nil {
		return nil, &syncerr.NetworkError{Op: "fetch pull metadata", Err: fmt.Errorf("invalid pullUntil %q: %w", meta.PullUntil, err)}
	}
	return &PullMetadata{TotalToPull: int(total), PullUntil: until}, nil
}

// Pull fetches one page of the pull snapshot after the cursor fromID. An
// empty fromID starts at the beginning.
func (c *Client) Pull(ctx context.Context, sessionID string, limit int, fromID string) ([]types.SyncRecord, error) {
	query := url.Values{"limit": {strconv.Itoa(limit)}}
	if fromID != "" {
		query.Set("fromId", fromID)
	}
	var records []types.SyncRecord
	err := c.do(ctx, request{
		op:            "pull",
		method:        http.MethodGet,
		path:          "/sync/" + url.PathEscape(sessionID) + "/pull",
		query:         query,
		out:           &records,
		timeout:       c.cfg.PullTimeout,
		idempotent:    true,
		authenticated: true,
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// NextCursor returns the opaque cursor that follows the last record of a
// pulled page.
func NextCursor(page []types.SyncRecord) string {
	if len(page) == 0 {
		return ""
	}
	return strconv.FormatInt(page[len(page)-1].ID, 10)
}

// Push sends one page of outgoing changes. The server keys pushed records
// by session and record id, so replaying a page is safe.
func (c *Client) Push(ctx context.Context, sessionID string, records []types.SyncRecord) error {
	return c.do(ctx, request{
		op:            "push",
		method:        http.MethodPost,
		path:          "/sync/" + url.PathEscape(sessionID) + "/push",
		body:          map[string]any{"changes": records},
		idempotent:    true,
		authenticated: true,
	})
}

// CompletePush tells the server every page has been sent, then waits until
// it confirms the pushed records are persisted.
func (c *Client) CompletePush(ctx context.Context, sessionID string, tablesToInclude []string) error {
	path := "/sync/" + url.PathEscape(sessionID) + "/push/complete"
	err := c.do(ctx, request{
		op:     "complete push",
		method: http.MethodPost,
		path:   path,
		body: map[string]any{
			"tablesToInclude": tablesToInclude,
			"deviceId":        c.cfg.DeviceID,
		},
		authenticated: true,
	})
	if err != nil {
		return err
	}
	return c.pollUntilTrue(ctx, "wait for push completion", path)
}

// EndSyncSession closes a session.
func (c *Client) EndSyncSession(ctx context.Context, sessionID string) error {
	return c.do(ctx, request{
		op:            "end sync session",
		method:        http.MethodDelete,
		path:          "/sync/" + url.PathEscape(sessionID),
		idempotent:    true,
		authenticated: true,
	})
}

// pollUntilTrue polls a boolean endpoint every PollInterval until it
// answers true or PollTimeout elapses.
func (c *Client) pollUntilTrue(ctx context.Context, op, path string) error {
	deadline := time.Now().Add(c.cfg.PollTimeout)
	for {
		var ready bool
		err := c.do(ctx, request{
			op:            op,
			method:        http.MethodGet,
			path:          path,
			out:           &ready,
			idempotent:    true,
			authenticated: true,
		})
		if err != nil {
			return err
		}
		if ready {
			return nil
		}
		if time.Now().After(deadline) {
			return &syncerr.NetworkError{Op: op, Err: fmt.Errorf("server not ready after %v", c.cfg.PollTimeout)}
		}
		if err := sleep(ctx, c.cfg.PollInterval); err != nil {
			return err
		}
	}
}
