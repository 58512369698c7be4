package central

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beyondessential/tamanu-sync/internal/central/centraltest"
	"github.com/beyondessential/tamanu-sync/internal/syncerr"
	"github.com/beyondessential/tamanu-sync/internal/types"
)

type memTokens struct {
	mu    sync.Mutex
	token string
}

func (m *memTokens) RefreshToken() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.token
}

func (m *memTokens) SetRefreshToken(token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.token = token
	return nil
}

func newTestClient(t *testing.T, server *centraltest.Server, tokens TokenStore) *Client {
	t.Helper()
	client, err := New(Config{
		BaseURL:       server.URL(),
		ClientVersion: "2.10.0",
		DeviceID:      "mobile-test",
		BaseDelay:     time.Millisecond,
		MaxDelay:      5 * time.Millisecond,
		PollInterval:  time.Millisecond,
		PollTimeout:   time.Second,
		Logger:        log.New(io.Discard, "", 0),
	}, tokens)
	require.NoError(t, err)
	return client
}

func loggedInClient(t *testing.T, server *centraltest.Server) (*Client, *memTokens) {
	t.Helper()
	tokens := &memTokens{token: server.IssueRefreshToken()}
	client := newTestClient(t, server, tokens)
	client.SetToken(server.IssueToken())
	return client, tokens
}

func TestNewValidatesConfig(t *testing.T) {
	_, err := New(Config{ClientVersion: "1.0.0"}, nil)
	var cfgErr *syncerr.ConfigurationError
	assert.ErrorAs(t, err, &cfgErr)

	_, err = New(Config{BaseURL: "http://central"}, nil)
	assert.ErrorAs(t, err, &cfgErr)
}

func TestLogin(t *testing.T) {
	server := centraltest.NewServer(t)
	tokens := &memTokens{}
	client := newTestClient(t, server, tokens)

	resp, err := client.Login(context.Background(), centraltest.Email, centraltest.Password)
	require.NoError(t, err)
	assert.NotEmpty(t, resp.Token)
	assert.Equal(t, resp.RefreshToken, tokens.RefreshToken())
	require.Len(t, resp.AllowedFacilities, 1)
	assert.Equal(t, centraltest.FacilityID, resp.AllowedFacilities[0].ID)
	assert.True(t, client.HasCredentials())

	headers := server.LastHeaders()
	assert.Equal(t, DefaultClientName, headers.Get(HeaderClient))
	assert.Equal(t, "2.10.0", headers.Get(HeaderVersion))
}

func TestLoginBadCredentials(t *testing.T) {
	server := centraltest.NewServer(t)
	client := newTestClient(t, server, &memTokens{})

	_, err := client.Login(context.Background(), centraltest.Email, "wrong")
	var authErr *syncerr.AuthenticationError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, 1, server.Calls(centraltest.RouteLogin), "login must not be retried")
	assert.Equal(t, 0, server.Calls(centraltest.RouteRefresh))
}

func TestSingleRefreshOn401(t *testing.T) {
	server := centraltest.NewServer(t)
	client, tokens := loggedInClient(t, server)
	oldRefresh := tokens.RefreshToken()
	server.ExpireTokens()

	session, err := client.StartSyncSession(context.Background(), StartSessionRequest{LastSyncedTick: -1, FacilityIDs: []string{centraltest.FacilityID}})
	require.NoError(t, err)
	assert.NotEmpty(t, session.ID)

	assert.Equal(t, 1, server.Calls(centraltest.RouteRefresh), "exactly one refresh")
	assert.Equal(t, 2, server.Calls(centraltest.RouteStartSession), "original call replayed exactly once")
	assert.NotEqual(t, oldRefresh, tokens.RefreshToken(), "rotated refresh token is stored")
	assert.Equal(t, "Bearer "+client.currentToken(), server.LastHeaders().Get("Authorization"))
}

func TestRefreshFailureIsAuthenticationError(t *testing.T) {
	server := centraltest.NewServer(t)
	client, _ := loggedInClient(t, server)
	server.ExpireTokens()
	server.RejectRefresh = true

	_, err := client.StartSyncSession(context.Background(), StartSessionRequest{})
	var authErr *syncerr.AuthenticationError
	require.ErrorAs(t, err, &authErr)
	assert.True(t, syncerr.IsFatal(err))
	assert.Equal(t, 1, server.Calls(centraltest.RouteRefresh))
	assert.Equal(t, 1, server.Calls(centraltest.RouteStartSession), "no replay after failed refresh")
}

func TestSecond401IsTerminal(t *testing.T) {
	server := centraltest.NewServer(t)
	client, _ := loggedInClient(t, server)
	// Both the attempt and the replay are rejected.
	server.FailNext(centraltest.RouteStartSession, http.StatusUnauthorized, http.StatusUnauthorized)

	_, err := client.StartSyncSession(context.Background(), StartSessionRequest{})
	var authErr *syncerr.AuthenticationError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, 1, server.Calls(centraltest.RouteRefresh))
	assert.Equal(t, 2, server.Calls(centraltest.RouteStartSession))
}

func TestNoRefreshTokenIsAuthenticationError(t *testing.T) {
	server := centraltest.NewServer(t)
	client := newTestClient(t, server, &memTokens{})

	_, err := client.StartSyncSession(context.Background(), StartSessionRequest{})
	var authErr *syncerr.AuthenticationError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, 0, server.Calls(centraltest.RouteRefresh))
}

func TestForbiddenIsAuthenticationError(t *testing.T) {
	server := centraltest.NewServer(t)
	client, _ := loggedInClient(t, server)
	server.FailNext(centraltest.RouteStartSession, http.StatusForbidden)

	_, err := client.StartSyncSession(context.Background(), StartSessionRequest{})
	var authErr *syncerr.AuthenticationError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, 0, server.Calls(centraltest.RouteRefresh))
}

func TestOutdatedVersion(t *testing.T) {
	t.Run("error body", func(t *testing.T) {
		server := centraltest.NewServer(t)
		server.MinClientVersion = "3.0.0"
		server.RejectOutdated = true
		server.UpdateURL = "https://example.org/update"
		client, _ := loggedInClient(t, server)

		_, err := client.StartSyncSession(context.Background(), StartSessionRequest{})
		var versionErr *syncerr.OutdatedVersionError
		require.ErrorAs(t, err, &versionErr)
		assert.Equal(t, "https://example.org/update", versionErr.UpdateURL)
		assert.Equal(t, 1, server.Calls(centraltest.RouteStartSession), "version errors are not retried")
	})

	t.Run("header", func(t *testing.T) {
		server := centraltest.NewServer(t)
		server.MinClientVersion = "v2.11.0"
		client, _ := loggedInClient(t, server)

		_, err := client.StartSyncSession(context.Background(), StartSessionRequest{})
		var versionErr *syncerr.OutdatedVersionError
		require.ErrorAs(t, err, &versionErr)
		assert.Equal(t, "2.10.0", versionErr.ClientVersion)
	})

	t.Run("supported", func(t *testing.T) {
		server := centraltest.NewServer(t)
		server.MinClientVersion = "2.9.5"
		client, _ := loggedInClient(t, server)

		_, err := client.StartSyncSession(context.Background(), StartSessionRequest{})
		assert.NoError(t, err)
	})
}

func TestRetriesIdempotentCalls(t *testing.T) {
	server := centraltest.NewServer(t)
	client, _ := loggedInClient(t, server)
	server.FailNext(centraltest.RouteStartSession, http.StatusServiceUnavailable, http.StatusBadGateway)

	_, err := client.StartSyncSession(context.Background(), StartSessionRequest{})
	require.NoError(t, err)
	assert.Equal(t, 3, server.Calls(centraltest.RouteStartSession))
}

func TestRetryGivesUpAfterMaxAttempts(t *testing.T) {
	server := centraltest.NewServer(t)
	client, _ := loggedInClient(t, server)
	server.FailNext(centraltest.RouteStartSession, 500, 500, 500, 500)

	_, err := client.StartSyncSession(context.Background(), StartSessionRequest{})
	var netErr *syncerr.NetworkError
	require.ErrorAs(t, err, &netErr)
	assert.Equal(t, 500, netErr.StatusCode)
	assert.Equal(t, 3, server.Calls(centraltest.RouteStartSession))
}

func TestClientErrorsAreNotRetried(t *testing.T) {
	server := centraltest.NewServer(t)
	client, _ := loggedInClient(t, server)
	server.FailNext(centraltest.RouteStartSession, http.StatusBadRequest)

	_, err := client.StartSyncSession(context.Background(), StartSessionRequest{})
	var netErr *syncerr.NetworkError
	require.ErrorAs(t, err, &netErr)
	assert.False(t, syncerr.IsRetryable(err))
	assert.Equal(t, 1, server.Calls(centraltest.RouteStartSession))
}

func TestCompletePushIsNotRetried(t *testing.T) {
	server := centraltest.NewServer(t)
	client, _ := loggedInClient(t, server)
	session, err := client.StartSyncSession(context.Background(), StartSessionRequest{})
	require.NoError(t, err)

	server.FailNext(centraltest.RouteCompletePush, http.StatusServiceUnavailable)
	err = client.CompletePush(context.Background(), session.ID, []string{"patients"})
	require.Error(t, err)
	assert.Equal(t, 1, server.Calls(centraltest.RouteCompletePush))
}

func TestQueueBusy(t *testing.T) {
	server := centraltest.NewServer(t)
	server.QueueBusy = true
	client, _ := loggedInClient(t, server)

	session, err := client.StartSyncSession(context.Background(), StartSessionRequest{})
	var netErr *syncerr.NetworkError
	require.ErrorAs(t, err, &netErr)
	assert.True(t, syncerr.IsRetryable(err))
	assert.Nil(t, session, "no id was issued")
}

func TestCancelledContextIsNotRetried(t *testing.T) {
	server := centraltest.NewServer(t)
	client, _ := loggedInClient(t, server)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := client.StartSyncSession(ctx, StartSessionRequest{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, 0, server.Calls(centraltest.RouteStartSession))
}

func TestSessionRoundTrip(t *testing.T) {
	server := centraltest.NewServer(t)
	server.ReadyAfter = 2
	for i, id := range []string{"a", "b", "c", "d", "e"} {
		server.AddRecord("patients", id, map[string]any{"first_name": id, "visits": i})
	}
	server.AddRecord("facilities", "f1", map[string]any{"name": "Clinic"})
	client, _ := loggedInClient(t, server)
	ctx := context.Background()

	session, err := client.StartSyncSession(ctx, StartSessionRequest{LastSyncedTick: -1})
	require.NoError(t, err)
	assert.Equal(t, server.Tick(), session.StartedAtTick)
	assert.Equal(t, 3, server.Calls(centraltest.RouteSessionReady), "polled until ready")

	require.NoError(t, client.Push(ctx, session.ID, []types.SyncRecord{{
		RecordType: "notes", RecordID: "n1", Data: map[string]any{"content": "hello"},
	}}))
	require.NoError(t, client.CompletePush(ctx, session.ID, []string{"notes"}))

	meta, err := client.InitiatePull(ctx, session.ID, PullRequest{Since: 2, TablesToInclude: []string{"patients"}})
	require.NoError(t, err)
	assert.Equal(t, 3, meta.TotalToPull, "patients c, d, e are newer than tick 2")

	var pulled []types.SyncRecord
	cursor := ""
	for {
		page, err := client.Pull(ctx, session.ID, 2, cursor)
		require.NoError(t, err)
		if len(page) == 0 {
			break
		}
		pulled = append(pulled, page...)
		cursor = NextCursor(page)
	}
	require.Len(t, pulled, 3)
	assert.Equal(t, "c", pulled[0].RecordID)
	assert.Equal(t, json.Number("4"), pulled[2].Data["visits"])

	require.NoError(t, client.EndSyncSession(ctx, session.ID))
	assert.Equal(t, 0, server.OpenSessions())

	pushed := server.Pushed()
	require.Len(t, pushed, 1)
	assert.Equal(t, "n1", pushed[0].RecordID)
}

func TestRetryDelay(t *testing.T) {
	client := &Client{cfg: Config{BaseDelay: 100 * time.Millisecond, MaxDelay: 300 * time.Millisecond}}
	for attempt := 1; attempt <= 6; attempt++ {
		d := client.retryDelay(attempt)
		assert.GreaterOrEqual(t, d, time.Duration(0))
		assert.LessOrEqual(t, d, 300*time.Millisecond)
	}
	first := client.retryDelay(1)
	assert.GreaterOrEqual(t, first, 75*time.Millisecond)
	assert.LessOrEqual(t, first, 125*time.Millisecond)
}

func TestStartSessionReturnsIssuedIDOnFailure(t *testing.T) {
	server := centraltest.NewServer(t)
	server.FailNext(centraltest.RouteSessionReady, http.StatusBadRequest)
	client, _ := loggedInClient(t, server)
	ctx := context.Background()

	session, err := client.StartSyncSession(ctx, StartSessionRequest{LastSyncedTick: -1})
	require.Error(t, err)
	require.NotNil(t, session, "an issued session id must not be lost")
	assert.NotEmpty(t, session.ID)
	assert.Equal(t, 0, server.Calls(centraltest.RouteSessionMetadata))

	require.NoError(t, client.EndSyncSession(ctx, session.ID))
	assert.Equal(t, 0, server.OpenSessions())
}
