// Package centraltest runs an in-process central sync server for tests.
//
// It implements the sync wire protocol over an in-memory record store, with
// knobs to inject failures, expire tokens and reject old client versions.
package centraltest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"

	"golang.org/x/mod/semver"

	"github.com/beyondessential/tamanu-sync/internal/types"
)

// Route names used by Calls and FailNext.
const (
	RouteLogin            = "login"
	RouteRefresh          = "refresh"
	RouteStartSession     = "start"
	RouteSessionReady     = "ready"
	RouteSessionMetadata  = "metadata"
	RouteInitiatePull     = "pull/initiate"
	RoutePullReady        = "pull/ready"
	RoutePullMetadata     = "pull/metadata"
	RoutePull             = "pull"
	RoutePush             = "push"
	RouteCompletePush     = "push/complete"
	RoutePushCompleteWait = "push/complete/poll"
	RouteEndSession       = "end"
)

const (
	// Email and Password are the credentials the server accepts.
	Email    = "sync@example.org"
	Password = "correct horse"

	// FacilityID is the facility returned on login.
	FacilityID = "facility-1"
)

type session struct {
	deviceID      string
	startedAtTick int64
	readyPolls    int
	snapshot      []types.SyncRecord
	pullUntil     int64
	pushed        []types.SyncRecord
	completed     bool
	ended         bool
	pullRequest   PullRequest
}

// PullRequest is the body the server received on pull initiation.
type PullRequest struct {
	Since               int64    `json:"since"`
	FacilityIDs         []string `json:"facilityIds"`
	TablesToInclude     []string `json:"tablesToInclude"`
	TablesForFullResync []string `json:"tablesForFullResync"`
	DeviceID            string   `json:"deviceId"`
}

// Server is a fake central server.
type Server struct {
	srv *httptest.Server

	mu sync.Mutex

	// MinClientVersion, when set, is advertised in X-Min-Client-Version.
	// With RejectOutdated the server instead answers older clients with an
	// InvalidClientVersion error body.
	MinClientVersion string
	RejectOutdated   bool
	UpdateURL        string

	// ReadyAfter is the number of "not ready" answers each readiness poll
	// gives before answering true.
	ReadyAfter int

	// QueueBusy makes session start answer without a session id.
	QueueBusy bool

	// RejectRefresh makes every refresh fail with 401.
	RejectRefresh bool

	tick          int64
	records       []types.SyncRecord
	pushedBy      map[string]string
	pushed        []types.SyncRecord
	sessions      map[string]*session
	nextSession   int
	tokens        map[string]bool
	refreshTokens map[string]bool
	tokenSeq      int
	calls         map[string]int
	failures      map[string][]int
	lastHeaders   http.Header
}

// NewServer starts a server that is closed when the test ends.
func NewServer(t testing.TB) *Server {
	t.Helper()
	s := &Server{
		sessions:      map[string]*session{},
		pushedBy:      map[string]string{},
		tokens:        map[string]bool{},
		refreshTokens: map[string]bool{},
		calls:         map[string]int{},
		failures:      map[string][]int{},
	}
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	s.srv = httptest.NewServer(mux)
	t.Cleanup(s.srv.Close)
	return s
}

// URL is the server base URL.
func (s *Server) URL() string {
	return s.srv.URL
}

// RegisterRoutes wires the protocol endpoints onto mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /login", s.handle(RouteLogin, false, s.login))
	mux.HandleFunc("POST /refresh", s.handle(RouteRefresh, false, s.refresh))
	mux.HandleFunc("POST /sync", s.handle(RouteStartSession, true, s.startSession))
	mux.HandleFunc("GET /sync/{id}/ready", s.handle(RouteSessionReady, true, s.sessionReady))
	mux.HandleFunc("GET /sync/{id}/metadata", s.handle(RouteSessionMetadata, true, s.sessionMetadata))
	mux.HandleFunc("POST /sync/{id}/pull/initiate", s.handle(RouteInitiatePull, true, s.initiatePull))
	mux.HandleFunc("GET /sync/{id}/pull/ready", s.handle(RoutePullReady, true, s.pullReady))
	mux.HandleFunc("GET /sync/{id}/pull/metadata", s.handle(RoutePullMetadata, true, s.pullMetadata))
	mux.HandleFunc("GET /sync/{id}/pull", s.handle(RoutePull, true, s.pull))
	mux.HandleFunc("POST /sync/{id}/push", s.handle(RoutePush, true, s.push))
	mux.HandleFunc("POST /sync/{id}/push/complete", s.handle(RouteCompletePush, true, s.completePush))
	mux.HandleFunc("GET /sync/{id}/push/complete", s.handle(RoutePushCompleteWait, true, s.pushCompleted))
	mux.HandleFunc("DELETE /sync/{id}", s.handle(RouteEndSession, true, s.endSession))
}

// IssueToken returns a valid access token, as if a login had happened.
func (s *Server) IssueToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	token, _ := s.issueLocked()
	return token
}

// IssueRefreshToken returns a refresh token the server will accept.
func (s *Server) IssueRefreshToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, refresh := s.issueLocked()
	return refresh
}

func (s *Server) issueLocked() (string, string) {
	s.tokenSeq++
	token := fmt.Sprintf("token-%d", s.tokenSeq)
	refresh := fmt.Sprintf("refresh-%d", s.tokenSeq)
	s.tokens[token] = true
	s.refreshTokens[refresh] = true
	return token, refresh
}

// ExpireTokens invalidates every access token. Refresh tokens stay valid.
func (s *Server) ExpireTokens() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens = map[string]bool{}
}

// FailNext makes the next calls to route answer with the given statuses,
// one per call.
func (s *Server) FailNext(route string, statuses ...int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[route] = append(s.failures[route], statuses...)
}

// Calls returns how often route was called.
func (s *Server) Calls(route string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[route]
}

// LastHeaders returns the headers of the most recent request.
func (s *Server) LastHeaders() http.Header {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastHeaders.Clone()
}

// AddRecord stores a record on the server at a new tick and returns the tick.
func (s *Server) AddRecord(recordType, recordID string, data map[string]any) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tick++
	delete(s.pushedBy, recordKey(recordType, recordID))
	s.upsertLocked(types.SyncRecord{
		RecordType:        recordType,
		RecordID:          recordID,
		Data:              data,
		UpdatedAtSyncTick: s.tick,
	})
	return s.tick
}

// DeleteRecord marks a stored record deleted at a new tick.
func (s *Server) DeleteRecord(recordType, recordID string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tick++
	delete(s.pushedBy, recordKey(recordType, recordID))
	for i := range s.records {
		if s.records[i].RecordType == recordType && s.records[i].RecordID == recordID {
			s.records[i].IsDeleted = true
			s.records[i].UpdatedAtSyncTick = s.tick
		}
	}
	return s.tick
}

// Tick returns the server clock.
func (s *Server) Tick() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tick
}

// SetTick moves the server clock.
func (s *Server) SetTick(tick int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tick = tick
}

// Pushed returns every record pushed by completed sessions, in push order.
func (s *Server) Pushed() []types.SyncRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]types.SyncRecord(nil), s.pushed...)
}

// LastPullRequest returns the pull request of the newest session.
func (s *Server) LastPullRequest() PullRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[strconv.Itoa(s.nextSession)]; ok {
		return sess.pullRequest
	}
	return PullRequest{}
}

// OpenSessions counts sessions that were started and not ended.
func (s *Server) OpenSessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, sess := range s.sessions {
		if !sess.ended {
			n++
		}
	}
	return n
}

func recordKey(recordType, recordID string) string {
	return recordType + "/" + recordID
}

func (s *Server) upsertLocked(rec types.SyncRecord) {
	for i := range s.records {
		if s.records[i].RecordType == rec.RecordType && s.records[i].RecordID == rec.RecordID {
			s.records[i] = rec
			return
		}
	}
	s.records = append(s.records, rec)
}

type handlerFunc func(w http.ResponseWriter, r *http.Request)

// handle counts the call, applies injected failures, the version gate and,
// for authenticated routes, the bearer check. The server lock is held while
// next runs.
func (s *Server) handle(route string, authenticated bool, next handlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()

		s.calls[route]++
		s.lastHeaders = r.Header.Clone()

		if queue := s.failures[route]; len(queue) > 0 {
			status := queue[0]
			s.failures[route] = queue[1:]
			writeError(w, status, "InjectedError", "injected failure")
			return
		}

		if s.MinClientVersion != "" {
			if outdated(r.Header.Get("X-Version"), s.MinClientVersion) && s.RejectOutdated {
				writeJSON(w, http.StatusBadRequest, map[string]any{
					"error": map[string]any{
						"name":      "InvalidClientVersion",
						"message":   "client version is no longer supported",
						"updateUrl": s.UpdateURL,
					},
				})
				return
			}
			w.Header().Set("X-Min-Client-Version", s.MinClientVersion)
			if s.UpdateURL != "" {
				w.Header().Set("X-Update-Url", s.UpdateURL)
			}
		}

		if authenticated {
			token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !s.tokens[token] {
				writeError(w, http.StatusUnauthorized, "BadAuthenticationError", "invalid or expired token")
				return
			}
		}
		next(w, r)
	}
}

func outdated(have, want string) bool {
	if !strings.HasPrefix(have, "v") {
		have = "v" + have
	}
	if !strings.HasPrefix(want, "v") {
		want = "v" + want
	}
	return semver.IsValid(have) && semver.IsValid(want) && semver.Compare(have, want) < 0
}

func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Email    string `json:"email"`
		Password string `json:"password"`
		DeviceID string `json:"deviceId"`
	}
	if err := decodeJSON(r, &payload); err != nil {
		writeError(w, http.StatusBadRequest, "ValidationError", err.Error())
		return
	}
	if payload.Email != Email || payload.Password != Password {
		writeError(w, http.StatusUnauthorized, "BadAuthenticationError", "invalid credentials")
		return
	}
	token, refresh := s.issueLocked()
	writeJSON(w, http.StatusOK, map[string]any{
		"token":        token,
		"refreshToken": refresh,
		"user": map[string]any{
			"id":          "user-1",
			"email":       Email,
			"displayName": "Sync User",
			"role":        "practitioner",
		},
		"allowedFacilities": []map[string]any{{"id": FacilityID, "name": "Test Clinic"}},
		"settings":          map[string]any{},
		"localisation":      map[string]any{},
		"permissions":       []any{},
	})
}

func (s *Server) refresh(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		RefreshToken string `json:"refreshToken"`
	}
	if err := decodeJSON(r, &payload); err != nil {
		writeError(w, http.StatusBadRequest, "ValidationError", err.Error())
		return
	}
	if s.RejectRefresh || !s.refreshTokens[payload.RefreshToken] {
		writeError(w, http.StatusUnauthorized, "BadAuthenticationError", "invalid refresh token")
		return
	}
	delete(s.refreshTokens, payload.RefreshToken)
	token, refresh := s.issueLocked()
	writeJSON(w, http.StatusOK, map[string]any{"token": token, "refreshToken": refresh})
}

func (s *Server) startSession(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Urgent         bool     `json:"urgent"`
		LastSyncedTick int64    `json:"lastSyncedTick"`
		FacilityIDs    []string `json:"facilityIds"`
		DeviceID       string   `json:"deviceId"`
	}
	if err := decodeJSON(r, &payload); err != nil {
		writeError(w, http.StatusBadRequest, "ValidationError", err.Error())
		return
	}
	if s.QueueBusy {
		writeJSON(w, http.StatusOK, map[string]any{"status": "waitingInQueue"})
		return
	}
	s.nextSession++
	s.tick++
	id := strconv.Itoa(s.nextSession)
	s.sessions[id] = &session{deviceID: payload.DeviceID, startedAtTick: s.tick}
	writeJSON(w, http.StatusOK, map[string]any{"sessionId": id, "status": "goodToGo"})
}

func (s *Server) session(w http.ResponseWriter, r *http.Request) *session {
	sess, ok := s.sessions[r.PathValue("id")]
	if !ok || sess.ended {
		writeError(w, http.StatusNotFound, "NotFoundError", "sync session not found")
		return nil
	}
	return sess
}

func (s *Server) sessionReady(w http.ResponseWriter, r *http.Request) {
	sess := s.session(w, r)
	if sess == nil {
		return
	}
	sess.readyPolls++
	writeJSON(w, http.StatusOK, sess.readyPolls > s.ReadyAfter)
}

func (s *Server) sessionMetadata(w http.ResponseWriter, r *http.Request) {
	sess := s.session(w, r)
	if sess == nil {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"startedAtTick": sess.startedAtTick})
}

func (s *Server) initiatePull(w http.ResponseWriter, r *http.Request) {
	sess := s.session(w, r)
	if sess == nil {
		return
	}
	var payload PullRequest
	if err := decodeJSON(r, &payload); err != nil {
		writeError(w, http.StatusBadRequest, "ValidationError", err.Error())
		return
	}

	include := toSet(payload.TablesToInclude)
	full := toSet(payload.TablesForFullResync)

	var snapshot []types.SyncRecord
	for _, rec := range s.records {
		if len(include) > 0 && !include[rec.RecordType] {
			continue
		}
		if rec.UpdatedAtSyncTick <= payload.Since && !full[rec.RecordType] {
			continue
		}
		// A device is not sent back the changes it pushed itself.
		if by, ok := s.pushedBy[recordKey(rec.RecordType, rec.RecordID)]; ok && by == payload.DeviceID {
			continue
		}
		snapshot = append(snapshot, rec)
	}
	sort.SliceStable(snapshot, func(i, j int) bool {
		return snapshot[i].UpdatedAtSyncTick < snapshot[j].UpdatedAtSyncTick
	})
	for i := range snapshot {
		snapshot[i].ID = int64(i + 1)
	}

	sess.pullRequest = payload
	sess.snapshot = snapshot
	sess.pullUntil = s.tick
	sess.readyPolls = 0
	writeJSON(w, http.StatusOK, map[string]any{})
}

func (s *Server) pullReady(w http.ResponseWriter, r *http.Request) {
	s.sessionReady(w, r)
}

func (s *Server) pullMetadata(w http.ResponseWriter, r *http.Request) {
	sess := s.session(w, r)
	if sess == nil {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"totalToPull": len(sess.snapshot),
		"pullUntil":   sess.pullUntil,
	})
}

func (s *Server) pull(w http.ResponseWriter, r *http.Request) {
	sess := s.session(w, r)
	if sess == nil {
		return
	}
	limit, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || limit <= 0 {
		writeError(w, http.StatusBadRequest, "ValidationError", "limit must be a positive integer")
		return
	}
	var from int64
	if raw := r.URL.Query().Get("fromId"); raw != "" {
		if from, err = strconv.ParseInt(raw, 10, 64); err != nil {
			writeError(w, http.StatusBadRequest, "ValidationError", "invalid fromId")
			return
		}
	}

	page := []types.SyncRecord{}
	for _, rec := range sess.snapshot {
		if rec.ID <= from {
			continue
		}
		if len(page) == limit {
			break
		}
		page = append(page, rec)
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) push(w http.ResponseWriter, r *http.Request) {
	sess := s.session(w, r)
	if sess == nil {
		return
	}
	var payload struct {
		Changes []types.SyncRecord `json:"changes"`
	}
	if err := decodeJSON(r, &payload); err != nil {
		writeError(w, http.StatusBadRequest, "ValidationError", err.Error())
		return
	}
	sess.pushed = append(sess.pushed, payload.Changes...)
	writeJSON(w, http.StatusOK, map[string]any{})
}

func (s *Server) completePush(w http.ResponseWriter, r *http.Request) {
	sess := s.session(w, r)
	if sess == nil {
		return
	}
	if !sess.completed {
		for _, rec := range sess.pushed {
			rec.ID = 0
			s.pushed = append(s.pushed, rec)
			s.tick++
			rec.UpdatedAtSyncTick = s.tick
			s.upsertLocked(rec)
			s.pushedBy[recordKey(rec.RecordType, rec.RecordID)] = sess.deviceID
		}
		sess.completed = true
		sess.readyPolls = 0
	}
	writeJSON(w, http.StatusOK, map[string]any{})
}

func (s *Server) pushCompleted(w http.ResponseWriter, r *http.Request) {
	sess := s.session(w, r)
	if sess == nil {
		return
	}
	sess.readyPolls++
	writeJSON(w, http.StatusOK, sess.completed && sess.readyPolls > s.ReadyAfter)
}

func (s *Server) endSession(w http.ResponseWriter, r *http.Request) {
	sess := s.session(w, r)
	if sess == nil {
		return
	}
	sess.ended = true
	writeJSON(w, http.StatusOK, map[string]any{})
}

func toSet(values []string) map[string]bool {
	set := make(map[string]bool, len(values))
	for _, v := range values {
		set[v] = true
	}
	return set
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, name, message string) {
	writeJSON(w, status, map[string]any{"error": map[string]any{"name": name, "message": message}})
}

func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	return dec.Decode(v)
}
