package httpapi

import (
	"encoding/json"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/dustline/tactics-server/internal/session"
	"github.com/dustline/tactics-server/internal/store"
	"github.com/dustline/tactics-server/internal/ws"
)

type API struct {
	log      *zap.Logger
	store    store.Store
	sessions *session.Manager
	verify   ws.TokenVerifier
}

func New(log *zap.Logger, st store.Store, sm *session.Manager, verify ws.TokenVerifier) *API {
	return &API{log: log, store: st, sessions: sm, verify: verify}
}

type createSessionRequest struct {
	Name        string `json:"name"`
	Visibility  string `json:"visibility"`
	Password    string `json:"password,omitempty"`
	Capacity    int    `json:"capacity"`
	MinLevel    int    `json:"minLevel"`
	MaxLevel    int    `json:"maxLevel"`
	MapID       string `json:"mapId"`
	TurnSeconds int    `json:"turnSeconds"`
	CharacterID string `json:"characterId,omitempty"`
}

type createSessionResponse struct {
	SessionID     string `json:"sessionId"`
	ParticipantID string `json:"participantId"`
}

func (a *API) CreateSession(w http.ResponseWriter, r *http.Request) {
	who, ok := a.authenticate(w, r)
	if !ok {
		return
	}

	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed body", http.StatusBadRequest)
		return
	}
	visibility := store.VisibilityPublic
	if req.Visibility == string(store.VisibilityPrivate) {
		visibility = store.VisibilityPrivate
	}
	if req.Capacity <= 0 {
		req.Capacity = 4
	}
	if req.TurnSeconds <= 0 {
		req.TurnSeconds = 30
	}

	sess, host, err := a.sessions.Create(r.Context(), who, session.CreateConfig{
		Name:        req.Name,
		Visibility:  visibility,
		Password:    req.Password,
		Capacity:    req.Capacity,
		MinLevel:    req.MinLevel,
		MaxLevel:    req.MaxLevel,
		MapID:       req.MapID,
		TurnSeconds: req.TurnSeconds,
		CharacterID: req.CharacterID,
	})
	if err != nil {
		a.log.Warn("creating session", zap.Error(err))
		http.Error(w, "failed to create session", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(createSessionResponse{
		SessionID:     sess.ID,
		ParticipantID: host.ID,
	})
}

type sessionSummary struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Capacity    int    `json:"capacity"`
	MinLevel    int    `json:"minLevel"`
	MaxLevel    int    `json:"maxLevel"`
	MapID       string `json:"mapId"`
	TurnSeconds int    `json:"turnSeconds"`
}

// ListSessions returns the public lobbies a browser can join.
func (a *API) ListSessions(w http.ResponseWriter, r *http.Request) {
	open, err := a.store.ListSessions(r.Context(), store.StatusLobby, store.VisibilityPublic)
	if err != nil {
		http.Error(w, "failed to list sessions", http.StatusInternalServerError)
		return
	}
	out := make([]sessionSummary, 0, len(open))
	for _, s := range open {
		out = append(out, sessionSummary{
			ID:          s.ID,
			Name:        s.Name,
			Capacity:    s.Capacity,
			MinLevel:    s.MinLevel,
			MaxLevel:    s.MaxLevel,
			MapID:       s.MapID,
			TurnSeconds: s.TurnSeconds,
		})
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)
}

func Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func (a *API) authenticate(w http.ResponseWriter, r *http.Request) (session.Identity, bool) {
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	who, err := a.verify(r.Context(), token)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return session.Identity{}, false
	}
	return who, true
}
