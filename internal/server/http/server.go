// Package httpserver serves the remote auth endpoint, single-resource edits and the websocket
// stream feed.
package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/and161185/vaultsync/internal/authclient"
	"github.com/and161185/vaultsync/internal/errs"
	"github.com/and161185/vaultsync/internal/identity"
	"github.com/and161185/vaultsync/internal/model"
	"github.com/and161185/vaultsync/internal/service"
	"github.com/and161185/vaultsync/internal/stream"
)

// Accounts is the account service behind /auth.
type Accounts interface {
	Register(ctx context.Context, cr model.Credentials) (model.AuthResponse, error)
	Login(ctx context.Context, cr model.Credentials) (model.AuthResponse, error)
	UpdateCredential(ctx context.Context, uid uuid.UUID, sessionDevice string, cr model.Credentials) (model.AuthResponse, error)
}

// Resources edits single resources.
type Resources interface {
	Update(ctx context.Context, ownerID, id uuid.UUID, baseVer int64, name string, payload json.RawMessage) (int64, error)
	Delete(ctx context.Context, ownerID, id uuid.UUID, baseVer int64) error
}

// SessionVerifier validates bearer session tokens.
type SessionVerifier interface {
	VerifySession(token string) (*identity.Claims, error)
}

const (
	maxBody   = 64 << 10
	writeWait = 10 * time.Second
)

// Server holds the handler dependencies.
type Server struct {
	accounts  Accounts
	resources Resources
	sessions  SessionVerifier
	feed      stream.Subscriber
	upgrader  websocket.Upgrader
	log       *zap.Logger
}

// New constructs a Server.
func New(accounts Accounts, resources Resources, sessions SessionVerifier, feed stream.Subscriber, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		accounts:  accounts,
		resources: resources,
		sessions:  sessions,
		feed:      feed,
		upgrader: websocket.Upgrader{
			// Clients are native apps and CLIs, not browsers.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		log: log,
	}
}

// Router builds the mux with logging middleware.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.logging)
	r.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods(http.MethodGet)

	r.HandleFunc(authclient.PathLogin, s.login).Methods(http.MethodPost)
	r.HandleFunc(authclient.PathRegister, s.register).Methods(http.MethodPost)
	r.HandleFunc(authclient.PathUpdateCredential, s.updateCredential).Methods(http.MethodPost)

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/feed", s.streamFeed).Methods(http.MethodGet)
	v1.HandleFunc("/resources/{id}", s.updateResource).Methods(http.MethodPatch)
	v1.HandleFunc("/resources/{id}", s.deleteResource).Methods(http.MethodDelete)
	return r
}

func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	cr, ok := s.decodeCredentials(w, r)
	if !ok {
		return
	}
	resp, err := s.accounts.Login(r.Context(), cr)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) register(w http.ResponseWriter, r *http.Request) {
	cr, ok := s.decodeCredentials(w, r)
	if !ok {
		return
	}
	resp, err := s.accounts.Register(r.Context(), cr)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (s *Server) updateCredential(w http.ResponseWriter, r *http.Request) {
	claims, uid, err := s.authenticate(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	cr, ok := s.decodeCredentials(w, r)
	if !ok {
		return
	}
	resp, err := s.accounts.UpdateCredential(r.Context(), uid, claims.Device, cr)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

type resourcePatch struct {
	BaseVer int64           `json:"baseVer"`
	Name    string          `json:"name"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func (s *Server) updateResource(w http.ResponseWriter, r *http.Request) {
	_, uid, err := s.authenticate(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	id, err := uuid.FromString(mux.Vars(r)["id"])
	if err != nil {
		writeMessage(w, http.StatusBadRequest, "Invalid resource id.")
		return
	}
	var p resourcePatch
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody)).Decode(&p); err != nil {
		writeMessage(w, http.StatusBadRequest, "Invalid request body.")
		return
	}
	ver, err := s.resources.Update(r.Context(), uid, id, p.BaseVer, p.Name, p.Payload)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"ver": ver})
}

func (s *Server) deleteResource(w http.ResponseWriter, r *http.Request) {
	_, uid, err := s.authenticate(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	id, err := uuid.FromString(mux.Vars(r)["id"])
	if err != nil {
		writeMessage(w, http.StatusBadRequest, "Invalid resource id.")
		return
	}
	base, err := strconv.ParseInt(r.URL.Query().Get("baseVer"), 10, 64)
	if err != nil {
		writeMessage(w, http.StatusBadRequest, "baseVer is required.")
		return
	}
	if err := s.resources.Delete(r.Context(), uid, id, base); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// streamFeed upgrades to a websocket and pushes one JSON snapshot per change until either side
// goes away.
func (s *Server) streamFeed(w http.ResponseWriter, r *http.Request) {
	_, uid, err := s.authenticate(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	q, err := feedQuery(uid, r)
	if err != nil {
		writeMessage(w, http.StatusBadRequest, err.Error())
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("feed upgrade", zap.Error(err))
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go func() {
		// Drain client frames so close and ping control messages are processed.
		for {
			if _, _, err := conn.NextReader(); err != nil {
				cancel()
				return
			}
		}
	}()

	err = s.feed.Subscribe(ctx, q, func(snap model.Snapshot) {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if werr := conn.WriteJSON(snap); werr != nil {
			cancel()
		}
	})

	code, text := websocket.CloseNormalClosure, ""
	if ctx.Err() == nil {
		if err == nil {
			err = stream.ErrStreamClosed
		}
		s.log.Warn("feed source failed", zap.String("owner", uid.String()), zap.Stringer("kind", q.Kind), zap.Error(err))
		code, text = websocket.CloseInternalServerErr, "stream unavailable"
	}
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(writeWait))
}

func feedQuery(uid uuid.UUID, r *http.Request) (model.Query, error) {
	kind, ok := model.ParseStreamKind(r.URL.Query().Get("kind"))
	if !ok {
		return model.Query{}, errors.New("unknown stream kind")
	}
	q := model.Query{OwnerID: uid, Kind: kind}
	if p := r.URL.Query().Get("parent"); p != "" {
		id, err := uuid.FromString(p)
		if err != nil {
			return model.Query{}, errors.New("invalid parent id")
		}
		q.ParentID = &id
	}
	return q, nil
}

func (s *Server) authenticate(r *http.Request) (*identity.Claims, uuid.UUID, error) {
	tok, ok := bearerToken(r.Header.Get("Authorization"))
	if !ok {
		return nil, uuid.Nil, errs.ErrUnauthorized
	}
	claims, err := s.sessions.VerifySession(tok)
	if err != nil {
		return nil, uuid.Nil, errs.ErrUnauthorized
	}
	uid, err := uuid.FromString(claims.Subject)
	if err != nil {
		return nil, uuid.Nil, errs.ErrUnauthorized
	}
	return claims, uid, nil
}

func bearerToken(h string) (string, bool) {
	const prefix = "bearer "
	if len(h) <= len(prefix) || !strings.EqualFold(h[:len(prefix)], prefix) {
		return "", false
	}
	tok := strings.TrimSpace(h[len(prefix):])
	return tok, tok != ""
}

func (s *Server) decodeCredentials(w http.ResponseWriter, r *http.Request) (model.Credentials, bool) {
	var cr model.Credentials
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody)).Decode(&cr); err != nil {
		writeMessage(w, http.StatusBadRequest, "Invalid request body.")
		return model.Credentials{}, false
	}
	return cr, true
}

// writeError maps the error taxonomy onto a status and a {message} body.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	var (
		le *errs.LockedError
		dm *errs.DeviceMismatchError
	)
	switch {
	case errors.Is(err, service.ErrInvalidInput):
		writeMessage(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &le):
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(le.Remaining.Seconds()))))
		writeMessage(w, http.StatusTooManyRequests, le.Error())
	case errors.As(err, &dm):
		writeMessage(w, http.StatusForbidden, dm.Error())
	case errors.Is(err, errs.ErrUnauthorized):
		writeMessage(w, http.StatusUnauthorized, "Invalid mobile number or password.")
	case errors.Is(err, errs.ErrAlreadyExists):
		writeMessage(w, http.StatusConflict, "An account with this mobile number already exists.")
	case errors.Is(err, errs.ErrVersionConflict):
		writeMessage(w, http.StatusConflict, "The resource was changed by another client.")
	case errors.Is(err, errs.ErrNotFound):
		writeMessage(w, http.StatusNotFound, "Not found.")
	default:
		s.log.Error("request failed", zap.Error(err))
		writeMessage(w, http.StatusInternalServerError, "Internal error.")
	}
}

func writeMessage(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"message": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
