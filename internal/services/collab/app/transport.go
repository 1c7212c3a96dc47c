package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	platformerrors "github.com/louisbranch/campaign-collab/internal/platform/errors"
	"github.com/louisbranch/campaign-collab/internal/platform/id"
	"github.com/louisbranch/campaign-collab/internal/platform/requestctx"
	"github.com/louisbranch/campaign-collab/internal/platform/timeouts"
	"github.com/louisbranch/campaign-collab/internal/services/collab/domain"
	"github.com/louisbranch/campaign-collab/internal/services/collab/room"
	"github.com/louisbranch/campaign-collab/internal/services/collab/storage"
	"golang.org/x/net/websocket"
)

const (
	maxFramePayloadBytes   = 16 * 1024
	maxFramesPerSecond     = 40
	maxDecodeErrorsPerConn = 3
)

// HandlerConfig wires the HTTP surface to the room manager.
type HandlerConfig struct {
	Manager *room.Manager
	// Store backs the change history endpoint. When nil, history is read from
	// the live room.
	Store         storage.ChangeStore
	Authenticator Authenticator
	// DevIdentity trusts actor_id and name query parameters when no
	// Authenticator is configured. Never enable it in production.
	DevIdentity bool
	Logger      *slog.Logger
}

type handler struct {
	manager       *room.Manager
	store         storage.ChangeStore
	authenticator Authenticator
	devIdentity   bool
	logger        *slog.Logger
}

// NewHandler builds the collaboration routes.
func NewHandler(cfg HandlerConfig) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	h := &handler{
		manager:       cfg.Manager,
		store:         cfg.Store,
		authenticator: cfg.Authenticator,
		devIdentity:   cfg.DevIdentity,
		logger:        logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/up", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	mux.HandleFunc("/ws", h.serveWS)
	mux.HandleFunc("GET /api/rooms", h.listRooms)
	mux.HandleFunc("GET /api/rooms/{campaign_id}", h.getRoom)
	mux.HandleFunc("GET /api/rooms/{campaign_id}/changes", h.listChanges)
	return mux
}

// identify resolves the caller before any room is touched.
func (h *handler) identify(r *http.Request) (Identity, error) {
	if h.authenticator != nil {
		token := accessTokenFromRequest(r)
		if token == "" {
			return Identity{}, platformerrors.New(platformerrors.CodeAuthRequired, "authentication required")
		}
		ctx, cancel := context.WithTimeout(r.Context(), timeouts.AuthVerify)
		defer cancel()
		identity, err := h.authenticator.Authenticate(ctx, token)
		if err != nil {
			if _, ok := platformerrors.As(err); ok {
				return Identity{}, err
			}
			return Identity{}, platformerrors.Wrap(platformerrors.CodeAuthInvalid, "authentication failed", err)
		}
		if strings.TrimSpace(identity.ActorID) == "" {
			return Identity{}, platformerrors.New(platformerrors.CodeAuthInvalid, "authentication failed")
		}
		return identity, nil
	}
	if h.devIdentity {
		query := r.URL.Query()
		actorID := strings.TrimSpace(query.Get("actor_id"))
		if actorID == "" {
			return Identity{}, platformerrors.New(platformerrors.CodeAuthRequired, "actor_id is required")
		}
		name := strings.TrimSpace(query.Get("name"))
		if name == "" {
			name = actorID
		}
		return Identity{ActorID: actorID, DisplayName: name}, nil
	}
	return Identity{}, platformerrors.New(platformerrors.CodeAuthUnconfigured, "websocket auth is not configured")
}

func (h *handler) serveWS(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	campaignID := strings.TrimSpace(r.URL.Query().Get("campaign_id"))
	if campaignID == "" {
		writeHTTPError(w, platformerrors.New(platformerrors.CodeCampaignIDRequired, "campaign_id is required"))
		return
	}

	identity, err := h.identify(r)
	if err != nil {
		h.logger.Warn("websocket unauthorized",
			"host", r.Host,
			"remote", r.RemoteAddr,
			"campaign_id", campaignID,
			"err", err,
		)
		writeHTTPError(w, err)
		return
	}
	if !identity.CanJoin(campaignID) {
		writeHTTPError(w, platformerrors.New(platformerrors.CodeCampaignForbidden, "participant access required for campaign"))
		return
	}

	r = r.WithContext(requestctx.WithActor(r.Context(), requestctx.Actor{
		ID:          identity.ActorID,
		DisplayName: identity.DisplayName,
	}))
	websocket.Handler(func(conn *websocket.Conn) {
		h.handleWSConn(conn, campaignID)
	}).ServeHTTP(w, r)
}

func (h *handler) handleWSConn(conn *websocket.Conn, campaignID string) {
	defer func() {
		_ = conn.Close()
	}()
	conn.MaxPayloadBytes = maxFramePayloadBytes

	ctx := conn.Request().Context()
	actor, _ := requestctx.ActorFromContext(ctx)
	logger := h.logger.With("campaign_id", campaignID, "actor_id", actor.ID)
	peer := newWSPeer(conn)
	errs := newErrorFrames(peer, campaignID, actor.ID)

	session, err := room.NewSession(actor.ID, actor.DisplayName, peer)
	if err != nil {
		logger.Error("create session", "err", err)
		return
	}
	if err := h.manager.Dispatch(ctx, campaignID, actor.ID, room.JoinCommand{Session: session}); err != nil {
		logger.Warn("join room", "err", err)
		_ = errs.write(platformerrors.Wrap(platformerrors.CodeRoomClosed, "room unavailable", err))
		return
	}
	defer func() {
		leaveCtx, cancel := context.WithTimeout(context.Background(), timeouts.Shutdown)
		defer cancel()
		if _, err := h.manager.Disconnect(leaveCtx, campaignID, session); err != nil {
			logger.Warn("disconnect session", "err", err)
		}
	}()

	windowStart := time.Now()
	framesInWindow := 0
	decodeErrors := 0

	for {
		var raw []byte
		if err := websocket.Message.Receive(conn, &raw); err != nil {
			if errors.Is(err, websocket.ErrFrameTooLarge) {
				decodeErrors++
				_ = errs.write(platformerrors.New(platformerrors.CodeFrameTooLarge, "payload too large"))
				if decodeErrors >= maxDecodeErrorsPerConn {
					return
				}
				continue
			}
			if !errors.Is(err, io.EOF) {
				logger.Debug("websocket read ended", "err", err)
			}
			return
		}

		now := time.Now()
		if now.Sub(windowStart) >= time.Second {
			windowStart = now
			framesInWindow = 0
		}
		framesInWindow++
		if framesInWindow > maxFramesPerSecond {
			_ = errs.write(platformerrors.New(platformerrors.CodeFrameRateExceeded, "rate limit exceeded"))
			return
		}

		cmd, err := domain.DecodeCommand(raw)
		if err != nil {
			decodeErrors++
			_ = errs.write(err)
			if decodeErrors >= maxDecodeErrorsPerConn {
				return
			}
			continue
		}
		decodeErrors = 0

		err = h.manager.Dispatch(ctx, campaignID, actor.ID, cmd)
		if _, leaving := cmd.(domain.Leave); leaving {
			return
		}
		if err == nil {
			continue
		}
		switch {
		case errors.Is(err, room.ErrNotParticipant):
			_ = errs.write(platformerrors.Wrap(platformerrors.CodeNotParticipant, "session is no longer in the room", err))
			return
		case errors.Is(err, room.ErrRoomNotFound), errors.Is(err, room.ErrRoomClosed):
			_ = errs.write(platformerrors.Wrap(platformerrors.CodeRoomClosed, "room is closed", err))
			return
		case errors.Is(err, context.Canceled):
			return
		default:
			logger.Error("dispatch command", "event_type", cmd.EventType(), "err", err)
			_ = errs.write(err)
		}
	}
}

// wsPeer is the room.Transport for one WebSocket connection.
type wsPeer struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func newWSPeer(conn *websocket.Conn) *wsPeer {
	return &wsPeer{conn: conn}
}

// WriteFrame sends one text message. The context deadline bounds the write.
func (p *wsPeer) WriteFrame(ctx context.Context, frame []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if deadline, ok := ctx.Deadline(); ok {
		_ = p.conn.SetWriteDeadline(deadline)
		defer func() { _ = p.conn.SetWriteDeadline(time.Time{}) }()
	}
	return websocket.Message.Send(p.conn, string(frame))
}

func (p *wsPeer) Close() error {
	return p.conn.Close()
}

// errorFrames writes out-of-band error events for one connection. Error
// frames never pass through a room, so they carry their own epoch and
// counter. Only the connection's read loop writes them.
type errorFrames struct {
	peer       *wsPeer
	campaignID string
	actorID    string
	epoch      string
	seq        uint64
}

func newErrorFrames(peer *wsPeer, campaignID, actorID string) *errorFrames {
	epoch, err := id.NewID()
	if err != nil {
		epoch = strconv.FormatInt(time.Now().UnixNano(), 36)
	}
	return &errorFrames{peer: peer, campaignID: campaignID, actorID: actorID, epoch: epoch}
}

func (f *errorFrames) write(err error) error {
	f.seq++
	frame, encodeErr := encodeErrorFrame(f.campaignID, f.actorID, f.epoch, f.seq, err)
	if encodeErr != nil {
		return encodeErr
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeouts.FrameWrite)
	defer cancel()
	return f.peer.WriteFrame(ctx, frame)
}

// encodeErrorFrame renders err as an out-of-band error event.
func encodeErrorFrame(campaignID, actorID, epoch string, seq uint64, err error) ([]byte, error) {
	code := platformerrors.GetCode(err)
	message := "internal error"
	if domainErr, ok := platformerrors.As(err); ok {
		message = domainErr.Message
	}
	event, buildErr := domain.NewEvent(campaignID, actorID, seq, time.Now(), domain.ErrorFrame{
		Code:      code.WireCode(),
		Reason:    string(code),
		Message:   message,
		Retryable: code == platformerrors.CodeFrameRateExceeded,
	})
	if buildErr != nil {
		return nil, buildErr
	}
	return domain.Encode(event.WithEpoch(epoch))
}

type httpErrorEnvelope struct {
	Error httpError `json:"error"`
}

type httpError struct {
	Code     string            `json:"code"`
	Reason   string            `json:"reason"`
	Message  string            `json:"message"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

func writeHTTPError(w http.ResponseWriter, err error) {
	code := platformerrors.GetCode(err)
	body := httpError{Code: code.WireCode(), Reason: string(code), Message: "internal error"}
	if domainErr, ok := platformerrors.As(err); ok {
		body.Message = domainErr.Message
		body.Metadata = domainErr.Metadata
	}
	writeJSON(w, code.HTTPStatus(), httpErrorEnvelope{Error: body})
}

func writeJSON(w http.ResponseWriter, status int, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(value)
}
