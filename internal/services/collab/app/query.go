package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	platformerrors "github.com/louisbranch/campaign-collab/internal/platform/errors"
	"github.com/louisbranch/campaign-collab/internal/services/collab/domain"
	"github.com/louisbranch/campaign-collab/internal/services/collab/room"
)

const (
	defaultChangesLimit = 50
	maxChangesLimit     = 500
)

type roomSummary struct {
	RoomID           string     `json:"room_id"`
	ParticipantCount int        `json:"participant_count"`
	LockCount        int        `json:"lock_count"`
	ChangeCount      int        `json:"change_count"`
	LastActivity     time.Time  `json:"last_activity"`
	EmptySince       *time.Time `json:"empty_since,omitempty"`
}

type roomsResponse struct {
	Rooms []roomSummary `json:"rooms"`
}

type changesResponse struct {
	RoomID  string               `json:"room_id"`
	Source  string               `json:"source"`
	Changes []domain.ChangeEntry `json:"changes"`
}

func (h *handler) listRooms(w http.ResponseWriter, r *http.Request) {
	identity, err := h.identify(r)
	if err != nil {
		writeHTTPError(w, err)
		return
	}
	snapshots, err := h.manager.Rooms(r.Context())
	if err != nil {
		h.logger.Error("list rooms", "err", err)
		writeHTTPError(w, err)
		return
	}
	out := roomsResponse{Rooms: make([]roomSummary, 0, len(snapshots))}
	for _, snap := range snapshots {
		if !identity.CanJoin(snap.RoomID) {
			continue
		}
		out.Rooms = append(out.Rooms, roomSummary{
			RoomID:           snap.RoomID,
			ParticipantCount: len(snap.Participants),
			LockCount:        len(snap.Locks),
			ChangeCount:      snap.ChangeCount,
			LastActivity:     snap.LastActivity,
			EmptySince:       snap.EmptySince,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *handler) getRoom(w http.ResponseWriter, r *http.Request) {
	campaignID, ok := h.authorizeCampaign(w, r)
	if !ok {
		return
	}
	snap, err := h.manager.Snapshot(r.Context(), campaignID)
	if err != nil {
		writeHTTPError(w, roomQueryError(err))
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (h *handler) listChanges(w http.ResponseWriter, r *http.Request) {
	campaignID, ok := h.authorizeCampaign(w, r)
	if !ok {
		return
	}
	limit, err := parseLimit(r.URL.Query().Get("limit"))
	if err != nil {
		writeHTTPError(w, err)
		return
	}

	if h.store != nil {
		changes, err := h.store.ListChanges(r.Context(), campaignID, limit)
		if err != nil {
			h.logger.Error("list stored changes", "campaign_id", campaignID, "err", err)
			writeHTTPError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, changesResponse{RoomID: campaignID, Source: "store", Changes: changes})
		return
	}

	changes, err := h.manager.Changes(r.Context(), campaignID, limit)
	if err != nil {
		writeHTTPError(w, roomQueryError(err))
		return
	}
	writeJSON(w, http.StatusOK, changesResponse{RoomID: campaignID, Source: "room", Changes: changes})
}

func (h *handler) authorizeCampaign(w http.ResponseWriter, r *http.Request) (string, bool) {
	campaignID := strings.TrimSpace(r.PathValue("campaign_id"))
	if campaignID == "" {
		writeHTTPError(w, platformerrors.New(platformerrors.CodeCampaignIDRequired, "campaign_id is required"))
		return "", false
	}
	identity, err := h.identify(r)
	if err != nil {
		writeHTTPError(w, err)
		return "", false
	}
	if !identity.CanJoin(campaignID) {
		writeHTTPError(w, platformerrors.New(platformerrors.CodeCampaignForbidden, "participant access required for campaign"))
		return "", false
	}
	return campaignID, true
}

func parseLimit(raw string) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return defaultChangesLimit, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return 0, platformerrors.WithMetadata(
			platformerrors.CodeQueryLimitMalformed,
			"limit must be a positive integer",
			map[string]string{"limit": raw},
		)
	}
	if limit > maxChangesLimit {
		limit = maxChangesLimit
	}
	return limit, nil
}

func roomQueryError(err error) error {
	if errors.Is(err, room.ErrRoomNotFound) || errors.Is(err, room.ErrRoomClosed) {
		return platformerrors.Wrap(platformerrors.CodeRoomNotFound, "no active room for campaign", err)
	}
	return err
}
