package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/MEI-Research/ble-beacon-module/internal/beacon"
	"github.com/MEI-Research/ble-beacon-module/internal/engine"
	"github.com/MEI-Research/ble-beacon-module/internal/event"
	"github.com/MEI-Research/ble-beacon-module/internal/stats"
)

const maxBodyBytes = 1 << 20

type handler struct {
	deps Deps
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{
		"status":    "healthy",
		"timestamp": h.deps.Clock.Now().UTC().Format(time.RFC3339),
	}
	if h.deps.Store != nil {
		if err := h.deps.Store.Ping(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, CodeUnavailable, "store unreachable: "+err.Error())
			return
		}
	}
	writeJSON(w, http.StatusOK, body)
}

// fetchEvents withdraws one batch. Records in the response are gone from
// the queue.
func (h *handler) fetchEvents(w http.ResponseWriter, r *http.Request) {
	maxBytes := h.deps.MaxFetchBytes
	if raw := r.URL.Query().Get("max_bytes"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, CodeBadRequest, "max_bytes must be a positive integer")
			return
		}
		maxBytes = n
	}
	writeRaw(w, http.StatusOK, h.deps.Queue.Fetch(r.Context(), maxBytes))
}

func (h *handler) countEvents(w http.ResponseWriter, r *http.Request) {
	n, err := h.deps.Queue.Size(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, CodeInternal, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"count": n})
}

// DetectionRequest reports one beacon sighting. AtMS defaults to now.
type DetectionRequest struct {
	MajorID string `json:"major_id"`
	MinorID string `json:"minor_id"`
	AtMS    *int64 `json:"at_ms,omitempty"`
}

// DetectionResponse says whether the beacon is tracked and, if so, its
// encounter after the detection.
type DetectionResponse struct {
	Tracked   bool           `json:"tracked"`
	Encounter *EncounterView `json:"encounter,omitempty"`
}

func (h *handler) postDetection(w http.ResponseWriter, r *http.Request) {
	var req DetectionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	req.MajorID = strings.TrimSpace(req.MajorID)
	req.MinorID = strings.TrimSpace(req.MinorID)
	if req.MajorID == "" || req.MinorID == "" {
		writeError(w, http.StatusBadRequest, CodeBadRequest, "major_id and minor_id are required")
		return
	}

	now := h.deps.Clock.Now()
	if req.AtMS != nil {
		now = time.UnixMilli(*req.AtMS)
	}
	h.deps.Engine.OnBeaconDetected(r.Context(), req.MajorID, req.MinorID, now)

	resp := DetectionResponse{}
	if snap, ok := h.deps.Engine.Snapshot(req.MajorID, req.MinorID); ok {
		view := h.view(snap)
		resp.Tracked = true
		resp.Encounter = &view
	}
	writeJSON(w, http.StatusAccepted, resp)
}

// FriendsRequest replaces the friend list.
type FriendsRequest struct {
	Friends string `json:"friends"`
}

// FriendsResponse lists the registered identities.
type FriendsResponse struct {
	Friends []beacon.Identity `json:"friends"`
}

func (h *handler) getFriends(w http.ResponseWriter, _ *http.Request) {
	friends := h.deps.Engine.Friends()
	if friends == nil {
		friends = []beacon.Identity{}
	}
	writeJSON(w, http.StatusOK, FriendsResponse{Friends: friends})
}

func (h *handler) putFriends(w http.ResponseWriter, r *http.Request) {
	var req FriendsRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := h.deps.Engine.SetFriendList(r.Context(), req.Friends); err != nil {
		writeError(w, http.StatusInternalServerError, CodeInternal, err.Error())
		return
	}
	h.getFriends(w, r)
}

// EncounterView is the JSON form of an encounter record. Times use the
// event timestamp format and are omitted when unset.
type EncounterView struct {
	MajorID      string         `json:"major_id"`
	MinorID      string         `json:"minor_id"`
	FriendName   string         `json:"friend_name"`
	Tag          string         `json:"tag"`
	Status       engine.Status  `json:"status"`
	StartedAt    string         `json:"started_at,omitempty"`
	LastDetected string         `json:"last_detected,omitempty"`
	NextWakeAt   string         `json:"next_wake_at,omitempty"`
	ExpiresAt    string         `json:"expires_at,omitempty"`
	ActualAt     string         `json:"actual_at,omitempty"`
	Stats        stats.Snapshot `json:"stats"`
}

func (h *handler) view(s engine.Snapshot) EncounterView {
	return NewEncounterView(s, h.deps.Location)
}

// NewEncounterView renders s with times in loc.
func NewEncounterView(s engine.Snapshot, loc *time.Location) EncounterView {
	format := func(t time.Time) string {
		if t.IsZero() {
			return ""
		}
		return event.FormatTimestamp(t, loc)
	}
	return EncounterView{
		MajorID:      s.MajorID,
		MinorID:      s.MinorID,
		FriendName:   s.Name,
		Tag:          s.Tag,
		Status:       s.Status,
		StartedAt:    format(s.StartedAt),
		LastDetected: format(s.LastDetectedAt),
		NextWakeAt:   format(s.NextWakeAt),
		ExpiresAt:    format(s.ExpiresAt),
		ActualAt:     format(s.ActualAt),
		Stats:        s.Stats,
	}
}

func (h *handler) listEncounters(w http.ResponseWriter, _ *http.Request) {
	snaps := h.deps.Engine.Snapshots()
	out := make([]EncounterView, 0, len(snaps))
	for _, s := range snaps {
		out = append(out, h.view(s))
	}
	writeJSON(w, http.StatusOK, map[string][]EncounterView{"encounters": out})
}

func (h *handler) getEncounter(w http.ResponseWriter, r *http.Request) {
	major, minor := chi.URLParam(r, "major"), chi.URLParam(r, "minor")
	snap, ok := h.deps.Engine.Snapshot(major, minor)
	if !ok {
		writeError(w, http.StatusNotFound, CodeNotFound,
			fmt.Sprintf("beacon %s is not in the friend list", beacon.Key{Major: major, Minor: minor}))
		return
	}
	writeJSON(w, http.StatusOK, h.view(snap))
}

func (h *handler) getTimeouts(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.deps.Engine.Timeouts().Millis())
}

func (h *handler) putTimeouts(w http.ResponseWriter, r *http.Request) {
	req := h.deps.Engine.Timeouts().Millis()
	if !decodeBody(w, r, &req) {
		return
	}
	t := req.Durations()
	if err := t.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, CodeBadRequest, err.Error())
		return
	}
	if err := h.deps.Engine.SetTimeouts(r.Context(), t); err != nil {
		writeError(w, http.StatusInternalServerError, CodeInternal, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, t.Millis())
}

// decodeBody decodes a JSON request body into v, writing a 400 on failure.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, CodeBadRequest, "request body too large")
			return false
		}
		writeError(w, http.StatusBadRequest, CodeBadRequest, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}
