package api

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"teleconsult/pkg/types"
)

type scheduleBody struct {
	ScheduledAt     time.Time `json:"scheduled_at"`
	ExpectedVersion int64     `json:"expected_version"`
}

type participantBody struct {
	UserID string     `json:"user_id"`
	Role   types.Role `json:"role"`
}

type versionBody struct {
	ExpectedVersion int64 `json:"expected_version"`
}

type reasonBody struct {
	Reason string `json:"reason"`
}

type ratingBody struct {
	Score   int    `json:"score"`
	Comment string `json:"comment"`
}

type invitationBody struct {
	Email string     `json:"email"`
	Role  types.Role `json:"role"`
}

func sessionID(r *http.Request) string {
	return mux.Vars(r)["id"]
}

func invitationToken(r *http.Request) string {
	return mux.Vars(r)["token"]
}

// FUNCTIONAL DISCOVERY: POST /api/v1/sessions - Create a session owned by the caller
func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	var req types.CreateSessionRequest
	if err := decodeBody(r, &req); err != nil {
		s.respond(w, r, 0, "", nil, nil, err)
		return
	}
	res, err := s.sessions.CreateSession(r.Context(), actorFrom(r.Context()), req)
	if err != nil {
		s.respond(w, r, 0, "", nil, nil, err)
		return
	}
	s.respond(w, r, http.StatusCreated, "session created", res.Session, res.Warnings, nil)
}

// FUNCTIONAL DISCOVERY: GET /api/v1/sessions/{id} - Status snapshot for participants
func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	snap, err := s.sessions.Snapshot(r.Context(), actorFrom(r.Context()), sessionID(r))
	s.respond(w, r, http.StatusOK, "session snapshot", snap, nil, err)
}

func (s *Server) scheduleSession(w http.ResponseWriter, r *http.Request) {
	var body scheduleBody
	if err := decodeBody(r, &body); err != nil {
		s.respond(w, r, 0, "", nil, nil, err)
		return
	}
	if body.ScheduledAt.IsZero() {
		s.respond(w, r, 0, "", nil, nil, types.NewValidation("scheduled_at is required"))
		return
	}
	res, err := s.sessions.ScheduleSession(r.Context(), actorFrom(r.Context()), sessionID(r), body.ScheduledAt, body.ExpectedVersion)
	s.sessionResult(w, r, "session scheduled", res, err)
}

func (s *Server) addParticipant(w http.ResponseWriter, r *http.Request) {
	var body participantBody
	if err := decodeBody(r, &body); err != nil {
		s.respond(w, r, 0, "", nil, nil, err)
		return
	}
	p, err := s.sessions.AddParticipant(r.Context(), actorFrom(r.Context()), sessionID(r), body.UserID, body.Role)
	s.respond(w, r, http.StatusCreated, "participant added", p, nil, err)
}

func (s *Server) admitSession(w http.ResponseWriter, r *http.Request) {
	var body versionBody
	if err := decodeBody(r, &body); err != nil {
		s.respond(w, r, 0, "", nil, nil, err)
		return
	}
	res, err := s.sessions.Admit(r.Context(), actorFrom(r.Context()), sessionID(r), body.ExpectedVersion)
	s.sessionResult(w, r, "session admitted", res, err)
}

func (s *Server) endSession(w http.ResponseWriter, r *http.Request) {
	res, err := s.sessions.EndSession(r.Context(), actorFrom(r.Context()), sessionID(r))
	s.sessionResult(w, r, "session ended", res, err)
}

func (s *Server) cancelSession(w http.ResponseWriter, r *http.Request) {
	var body reasonBody
	if err := decodeBody(r, &body); err != nil {
		s.respond(w, r, 0, "", nil, nil, err)
		return
	}
	res, err := s.sessions.CancelSession(r.Context(), actorFrom(r.Context()), sessionID(r), body.Reason)
	s.sessionResult(w, r, "session cancelled", res, err)
}

func (s *Server) rateSession(w http.ResponseWriter, r *http.Request) {
	var body ratingBody
	if err := decodeBody(r, &body); err != nil {
		s.respond(w, r, 0, "", nil, nil, err)
		return
	}
	rating, err := s.sessions.RateSession(r.Context(), actorFrom(r.Context()), sessionID(r), body.Score, body.Comment)
	s.respond(w, r, http.StatusCreated, "rating recorded", rating, nil, err)
}

func (s *Server) sessionResult(w http.ResponseWriter, r *http.Request, message string, res *types.SessionResult, err error) {
	if err != nil {
		s.respond(w, r, 0, "", nil, nil, err)
		return
	}
	s.respond(w, r, http.StatusOK, message, res.Session, res.Warnings, nil)
}

// Waiting room

func (s *Server) listWaitingRoom(w http.ResponseWriter, r *http.Request) {
	entries, err := s.sessions.ListWaitingRoom(r.Context(), actorFrom(r.Context()), sessionID(r))
	if entries == nil && err == nil {
		entries = []*types.WaitingRoomEntry{}
	}
	s.respond(w, r, http.StatusOK, "waiting room", entries, nil, err)
}

func (s *Server) waitingRoomStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.sessions.WaitingRoomStats(r.Context(), actorFrom(r.Context()), sessionID(r))
	s.respond(w, r, http.StatusOK, "waiting room stats", stats, nil, err)
}

func (s *Server) enterWaitingRoom(w http.ResponseWriter, r *http.Request) {
	res, err := s.sessions.EnterWaitingRoom(r.Context(), actorFrom(r.Context()), sessionID(r))
	if err != nil {
		s.respond(w, r, 0, "", nil, nil, err)
		return
	}
	s.respond(w, r, http.StatusOK, "entered waiting room", res, res.Warnings, nil)
}

func (s *Server) leaveWaitingRoom(w http.ResponseWriter, r *http.Request) {
	entry, err := s.sessions.LeaveWaitingRoom(r.Context(), actorFrom(r.Context()), sessionID(r))
	s.respond(w, r, http.StatusOK, "left waiting room", entry, nil, err)
}

// FUNCTIONAL DISCOVERY: POST /api/v1/sessions/{id}/waiting-room/{userId}/admit - Admit one waiting patient
func (s *Server) admitPatient(w http.ResponseWriter, r *http.Request) {
	res, err := s.sessions.AdmitPatient(r.Context(), actorFrom(r.Context()), sessionID(r), mux.Vars(r)["userId"])
	if err != nil {
		s.respond(w, r, 0, "", nil, nil, err)
		return
	}
	s.respond(w, r, http.StatusOK, "patient admitted", res, res.Warnings, nil)
}

func (s *Server) admitAllWaiting(w http.ResponseWriter, r *http.Request) {
	results, err := s.sessions.AdmitAllWaiting(r.Context(), actorFrom(r.Context()), sessionID(r))
	if err != nil {
		s.respond(w, r, 0, "", nil, nil, err)
		return
	}
	var warnings types.Warnings
	for _, res := range results {
		warnings = append(warnings, res.Warnings...)
	}
	if results == nil {
		results = []*types.AdmitResult{}
	}
	s.respond(w, r, http.StatusOK, "patients admitted", results, warnings, nil)
}

// Invitations

func (s *Server) createInvitation(w http.ResponseWriter, r *http.Request) {
	var body invitationBody
	if err := decodeBody(r, &body); err != nil {
		s.respond(w, r, 0, "", nil, nil, err)
		return
	}
	req := types.CreateInvitationRequest{SessionID: sessionID(r), Email: body.Email, Role: body.Role}
	res, err := s.sessions.CreateInvitation(r.Context(), actorFrom(r.Context()), req)
	s.invitationResult(w, r, http.StatusCreated, "invitation created", res, err)
}

func (s *Server) listInvitations(w http.ResponseWriter, r *http.Request) {
	invs, err := s.sessions.ListInvitations(r.Context(), actorFrom(r.Context()), sessionID(r))
	if invs == nil && err == nil {
		invs = []*types.Invitation{}
	}
	s.respond(w, r, http.StatusOK, "invitations", invs, nil, err)
}

func (s *Server) acceptInvitation(w http.ResponseWriter, r *http.Request) {
	res, err := s.sessions.AcceptInvitation(r.Context(), actorFrom(r.Context()), invitationToken(r))
	s.invitationResult(w, r, http.StatusOK, "invitation accepted", res, err)
}

func (s *Server) invitationResult(w http.ResponseWriter, r *http.Request, status int, message string, res *types.InvitationResult, err error) {
	if err != nil {
		s.respond(w, r, 0, "", nil, nil, err)
		return
	}
	s.respond(w, r, status, message, res, res.Warnings, nil)
}

func (s *Server) rejectInvitation(w http.ResponseWriter, r *http.Request) {
	inv, err := s.sessions.RejectInvitation(r.Context(), actorFrom(r.Context()), invitationToken(r))
	s.respond(w, r, http.StatusOK, "invitation rejected", inv, nil, err)
}

func (s *Server) revokeInvitation(w http.ResponseWriter, r *http.Request) {
	var body reasonBody
	if err := decodeBody(r, &body); err != nil {
		s.respond(w, r, 0, "", nil, nil, err)
		return
	}
	if body.Reason == "" {
		body.Reason = r.URL.Query().Get("reason")
	}
	inv, err := s.sessions.RevokeInvitation(r.Context(), actorFrom(r.Context()), invitationToken(r), body.Reason)
	s.respond(w, r, http.StatusOK, "invitation revoked", inv, nil, err)
}

// Token-only invitation routes. The token itself authorizes the caller.

func (s *Server) validateInvitation(w http.ResponseWriter, r *http.Request) {
	res, err := s.sessions.ValidateInvitation(r.Context(), invitationToken(r))
	s.respond(w, r, http.StatusOK, "invitation valid", res, nil, err)
}

func (s *Server) acknowledgeInvitation(w http.ResponseWriter, r *http.Request) {
	res, err := s.sessions.AcknowledgeInvitation(r.Context(), invitationToken(r))
	s.respond(w, r, http.StatusOK, "invitation acknowledged", res, nil, err)
}

func (s *Server) completeDeviceTest(w http.ResponseWriter, r *http.Request) {
	var result types.DeviceTestResult
	if err := decodeBody(r, &result); err != nil {
		s.respond(w, r, 0, "", nil, nil, err)
		return
	}
	outcome, err := s.sessions.CompleteDeviceTest(r.Context(), invitationToken(r), result)
	s.respond(w, r, http.StatusOK, "device test recorded", outcome, nil, err)
}
