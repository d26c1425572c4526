package api

import (
	"net/http"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/gorilla/mux"

	"github.com/whatsapp-automation/engine/internal/groups"
	"github.com/whatsapp-automation/engine/internal/models"
)

// Invitations are paced, so member requests get a longer deadline.
const membersTimeout = 10 * time.Minute

// CreateGroupRequest for POST /accounts/{id}/groups
type CreateGroupRequest struct {
	Kind    string   `json:"kind"`
	Title   string   `json:"title"`
	About   string   `json:"about"`
	Members []string `json:"members"`
}

func (r CreateGroupRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Kind, validation.In(models.GroupKindGroup, models.GroupKindChannel)),
		validation.Field(&r.Title, validation.Required, validation.Length(1, 100)),
		validation.Field(&r.Members, validation.Each(validation.Required)),
	)
}

// POST /accounts/{id}/groups
func (s *Server) handleCreateGroup(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req CreateGroupRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	ctx, cancel := s.withDeadline(w, r, longTimeout)
	defer cancel()

	var created groups.Created
	if req.Kind == models.GroupKindChannel {
		created, err = s.Groups.CreateChannel(ctx, tenantOf(r), id, req.Title, req.About, req.Members)
	} else {
		created, err = s.Groups.CreateGroup(ctx, tenantOf(r), id, req.Title, req.About, req.Members)
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusCreated, created)
}

// MembersRequest for POST /accounts/{id}/groups/{group}/members
type MembersRequest struct {
	Members []string `json:"members"`
}

func (r MembersRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Members, validation.Required, validation.Each(validation.Required)),
	)
}

// POST /accounts/{id}/groups/{group}/members
func (s *Server) handleAddMembers(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req MembersRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	ctx, cancel := s.withDeadline(w, r, membersTimeout)
	defer cancel()

	results, err := s.Groups.AddMembers(ctx, tenantOf(r), id, mux.Vars(r)["group"], req.Members)
	if err != nil && results == nil {
		s.writeError(w, r, err)
		return
	}
	if err != nil {
		// Partial run: report what was attempted alongside the error.
		status, code := classify(err)
		writeJSON(w, status, Envelope{
			Data:           results,
			Error:          err.Error(),
			ErrorCode:      code,
			RequiresReauth: code == CodeReauthRequired,
		})
		return
	}
	writeData(w, http.StatusOK, results)
}

// HarvestRequest for POST /accounts/{id}/groups/{group}/harvest
type HarvestRequest struct {
	Persist bool `json:"persist"`
}

// POST /accounts/{id}/groups/{group}/harvest
func (s *Server) handleHarvest(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req HarvestRequest
	if r.ContentLength != 0 {
		if err := decode(r, &req); err != nil {
			s.writeError(w, r, err)
			return
		}
	}

	ctx, cancel := s.withDeadline(w, r, longTimeout)
	defer cancel()

	members, err := s.Groups.HarvestMembers(ctx, tenantOf(r), id, mux.Vars(r)["group"], req.Persist)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, members)
}
