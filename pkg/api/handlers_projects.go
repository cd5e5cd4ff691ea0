package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/oklog/ulid/v2"

	apperrors "github.com/odvcencio/zenspace/pkg/errors"
	"github.com/odvcencio/zenspace/pkg/filetree"
	"github.com/odvcencio/zenspace/pkg/gate"
	"github.com/odvcencio/zenspace/pkg/storage"
)

const msgNotAMember = "User not belong to this project"

type createProjectRequest struct {
	Name string `json:"name"`
}

type addUsersRequest struct {
	ProjectID string   `json:"projectId"`
	Users     []string `json:"users"`
}

type updateFileTreeRequest struct {
	ProjectID string          `json:"projectId"`
	FileTree  json.RawMessage `json:"fileTree"`
}

func validProjectID(id string) bool {
	_, err := ulid.ParseStrict(id)
	return err == nil
}

// memberProject loads a project the caller belongs to.
func (s *Server) memberProject(ctx context.Context, projectID, userID string) (*storage.Project, error) {
	projectID = strings.TrimSpace(projectID)
	if !validProjectID(projectID) {
		return nil, apperrors.New(apperrors.ErrCodeInvalidProject, gate.MsgInvalidProject).
			WithField("projectId", "Project ID must be a valid id")
	}
	project, err := s.store.GetProject(ctx, projectID)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeStorageRead, "could not load project")
	}
	if project == nil {
		return nil, apperrors.New(apperrors.ErrCodeProjectNotFound, gate.MsgProjectNotFound)
	}
	if !project.HasMember(userID) {
		return nil, apperrors.New(apperrors.ErrCodeForbidden, msgNotAMember).
			WithContext("project", projectID).
			WithContext("user", userID)
	}
	return project, nil
}

// withLiveTree replaces the persisted tree with the canonical in-memory one
// so edits still inside their debounce window are visible.
func (s *Server) withLiveTree(ctx context.Context, project *storage.Project) error {
	tree, err := s.syncer.Snapshot(ctx, project.ID)
	if err != nil {
		return err
	}
	project.FileTree = tree
	return nil
}

func (s *Server) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	var req createProjectRequest
	if !decodeOrReject(w, r, &req, maxBodyBytesTiny) {
		return
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		respondAppError(w, validationError("name", "Name is required"))
		return
	}

	claims := claimsFromContext(r.Context())
	project, err := s.store.CreateProject(r.Context(), name, claims.UserID)
	if err != nil {
		respondAppError(w, apperrors.Wrap(err, apperrors.ErrCodeStorageWrite, "could not create project"))
		return
	}
	respondJSON(w, http.StatusCreated, map[string]any{"project": project})
}

func (s *Server) handleListProjects(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	projects, err := s.store.ListProjectsForUser(r.Context(), claims.UserID)
	if err != nil {
		respondAppError(w, apperrors.Wrap(err, apperrors.ErrCodeStorageRead, "could not list projects"))
		return
	}
	if projects == nil {
		projects = []storage.Project{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"projects": projects})
}

func (s *Server) handleAddUsers(w http.ResponseWriter, r *http.Request) {
	var req addUsersRequest
	if !decodeOrReject(w, r, &req, maxBodyBytesTiny) {
		return
	}
	users := trimmed(req.Users)
	if len(users) == 0 {
		respondAppError(w, validationError("users", "Users must be a non-empty array of user ids"))
		return
	}
	for _, id := range users {
		if _, err := ulid.ParseStrict(id); err != nil {
			respondAppError(w, validationError("users", "Each user must be a valid id"))
			return
		}
	}

	claims := claimsFromContext(r.Context())
	project, err := s.memberProject(r.Context(), req.ProjectID, claims.UserID)
	if err != nil {
		respondAppError(w, err)
		return
	}

	project, err = s.store.AddProjectMembers(r.Context(), project.ID, users)
	if err != nil {
		if errors.Is(err, storage.ErrUnknownUser) {
			respondAppError(w, apperrors.Wrap(err, apperrors.ErrCodeValidation, "Validation failed").
				WithField("users", "One or more users do not exist"))
			return
		}
		respondAppError(w, apperrors.Wrap(err, apperrors.ErrCodeStorageWrite, "could not add users"))
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"project": project})
}

func (s *Server) handleGetProject(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	project, err := s.memberProject(r.Context(), chi.URLParam(r, "projectId"), claims.UserID)
	if err != nil {
		respondAppError(w, err)
		return
	}
	if err := s.withLiveTree(r.Context(), project); err != nil {
		respondAppError(w, apperrors.Wrap(err, apperrors.ErrCodeStorageRead, "could not load file tree"))
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"project": project})
}

func (s *Server) handleUpdateFileTree(w http.ResponseWriter, r *http.Request) {
	var req updateFileTreeRequest
	if !decodeOrReject(w, r, &req, maxBodyBytesLarge) {
		return
	}
	raw := bytes.TrimSpace(req.FileTree)
	if len(raw) == 0 || raw[0] != '{' {
		respondAppError(w, validationError("fileTree", "File tree must be an object"))
		return
	}
	tree, err := filetree.Decode(raw)
	if err != nil {
		respondAppError(w, apperrors.Wrap(err, apperrors.ErrCodeValidation, "Validation failed").
			WithField("fileTree", "File tree entries must be {content: string}"))
		return
	}

	claims := claimsFromContext(r.Context())
	project, err := s.memberProject(r.Context(), req.ProjectID, claims.UserID)
	if err != nil {
		respondAppError(w, err)
		return
	}

	res, err := s.syncer.Replace(r.Context(), project.ID, tree)
	if err != nil {
		respondAppError(w, err)
		return
	}
	project.FileTree = tree
	project.Revision = res.Revision
	project.UpdatedAt = res.SavedAt
	respondJSON(w, http.StatusOK, map[string]any{"project": project})
}
