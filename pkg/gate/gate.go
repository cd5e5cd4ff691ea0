// Package gate admits websocket connections into project rooms.
package gate

import (
	"context"
	"strings"

	"github.com/oklog/ulid/v2"

	"github.com/odvcencio/zenspace/pkg/auth"
	apperrors "github.com/odvcencio/zenspace/pkg/errors"
	"github.com/odvcencio/zenspace/pkg/storage"
)

// Messages surfaced to rejected clients.
const (
	MsgInvalidProject  = "Invalid Project ID"
	MsgAuthentication  = "Authentication error"
	MsgProjectNotFound = "Project not found"
)

// TokenValidator checks an identity token.
type TokenValidator interface {
	Validate(ctx context.Context, token string) (*auth.Claims, error)
}

// ProjectLookup loads a project by id. A missing project is (nil, nil).
type ProjectLookup interface {
	GetProject(ctx context.Context, id string) (*storage.Project, error)
}

// Handshake carries what a client presents when connecting.
type Handshake struct {
	ProjectID string
	AuthToken string
}

// Gate validates handshakes.
type Gate struct {
	tokens   TokenValidator
	projects ProjectLookup
}

// New creates a Gate.
func New(tokens TokenValidator, projects ProjectLookup) *Gate {
	return &Gate{tokens: tokens, projects: projects}
}

// Admission is the context attached to an admitted connection. Project may be
// nil when the id was well formed but unknown; Room turns that into an error.
type Admission struct {
	Identity auth.Identity
	TokenID  string
	Project  *storage.Project
}

// Admit checks the project id syntax first, then the token, then looks the
// project up. No state is written.
func (g *Gate) Admit(ctx context.Context, h Handshake) (*Admission, error) {
	projectID := strings.TrimSpace(h.ProjectID)
	if projectID == "" {
		return nil, apperrors.New(apperrors.ErrCodeInvalidProject, MsgInvalidProject).
			WithField("projectId", "projectId is required")
	}
	if _, err := ulid.ParseStrict(projectID); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInvalidProject, MsgInvalidProject).
			WithField("projectId", "projectId is not a valid id")
	}

	token := strings.TrimSpace(h.AuthToken)
	if token == "" {
		return nil, apperrors.Wrap(auth.ErrNoToken, apperrors.ErrCodeAuthentication, MsgAuthentication)
	}
	claims, err := g.tokens.Validate(ctx, token)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeAuthentication, MsgAuthentication)
	}

	project, err := g.projects.GetProject(ctx, projectID)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeAuthentication, MsgAuthentication).
			WithContext("project", projectID)
	}

	return &Admission{
		Identity: claims.Identity(),
		TokenID:  claims.ID,
		Project:  project,
	}, nil
}

// Room returns the room id to join. A nil project is a hard failure, and so
// is a caller who is not a member of the project.
func (a *Admission) Room() (string, error) {
	if a == nil || a.Project == nil {
		return "", apperrors.New(apperrors.ErrCodeProjectNotFound, MsgProjectNotFound)
	}
	if !a.Project.HasMember(a.Identity.UserID) {
		return "", apperrors.New(apperrors.ErrCodeProjectNotFound, MsgProjectNotFound).
			WithContext("project", a.Project.ID).
			WithContext("user", a.Identity.UserID)
	}
	return a.Project.ID, nil
}
