package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/odvcencio/zenspace/pkg/filetree"
)

// Project is a shared workspace and its members.
type Project struct {
	ID        string        `json:"id"`
	Name      string        `json:"name"`
	Users     []User        `json:"users"`
	FileTree  filetree.Tree `json:"fileTree"`
	Revision  int64         `json:"revision"`
	CreatedAt time.Time     `json:"createdAt"`
	UpdatedAt time.Time     `json:"updatedAt"`
}

// HasMember reports whether userID belongs to the project.
func (p *Project) HasMember(userID string) bool {
	if p == nil {
		return false
	}
	for _, u := range p.Users {
		if u.ID == userID {
			return true
		}
	}
	return false
}

// CreateProject creates a project whose sole member is ownerID.
func (s *Store) CreateProject(ctx context.Context, name, ownerID string) (*Project, error) {
	if s == nil || s.db == nil {
		return nil, ErrStoreClosed
	}
	now := time.Now().UTC()
	id := ulid.Make().String()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projects (id, name, file_tree, revision, created_at, updated_at)
		VALUES (?, ?, '{}', 0, ?, ?)
	`, id, name, now, now); err != nil {
		return nil, fmt.Errorf("insert project: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO project_members (project_id, user_id, added_at) VALUES (?, ?, ?)
	`, id, ownerID, now); err != nil {
		return nil, fmt.Errorf("insert owner membership: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	s.notify(newEvent(EventProjectCreated, id, id, nil))
	return s.GetProject(ctx, id)
}

// GetProject returns the project with its members and file tree, or nil when
// no project has that id.
func (s *Store) GetProject(ctx context.Context, id string) (*Project, error) {
	if s == nil || s.db == nil {
		return nil, ErrStoreClosed
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, file_tree, revision, created_at, updated_at FROM projects WHERE id = ?
	`, id)
	var (
		p   Project
		raw string
	)
	if err := row.Scan(&p.ID, &p.Name, &raw, &p.Revision, &p.CreatedAt, &p.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	tree, err := filetree.Decode([]byte(raw))
	if err != nil {
		return nil, err
	}
	p.FileTree = tree

	members, err := s.ProjectMembers(ctx, id)
	if err != nil {
		return nil, err
	}
	p.Users = members
	return &p, nil
}

// ProjectMembers returns the members of a project ordered by join time.
func (s *Store) ProjectMembers(ctx context.Context, projectID string) ([]User, error) {
	if s == nil || s.db == nil {
		return nil, ErrStoreClosed
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT u.id, u.email, u.created_at
		FROM project_members m JOIN users u ON u.id = m.user_id
		WHERE m.project_id = ?
		ORDER BY m.added_at, u.email
	`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := []User{}
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.ID, &u.Email, &u.CreatedAt); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// IsProjectMember reports whether userID belongs to projectID.
func (s *Store) IsProjectMember(ctx context.Context, projectID, userID string) (bool, error) {
	if s == nil || s.db == nil {
		return false, ErrStoreClosed
	}
	var one int
	err := s.db.QueryRowContext(ctx, `
		SELECT 1 FROM project_members WHERE project_id = ? AND user_id = ?
	`, projectID, userID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

// ListProjectsForUser returns the projects userID belongs to, newest first.
// Members and trees are not populated.
func (s *Store) ListProjectsForUser(ctx context.Context, userID string) ([]Project, error) {
	if s == nil || s.db == nil {
		return nil, ErrStoreClosed
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT p.id, p.name, p.revision, p.created_at, p.updated_at
		FROM projects p JOIN project_members m ON m.project_id = p.id
		WHERE m.user_id = ?
		ORDER BY p.created_at DESC, p.id DESC
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	projects := []Project{}
	for rows.Next() {
		var p Project
		if err := rows.Scan(&p.ID, &p.Name, &p.Revision, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		projects = append(projects, p)
	}
	return projects, rows.Err()
}

// AddProjectMembers adds userIDs to the project. Existing members are kept
// once, so repeated calls are harmless.
func (s *Store) AddProjectMembers(ctx context.Context, projectID string, userIDs []string) (*Project, error) {
	if s == nil || s.db == nil {
		return nil, ErrStoreClosed
	}
	missing, err := s.MissingUsers(ctx, userIDs)
	if err != nil {
		return nil, err
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: %v", ErrUnknownUser, missing)
	}

	now := time.Now().UTC()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT 1 FROM projects WHERE id = ?`, projectID).Scan(&exists); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrProjectNotFound
		}
		return nil, err
	}
	for _, userID := range userIDs {
		if _, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO project_members (project_id, user_id, added_at) VALUES (?, ?, ?)
		`, projectID, userID, now); err != nil {
			return nil, fmt.Errorf("add member %s: %w", userID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	s.notify(newEvent(EventProjectMembersChanged, projectID, projectID, userIDs))
	return s.GetProject(ctx, projectID)
}

// LoadFileTree returns the persisted tree of a project.
func (s *Store) LoadFileTree(ctx context.Context, projectID string) (filetree.Tree, error) {
	if s == nil || s.db == nil {
		return nil, ErrStoreClosed
	}
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT file_tree FROM projects WHERE id = ?`, projectID).Scan(&raw)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrProjectNotFound
		}
		return nil, err
	}
	return filetree.Decode([]byte(raw))
}

// SaveFileTree replaces the whole persisted tree and returns the new
// revision. No revision is compared; the last write wins.
func (s *Store) SaveFileTree(ctx context.Context, projectID string, tree filetree.Tree) (int64, error) {
	if s == nil || s.db == nil {
		return 0, ErrStoreClosed
	}
	data, err := tree.Encode()
	if err != nil {
		return 0, err
	}

	const maxRetries = 3
	baseDelay := 50 * time.Millisecond

	var revision int64
	for attempt := 0; ; attempt++ {
		err = s.db.QueryRowContext(ctx, `
			UPDATE projects SET file_tree = ?, revision = revision + 1, updated_at = ?
			WHERE id = ?
			RETURNING revision
		`, string(data), time.Now().UTC(), projectID).Scan(&revision)
		if err == nil {
			break
		}
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrProjectNotFound
		}
		if isBusyError(err) && attempt < maxRetries {
			time.Sleep(baseDelay * time.Duration(1<<uint(attempt)))
			continue
		}
		return 0, err
	}

	s.notify(newEvent(EventFileTreeSaved, projectID, projectID, FileTreeSaved{Revision: revision, Files: len(tree)}))
	return revision, nil
}
