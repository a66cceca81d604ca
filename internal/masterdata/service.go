package masterdata

import (
	"context"
	"log/slog"
	"strconv"

	"github.com/odyssey-erp/matflow/internal/workflow"
)

// Directory resolves projects, users and catalogue references for the
// workflow, caching projects and users in Redis.
type Directory struct {
	repo   Repository
	cache  *Cache
	logger *slog.Logger
}

// NewDirectory creates a Directory. cache may be nil.
func NewDirectory(repo Repository, cache *Cache, logger *slog.Logger) *Directory {
	if logger == nil {
		logger = slog.Default()
	}
	return &Directory{repo: repo, cache: cache, logger: logger}
}

// GetProject returns a validated project.
func (d *Directory) GetProject(ctx context.Context, id int64) (workflow.Project, error) {
	if id <= 0 {
		return workflow.Project{}, workflow.Invalid("project_id", "must be positive")
	}
	key, err := d.cache.BuildKey(ctx, "project", strconv.FormatInt(id, 10))
	if err != nil {
		d.logger.Warn("masterdata cache unavailable", slog.Any("error", err))
		return d.loadProject(ctx, id)
	}
	return fetchJSON(ctx, d.cache, key, func(ctx context.Context) (workflow.Project, error) {
		return d.loadProject(ctx, id)
	})
}

func (d *Directory) loadProject(ctx context.Context, id int64) (workflow.Project, error) {
	p, err := d.repo.GetProject(ctx, id)
	if err != nil {
		return workflow.Project{}, err
	}
	if err := ValidateProject(p); err != nil {
		return workflow.Project{}, err
	}
	return p, nil
}

// GetUser returns the user with roles and scope.
func (d *Directory) GetUser(ctx context.Context, id int64) (workflow.User, error) {
	if id <= 0 {
		return workflow.User{}, workflow.Missing("user", id)
	}
	key, err := d.cache.BuildKey(ctx, "user", strconv.FormatInt(id, 10))
	if err != nil {
		d.logger.Warn("masterdata cache unavailable", slog.Any("error", err))
		return d.repo.GetUser(ctx, id)
	}
	return fetchJSON(ctx, d.cache, key, func(ctx context.Context) (workflow.User, error) {
		return d.repo.GetUser(ctx, id)
	})
}

// CheckSupplier verifies the supplier exists.
func (d *Directory) CheckSupplier(ctx context.Context, id int64) error {
	if id <= 0 {
		return workflow.Invalid("supplier_id", "is required")
	}
	_, err := d.repo.GetSupplier(ctx, id)
	return err
}

// CheckItem verifies the item exists.
func (d *Directory) CheckItem(ctx context.Context, id int64) error {
	if id <= 0 {
		return workflow.Invalid("item_id", "is required")
	}
	_, err := d.repo.GetItem(ctx, id)
	return err
}

// Approvers lists the users who may act on the given level of stage t for a
// document of projectID and disciplineID.
func (d *Directory) Approvers(ctx context.Context, t workflow.DocType, projectID, disciplineID int64, level int) ([]workflow.User, error) {
	role := t.ApproverRole()
	if role == "" {
		return nil, nil
	}
	return d.repo.ListUsersWithRole(ctx, projectID, disciplineID, role, level)
}

// Invalidate drops every cached entry.
func (d *Directory) Invalidate(ctx context.Context) error {
	return d.cache.Bump(ctx)
}
