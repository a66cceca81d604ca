package masterdata

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/matflow/internal/workflow"
)

// repo implements Repository on PostgreSQL.
type repo struct {
	db *pgxpool.Pool
}

// NewRepository creates a new master data repository.
func NewRepository(db *pgxpool.Pool) Repository {
	return &repo{db: db}
}

func notFound(entity string, id int64, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return workflow.Missing(entity, id)
	}
	return fmt.Errorf("masterdata: get %s %d: %w", entity, id, err)
}

func (r *repo) GetProject(ctx context.Context, id int64) (workflow.Project, error) {
	const query = `SELECT id, name, base_currency, max_mtf_approval_level, max_stf_approval_level,
       max_otf_approval_level, max_mrf_approval_level
FROM projects WHERE id = $1`
	var p workflow.Project
	err := r.db.QueryRow(ctx, query, id).Scan(&p.ID, &p.Name, &p.BaseCurrency, &p.MaxMTFApprovalLevel,
		&p.MaxSTFApprovalLevel, &p.MaxOTFApprovalLevel, &p.MaxMRFApprovalLevel)
	if err != nil {
		return workflow.Project{}, notFound("project", id, err)
	}
	return p, nil
}

func (r *repo) GetUser(ctx context.Context, id int64) (workflow.User, error) {
	var u workflow.User
	err := r.db.QueryRow(ctx, `SELECT id, name FROM users WHERE id = $1`, id).Scan(&u.ID, &u.Name)
	if err != nil {
		return workflow.User{}, notFound("user", id, err)
	}
	if u.ProjectIDs, err = r.ids(ctx, `SELECT project_id FROM user_projects WHERE user_id = $1 ORDER BY project_id`, id); err != nil {
		return workflow.User{}, err
	}
	if u.DisciplineIDs, err = r.ids(ctx, `SELECT discipline_id FROM user_disciplines WHERE user_id = $1 ORDER BY discipline_id`, id); err != nil {
		return workflow.User{}, err
	}
	rows, err := r.db.Query(ctx, `SELECT role, level FROM user_roles WHERE user_id = $1 ORDER BY role, level`, id)
	if err != nil {
		return workflow.User{}, err
	}
	u.Roles, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (workflow.Role, error) {
		var role workflow.Role
		err := row.Scan(&role.Name, &role.Level)
		return role, err
	})
	if err != nil {
		return workflow.User{}, err
	}
	return u, nil
}

func (r *repo) ids(ctx context.Context, query string, args ...any) ([]int64, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[int64])
}

func (r *repo) GetSupplier(ctx context.Context, id int64) (Supplier, error) {
	var s Supplier
	err := r.db.QueryRow(ctx, `SELECT id, code, name FROM suppliers WHERE id = $1`, id).Scan(&s.ID, &s.Code, &s.Name)
	if err != nil {
		return Supplier{}, notFound("supplier", id, err)
	}
	return s, nil
}

func (r *repo) GetItem(ctx context.Context, id int64) (Item, error) {
	var it Item
	err := r.db.QueryRow(ctx, `SELECT id, code, name, unit FROM items WHERE id = $1`, id).Scan(&it.ID, &it.Code, &it.Name, &it.Unit)
	if err != nil {
		return Item{}, notFound("item", id, err)
	}
	return it, nil
}

// ListUsersWithRole returns members of projectID and disciplineID holding
// role at exactly level.
func (r *repo) ListUsersWithRole(ctx context.Context, projectID, disciplineID int64, role string, level int) ([]workflow.User, error) {
	const query = `SELECT u.id, u.name
FROM users u
JOIN user_projects up ON up.user_id = u.id AND up.project_id = $1
JOIN user_disciplines ud ON ud.user_id = u.id AND ud.discipline_id = $2
JOIN user_roles ur ON ur.user_id = u.id AND upper(ur.role) = upper($3) AND ur.level = $4
ORDER BY u.id`
	rows, err := r.db.Query(ctx, query, projectID, disciplineID, role, level)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (workflow.User, error) {
		var u workflow.User
		err := row.Scan(&u.ID, &u.Name)
		return u, err
	})
}
