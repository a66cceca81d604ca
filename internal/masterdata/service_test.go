package masterdata

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/matflow/internal/workflow"
)

type fakeRepo struct {
	projects map[int64]workflow.Project
	users    map[int64]workflow.User
	calls    int
}

func (f *fakeRepo) GetProject(_ context.Context, id int64) (workflow.Project, error) {
	f.calls++
	p, ok := f.projects[id]
	if !ok {
		return workflow.Project{}, workflow.Missing("project", id)
	}
	return p, nil
}

func (f *fakeRepo) GetUser(_ context.Context, id int64) (workflow.User, error) {
	f.calls++
	u, ok := f.users[id]
	if !ok {
		return workflow.User{}, workflow.Missing("user", id)
	}
	return u, nil
}

func (f *fakeRepo) GetSupplier(_ context.Context, id int64) (Supplier, error) {
	if id != 5 {
		return Supplier{}, workflow.Missing("supplier", id)
	}
	return Supplier{ID: 5, Code: "SUP-5"}, nil
}

func (f *fakeRepo) GetItem(_ context.Context, id int64) (Item, error) {
	return Item{ID: id}, nil
}

func (f *fakeRepo) ListUsersWithRole(_ context.Context, projectID, disciplineID int64, role string, level int) ([]workflow.User, error) {
	var out []workflow.User
	for _, u := range f.users {
		if u.InProject(projectID) && u.InDiscipline(disciplineID) && u.HasRoleAtLevel(role, level) {
			out = append(out, u)
		}
	}
	return out, nil
}

func setupDirectory(t *testing.T) (*Directory, *fakeRepo, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	repo := &fakeRepo{
		projects: map[int64]workflow.Project{
			1: {ID: 1, Name: "Tower A", BaseCurrency: "IDR", MaxSTFApprovalLevel: 2},
			2: {ID: 2, Name: "Broken", BaseCurrency: "XXQ"},
		},
		users: map[int64]workflow.User{
			7: {ID: 7, Name: "Ayu", ProjectIDs: []int64{1}, DisciplineIDs: []int64{3}, Roles: []workflow.Role{{Name: workflow.RoleSTFApprover, Level: 1}}},
			8: {ID: 8, Name: "Bima", ProjectIDs: []int64{1}, DisciplineIDs: []int64{4}, Roles: []workflow.Role{{Name: workflow.RoleSTFApprover, Level: 1}}},
		},
	}
	return NewDirectory(repo, NewCache(client, time.Minute), nil), repo, mr
}

func TestDirectoryCachesProjects(t *testing.T) {
	dir, repo, _ := setupDirectory(t)
	ctx := context.Background()

	first, err := dir.GetProject(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, 2, first.MaxSTFApprovalLevel)

	second, err := dir.GetProject(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, first, second)
	require.Equal(t, 1, repo.calls)

	require.NoError(t, dir.Invalidate(ctx))
	_, err = dir.GetProject(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, 2, repo.calls)
}

func TestDirectoryRejectsInvalidCurrency(t *testing.T) {
	dir, _, _ := setupDirectory(t)
	_, err := dir.GetProject(context.Background(), 2)
	require.ErrorIs(t, err, workflow.ErrValidation)
}

func TestDirectoryMissingReferences(t *testing.T) {
	dir, _, _ := setupDirectory(t)
	ctx := context.Background()

	_, err := dir.GetProject(ctx, 99)
	require.ErrorIs(t, err, workflow.ErrNotFound)
	_, err = dir.GetUser(ctx, 99)
	require.ErrorIs(t, err, workflow.ErrNotFound)
	require.ErrorIs(t, dir.CheckSupplier(ctx, 6), workflow.ErrNotFound)
	require.NoError(t, dir.CheckSupplier(ctx, 5))
}

func TestDirectoryWorksWithoutRedis(t *testing.T) {
	repo := &fakeRepo{users: map[int64]workflow.User{7: {ID: 7}}}
	dir := NewDirectory(repo, nil, nil)
	for i := 0; i < 2; i++ {
		_, err := dir.GetUser(context.Background(), 7)
		require.NoError(t, err)
	}
	require.Equal(t, 2, repo.calls)
}

func TestDirectoryCacheOutageFallsBack(t *testing.T) {
	dir, repo, mr := setupDirectory(t)
	mr.Close()
	user, err := dir.GetUser(context.Background(), 7)
	require.NoError(t, err)
	require.Equal(t, "Ayu", user.Name)
	require.Equal(t, 1, repo.calls)
}

func TestApprovers(t *testing.T) {
	dir, _, _ := setupDirectory(t)
	users, err := dir.Approvers(context.Background(), workflow.DocSTF, 1, 3, 1)
	require.NoError(t, err)
	require.Len(t, users, 1)
	require.Equal(t, int64(7), users[0].ID)

	users, err = dir.Approvers(context.Background(), workflow.DocSTF, 1, 4, 1)
	require.NoError(t, err)
	require.Len(t, users, 1)
	require.Equal(t, int64(8), users[0].ID)

	users, err = dir.Approvers(context.Background(), workflow.DocSTF, 1, 5, 1)
	require.NoError(t, err)
	require.Empty(t, users, "no approver holds discipline 5")

	users, err = dir.Approvers(context.Background(), workflow.DocMDF, 1, 3, 1)
	require.NoError(t, err)
	require.Empty(t, users)
}

func TestNormalizeCurrency(t *testing.T) {
	code, err := NormalizeCurrency("usd")
	require.NoError(t, err)
	require.Equal(t, "USD", code)
	_, err = NormalizeCurrency("dollars")
	require.ErrorIs(t, err, workflow.ErrValidation)
}
