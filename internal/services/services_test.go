package services

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/couentine/badgekit/internal/database/testutil"
	"github.com/couentine/badgekit/internal/models"
)

// testEnv wires the service graph over an in-memory database with inline
// propagation, so cache effects are visible as soon as a call returns.
type testEnv struct {
	db          *gorm.DB
	propagation *PropagationService
	dispatcher  *EventDispatcher
	portfolios  *PortfolioService
	ledger      *LedgerService
	badges      *BadgeService
	groups      *GroupService
	users       *UserService
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	db := testutil.MustOpenTestDB(t, testutil.WithAutoMigrate())

	propagation, err := NewPropagationService(db)
	require.NoError(t, err)

	dispatcher, err := NewEventDispatcher(propagation, nil)
	require.NoError(t, err)

	portfolios, err := NewPortfolioService(db, dispatcher)
	require.NoError(t, err)

	ledger, err := NewLedgerService(db, dispatcher)
	require.NoError(t, err)

	badges, err := NewBadgeService(db, portfolios)
	require.NoError(t, err)

	groups, err := NewGroupService(db, portfolios)
	require.NoError(t, err)

	users, err := NewUserService(db)
	require.NoError(t, err)

	return &testEnv{
		db:          db,
		propagation: propagation,
		dispatcher:  dispatcher,
		portfolios:  portfolios,
		ledger:      ledger,
		badges:      badges,
		groups:      groups,
		users:       users,
	}
}

func (e *testEnv) createUser(t *testing.T, username string) *models.User {
	t.Helper()

	user := models.User{
		Username: username,
		Email:    fmt.Sprintf("%s@example.com", username),
		Password: "hashed",
		IsActive: true,
	}
	require.NoError(t, e.db.Create(&user).Error)
	return &user
}

// createGroupWithBadge seeds a group owned by the given user with one badge at
// the given threshold.
func (e *testEnv) createGroupWithBadge(t *testing.T, owner *models.User, threshold int) (*models.Group, *models.Badge) {
	t.Helper()

	group, err := e.groups.Create(context.Background(), CreateGroupInput{
		Name:    fmt.Sprintf("Group of %s", owner.Username),
		OwnerID: owner.ID,
	})
	require.NoError(t, err)

	badge, err := e.badges.Create(context.Background(), CreateBadgeInput{
		GroupID:   group.ID,
		Name:      "Welding Basics",
		Threshold: threshold,
	})
	require.NoError(t, err)
	return group, badge
}

// joinAsLearner enrolls the user in the group and on the badge.
func (e *testEnv) joinAsLearner(t *testing.T, user *models.User, group *models.Group, badge *models.Badge) *models.Portfolio {
	t.Helper()

	_, err := e.groups.Join(context.Background(), group.ID, user.ID)
	require.NoError(t, err)

	portfolio, err := e.badges.Join(context.Background(), badge.ID, user.ID)
	require.NoError(t, err)
	return portfolio
}

func (e *testEnv) reloadBadge(t *testing.T, id string) *models.Badge {
	t.Helper()
	var badge models.Badge
	require.NoError(t, e.db.First(&badge, "id = ?", id).Error)
	return &badge
}

func (e *testEnv) reloadUser(t *testing.T, id string) *models.User {
	t.Helper()
	var user models.User
	require.NoError(t, e.db.First(&user, "id = ?", id).Error)
	return &user
}

func (e *testEnv) reloadPortfolio(t *testing.T, id string) *models.Portfolio {
	t.Helper()
	var portfolio models.Portfolio
	require.NoError(t, e.db.First(&portfolio, "id = ?", id).Error)
	return &portfolio
}
