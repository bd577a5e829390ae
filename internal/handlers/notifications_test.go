package handlers_test

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/couentine/badgekit/internal/handlers/testutil"
)

type notificationPayload struct {
	ID     string `json:"id"`
	Type   string `json:"type"`
	Title  string `json:"title"`
	IsRead bool   `json:"is_read"`
}

func TestNotificationsDeliveredOnRequest(t *testing.T) {
	env := testutil.NewEnv(t)
	owner := env.CreateUser("owner-pass-1", false)
	learner := env.CreateUser("learner-pass-1", false)
	ownerToken := env.TokenFor(owner)
	learnerToken := env.TokenFor(learner)

	group := createGroup(t, env, ownerToken, "Reviewers")
	badge := createBadge(t, env, ownerToken, group.ID, "Peer Review", 1)
	portfolio := joinBadge(t, env, learnerToken, group.ID, badge.ID)

	w := env.Request(http.MethodPost, "/api/portfolios/"+portfolio.ID+"/request", nil, learnerToken)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	// The group admin is notified that a review is waiting.
	w = env.Request(http.MethodGet, "/api/notifications", nil, ownerToken)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var items []notificationPayload
	testutil.DecodeInto(t, testutil.DecodeResponse(t, w).Data, &items)
	require.Len(t, items, 1)
	require.False(t, items[0].IsRead)

	w = env.Request(http.MethodGet, "/api/notifications/unread", nil, ownerToken)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.Contains(t, w.Body.String(), `"unread":1`)

	w = env.Request(http.MethodPost, "/api/notifications/"+items[0].ID+"/read", nil, ownerToken)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = env.Request(http.MethodGet, "/api/notifications/unread", nil, ownerToken)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.Contains(t, w.Body.String(), `"unread":0`)

	// Another user cannot delete someone else's notification.
	w = env.Request(http.MethodDelete, "/api/notifications/"+items[0].ID, nil, learnerToken)
	require.Equal(t, http.StatusNotFound, w.Code, w.Body.String())

	w = env.Request(http.MethodDelete, "/api/notifications/"+items[0].ID, nil, ownerToken)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

func TestNotificationsMarkAllRead(t *testing.T) {
	env := testutil.NewEnv(t)
	owner := env.CreateUser("owner-pass-1", false)
	first := env.CreateUser("first-pass-1", false)
	second := env.CreateUser("second-pass-1", false)
	ownerToken := env.TokenFor(owner)

	group := createGroup(t, env, ownerToken, "Mentors")
	badge := createBadge(t, env, ownerToken, group.ID, "Mentorship", 1)

	p1 := joinBadge(t, env, env.TokenFor(first), group.ID, badge.ID)
	p2 := joinBadge(t, env, env.TokenFor(second), group.ID, badge.ID)

	w := env.Request(http.MethodPost, "/api/portfolios/"+p1.ID+"/request", nil, env.TokenFor(first))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	w = env.Request(http.MethodPost, "/api/portfolios/"+p2.ID+"/request", nil, env.TokenFor(second))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = env.Request(http.MethodGet, "/api/notifications/unread", nil, ownerToken)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.Contains(t, w.Body.String(), `"unread":2`)

	w = env.Request(http.MethodPost, "/api/notifications/read_all", nil, ownerToken)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = env.Request(http.MethodGet, "/api/notifications/unread", nil, ownerToken)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.Contains(t, w.Body.String(), `"unread":0`)
}
