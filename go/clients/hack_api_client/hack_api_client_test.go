package hack_api_client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcdev12/hackforge/go/clients"
	"github.com/mcdev12/hackforge/go/internal/models"
)

func TestVerifyTeam(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		if r.URL.Path != "/Hack/team/abc123" {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":"Team not found"}`))
			return
		}
		_, _ = w.Write([]byte(`{"_id":"T1","teamname":"Leaf","Domain":null,"memoryGamePlayed":true,"memoryGameScore":42}`))
	}))
	defer srv.Close()

	c := NewHackApiClient(srv.URL)

	team, err := c.VerifyTeam(context.Background(), "abc123")
	require.NoError(t, err)
	assert.Equal(t, "T1", team.ID)
	assert.False(t, team.HasDomain())
	played, score := team.GameResult(models.GameMemory)
	assert.True(t, played)
	require.NotNil(t, score)
	assert.Equal(t, 42, *score)

	_, err = c.VerifyTeam(context.Background(), "nope")
	require.Error(t, err)
	assert.True(t, clients.HasStatus(err, http.StatusNotFound))

	_, err = c.VerifyTeam(context.Background(), "")
	assert.ErrorIs(t, err, ErrEmptyCredential)
}

func TestSubmitScore(t *testing.T) {
	var gotPath string
	var gotScore int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		var body scoreRequest
		_ = json.NewDecoder(r.Body).Decode(&body)
		gotScore = body.Score
		if r.URL.Path == "/Hack/team/T1/stop-the-bar-score" {
			w.WriteHeader(http.StatusForbidden)
			_, _ = w.Write([]byte(`{"error":"Game already played"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewHackApiClient(srv.URL)

	require.NoError(t, c.SubmitScore(context.Background(), "T1", models.GameNumberPuzzle, 17))
	assert.Equal(t, "/Hack/team/T1/number-puzzle-score", gotPath)
	assert.Equal(t, 17, gotScore)

	err := c.SubmitScore(context.Background(), "T1", models.GameStopTheBar, 9)
	require.Error(t, err)
	assert.True(t, clients.HasStatus(err, http.StatusForbidden))

	var se *clients.StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "Game already played", se.Message())

	assert.Error(t, c.SubmitScore(context.Background(), "T1", models.Game("chess"), 1))
}

func TestSubmitIssue(t *testing.T) {
	var got issueRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/Hack/issue/T1", r.URL.Path)
		_ = json.NewDecoder(r.Body).Decode(&got)
	}))
	defer srv.Close()

	c := NewHackApiClient(srv.URL)
	require.NoError(t, c.SubmitIssue(context.Background(), "T1", "projector broken"))
	assert.Equal(t, "projector broken", got.IssueText)
}
