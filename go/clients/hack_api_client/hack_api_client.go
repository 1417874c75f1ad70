package hack_api_client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/mcdev12/hackforge/go/clients"
	"github.com/mcdev12/hackforge/go/internal/models"
)

// ErrEmptyCredential is returned before any request is made for a blank access code
var ErrEmptyCredential = errors.New("access code is empty")

type HackApiClient struct {
	*clients.BaseClient
}

func NewHackApiClient(baseURL string) *HackApiClient {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	client := &HackApiClient{
		BaseClient: clients.NewBaseClient(strings.TrimRight(baseURL, "/")),
	}

	client.SetHeader(ContentTypeHeader, ContentTypeJSON)

	return client
}

// VerifyTeam performs the identity check for an access code and returns the team document
func (c *HackApiClient) VerifyTeam(ctx context.Context, credential string) (*models.Team, error) {
	if credential == "" {
		return nil, ErrEmptyCredential
	}
	endpoint := fmt.Sprintf("%s/%s", TeamEndpoint, url.PathEscape(credential))
	body, err := c.Post(ctx, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to verify team: %w", err)
	}

	var team models.Team
	if err := json.Unmarshal(body, &team); err != nil {
		return nil, fmt.Errorf("failed to unmarshal team: %w, raw response: %s", err, string(body))
	}
	if team.ID == "" {
		return nil, fmt.Errorf("team response is missing an id")
	}

	return &team, nil
}

type scoreRequest struct {
	Score int `json:"score"`
}

// SubmitScore records a one-shot mini-game score. A 403 means the game was already played.
func (c *HackApiClient) SubmitScore(ctx context.Context, teamID string, game models.Game, score int) error {
	path, err := scorePath(game)
	if err != nil {
		return err
	}
	endpoint := fmt.Sprintf("%s/%s/%s", TeamEndpoint, url.PathEscape(teamID), path)
	if _, err := c.PostJSON(ctx, endpoint, scoreRequest{Score: score}); err != nil {
		return fmt.Errorf("failed to submit %s score: %w", game, err)
	}
	return nil
}

type issueRequest struct {
	IssueText string `json:"issueText"`
}

// SubmitIssue raises a support ticket for the team
func (c *HackApiClient) SubmitIssue(ctx context.Context, teamID, text string) error {
	endpoint := fmt.Sprintf("%s/%s", IssueEndpoint, url.PathEscape(teamID))
	if _, err := c.PostJSON(ctx, endpoint, issueRequest{IssueText: text}); err != nil {
		return fmt.Errorf("failed to submit issue: %w", err)
	}
	return nil
}

func scorePath(game models.Game) (string, error) {
	switch game {
	case models.GameMemory:
		return MemoryGameScorePath, nil
	case models.GameNumberPuzzle:
		return NumberPuzzleScorePath, nil
	case models.GameStopTheBar:
		return StopTheBarScorePath, nil
	}
	return "", fmt.Errorf("unknown game %q", game)
}
