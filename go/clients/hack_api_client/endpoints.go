package hack_api_client

const (
	// Base URL
	DefaultBaseURL = "http://localhost:5000"

	// API Endpoints
	TeamEndpoint  = "/Hack/team"
	IssueEndpoint = "/Hack/issue"

	// Score endpoint suffixes, appended to /Hack/team/{id}/
	MemoryGameScorePath   = "game-score"
	NumberPuzzleScorePath = "number-puzzle-score"
	StopTheBarScorePath   = "stop-the-bar-score"

	// Headers
	ContentTypeHeader = "Content-Type"
	ContentTypeJSON   = "application/json"
)
