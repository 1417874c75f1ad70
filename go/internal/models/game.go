package models

import "fmt"

// Game identifies one of the side-quest mini-games
type Game string

const (
	GameMemory       Game = "memory"
	GameNumberPuzzle Game = "number-puzzle"
	GameStopTheBar   Game = "stop-the-bar"
)

// Games lists the mini-games in dashboard order
var Games = []Game{GameMemory, GameNumberPuzzle, GameStopTheBar}

// ParseGame validates a game name coming from an outer surface
func ParseGame(s string) (Game, error) {
	for _, g := range Games {
		if string(g) == s {
			return g, nil
		}
	}
	return "", fmt.Errorf("unknown game %q", s)
}

// Title is the display name used by the dashboard
func (g Game) Title() string {
	switch g {
	case GameMemory:
		return "Memory Flip"
	case GameNumberPuzzle:
		return "Number Puzzle"
	case GameStopTheBar:
		return "Stop The Bar"
	}
	return string(g)
}
