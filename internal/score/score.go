package score

import "math"

const (
	baseScore    = 1000
	maxTimeBonus = 500

	xpPerCorrect = 10
	xpPerRank    = 5
)

// Calculate returns the score for a single answer. Incorrect or missing
// answers score 0. Correct answers earn a base score plus a time bonus that
// decays linearly over the question's time limit, so a faster correct answer
// never scores less than a slower one.
func Calculate(isCorrect bool, responseTimeMs int64, timeLimitSeconds int) int {
	if !isCorrect {
		return 0
	}

	bonus := maxTimeBonus * (1 - float64(responseTimeMs)/float64(timeLimitSeconds*1000))
	if bonus < 0 {
		bonus = 0
	}

	return int(math.Floor(baseScore + bonus))
}

// CalculateXP returns the cross-session progression points earned for one
// finished game. Rank is the 1-indexed position in the final leaderboard.
func CalculateXP(rank, correctAnswers, totalPlayers int) int {
	rankBonus := (totalPlayers - rank + 1) * xpPerRank
	if rankBonus < 0 {
		rankBonus = 0
	}

	return correctAnswers*xpPerCorrect + rankBonus
}
