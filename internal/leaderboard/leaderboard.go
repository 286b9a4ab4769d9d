package leaderboard

import (
	"sort"

	"github.com/brainbrawler/brainbrawler/internal/domain"
)

// Build ranks players by cumulative score, descending. Ties rank the earlier
// joiner first: players carries join order, which is the documented tiebreak.
// Players without a score entry rank with score 0. Ranks are 1-indexed.
func Build(players []string, scores map[string]int) []domain.LeaderboardEntry {
	entries := make([]domain.LeaderboardEntry, 0, len(players))
	for _, p := range players {
		entries = append(entries, domain.LeaderboardEntry{
			UserID: p,
			Score:  scores[p],
		})
	}

	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Score > entries[j].Score
	})

	for i := range entries {
		entries[i].Rank = i + 1
	}

	return entries
}
