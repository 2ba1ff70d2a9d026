package aggregator

import (
	"math"
	"sort"
)

// repostWeight is how much a repost counts relative to a like.
const repostWeight = 2

const msPerHour = 3_600_000

// RankedPost is one leaderboard entry.
type RankedPost struct {
	Rank        int
	URI         string
	URL         string
	PostID      uint32
	Likes       int
	Reposts     int
	Score       int
	Hotness     float64
	LastUpdated int64
}

func score(s *PostStats) int {
	return s.Likes + repostWeight*s.Reposts
}

// hotness applies exponential time decay to a score. Non-positive scores have
// zero hotness; a non-finite decay factor leaves the score undecayed.
func hotness(score int, ageMS int64, halfLifeHours float64) float64 {
	if score <= 0 {
		return 0
	}
	ageHours := float64(ageMS) / msPerHour
	if ageHours < 0 {
		ageHours = 0
	}
	decay := math.Exp(-ageHours / halfLifeHours)
	if math.IsNaN(decay) || math.IsInf(decay, 0) {
		return float64(score)
	}
	return float64(score) * decay
}

// topPosts returns the n hottest posts, ordered by hotness, then score, then
// recency, then URI for determinism. Callers hold mu. N is tiny, so a full
// sort over the tally is fine.
func (a *Aggregator) topPosts(n int, nowMS int64) []RankedPost {
	ranked := make([]RankedPost, 0, len(a.tally))
	for uri, stats := range a.tally {
		s := score(stats)
		ranked = append(ranked, RankedPost{
			URI:         uri,
			URL:         a.registry.url(stats.ID),
			PostID:      stats.ID,
			Likes:       stats.Likes,
			Reposts:     stats.Reposts,
			Score:       s,
			Hotness:     hotness(s, nowMS-stats.LastUpdated, a.cfg.HalfLifeHours),
			LastUpdated: stats.LastUpdated,
		})
	}

	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].Hotness != ranked[j].Hotness {
			return ranked[i].Hotness > ranked[j].Hotness
		}
		if ranked[i].Score != ranked[j].Score {
			return ranked[i].Score > ranked[j].Score
		}
		if ranked[i].LastUpdated != ranked[j].LastUpdated {
			return ranked[i].LastUpdated > ranked[j].LastUpdated
		}
		return ranked[i].URI < ranked[j].URI
	})

	if len(ranked) > n {
		ranked = ranked[:n]
	}
	for i := range ranked {
		ranked[i].Rank = i + 1
	}
	return ranked
}
