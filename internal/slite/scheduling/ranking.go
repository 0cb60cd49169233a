package scheduling

import (
	"math"
	"sort"
	"time"

	"github.com/torrvision/slite/internal/slite/api"
)

// AccrueUsage charges every active allocation's user for the GPU-seconds
// consumed since stats were last updated, and decays all counters with
// half-life halfLife so old usage gradually stops counting against a user.
// The input map is not modified; the returned map contains every known user
// plus any user with an active allocation.
func AccrueUsage(
	stats map[string]*api.UserStats,
	activeAllocations []*api.Allocation,
	now time.Time,
	halfLife time.Duration,
) map[string]*api.UserStats {
	updated := make(map[string]*api.UserStats, len(stats))
	for user, userStats := range stats {
		elapsed := now.Sub(userStats.Updated)
		if elapsed < 0 {
			elapsed = 0
		}
		decay := math.Pow(0.5, elapsed.Seconds()/halfLife.Seconds())
		updated[user] = &api.UserStats{
			User:       user,
			GpuSeconds: userStats.GpuSeconds * decay,
			Updated:    now,
		}
	}

	for _, allocation := range activeAllocations {
		userStats, ok := updated[allocation.User]
		if !ok {
			userStats = &api.UserStats{User: allocation.User, Updated: now}
			updated[allocation.User] = userStats
		}
		elapsed := now.Sub(allocation.Started)
		if previous, ok := stats[allocation.User]; ok {
			sinceUpdate := now.Sub(previous.Updated)
			if sinceUpdate < elapsed {
				elapsed = sinceUpdate
			}
		}
		if elapsed < 0 {
			elapsed = 0
		}
		userStats.GpuSeconds += float64(len(allocation.GpuIds)) * elapsed.Seconds()
	}
	return updated
}

// Rank orders pending jobs for allocation: users with less decayed recent
// usage come first, ties are broken by submission time and then job id. The
// order is total and deterministic, the allocator consumes it greedily without
// re-ranking mid-pass.
func Rank(jobs []*api.JobRequest, stats map[string]*api.UserStats) []*api.JobRequest {
	usage := func(user string) float64 {
		if userStats, ok := stats[user]; ok {
			return userStats.GpuSeconds
		}
		return 0
	}

	ranked := append([]*api.JobRequest{}, jobs...)
	sort.Slice(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		if usage(a.User) != usage(b.User) {
			return usage(a.User) < usage(b.User)
		}
		if !a.Submitted.Equal(b.Submitted) {
			return a.Submitted.Before(b.Submitted)
		}
		return a.Id < b.Id
	})
	return ranked
}
