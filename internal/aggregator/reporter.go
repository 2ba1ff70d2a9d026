package aggregator

import (
	"bufio"
	"os"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// report logs current resource usage and the leaderboard.
func (a *Aggregator) report() {
	now := a.now()
	nowMS := now.UnixMilli()

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	cpuPct := a.cpuPercent(now)

	a.mu.Lock()
	top := a.topPosts(a.cfg.TopCount, nowMS)
	tracked := len(a.tally)
	likes := a.activeLikes.Len()
	reposts := a.activeReposts.Len()
	a.mu.Unlock()

	a.logger.Info("aggregator report",
		"rss_mb", rssBytes()/(1<<20),
		"heap_mb", ms.HeapAlloc/(1<<20),
		"cpu_pct", cpuPct,
		"tracked_posts", tracked,
		"active_likes", likes,
		"active_reposts", reposts,
	)

	if len(top) == 0 {
		a.logger.Info("no data yet")
		return
	}
	for _, p := range top {
		a.logger.Info("top post",
			"rank", p.Rank,
			"url", p.URL,
			"uri", p.URI,
			"likes", p.Likes,
			"reposts", p.Reposts,
			"score", p.Score,
			"hotness", p.Hotness,
			"updated_at", time.UnixMilli(p.LastUpdated).UTC().Format(time.RFC3339),
		)
	}
}

// cpuPercent returns user+system CPU consumed since the previous report as a
// percentage of the elapsed wall time. The first call reports 0.
func (a *Aggregator) cpuPercent(now time.Time) float64 {
	cpu := processCPUTime()

	a.reportMu.Lock()
	defer a.reportMu.Unlock()

	var pct float64
	if !a.lastWall.IsZero() {
		wall := now.Sub(a.lastWall)
		if wall > 0 {
			pct = 100 * float64(cpu-a.lastCPU) / float64(wall)
		}
	}
	a.lastCPU = cpu
	a.lastWall = now
	if pct < 0 {
		pct = 0
	}
	return pct
}

func processCPUTime() time.Duration {
	var ru syscall.Rusage
	if err := syscall.Getrusage(syscall.RUSAGE_SELF, &ru); err != nil {
		return 0
	}
	return timevalDuration(ru.Utime) + timevalDuration(ru.Stime)
}

func timevalDuration(tv syscall.Timeval) time.Duration {
	return time.Duration(tv.Sec)*time.Second + time.Duration(tv.Usec)*time.Microsecond
}

// rssBytes reads the resident set size from /proc. Returns 0 where /proc is
// unavailable.
func rssBytes() uint64 {
	f, err := os.Open("/proc/self/statm")
	if err != nil {
		return 0
	}
	defer f.Close()

	line, err := bufio.NewReader(f).ReadString('\n')
	if err != nil && line == "" {
		return 0
	}
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return 0
	}
	pages, err := strconv.ParseUint(fields[1], 10, 64)
	if err != nil {
		return 0
	}
	return pages * uint64(os.Getpagesize())
}
