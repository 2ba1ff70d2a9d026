package aggregator

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// snapshotDoc is the JSON document written to the snapshot directory.
type snapshotDoc struct {
	GeneratedAt   string         `json:"generatedAt"`
	Reason        string         `json:"reason"`
	WindowHours   float64        `json:"windowHours"`
	HalfLifeHours float64        `json:"halfLifeHours"`
	TopCount      int            `json:"topCount"`
	Posts         []snapshotPost `json:"posts"`
}

type snapshotPost struct {
	Rank        int     `json:"rank"`
	URI         string  `json:"uri"`
	URL         *string `json:"url"`
	PostID      uint32  `json:"postId"`
	Likes       int     `json:"likes"`
	Reposts     int     `json:"reposts"`
	Score       int     `json:"score"`
	Hotness     float64 `json:"hotness"`
	LastUpdated int64   `json:"lastUpdated"`
}

// snapshotter serializes snapshot writes through a single worker goroutine so
// no two writes overlap. Requests that arrive while the queue is full are
// dropped; the next interval catches up.
type snapshotter struct {
	dir    string
	build  func(reason string, now time.Time) snapshotDoc
	logger *slog.Logger

	requests  chan string
	done      chan struct{}
	closeOnce sync.Once
	now       func() time.Time
}

func newSnapshotter(dir string, build func(reason string, now time.Time) snapshotDoc, logger *slog.Logger) *snapshotter {
	s := &snapshotter{
		dir:      dir,
		build:    build,
		logger:   logger,
		requests: make(chan string, 16),
		done:     make(chan struct{}),
		now:      time.Now,
	}
	go s.run()
	return s
}

func (s *snapshotter) run() {
	defer close(s.done)
	for reason := range s.requests {
		if err := s.write(reason); err != nil {
			s.logger.Error("failed to write snapshot", "reason", reason, "error", err)
		}
	}
}

// request queues a snapshot. Never blocks the caller.
func (s *snapshotter) request(reason string) {
	select {
	case s.requests <- reason:
	default:
		s.logger.Warn("snapshot queue full, dropping request", "reason", reason)
	}
}

// close stops the worker and waits for queued snapshots to drain.
func (s *snapshotter) close() {
	s.closeOnce.Do(func() { close(s.requests) })
	<-s.done
}

// write renders one snapshot to <dir>/<date>/<date>T<HH-MM>Z.json via a temp
// file and rename, so readers never observe a partial document.
func (s *snapshotter) write(reason string) error {
	now := s.now().UTC()
	doc := s.build(reason, now)

	day := now.Format("2006-01-02")
	dir := filepath.Join(s.dir, day)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create snapshot directory: %w", err)
	}

	path := filepath.Join(dir, now.Format("2006-01-02T15-04")+"Z.json")
	raw, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename snapshot: %w", err)
	}

	s.logger.Info("snapshot written", "path", path, "reason", reason, "posts", len(doc.Posts))
	return nil
}

// roundHotness trims hotness to six decimal places for the snapshot payload.
func roundHotness(h float64) float64 {
	return math.Round(h*1e6) / 1e6
}

// buildSnapshot assembles the snapshot document from current state.
func (a *Aggregator) buildSnapshot(reason string, now time.Time) snapshotDoc {
	nowMS := now.UnixMilli()

	a.mu.Lock()
	top := a.topPosts(a.cfg.TopCount, nowMS)
	a.mu.Unlock()

	posts := make([]snapshotPost, len(top))
	for i, p := range top {
		var url *string
		if p.URL != "" {
			u := p.URL
			url = &u
		}
		posts[i] = snapshotPost{
			Rank:        p.Rank,
			URI:         p.URI,
			URL:         url,
			PostID:      p.PostID,
			Likes:       p.Likes,
			Reposts:     p.Reposts,
			Score:       p.Score,
			Hotness:     roundHotness(p.Hotness),
			LastUpdated: p.LastUpdated,
		}
	}

	return snapshotDoc{
		GeneratedAt:   now.Format(time.RFC3339),
		Reason:        reason,
		WindowHours:   a.cfg.WindowHours,
		HalfLifeHours: a.cfg.HalfLifeHours,
		TopCount:      a.cfg.TopCount,
		Posts:         posts,
	}
}
