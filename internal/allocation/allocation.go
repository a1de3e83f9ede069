// Package allocation implements the matcher from spec §4.2: given a job
// awaiting assignment, it filters out workers whose existing schedule
// conflicts with the job's time window, scores the remaining candidates in
// the job's region by queue position, distance, and rating, falls back to
// adjacent or any region when the primary pool is empty, and commits to
// one candidate within a bounded timeout per attempt. Grounded on
// allocation_engine.py's AllocationEngine.
package allocation

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cleanco/dispatchcore/internal/cache"
	"github.com/cleanco/dispatchcore/internal/domain"
	"github.com/cleanco/dispatchcore/internal/metrics"
	"github.com/cleanco/dispatchcore/internal/region"
)

// Config holds the tunable scoring weights and timeout/fallback behavior.
// Weights must sum to 1.0.
type Config struct {
	QueueWeight    float64
	DistanceWeight float64
	RatingWeight   float64

	AssignmentTimeout  time.Duration
	MaxCandidatesToTry int

	ExpandToAdjacentRegions bool
	FallbackToAnyRegion     bool
}

// DefaultConfig returns the spec §4.2 defaults: 40/30/30 weights, 3s
// per-candidate timeout, try up to 5 candidates, both fallbacks enabled.
func DefaultConfig() Config {
	return Config{
		QueueWeight:             0.40,
		DistanceWeight:          0.30,
		RatingWeight:            0.30,
		AssignmentTimeout:       3 * time.Second,
		MaxCandidatesToTry:      5,
		ExpandToAdjacentRegions: true,
		FallbackToAnyRegion:     true,
	}
}

// Candidate is a scored worker considered for a job.
type Candidate struct {
	Worker        *domain.Worker
	QueueScore    float64
	DistanceScore float64
	RatingScore   float64
	TotalScore    float64
	DistanceKM    float64
	QueuePosition int
}

// Result reports the outcome of one allocation attempt.
type Result struct {
	Success            bool
	AssignedWorker     *domain.Worker
	CandidatesEvaluated int
	AllocationTimeMS   float64
	FallbackUsed       bool
	RegionExpanded     bool
	FailureReason      string
}

// WorkerSource supplies the candidate pools an Engine scores.
type WorkerSource interface {
	ListActiveByRegion(ctx context.Context, region domain.RegionCode) ([]*domain.Worker, error)
	ListActive(ctx context.Context) ([]*domain.Worker, error)
}

// QueuePositioner supplies the last-completion time used to derive queue
// order; nil time means the worker has no completed jobs and sits at the
// front of the queue.
type QueuePositioner interface {
	LastCompletionTime(ctx context.Context, workerID int64) (*time.Time, error)
}

// ScheduleSource supplies a worker's currently active jobs so Allocate can
// filter out workers whose existing assignment overlaps the job being
// allocated, per §4.2 step 2. Grounded on cleaner_assignment.py's
// has_time_conflict, which checks this same ASSIGNED/IN_PROGRESS/PAUSED
// set (CANCELLED/NO_SHOW excluded) for an overlapping window.
type ScheduleSource interface {
	ListActiveByWorker(ctx context.Context, workerID int64) ([]*domain.Job, error)
}

// defaultJobDuration mirrors has_time_conflict's fallback duration for an
// existing booking with no estimated-hours figure recorded.
const defaultJobDuration = 2.5

// Committer attempts to actually assign candidate to job, re-checking
// conflicts at commit time (the race-condition guard the original engine
// performs inside _attempt_assignment). Returning false, nil means the
// candidate was rejected without error (try the next one); a non-nil error
// aborts the whole allocation.
type Committer func(ctx context.Context, job *domain.Job, worker *domain.Worker) (bool, error)

// Engine runs the allocation algorithm.
type Engine struct {
	workers  WorkerSource
	queue    QueuePositioner
	schedule ScheduleSource
	cache    cache.Cache
	now      func() time.Time

	cfgMu sync.RWMutex
	cfg   Config

	// Metrics is optional; when set, every Allocate call also records a
	// Prometheus observation alongside the cache-backed dashboard metric.
	Metrics *metrics.Recorder
}

func NewEngine(workers WorkerSource, queue QueuePositioner, schedule ScheduleSource, c cache.Cache, cfg Config) *Engine {
	return &Engine{workers: workers, queue: queue, schedule: schedule, cache: c, cfg: cfg, now: time.Now}
}

// SetConfig atomically replaces the scoring weights/timeout/fallback
// behavior, letting an operator retune the matcher (via
// config.WeightsWatcher) without restarting the process.
func (e *Engine) SetConfig(cfg Config) {
	e.cfgMu.Lock()
	defer e.cfgMu.Unlock()
	e.cfg = cfg
}

func (e *Engine) config() Config {
	e.cfgMu.RLock()
	defer e.cfgMu.RUnlock()
	return e.cfg
}

// Allocate scores and commits a worker to job, trying up to
// cfg.MaxCandidatesToTry candidates via commit, each bounded by
// cfg.AssignmentTimeout.
func (e *Engine) Allocate(ctx context.Context, job *domain.Job, durationHours float64, commit Committer) (Result, error) {
	cfg := e.config()
	start := e.now()

	bookingRegion := job.RegionCode
	if bookingRegion == "" {
		return Result{Success: false, FailureReason: "could not determine booking region"}, nil
	}

	candidates, err := e.scoredCandidates(ctx, bookingRegion, job, durationHours)
	if err != nil {
		return Result{}, err
	}

	regionExpanded := false
	fallbackUsed := false

	if len(candidates) == 0 && cfg.ExpandToAdjacentRegions {
		for _, adj := range region.Adjacent[bookingRegion] {
			more, err := e.scoredCandidates(ctx, adj, job, durationHours)
			if err != nil {
				return Result{}, err
			}
			candidates = append(candidates, more...)
		}
		if len(candidates) > 0 {
			regionExpanded = true
		}
	}

	if len(candidates) == 0 && cfg.FallbackToAnyRegion {
		all, err := e.workers.ListActive(ctx)
		if err != nil {
			return Result{}, err
		}
		free, err := e.filterConflicting(ctx, all, job, durationHours)
		if err != nil {
			return Result{}, err
		}
		for _, w := range free {
			c, err := e.scoreWorker(ctx, w, bookingRegion)
			if err != nil {
				return Result{}, err
			}
			candidates = append(candidates, c)
		}
		if len(candidates) > 0 {
			fallbackUsed = true
		}
	}

	if len(candidates) == 0 {
		e.recordMetric(ctx, bookingRegion, false, 0)
		e.Metrics.RecordAllocation(string(bookingRegion), false, e.now().Sub(start), 0)
		return Result{
			Success:       false,
			FailureReason: "no available cleaners found",
		}, nil
	}

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].TotalScore > candidates[j].TotalScore })

	tryCount := cfg.MaxCandidatesToTry
	if tryCount > len(candidates) {
		tryCount = len(candidates)
	}

	var assigned *domain.Worker
	evaluated := 0
	for _, c := range candidates[:tryCount] {
		evaluated++
		attemptCtx, cancel := context.WithTimeout(ctx, cfg.AssignmentTimeout)
		ok, err := commit(attemptCtx, job, c.Worker)
		cancel()
		if err != nil {
			return Result{}, err
		}
		if ok {
			assigned = c.Worker
			break
		}
	}

	elapsed := float64(e.now().Sub(start).Microseconds()) / 1000.0

	if assigned == nil {
		e.recordMetric(ctx, bookingRegion, false, 0)
		e.Metrics.RecordAllocation(string(bookingRegion), false, e.now().Sub(start), evaluated)
		return Result{
			Success:             false,
			CandidatesEvaluated: evaluated,
			AllocationTimeMS:    elapsed,
			FallbackUsed:        fallbackUsed,
			RegionExpanded:      regionExpanded,
			FailureReason:       "all candidates rejected or timed out",
		}, nil
	}

	e.invalidateQueue(ctx, assigned.RegionCode)
	e.recordMetric(ctx, bookingRegion, true, elapsed)
	e.Metrics.RecordAllocation(string(bookingRegion), true, e.now().Sub(start), evaluated)

	return Result{
		Success:             true,
		AssignedWorker:      assigned,
		CandidatesEvaluated: evaluated,
		AllocationTimeMS:    elapsed,
		FallbackUsed:        fallbackUsed,
		RegionExpanded:      regionExpanded,
	}, nil
}

func (e *Engine) scoredCandidates(ctx context.Context, r domain.RegionCode, job *domain.Job, durationHours float64) ([]Candidate, error) {
	workers, err := e.workers.ListActiveByRegion(ctx, r)
	if err != nil {
		return nil, err
	}
	free, err := e.filterConflicting(ctx, workers, job, durationHours)
	if err != nil {
		return nil, err
	}
	out := make([]Candidate, 0, len(free))
	for _, w := range free {
		c, err := e.scoreWorker(ctx, w, r)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// filterConflicting drops every worker whose existing active job overlaps
// [job.ScheduledDate, job.ScheduledDate+durationHours), per §4.2 step 2.
func (e *Engine) filterConflicting(ctx context.Context, workers []*domain.Worker, job *domain.Job, durationHours float64) ([]*domain.Worker, error) {
	out := make([]*domain.Worker, 0, len(workers))
	for _, w := range workers {
		conflict, err := e.hasTimeConflict(ctx, w.ID, job, durationHours)
		if err != nil {
			return nil, err
		}
		if !conflict {
			out = append(out, w)
		}
	}
	return out, nil
}

// hasTimeConflict mirrors has_time_conflict: a worker conflicts if any of
// its currently active jobs starts before this booking ends and ends after
// this booking starts.
func (e *Engine) hasTimeConflict(ctx context.Context, workerID int64, job *domain.Job, durationHours float64) (bool, error) {
	active, err := e.schedule.ListActiveByWorker(ctx, workerID)
	if err != nil {
		return false, err
	}
	bookingStart := job.ScheduledDate
	bookingEnd := bookingStart.Add(time.Duration(durationHours * float64(time.Hour)))

	for _, existing := range active {
		if existing.ID == job.ID {
			continue
		}
		existingHours := existing.EstimatedHours
		if existingHours <= 0 {
			existingHours = defaultJobDuration
		}
		existingEnd := existing.ScheduledDate.Add(time.Duration(existingHours * float64(time.Hour)))
		if existing.ScheduledDate.Before(bookingEnd) && existingEnd.After(bookingStart) {
			return true, nil
		}
	}
	return false, nil
}

// scoreWorker computes a worker's weighted score against a booking in
// bookingRegion, per the §4.2 formula:
// queue_score = 1 - position/(max_position+1); distance_score normalizes
// 0km->1.0, 50km+->0.0; rating_score = rating/5.0.
func (e *Engine) scoreWorker(ctx context.Context, w *domain.Worker, bookingRegion domain.RegionCode) (Candidate, error) {
	cfg := e.config()
	positions, err := e.queuePositions(ctx, w.RegionCode)
	if err != nil {
		return Candidate{}, err
	}
	pos, maxPos := positions[w.ID], 1
	for _, p := range positions {
		if p > maxPos {
			maxPos = p
		}
	}
	if pos == 0 {
		pos = len(positions) + 1
	}

	queueScore := 0.5
	if maxPos > 0 {
		queueScore = 1.0 - float64(pos)/float64(maxPos+1)
	}

	distanceScore := 0.5
	var distanceKM float64
	if bookingCoord, ok := region.Coordinates[bookingRegion]; ok {
		if workerCoord, ok := region.Coordinates[w.RegionCode]; ok {
			distanceKM = region.HaversineKM(bookingCoord, workerCoord)
			distanceScore = 1.0 - distanceKM/50.0
			if distanceScore < 0 {
				distanceScore = 0
			}
		}
	}

	rating := w.Rating
	if rating == 0 {
		rating = 4.0
	}
	ratingScore := rating / 5.0

	total := cfg.QueueWeight*queueScore + cfg.DistanceWeight*distanceScore + cfg.RatingWeight*ratingScore

	return Candidate{
		Worker:        w,
		QueueScore:    queueScore,
		DistanceScore: distanceScore,
		RatingScore:   ratingScore,
		TotalScore:    total,
		DistanceKM:    distanceKM,
		QueuePosition: pos,
	}, nil
}

// queuePositions returns 1-indexed positions for every active worker in r,
// ordered by oldest last-completion first, reading through the cache with
// a ~1h TTL and recomputing on a miss.
func (e *Engine) queuePositions(ctx context.Context, r domain.RegionCode) (map[int64]int, error) {
	key := fmt.Sprintf(cache.KeyCleanerQueue, r)
	if cached, ok, err := e.cache.Get(ctx, key); err == nil && ok {
		var positions map[int64]int
		if json.Unmarshal([]byte(cached), &positions) == nil {
			return positions, nil
		}
	}

	workers, err := e.workers.ListActiveByRegion(ctx, r)
	if err != nil {
		return nil, err
	}

	type entry struct {
		id   int64
		last time.Time
	}
	entries := make([]entry, 0, len(workers))
	for _, w := range workers {
		last, err := e.queue.LastCompletionTime(ctx, w.ID)
		if err != nil {
			return nil, err
		}
		if last == nil {
			entries = append(entries, entry{id: w.ID, last: time.Time{}})
		} else {
			entries = append(entries, entry{id: w.ID, last: *last})
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].last.Before(entries[j].last) })

	positions := make(map[int64]int, len(entries))
	for i, en := range entries {
		positions[en.id] = i + 1
	}

	if body, err := json.Marshal(positions); err == nil {
		_ = e.cache.Set(ctx, key, string(body), cache.TTLCleanerQueue)
	}
	return positions, nil
}

func (e *Engine) invalidateQueue(ctx context.Context, r domain.RegionCode) {
	_ = e.cache.Delete(ctx, fmt.Sprintf(cache.KeyCleanerQueue, r))
}

type regionMetrics struct {
	TotalAllocations int     `json:"total_allocations"`
	Successful       int     `json:"successful"`
	Failed           int     `json:"failed"`
	TotalTimeMS      float64 `json:"total_time_ms"`
	AvgTimeMS        float64 `json:"avg_time_ms"`
}

func (e *Engine) recordMetric(ctx context.Context, r domain.RegionCode, success bool, timeMS float64) {
	dateStr := e.now().UTC().Format("2006-01-02")
	key := fmt.Sprintf(cache.KeyAllocationMetrics, r, dateStr)

	var m regionMetrics
	if cached, ok, err := e.cache.Get(ctx, key); err == nil && ok {
		_ = json.Unmarshal([]byte(cached), &m)
	}

	m.TotalAllocations++
	if success {
		m.Successful++
		m.TotalTimeMS += timeMS
		m.AvgTimeMS = m.TotalTimeMS / float64(m.Successful)
	} else {
		m.Failed++
	}

	if body, err := json.Marshal(m); err == nil {
		_ = e.cache.Set(ctx, key, string(body), cache.TTLAllocationMetrics)
	}
}

// RegionMetrics reports a single region's allocation metrics for date
// (format "2006-01-02"), for the admin dashboard.
func (e *Engine) RegionMetrics(ctx context.Context, r domain.RegionCode, date string) (total, successful, failed int, avgTimeMS float64, err error) {
	key := fmt.Sprintf(cache.KeyAllocationMetrics, r, date)
	cached, ok, err := e.cache.Get(ctx, key)
	if err != nil || !ok {
		return 0, 0, 0, 0, err
	}
	var m regionMetrics
	if err := json.Unmarshal([]byte(cached), &m); err != nil {
		return 0, 0, 0, 0, nil
	}
	return m.TotalAllocations, m.Successful, m.Failed, m.AvgTimeMS, nil
}

// QueueStatus reports every active worker's current queue position in r,
// ordered ascending, for the admin dashboard.
func (e *Engine) QueueStatus(ctx context.Context, r domain.RegionCode) ([]Candidate, error) {
	workers, err := e.workers.ListActiveByRegion(ctx, r)
	if err != nil {
		return nil, err
	}
	out := make([]Candidate, 0, len(workers))
	for _, w := range workers {
		c, err := e.scoreWorker(ctx, w, r)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].QueuePosition < out[j].QueuePosition })
	return out, nil
}
