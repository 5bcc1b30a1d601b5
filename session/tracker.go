package session

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// PrefStore is the injected key-value store used for persisted client
// state (accumulated watch-time here).
type PrefStore interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
}

type TrackerConfig struct {
	Logger *zerolog.Logger
	// Store persists accumulated watch-time per (user, room); nil keeps
	// tracking purely in-process.
	Store  PrefStore
	UserID string
	// Now overrides the clock, for tests.
	Now func() time.Time
}

// DurationTracker accounts session attendance time, keyed by room id.
// Start/Stop pairs bracket media presence; Start is called before the
// media join so accounting is correct even when media fails.
type DurationTracker struct {
	logger zerolog.Logger
	store  PrefStore
	userID string
	now    func() time.Time

	mu     sync.Mutex
	active map[string]time.Time
}

func NewDurationTracker(cfg TrackerConfig) *DurationTracker {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &DurationTracker{
		logger: cfg.Logger.With().Str("component", "duration-tracker").Logger(),
		store:  cfg.Store,
		userID: cfg.UserID,
		now:    now,
		active: make(map[string]time.Time),
	}
}

// Start begins tracking for a room. A second Start for the same room
// keeps the original start time.
func (t *DurationTracker) Start(roomID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, running := t.active[roomID]; running {
		return
	}
	t.active[roomID] = t.now()
}

// Stop ends tracking and returns the elapsed duration, zero when no
// tracking was running. The elapsed time is added to the persisted
// accumulator; persistence errors are logged and swallowed.
func (t *DurationTracker) Stop(ctx context.Context, roomID string) time.Duration {
	t.mu.Lock()
	started, running := t.active[roomID]
	if running {
		delete(t.active, roomID)
	}
	t.mu.Unlock()
	if !running {
		return 0
	}

	elapsed := t.now().Sub(started)
	if elapsed < 0 {
		elapsed = 0
	}
	t.persist(ctx, roomID, elapsed)
	t.logger.Debug().
		Str("roomID", roomID).
		Dur("elapsed", elapsed).
		Msg("duration tracking stopped")
	return elapsed
}

// Accumulated reads the persisted total watch-time for a room.
func (t *DurationTracker) Accumulated(ctx context.Context, roomID string) (time.Duration, error) {
	if t.store == nil {
		return 0, nil
	}
	val, ok, err := t.store.Get(ctx, t.key(roomID))
	if err != nil || !ok {
		return 0, err
	}
	secs, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, err
	}
	return time.Duration(secs) * time.Second, nil
}

func (t *DurationTracker) persist(ctx context.Context, roomID string, elapsed time.Duration) {
	if t.store == nil {
		return
	}
	total, err := t.Accumulated(ctx, roomID)
	if err != nil {
		t.logger.Warn().Err(err).Str("roomID", roomID).Msg("watch-time read failed")
		total = 0
	}
	total += elapsed
	err = t.store.Set(ctx, t.key(roomID), strconv.FormatInt(int64(total/time.Second), 10))
	if err != nil {
		t.logger.Warn().Err(err).Str("roomID", roomID).Msg("watch-time write failed")
	}
}

func (t *DurationTracker) key(roomID string) string {
	return fmt.Sprintf("watchtime:%s:%s", t.userID, roomID)
}
