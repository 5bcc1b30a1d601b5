package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/SulimanRohany/deen-bridge-liveclass/api"
	"github.com/SulimanRohany/deen-bridge-liveclass/model"
)

const (
	defaultSettleDelay    = 800 * time.Millisecond
	defaultUnloadDeadline = 5 * time.Second
)

// Media-start classification. Adapters wrap these so the coordinator can
// tell a real permission/security denial from a transient device issue.
var (
	ErrMediaPermissionDenied = errors.New("camera/microphone permission denied")
	ErrMediaUnavailable      = errors.New("local media unavailable")
	ErrMediaTransport        = errors.New("media transport failure")
)

// Post-leave destinations by privilege.
const (
	RouteAdminSessions  = "/admin/live-sessions/"
	RouteTeacherReturn  = "/teacher/dashboard/"
	RouteStudentReturn  = "/student/sessions/"
	RouteLoginOnAuthErr = "/login/"
)

type (
	// Backend issues join/monitor decisions and takes leave beacons.
	Backend interface {
		Join(ctx context.Context, sessionID, displayName string, elevated bool) (*model.SessionGrant, error)
		LeaveBeacon(sessionID string)
	}

	// MediaAdapter is the external real-time transport. LeaveRoom must
	// stop all local media tracks.
	MediaAdapter interface {
		JoinRoom(ctx context.Context, roomID, displayName string, opts model.MediaOptions) error
		StartLocalMedia(ctx context.Context) error
		LeaveRoom(ctx context.Context) error
	}

	Config struct {
		Logger  *zerolog.Logger
		Backend Backend
		Media   MediaAdapter
		Tracker *DurationTracker

		SessionID   string
		UserID      string
		DisplayName string
		Token       string
		SuperAdmin  bool

		// SettleDelay sits between the media room join and local media
		// start, letting roster propagation finish. Zero means the
		// 800ms default; use DisableSettle to drop it entirely.
		SettleDelay   time.Duration
		DisableSettle bool

		// OnState observes every state transition (UI binding). It is
		// called outside the coordinator's lock and must not call back
		// into the coordinator synchronously.
		OnState func(model.ConnectionState)
		// Navigate receives the post-leave route.
		Navigate func(route string)
	}

	// Coordinator is the join/leave state machine. One per page visit;
	// it exclusively owns the connection state and the observer flag.
	Coordinator struct {
		logger   zerolog.Logger
		backend  Backend
		media    MediaAdapter
		tracker  *DurationTracker
		settle   time.Duration
		onState  func(model.ConnectionState)
		navigate func(route string)

		sessionID   string
		userID      string
		displayName string
		token       string
		superAdmin  bool

		mu       sync.Mutex
		state    model.ConnectionState
		grant    *model.SessionGrant
		warning  string
		errMsg   string
		torn     bool
		unloaded bool
		// epoch bumps on every leave/teardown; a continuation holding a
		// stale epoch abandons instead of mutating state.
		epoch int
	}
)

func NewCoordinator(cfg Config) *Coordinator {
	settle := cfg.SettleDelay
	if settle == 0 && !cfg.DisableSettle {
		settle = defaultSettleDelay
	}
	tracker := cfg.Tracker
	if tracker == nil {
		tracker = NewDurationTracker(TrackerConfig{Logger: cfg.Logger, UserID: cfg.UserID})
	}
	return &Coordinator{
		logger:      cfg.Logger.With().Str("component", "session-coordinator").Logger(),
		backend:     cfg.Backend,
		media:       cfg.Media,
		tracker:     tracker,
		settle:      settle,
		onState:     cfg.OnState,
		navigate:    cfg.Navigate,
		sessionID:   cfg.SessionID,
		userID:      cfg.UserID,
		displayName: cfg.DisplayName,
		token:       cfg.Token,
		superAdmin:  cfg.SuperAdmin,
		state:       model.StateIdle,
	}
}

// Join runs the full join sequence. It is idempotent-safe: while a join
// is pending or the session is active, further calls are no-ops. Only
// Idle and Failed accept a new attempt.
func (c *Coordinator) Join(ctx context.Context) error {
	c.mu.Lock()
	if c.state != model.StateIdle && c.state != model.StateFailed {
		state := c.state
		c.mu.Unlock()
		c.logger.Debug().Stringer("state", state).Msg("join ignored, already in progress or active")
		return nil
	}
	if c.userID == "" || c.token == "" {
		c.state = model.StateFailed
		c.errMsg = "not authenticated"
		c.mu.Unlock()
		c.notify(model.StateFailed)
		if c.navigate != nil {
			c.navigate(RouteLoginOnAuthErr)
		}
		return api.ErrNotAuthenticated
	}
	// guard transition happens synchronously, before the first
	// suspension point, so a re-entrant trigger in the same tick loses
	c.state = model.StateAuthPending
	c.warning = ""
	c.errMsg = ""
	c.torn = false
	c.unloaded = false
	epoch := c.epoch
	c.mu.Unlock()
	c.notify(model.StateAuthPending)

	grant, err := c.backend.Join(ctx, c.sessionID, c.displayName, c.superAdmin)
	if err != nil {
		c.fail(epoch, err)
		return err
	}

	if !c.advance(epoch, model.StateJoining, grant) {
		c.logger.Debug().Msg("join abandoned, session already left")
		return nil
	}

	// duration accounting starts before the media join so it stays
	// correct even when media fails
	c.tracker.Start(grant.RoomID)

	err = c.media.JoinRoom(ctx, grant.RoomID, grant.DisplayName, model.MediaOptions{
		Role:     grant.Role,
		Observer: grant.Observer,
	})
	if err != nil {
		c.tracker.Stop(context.Background(), grant.RoomID)
		err = errors.Join(ErrMediaTransport, err)
		c.fail(epoch, err)
		return err
	}

	if c.settle > 0 {
		t := time.NewTimer(c.settle)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			c.fail(epoch, ctx.Err())
			return ctx.Err()
		}
	}

	if !c.advance(epoch, model.StateMediaStarting, nil) {
		c.logger.Debug().Msg("join abandoned after media join")
		return nil
	}

	if !grant.Observer {
		if mediaErr := c.media.StartLocalMedia(ctx); mediaErr != nil {
			// non-fatal: a participant without camera or microphone is
			// still a participant
			c.recordMediaFailure(mediaErr)
		}
	}

	if !c.advance(epoch, model.StateActive, nil) {
		c.logger.Debug().Msg("join abandoned before activation")
		return nil
	}
	c.logger.Info().
		Str("roomID", grant.RoomID).
		Str("role", grant.Role).
		Bool("observer", grant.Observer).
		Msg("session active")
	return nil
}

// advance moves to next only while this attempt is still current and the
// state is one of the in-flight join states.
func (c *Coordinator) advance(epoch int, next model.ConnectionState, grant *model.SessionGrant) bool {
	c.mu.Lock()
	if c.epoch != epoch {
		c.mu.Unlock()
		return false
	}
	switch c.state {
	case model.StateAuthPending, model.StateJoining, model.StateMediaStarting:
	default:
		c.mu.Unlock()
		return false
	}
	c.state = next
	if grant != nil {
		c.grant = grant
	}
	c.mu.Unlock()
	c.notify(next)
	return true
}

func (c *Coordinator) fail(epoch int, err error) {
	c.mu.Lock()
	if c.epoch != epoch || c.state == model.StateLeaving {
		c.mu.Unlock()
		return
	}
	c.state = model.StateFailed
	c.errMsg = err.Error()
	c.mu.Unlock()
	c.notify(model.StateFailed)
	c.logger.Error().Err(err).Msg("join failed")
}

func (c *Coordinator) recordMediaFailure(err error) {
	c.mu.Lock()
	if errors.Is(err, ErrMediaPermissionDenied) {
		c.errMsg = err.Error()
	} else {
		c.warning = err.Error()
	}
	c.mu.Unlock()
	c.logger.Warn().Err(err).Msg("local media unavailable, continuing without it")
}

// Leave tears the session down and resolves the post-leave route. The
// leaving guard flips synchronously, teardown failures are logged but
// never block the redirect, and a Leave on an Idle coordinator performs
// no adapter calls.
func (c *Coordinator) Leave(ctx context.Context) string {
	c.mu.Lock()
	if c.state == model.StateIdle || c.state == model.StateLeaving {
		c.mu.Unlock()
		return ""
	}
	grant := c.grant
	c.state = model.StateLeaving
	c.epoch++
	c.torn = true
	c.mu.Unlock()
	// the Leaving notification is the UI's cue to hide the session
	// immediately, before teardown completes
	c.notify(model.StateLeaving)

	c.teardownMedia(ctx, grant)

	c.mu.Lock()
	c.state = model.StateIdle
	c.grant = nil
	c.mu.Unlock()
	c.notify(model.StateIdle)

	route := c.routeFor(grant)
	if c.navigate != nil {
		c.navigate(route)
	}
	c.logger.Info().Str("route", route).Msg("left session")
	return route
}

// Teardown is the graceful in-app cleanup path (component unmount). It
// awaits the same work the abrupt path fires and forgets. Idempotent.
func (c *Coordinator) Teardown(ctx context.Context) {
	c.mu.Lock()
	if c.torn {
		c.mu.Unlock()
		return
	}
	c.torn = true
	grant := c.grant
	c.epoch++
	leaving := c.state != model.StateIdle && c.state != model.StateFailed
	if leaving {
		c.state = model.StateLeaving
	}
	c.mu.Unlock()
	if leaving {
		c.notify(model.StateLeaving)
	}

	c.teardownMedia(ctx, grant)

	c.mu.Lock()
	c.state = model.StateIdle
	c.grant = nil
	c.mu.Unlock()
	c.notify(model.StateIdle)
}

// HandleUnload is the abrupt termination path (page unload, crash). It
// sends the leave beacon and runs teardown best-effort without awaiting;
// nothing here depends on the caller surviving to observe the result.
func (c *Coordinator) HandleUnload() {
	c.mu.Lock()
	if c.torn || c.unloaded {
		c.mu.Unlock()
		return
	}
	c.unloaded = true
	c.mu.Unlock()

	c.backend.LeaveBeacon(c.sessionID)
	ctx, cancel := context.WithTimeout(context.Background(), defaultUnloadDeadline)
	go func() {
		defer cancel()
		c.Teardown(ctx)
	}()
}

// teardownMedia performs the shared leave work. Errors are swallowed
// after logging; cleanup never throws past this boundary.
func (c *Coordinator) teardownMedia(ctx context.Context, grant *model.SessionGrant) {
	if grant == nil {
		return
	}
	if err := c.media.LeaveRoom(ctx); err != nil {
		c.logger.Error().Err(err).Msg("media leave failed")
	}
	c.tracker.Stop(ctx, grant.RoomID)
}

func (c *Coordinator) routeFor(grant *model.SessionGrant) string {
	if c.superAdmin {
		return RouteAdminSessions
	}
	if grant != nil && grant.Role == model.RoleModerator {
		return RouteTeacherReturn
	}
	return RouteStudentReturn
}

func (c *Coordinator) notify(s model.ConnectionState) {
	if c.onState != nil {
		c.onState(s)
	}
}

// State reports the current connection state.
func (c *Coordinator) State() model.ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Grant returns the backend's grant while a session is up, nil otherwise.
func (c *Coordinator) Grant() *model.SessionGrant {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.grant
}

// Warning is the tolerated media-failure message, empty when media
// started cleanly.
func (c *Coordinator) Warning() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.warning
}

// ErrorMessage is the user-facing failure text after StateFailed, or the
// retained permission-denial text on an otherwise active session.
func (c *Coordinator) ErrorMessage() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errMsg
}
