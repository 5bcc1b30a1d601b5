package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SulimanRohany/deen-bridge-liveclass/api"
	"github.com/SulimanRohany/deen-bridge-liveclass/model"
)

type fakeBackend struct {
	mu      sync.Mutex
	joins   int
	beacons int
	grant   model.SessionGrant
	err     error
	// entered is signalled when Join is called; block, when non-nil,
	// holds the call until closed.
	entered chan struct{}
	block   chan struct{}
}

func (b *fakeBackend) Join(_ context.Context, _, _ string, _ bool) (*model.SessionGrant, error) {
	b.mu.Lock()
	b.joins++
	entered, block := b.entered, b.block
	b.mu.Unlock()
	if entered != nil {
		entered <- struct{}{}
	}
	if block != nil {
		<-block
	}
	if b.err != nil {
		return nil, b.err
	}
	grant := b.grant
	return &grant, nil
}

func (b *fakeBackend) LeaveBeacon(string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.beacons++
}

func (b *fakeBackend) counts() (joins, beacons int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.joins, b.beacons
}

type fakeMedia struct {
	mu       sync.Mutex
	joins    int
	starts   int
	leaves   int
	lastOpts model.MediaOptions
	joinErr  error
	startErr error
}

func (m *fakeMedia) JoinRoom(_ context.Context, _, _ string, opts model.MediaOptions) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.joinErr != nil {
		return m.joinErr
	}
	m.joins++
	m.lastOpts = opts
	return nil
}

func (m *fakeMedia) StartLocalMedia(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.startErr != nil {
		return m.startErr
	}
	m.starts++
	return nil
}

func (m *fakeMedia) LeaveRoom(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.leaves++
	return nil
}

func (m *fakeMedia) counts() (joins, starts, leaves int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.joins, m.starts, m.leaves
}

type stateRecorder struct {
	mu     sync.Mutex
	states []model.ConnectionState
	routes []string
}

func (r *stateRecorder) onState(s model.ConnectionState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, s)
}

func (r *stateRecorder) navigate(route string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes = append(r.routes, route)
}

func (r *stateRecorder) snapshot() ([]model.ConnectionState, []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.ConnectionState(nil), r.states...), append([]string(nil), r.routes...)
}

func newTestCoordinator(t *testing.T, backend *fakeBackend, media *fakeMedia, rec *stateRecorder, tweak func(*Config)) *Coordinator {
	t.Helper()
	logger := zerolog.Nop()
	cfg := Config{
		Logger:        &logger,
		Backend:       backend,
		Media:         media,
		SessionID:     "417",
		UserID:        "u-1",
		DisplayName:   "Amina",
		Token:         "tok",
		DisableSettle: true,
	}
	if rec != nil {
		cfg.OnState = rec.onState
		cfg.Navigate = rec.navigate
	}
	if tweak != nil {
		tweak(&cfg)
	}
	return NewCoordinator(cfg)
}

func memberGrant() model.SessionGrant {
	return model.SessionGrant{RoomID: "417", DisplayName: "Amina", Role: model.RoleMember}
}

func TestJoinHappyPath(t *testing.T) {
	backend := &fakeBackend{grant: memberGrant()}
	media := &fakeMedia{}
	rec := &stateRecorder{}
	coord := newTestCoordinator(t, backend, media, rec, nil)

	require.NoError(t, coord.Join(context.Background()))
	assert.Equal(t, model.StateActive, coord.State())

	states, _ := rec.snapshot()
	assert.Equal(t, []model.ConnectionState{
		model.StateAuthPending,
		model.StateJoining,
		model.StateMediaStarting,
		model.StateActive,
	}, states)

	joins, starts, _ := media.counts()
	assert.Equal(t, 1, joins)
	assert.Equal(t, 1, starts)
	assert.Equal(t, model.MediaOptions{Role: model.RoleMember}, media.lastOpts)
}

func TestDoubleJoinRunsOneSequence(t *testing.T) {
	backend := &fakeBackend{
		grant:   memberGrant(),
		entered: make(chan struct{}, 2),
		block:   make(chan struct{}),
	}
	media := &fakeMedia{}
	coord := newTestCoordinator(t, backend, media, nil, nil)

	done := make(chan error, 1)
	go func() { done <- coord.Join(context.Background()) }()
	<-backend.entered // first join is mid-flight

	// re-entrant trigger while pending must be a no-op
	require.NoError(t, coord.Join(context.Background()))

	close(backend.block)
	require.NoError(t, <-done)

	joins, _ := backend.counts()
	assert.Equal(t, 1, joins)
	mJoins, starts, _ := media.counts()
	assert.Equal(t, 1, mJoins)
	assert.Equal(t, 1, starts)
	assert.Equal(t, model.StateActive, coord.State())

	// and while active, still a no-op
	require.NoError(t, coord.Join(context.Background()))
	joins, _ = backend.counts()
	assert.Equal(t, 1, joins)
}

func TestJoinWithoutCredentialsFailsFast(t *testing.T) {
	backend := &fakeBackend{grant: memberGrant()}
	rec := &stateRecorder{}
	coord := newTestCoordinator(t, backend, &fakeMedia{}, rec, func(cfg *Config) {
		cfg.Token = ""
	})

	err := coord.Join(context.Background())
	require.ErrorIs(t, err, api.ErrNotAuthenticated)
	assert.Equal(t, model.StateFailed, coord.State())

	joins, _ := backend.counts()
	assert.Zero(t, joins, "no network call without a credential")
	_, routes := rec.snapshot()
	assert.Equal(t, []string{RouteLoginOnAuthErr}, routes)
}

func TestJoinBackendRejectionIsTerminal(t *testing.T) {
	backend := &fakeBackend{err: errors.Join(api.ErrSessionFull, errors.New("capacity reached"))}
	media := &fakeMedia{}
	coord := newTestCoordinator(t, backend, media, nil, nil)

	err := coord.Join(context.Background())
	require.ErrorIs(t, err, api.ErrSessionFull)
	assert.Equal(t, model.StateFailed, coord.State())
	assert.Contains(t, coord.ErrorMessage(), "capacity reached")

	joins, _, _ := media.counts()
	assert.Zero(t, joins, "media must not be touched after an authorization failure")

	// Failed accepts a retry
	backend.err = nil
	require.NoError(t, coord.Join(context.Background()))
	assert.Equal(t, model.StateActive, coord.State())
}

func TestObserverSkipsLocalMediaEntirely(t *testing.T) {
	backend := &fakeBackend{grant: model.SessionGrant{
		RoomID: "417", DisplayName: "Staff", Role: model.RoleAdmin, Observer: true,
	}}
	media := &fakeMedia{}
	coord := newTestCoordinator(t, backend, media, nil, func(cfg *Config) {
		cfg.SuperAdmin = true
	})

	require.NoError(t, coord.Join(context.Background()))
	assert.Equal(t, model.StateActive, coord.State())

	joins, starts, _ := media.counts()
	assert.Equal(t, 1, joins)
	assert.Zero(t, starts, "observer mode must never start local media")
	assert.True(t, media.lastOpts.Observer, "observer flag must reach the media adapter")
}

func TestMediaStartFailureIsNonFatal(t *testing.T) {
	backend := &fakeBackend{grant: memberGrant()}
	media := &fakeMedia{startErr: fmt.Errorf("%w: no camera present", ErrMediaUnavailable)}
	coord := newTestCoordinator(t, backend, media, nil, nil)

	require.NoError(t, coord.Join(context.Background()))
	assert.Equal(t, model.StateActive, coord.State())
	assert.Contains(t, coord.Warning(), "no camera present")
	assert.Empty(t, coord.ErrorMessage())
}

func TestMediaPermissionDenialStillReachesActive(t *testing.T) {
	backend := &fakeBackend{grant: memberGrant()}
	media := &fakeMedia{startErr: fmt.Errorf("%w: user dismissed prompt", ErrMediaPermissionDenied)}
	coord := newTestCoordinator(t, backend, media, nil, nil)

	require.NoError(t, coord.Join(context.Background()))
	assert.Equal(t, model.StateActive, coord.State())
	assert.Contains(t, coord.ErrorMessage(), "user dismissed prompt")
	assert.Empty(t, coord.Warning())
}

func TestMediaRoomJoinFailureIsFatal(t *testing.T) {
	backend := &fakeBackend{grant: memberGrant()}
	media := &fakeMedia{joinErr: errors.New("sfu unreachable")}
	coord := newTestCoordinator(t, backend, media, nil, nil)

	err := coord.Join(context.Background())
	require.ErrorIs(t, err, ErrMediaTransport)
	assert.Equal(t, model.StateFailed, coord.State())
}

func TestLeaveIsIdempotentWhenIdle(t *testing.T) {
	backend := &fakeBackend{grant: memberGrant()}
	media := &fakeMedia{}
	coord := newTestCoordinator(t, backend, media, nil, nil)

	assert.NotPanics(t, func() {
		assert.Empty(t, coord.Leave(context.Background()))
	})
	_, _, leaves := media.counts()
	assert.Zero(t, leaves)
}

func TestLeaveTearsDownAndRoutes(t *testing.T) {
	tests := []struct {
		name      string
		role      string
		elevated  bool
		wantRoute string
	}{
		{"member", model.RoleMember, false, RouteStudentReturn},
		{"moderator", model.RoleModerator, false, RouteTeacherReturn},
		{"super admin", model.RoleAdmin, true, RouteAdminSessions},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			backend := &fakeBackend{grant: model.SessionGrant{
				RoomID: "417", DisplayName: "x", Role: tc.role, Observer: tc.elevated,
			}}
			media := &fakeMedia{}
			rec := &stateRecorder{}
			coord := newTestCoordinator(t, backend, media, rec, func(cfg *Config) {
				cfg.SuperAdmin = tc.elevated
			})

			require.NoError(t, coord.Join(context.Background()))
			route := coord.Leave(context.Background())

			assert.Equal(t, tc.wantRoute, route)
			assert.Equal(t, model.StateIdle, coord.State())
			_, _, leaves := media.counts()
			assert.Equal(t, 1, leaves)

			states, routes := rec.snapshot()
			assert.Equal(t, []string{tc.wantRoute}, routes)
			// Leaving must be observable before Idle: optimistic hide
			require.GreaterOrEqual(t, len(states), 2)
			assert.Equal(t, model.StateLeaving, states[len(states)-2])
			assert.Equal(t, model.StateIdle, states[len(states)-1])
		})
	}
}

func TestLeaveDuringJoinAbandonsContinuation(t *testing.T) {
	backend := &fakeBackend{
		grant:   memberGrant(),
		entered: make(chan struct{}, 1),
		block:   make(chan struct{}),
	}
	media := &fakeMedia{}
	coord := newTestCoordinator(t, backend, media, nil, nil)

	done := make(chan error, 1)
	go func() { done <- coord.Join(context.Background()) }()
	<-backend.entered

	coord.Leave(context.Background())
	close(backend.block) // join response arrives after the user left

	require.NoError(t, <-done)
	assert.Equal(t, model.StateIdle, coord.State(), "stale join must not flip state back")

	joins, _, _ := media.counts()
	assert.Zero(t, joins, "abandoned join must not touch the media adapter")
}

func TestHandleUnloadFiresBeaconAndLeaveOnce(t *testing.T) {
	backend := &fakeBackend{grant: memberGrant()}
	media := &fakeMedia{}
	coord := newTestCoordinator(t, backend, media, nil, nil)
	require.NoError(t, coord.Join(context.Background()))

	assert.NotPanics(t, coord.HandleUnload)

	require.Eventually(t, func() bool {
		_, _, leaves := media.counts()
		return leaves == 1
	}, 2*time.Second, 5*time.Millisecond)
	_, beacons := backend.counts()
	assert.Equal(t, 1, beacons)

	// second unload and a late graceful teardown are both no-ops
	coord.HandleUnload()
	coord.Teardown(context.Background())
	time.Sleep(50 * time.Millisecond)
	_, _, leaves := media.counts()
	assert.Equal(t, 1, leaves)
	_, beacons = backend.counts()
	assert.Equal(t, 1, beacons)
}

func TestTeardownIsIdempotent(t *testing.T) {
	backend := &fakeBackend{grant: memberGrant()}
	media := &fakeMedia{}
	coord := newTestCoordinator(t, backend, media, nil, nil)
	require.NoError(t, coord.Join(context.Background()))

	coord.Teardown(context.Background())
	coord.Teardown(context.Background())

	_, _, leaves := media.counts()
	assert.Equal(t, 1, leaves)
	assert.Equal(t, model.StateIdle, coord.State())
}

func TestSettleDelayAppliesBeforeLocalMedia(t *testing.T) {
	backend := &fakeBackend{grant: memberGrant()}
	media := &fakeMedia{}
	coord := newTestCoordinator(t, backend, media, nil, func(cfg *Config) {
		cfg.DisableSettle = false
		cfg.SettleDelay = 30 * time.Millisecond
	})

	start := time.Now()
	require.NoError(t, coord.Join(context.Background()))
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
	assert.Equal(t, model.StateActive, coord.State())
}
