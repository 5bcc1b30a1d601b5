package dummy

import (
	"context"
	"errors"
	"math/rand"
	"sync"

	"github.com/rs/zerolog"

	"github.com/SulimanRohany/deen-bridge-liveclass/model"
)

var ErrNotInRoom = errors.New("not joined to any room")

type Config struct {
	Logger *zerolog.Logger
	// StartMediaErr makes StartLocalMedia fail with the given error,
	// for exercising the tolerated-failure path.
	StartMediaErr error
	// BaseStats seeds the synthetic statistics; zero value gets a
	// healthy default.
	BaseStats model.TransportStats
}

// Adapter is a media transport stand-in with no network behind it. It
// satisfies the coordinator's adapter interface and the quality
// monitor's stats accessor, for local development and the CLI.
type Adapter struct {
	logger        zerolog.Logger
	startMediaErr error
	base          model.TransportStats

	mu       sync.Mutex
	roomID   string
	mediaUp  bool
	joins    int
	leaves   int
	local    model.Participant
	lastOpts model.MediaOptions
}

func NewAdapter(cfg Config) *Adapter {
	base := cfg.BaseStats
	if base == (model.TransportStats{}) {
		base = model.TransportStats{
			UploadKbps:    2500,
			DownloadKbps:  4000,
			LatencyMs:     45,
			PacketLossPct: 0.2,
		}
	}
	return &Adapter{
		logger:        cfg.Logger.With().Str("component", "dummy-media").Logger(),
		startMediaErr: cfg.StartMediaErr,
		base:          base,
	}
}

func (a *Adapter) JoinRoom(_ context.Context, roomID, displayName string, opts model.MediaOptions) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.roomID = roomID
	a.lastOpts = opts
	a.joins++
	a.local = model.Participant{
		ID:          displayName,
		DisplayName: displayName,
		Role:        opts.Role,
		Hidden:      opts.Observer,
	}
	a.logger.Info().
		Str("roomID", roomID).
		Str("displayName", displayName).
		Str("role", opts.Role).
		Bool("observer", opts.Observer).
		Msg("joined room")
	return nil
}

func (a *Adapter) StartLocalMedia(_ context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.roomID == "" {
		return ErrNotInRoom
	}
	if a.startMediaErr != nil {
		return a.startMediaErr
	}
	a.mediaUp = true
	a.local.AudioEnabled = true
	a.local.VideoEnabled = true
	a.logger.Info().Msg("local media started")
	return nil
}

func (a *Adapter) LeaveRoom(_ context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.roomID == "" {
		return nil
	}
	a.roomID = ""
	a.mediaUp = false
	a.local = model.Participant{}
	a.leaves++
	a.logger.Info().Msg("left room")
	return nil
}

// Stats synthesizes plausible jittered figures around the configured
// baseline while joined.
func (a *Adapter) Stats(_ context.Context) (model.TransportStats, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.roomID == "" {
		return model.TransportStats{}, ErrNotInRoom
	}
	jitter := func(v, spread float64) float64 {
		out := v + (rand.Float64()-0.5)*spread
		if out < 0 {
			return 0
		}
		return out
	}
	return model.TransportStats{
		UploadKbps:    jitter(a.base.UploadKbps, a.base.UploadKbps*0.2),
		DownloadKbps:  jitter(a.base.DownloadKbps, a.base.DownloadKbps*0.2),
		LatencyMs:     jitter(a.base.LatencyMs, 20),
		PacketLossPct: jitter(a.base.PacketLossPct, 0.4),
	}, nil
}

// Local returns the local participant as the rendering layer would see
// it; zero value when not joined.
func (a *Adapter) Local() model.Participant {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.local
}

// InRoom reports the currently joined room id, empty when not joined.
func (a *Adapter) InRoom() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.roomID
}

// LastOptions returns the options passed to the most recent join.
func (a *Adapter) LastOptions() model.MediaOptions {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastOpts
}

// Counters reports lifetime join/leave counts.
func (a *Adapter) Counters() (joins, leaves int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.joins, a.leaves
}
