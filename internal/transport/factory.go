package transport

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/irislabs/iris/internal/common/logger"
	"github.com/irislabs/iris/internal/session"
	"github.com/irislabs/iris/internal/teams"
)

// Factory builds unspawned transports from team configuration. The pool
// asks it for a fresh transport every time a child has to be launched;
// transports are single-use.
type Factory struct {
	registry *teams.Registry
	builder  *Builder
	grace    time.Duration
	logger   *logger.Logger
}

// NewFactory wires a factory over the team registry and command builder.
func NewFactory(registry *teams.Registry, builder *Builder, grace time.Duration, log *logger.Logger) *Factory {
	return &Factory{
		registry: registry,
		builder:  builder,
		grace:    grace,
		logger:   log,
	}
}

// NewTransport resolves the target team and assembles a transport ready
// to spawn. Remote teams get an ssh-wrapped command plus a cleanup hook
// for the pushed config artifact.
func (f *Factory) NewTransport(ctx context.Context, toTeam string, sess *session.Session) (Transport, error) {
	team, err := f.registry.Get(toTeam)
	if err != nil {
		return nil, err
	}

	cmd, cleanup, err := f.builder.Build(ctx, *team, sess)
	if err != nil {
		return nil, fmt.Errorf("build launch command for %s: %w", toTeam, err)
	}

	opts := Options{
		SessionID:      sess.SessionID,
		TerminateGrace: f.grace,
		ConfigSnapshot: Snapshot(toTeam, *team, cmd),
	}

	log := f.logger.WithFields(zap.String("to_team", toTeam))
	if team.IsRemote() {
		return NewSSHTransport(cmd, cleanup, opts, log), nil
	}
	return NewLocalTransport(cmd, opts, log), nil
}
