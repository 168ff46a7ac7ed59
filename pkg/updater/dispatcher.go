package updater

import (
	"context"
	"errors"

	"github.com/illmade-knight/go-contentsync/pkg/messagepipeline"
	"github.com/illmade-knight/go-contentsync/pkg/types"
	"github.com/rs/zerolog"
)

// Operations is the command surface of the Manager.
type Operations interface {
	Begin(kind SessionKind, d types.VersionDescriptor) (*Session, error)
	Run(ctx context.Context, s *Session) error
	Ping(ctx context.Context) int
}

// Job is a decoded command plus, once admitted, the session claimed for it.
// Ping jobs never carry a session.
type Job struct {
	Command types.Command
	Session *Session
}

// Dispatcher routes decoded commands to the manager. Update and clear
// commands are admitted, claiming the session guard, before they run;
// admission must happen in the order commands arrive so that the first of
// two overlapping updates is the one executed.
type Dispatcher struct {
	ops    Operations
	logger zerolog.Logger
}

// NewDispatcher creates a dispatcher over ops.
func NewDispatcher(ops Operations, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		ops:    ops,
		logger: logger.With().Str("component", "Dispatcher").Logger(),
	}
}

// Handle admits and runs cmd to completion. Outcomes of the command itself
// are reported to clients by the manager, so Handle only returns an error
// when ctx ended before the command could run.
func (d *Dispatcher) Handle(ctx context.Context, cmd types.Command) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	job := &Job{Command: cmd}
	if !d.Admit(ctx, nil, job) {
		return nil
	}
	return d.Process(ctx, messagepipeline.Message{}, job)
}

// Admit claims the session guard for update and clear jobs. It never
// blocks. It returns false when the job should be dropped: a session is
// already active or the command is invalid.
func (d *Dispatcher) Admit(_ context.Context, _ *messagepipeline.Message, job *Job) bool {
	var kind SessionKind
	switch job.Command.Type {
	case types.CommandUpdate:
		kind = SessionUpdate
	case types.CommandClear:
		kind = SessionClear
	default:
		return true
	}
	if job.Session != nil {
		return true
	}

	s, err := d.ops.Begin(kind, job.Command.Descriptor())
	if err != nil {
		d.logOutcome(job.Command.Type, err)
		return false
	}
	job.Session = s
	return true
}

// Process runs an admitted job. It is the pipeline's StreamProcessor.
func (d *Dispatcher) Process(ctx context.Context, _ messagepipeline.Message, job *Job) error {
	switch job.Command.Type {
	case types.CommandUpdate, types.CommandClear:
		// Without an admission step the job is admitted here, in whatever
		// order the workers reach it.
		if job.Session == nil && !d.Admit(ctx, nil, job) {
			return nil
		}
		// An admitted session always runs so the guard is released, even
		// when ctx has ended.
		d.logOutcome(job.Command.Type, d.ops.Run(ctx, job.Session))
	case types.CommandPing:
		if err := ctx.Err(); err != nil {
			return err
		}
		d.ops.Ping(ctx)
	default:
		d.logger.Warn().Str("type", string(job.Command.Type)).Msg("Unknown command type, ignoring.")
	}
	return nil
}

func (d *Dispatcher) logOutcome(t types.CommandType, err error) {
	switch {
	case err == nil:
	case errors.Is(err, ErrBusy):
		d.logger.Info().Str("type", string(t)).Msg("Command dropped, a session is active.")
	case errors.Is(err, ErrInvalidDescriptor):
		d.logger.Warn().Err(err).Str("type", string(t)).Msg("Rejected command.")
	default:
		d.logger.Error().Err(err).Str("type", string(t)).Msg("Command failed.")
	}
}

// NewCommandTransformer decodes message payloads into jobs. Malformed
// payloads are skipped, and so acknowledged, to prevent redelivery loops.
func NewCommandTransformer(logger zerolog.Logger) messagepipeline.MessageTransformer[Job] {
	return func(_ context.Context, msg *messagepipeline.Message) (*Job, bool, error) {
		cmd, err := types.DecodeCommand(msg.Payload)
		if err != nil {
			logger.Warn().Err(err).Str("msg_id", msg.ID).Msg("Skipping malformed command.")
			return nil, true, nil
		}
		return &Job{Command: cmd}, false, nil
	}
}
