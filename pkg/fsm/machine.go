// Package fsm runs a sync as a durable state machine on superfly/fsm, so an
// interrupted sync resumes where it stopped and transfer failures are
// retried.
package fsm

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/superfly/fsm"

	"github.com/fly-io/littlefs-tool/pkg/errors"
)

// MachineName is the registered FSM name.
const MachineName = "littlefs-sync"

type stepFunc func(ctx context.Context, req *SyncRequest, resp *SyncResponse) error

// Register registers the sync FSM
func (m *Machine) Register(ctx context.Context, manager *fsm.Manager) (fsm.Start[SyncRequest, SyncResponse], fsm.Resume, error) {
	start, resume, err := fsm.Register[SyncRequest, SyncResponse](manager, MachineName).
		Start(StateCheckState, m.handler(StateCheckState, m.checkState)).
		To(StateFingerprint, m.handler(StateFingerprint, m.fingerprint)).
		To(StateBuild, m.handler(StateBuild, m.build)).
		To(StateTransfer, m.handler(StateTransfer, m.transfer)).
		To(StateComplete, m.handler(StateComplete, m.complete)).
		End(StateFailed).
		Build(ctx)

	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to register FSM")
	}

	return start, resume, nil
}

// handler adapts a step to the fsm handler signature. Permanent step errors
// and exhausted retries abort the run; anything else is retried.
func (m *Machine) handler(state string, step stepFunc) func(context.Context, *fsm.Request[SyncRequest, SyncResponse]) (*fsm.Response[SyncResponse], error) {
	return func(ctx context.Context, req *fsm.Request[SyncRequest, SyncResponse]) (*fsm.Response[SyncResponse], error) {
		slog.Info("fsm_state_"+state, "run_id", req.Msg.RunID, "target", req.Msg.Target)

		resp := req.W.Msg
		if resp == nil {
			resp = &SyncResponse{}
		}

		if retryCount := fsm.RetryFromContext(ctx); retryCount >= uint64(m.maxRetries) {
			slog.Error("max_retries_exceeded", "run_id", req.Msg.RunID, "state", state, "max_retries", m.maxRetries)
			err := fmt.Errorf("max retries (%d) exceeded in %s", m.maxRetries, state)
			m.fail(req.Msg, resp, err)
			return nil, fsm.Abort(err)
		}

		if err := step(ctx, req.Msg, resp); err != nil {
			if isPermanent(err) {
				slog.Error("fsm_state_aborted", "run_id", req.Msg.RunID, "state", state, "error", err)
				m.fail(req.Msg, resp, err)
				return nil, fsm.Abort(err)
			}
			slog.Warn("fsm_state_retry", "run_id", req.Msg.RunID, "state", state, "error", err)
			return nil, err
		}

		return fsm.NewResponse(resp), nil
	}
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }

func (e *permanentError) Unwrap() error { return e.err }

// permanent marks err as not worth retrying.
func permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func isPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}
