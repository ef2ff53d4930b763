// Package syncer decides whether a host directory needs to be rebuilt into an
// image and pushed to a device.
//
// The recorded state is an explicit value: callers load it, pass it to Sync
// and persist whatever comes back. Sync never returns a new state unless the
// transport accepted the image, so re-running after any failure is safe.
package syncer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/opencontainers/go-digest"

	"github.com/fly-io/littlefs-tool/pkg/errors"
	"github.com/fly-io/littlefs-tool/pkg/fingerprint"
	"github.com/fly-io/littlefs-tool/pkg/lfs"
	"github.com/fly-io/littlefs-tool/pkg/pack"
	"github.com/fly-io/littlefs-tool/pkg/walk"
)

// State is what was last pushed successfully.
type State struct {
	Fingerprint digest.Digest
	ImageDigest digest.Digest
	Size        int64
	SyncedAt    time.Time
}

// IsZero reports whether nothing has been synced yet.
func (s State) IsZero() bool { return s.Fingerprint == "" }

// Reason explains a Decision.
type Reason string

const (
	ReasonFirstSync      Reason = "first_sync"
	ReasonContentChanged Reason = "content_changed"
	ReasonUnchanged      Reason = "unchanged"
	ReasonForced         Reason = "forced"
)

// Decision is the outcome of comparing the host against the prior state.
type Decision struct {
	NeedsRebuild bool
	Reason       Reason
	Fingerprint  digest.Digest
}

// Plan compares a host fingerprint with the prior state.
func Plan(host digest.Digest, prior State) Decision {
	d := Decision{Fingerprint: host}
	switch {
	case prior.IsZero():
		d.NeedsRebuild, d.Reason = true, ReasonFirstSync
	case prior.Fingerprint != host:
		d.NeedsRebuild, d.Reason = true, ReasonContentChanged
	default:
		d.Reason = ReasonUnchanged
	}
	return d
}

// Transport delivers a built image to a device.
type Transport interface {
	Send(ctx context.Context, image []byte) error
	Describe() string
}

// Request describes one sync.
type Request struct {
	Root   string
	Config lfs.ImageConfig
	// Walker filters the host tree. Nil walks Root unfiltered. The same
	// walker drives both the fingerprint and the pack.
	Walker *walk.Walker
	Pack   pack.Options
	// Force rebuilds and transfers even when nothing changed.
	Force bool
}

func (r *Request) walker() (*walk.Walker, error) {
	if r.Walker != nil {
		return r.Walker, nil
	}
	w, err := walk.New(r.Root, walk.Options{})
	if err != nil {
		return nil, err
	}
	r.Walker = w
	return w, nil
}

// Stage names the step a sync failed in.
type Stage string

const (
	StageFingerprint Stage = "fingerprint"
	StageBuild       Stage = "build"
	StageTransfer    Stage = "transfer"
)

// Error is a failed sync. It matches errors.ErrSync.
type Error struct {
	Stage Stage
	Err   error
}

func (e *Error) Error() string { return fmt.Sprintf("sync %s: %v", e.Stage, e.Err) }

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool { return target == errors.ErrSync }

var now = time.Now

// Decide fingerprints the host tree and plans against prior. Force turns an
// unchanged result into a forced rebuild.
func Decide(req *Request, prior State) (Decision, error) {
	w, err := req.walker()
	if err != nil {
		return Decision{}, &Error{Stage: StageFingerprint, Err: err}
	}
	fp, err := fingerprint.Compute(w, req.Config)
	if err != nil {
		return Decision{}, &Error{Stage: StageFingerprint, Err: err}
	}
	d := Plan(fp, prior)
	if req.Force && !d.NeedsRebuild {
		d.NeedsRebuild, d.Reason = true, ReasonForced
	}
	return d, nil
}

// Build packs the request into a fresh image buffer.
func Build(req *Request) ([]byte, *pack.Report, error) {
	w, err := req.walker()
	if err != nil {
		return nil, nil, &Error{Stage: StageBuild, Err: err}
	}
	opts := req.Pack
	opts.Walker = w
	data, report, err := pack.Build(req.Root, req.Config, opts)
	if err != nil {
		return nil, report, &Error{Stage: StageBuild, Err: err}
	}
	return data, report, nil
}

// Transfer sends image through t and returns the state to record on success.
func Transfer(ctx context.Context, t Transport, d Decision, image []byte) (State, error) {
	if err := ctx.Err(); err != nil {
		return State{}, &Error{Stage: StageTransfer, Err: err}
	}
	if err := t.Send(ctx, image); err != nil {
		return State{}, &Error{Stage: StageTransfer, Err: errors.Wrapf(err, "send to %s", t.Describe())}
	}
	return State{
		Fingerprint: d.Fingerprint,
		ImageDigest: fingerprint.Image(image),
		Size:        int64(len(image)),
		SyncedAt:    now().UTC(),
	}, nil
}

// Sync rebuilds and transfers the image when the host tree differs from
// prior. It returns prior unchanged when nothing was sent, including on
// every error.
func Sync(ctx context.Context, req Request, t Transport, prior State) (Decision, State, error) {
	d, err := Decide(&req, prior)
	if err != nil {
		return Decision{}, prior, err
	}
	slog.Info("sync_decision", "root", req.Root, "reason", d.Reason, "fingerprint", d.Fingerprint.Encoded()[:12])
	if !d.NeedsRebuild {
		return d, prior, nil
	}

	image, report, err := Build(&req)
	if err != nil {
		return d, prior, err
	}
	slog.Info("sync_image_built", "files", report.Files, "dirs", report.Dirs, "bytes", len(image))

	next, err := Transfer(ctx, t, d, image)
	if err != nil {
		slog.Error("sync_transfer_failed", "target", t.Describe(), "error", err)
		return d, prior, err
	}
	slog.Info("sync_complete", "target", t.Describe(), "image_digest", next.ImageDigest.String())
	return d, next, nil
}
