package fsm

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/opencontainers/go-digest"

	"github.com/fly-io/littlefs-tool/pkg/db"
	"github.com/fly-io/littlefs-tool/pkg/errors"
	"github.com/fly-io/littlefs-tool/pkg/imagefile"
	"github.com/fly-io/littlefs-tool/pkg/lfs"
	"github.com/fly-io/littlefs-tool/pkg/pack"
	"github.com/fly-io/littlefs-tool/pkg/syncer"
	"github.com/fly-io/littlefs-tool/pkg/walk"
)

// TransportFunc resolves a target URI.
type TransportFunc func(uri string) (syncer.Transport, error)

// Machine holds dependencies for FSM transitions
type Machine struct {
	repo       *db.Repository
	transports TransportFunc
	engine     lfs.Engine
	workDir    string
	maxRetries int
}

// NewMachine creates a new FSM machine with dependencies. A nil engine uses
// the default littlefs engine.
func NewMachine(
	repo *db.Repository,
	transports TransportFunc,
	engine lfs.Engine,
	workDir string,
	maxRetries int,
) *Machine {
	return &Machine{
		repo:       repo,
		transports: transports,
		engine:     engine,
		workDir:    workDir,
		maxRetries: maxRetries,
	}
}

func (m *Machine) syncRequest(req *SyncRequest) (syncer.Request, error) {
	w, err := walk.New(req.Root, req.Walk)
	if err != nil {
		return syncer.Request{}, err
	}
	return syncer.Request{
		Root:   req.Root,
		Config: req.Config,
		Walker: w,
		Pack:   pack.Options{Engine: m.engine},
		Force:  req.Force,
	}, nil
}

// fail records a failed run. It is best effort: the run is already lost.
func (m *Machine) fail(req *SyncRequest, resp *SyncResponse, cause error) {
	resp.Status = db.StatusFailed
	resp.ErrorMessage = cause.Error()
	if err := m.repo.UpdateRun(req.RunID, db.StatusFailed, resp.Reason, cause.Error()); err != nil {
		slog.Error("run_update_failed", "run_id", req.RunID, "error", err)
	}
	if resp.ImagePath != "" {
		_ = os.Remove(resp.ImagePath)
	}
}

// checkState creates the run record, or picks it up again on resume.
func (m *Machine) checkState(_ context.Context, req *SyncRequest, resp *SyncResponse) error {
	if req.RunID == "" || req.Target == "" {
		return permanent(fmt.Errorf("run id and target are required"))
	}
	if err := req.Config.Validate(); err != nil {
		return permanent(err)
	}

	run, err := m.repo.GetRun(req.RunID)
	if err != nil {
		return errors.Wrap(err, "database error")
	}
	if run == nil {
		if err := m.repo.CreateRun(req.RunID, req.Target); err != nil {
			return errors.Wrap(err, "failed to create run record")
		}
		slog.Info("run_created", "run_id", req.RunID, "target", req.Target)
	} else {
		slog.Info("run_found_continue_processing", "run_id", req.RunID, "status", run.Status)
	}

	resp.RunID = req.RunID
	resp.Status = db.StatusPending
	return nil
}

// fingerprint compares the host tree with the last recorded sync.
func (m *Machine) fingerprint(_ context.Context, req *SyncRequest, resp *SyncResponse) error {
	prior, _, err := m.repo.GetState(req.Target)
	if err != nil {
		return errors.Wrap(err, "failed to load state")
	}

	sreq, err := m.syncRequest(req)
	if err != nil {
		return permanent(err)
	}
	d, err := syncer.Decide(&sreq, prior)
	if err != nil {
		return permanent(err)
	}

	resp.Fingerprint = d.Fingerprint.String()
	resp.Reason = string(d.Reason)
	if err := m.repo.SetRunFingerprint(req.RunID, d.Fingerprint); err != nil {
		return err
	}

	slog.Info("sync_decision", "run_id", req.RunID, "reason", d.Reason, "rebuild", d.NeedsRebuild)
	if !d.NeedsRebuild {
		resp.Skipped = true
		resp.Status = db.StatusSkipped
		return m.repo.UpdateRun(req.RunID, db.StatusSkipped, resp.Reason, "")
	}
	return nil
}

// build packs the tree and stages the image in the work directory.
func (m *Machine) build(_ context.Context, req *SyncRequest, resp *SyncResponse) error {
	if resp.Skipped {
		return nil
	}
	if err := m.repo.UpdateRun(req.RunID, db.StatusBuilding, resp.Reason, ""); err != nil {
		return err
	}

	sreq, err := m.syncRequest(req)
	if err != nil {
		return permanent(err)
	}
	image, report, err := syncer.Build(&sreq)
	if err != nil {
		return permanent(err)
	}

	if err := os.MkdirAll(m.workDir, 0o755); err != nil {
		return errors.Wrap(err, "failed to create work dir")
	}
	path := filepath.Join(m.workDir, req.RunID+".bin")
	if err := imagefile.WriteFileAtomic(path, image, 0o644); err != nil {
		return errors.Wrap(err, "failed to stage image")
	}

	resp.ImagePath = path
	resp.Files = report.Files
	resp.Dirs = report.Dirs
	slog.Info("image_staged", "run_id", req.RunID, "path", path, "bytes", len(image), "files", report.Files)
	return nil
}

// transfer sends the staged image. Transport failures are retried.
func (m *Machine) transfer(ctx context.Context, req *SyncRequest, resp *SyncResponse) error {
	if resp.Skipped {
		return nil
	}
	if err := m.repo.UpdateRun(req.RunID, db.StatusTransferring, resp.Reason, ""); err != nil {
		return err
	}

	t, err := m.transports(req.URI)
	if err != nil {
		return permanent(err)
	}
	image, err := os.ReadFile(resp.ImagePath)
	if err != nil {
		return permanent(errors.Wrap(err, "staged image missing"))
	}

	d := syncer.Decision{NeedsRebuild: true, Reason: syncer.Reason(resp.Reason), Fingerprint: digest.Digest(resp.Fingerprint)}
	state, err := syncer.Transfer(ctx, t, d, image)
	if err != nil {
		return err
	}

	resp.ImageDigest = state.ImageDigest.String()
	resp.ImageSize = state.Size
	resp.SyncedAt = state.SyncedAt
	slog.Info("transfer_complete", "run_id", req.RunID, "target", t.Describe(), "bytes", state.Size)
	return nil
}

// complete records the new state. It is the only step that writes it.
func (m *Machine) complete(ctx context.Context, req *SyncRequest, resp *SyncResponse) error {
	if resp.Skipped {
		slog.Info("fsm_complete", "run_id", req.RunID, "status", db.StatusSkipped)
		return nil
	}

	state := syncer.State{
		Fingerprint: digest.Digest(resp.Fingerprint),
		ImageDigest: digest.Digest(resp.ImageDigest),
		Size:        resp.ImageSize,
		SyncedAt:    resp.SyncedAt,
	}
	if err := m.repo.SaveState(ctx, req.Target, state); err != nil {
		return err
	}
	if err := m.repo.UpdateRun(req.RunID, db.StatusSynced, resp.Reason, ""); err != nil {
		return errors.Wrap(err, "failed to update status")
	}
	if err := os.Remove(resp.ImagePath); err != nil && !os.IsNotExist(err) {
		slog.Warn("staged_image_cleanup_failed", "path", resp.ImagePath, "error", err)
	}

	resp.Status = db.StatusSynced
	slog.Info("fsm_complete", "run_id", req.RunID, "status", db.StatusSynced)
	return nil
}
