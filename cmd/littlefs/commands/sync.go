package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/superfly/fsm"

	"github.com/fly-io/littlefs-tool/internal/config"
	"github.com/fly-io/littlefs-tool/pkg/db"
	"github.com/fly-io/littlefs-tool/pkg/errors"
	appfsm "github.com/fly-io/littlefs-tool/pkg/fsm"
	"github.com/fly-io/littlefs-tool/pkg/syncer"
	"github.com/fly-io/littlefs-tool/pkg/transport"
	"github.com/fly-io/littlefs-tool/pkg/walk"
	"github.com/fly-io/littlefs-tool/pkg/watcher"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Rebuild and flash an image when the source tree changes",
	Long: `Fingerprint a directory and, when it differs from the last successful sync
to the same target, pack a new image and send it to the target.

Targets:
  file:<path> or a bare path   write the image atomically (.zst compresses)
  blockdev:<device>            write the raw image to a block device
  exec:<command> [args...]     run a flasher; {image} is the image path
  s3://<bucket>/<key>          upload the image`,
	RunE: runSync,
}

func init() {
	syncCmd.Flags().StringP("directory", "d", "", "Directory to sync (defaults to the project root)")
	syncCmd.Flags().StringP("target", "t", "", "Target URI (defaults to [sync] target)")
	syncCmd.Flags().StringP("name", "n", "", "State key (defaults to the project name, then the target)")
	syncCmd.Flags().Bool("force", false, "Rebuild and transfer even when nothing changed")
	syncCmd.Flags().Bool("watch", false, "Keep running and sync after every change")
	syncCmd.Flags().Duration("debounce", 500*time.Millisecond, "Quiet period before a watched change triggers a sync")
	syncCmd.Flags().String("work-dir", ".littlefs/work", "Directory for staged images")
	syncCmd.Flags().Int("max-retries", 5, "Max attempts per sync state")
	addGeometryFlags(syncCmd)
	rootCmd.AddCommand(syncCmd)

	viper.BindPFlag("work-dir", syncCmd.Flags().Lookup("work-dir"))
	viper.BindPFlag("max-retries", syncCmd.Flags().Lookup("max-retries"))
}

// syncJob is one resolved sync invocation.
type syncJob struct {
	req     appfsm.SyncRequest
	start   fsm.Start[appfsm.SyncRequest, appfsm.SyncResponse]
	manager *fsm.Manager
	repo    *db.Repository
}

func runSync(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	req, err := syncRequest(cmd)
	if err != nil {
		return err
	}

	if err := ensureDirectories(settings.StateDB, settings.FSMDBPath, settings.WorkDir); err != nil {
		return err
	}

	repo, err := db.NewRepository(settings.StateDB)
	if err != nil {
		return errors.Wrap(err, "db init failed")
	}
	defer repo.Close()

	manager, err := fsm.New(fsm.Config{DBPath: settings.FSMDBPath})
	if err != nil {
		return errors.Wrap(err, "FSM manager failed")
	}
	defer manager.Shutdown(10 * time.Second)

	transports := func(uri string) (syncer.Transport, error) {
		return transport.Parse(uri, transport.Options{S3: s3Factory(), Output: os.Stderr})
	}
	machine := appfsm.NewMachine(repo, transports, nil, settings.WorkDir, settings.MaxRetries)
	start, resume, err := machine.Register(ctx, manager)
	if err != nil {
		return errors.Wrap(err, "FSM register failed")
	}
	// Runs left active by an interrupted process pick up from their last
	// completed state.
	if err := resume(ctx); err != nil {
		return errors.Wrap(err, "FSM resume failed")
	}

	job := &syncJob{req: req, start: start, manager: manager, repo: repo}
	if err := job.run(ctx); err != nil {
		if watch, _ := cmd.Flags().GetBool("watch"); !watch {
			return err
		}
		// In watch mode a failed sync is retried on the next change.
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}

	if watch, _ := cmd.Flags().GetBool("watch"); watch {
		debounce, _ := cmd.Flags().GetDuration("debounce")
		return job.watch(ctx, debounce)
	}
	return nil
}

// syncRequest resolves the tree, geometry and target from flags and the
// project file.
func syncRequest(cmd *cobra.Command) (appfsm.SyncRequest, error) {
	dir, _ := cmd.Flags().GetString("directory")
	target, _ := cmd.Flags().GetString("target")
	name, _ := cmd.Flags().GetString("name")
	force, _ := cmd.Flags().GetBool("force")

	project, err := loadProject()
	if err != nil {
		return appfsm.SyncRequest{}, err
	}
	flags, err := geometryFlags(cmd)
	if err != nil {
		return appfsm.SyncRequest{}, err
	}
	cfg, err := config.ResolveForPack(project, flags)
	if err != nil {
		return appfsm.SyncRequest{}, err
	}

	var walkOpts walk.Options
	if project != nil {
		walkOpts = project.Directory.WalkOptions()
		if dir == "" {
			if dir, err = project.Root(); err != nil {
				return appfsm.SyncRequest{}, err
			}
		}
		if target == "" {
			target = project.Sync.Target
		}
		if name == "" {
			name = project.SyncName()
		}
	}
	switch {
	case dir == "":
		return appfsm.SyncRequest{}, errors.New("--directory is required without --config")
	case target == "":
		return appfsm.SyncRequest{}, errors.New("--target is required without [sync] target")
	}
	if name == "" {
		name = target
	}

	// Fail on a bad target before anything is built.
	if _, err := transport.Parse(target, transport.Options{}); err != nil {
		return appfsm.SyncRequest{}, err
	}

	return appfsm.SyncRequest{
		Target: name,
		URI:    target,
		Root:   dir,
		Config: cfg,
		Walk:   walkOpts,
		Force:  force,
	}, nil
}

// run drives one sync through the FSM and reports the recorded outcome.
func (j *syncJob) run(ctx context.Context) error {
	id, err := uuid.NewV7()
	if err != nil {
		return errors.Wrap(err, "failed to generate run id")
	}
	req := j.req
	req.RunID = id.String()

	version, err := j.start(ctx, req.RunID, fsm.NewRequest(&req, &appfsm.SyncResponse{}))
	if err != nil {
		return errors.Wrap(err, "FSM start failed")
	}
	slog.Info("fsm_started", "run_id", req.RunID, "version", version)

	waitErr := j.manager.Wait(ctx, version)

	run, err := j.repo.GetRun(req.RunID)
	if err != nil {
		return errors.Wrap(err, "failed to load run")
	}
	if run == nil {
		if waitErr != nil {
			return errors.Wrap(waitErr, "FSM execution failed")
		}
		return fmt.Errorf("run %s was not recorded", req.RunID)
	}

	printRun(run, req.URI)
	switch run.Status {
	case db.StatusSynced, db.StatusSkipped:
		return nil
	case db.StatusFailed:
		return errors.Wrapf(errors.ErrSync, "sync to %s failed: %s", req.URI, run.ErrorMessage)
	}
	if waitErr != nil {
		return errors.Wrap(waitErr, "FSM execution failed")
	}
	return fmt.Errorf("sync to %s stopped in state %s", req.URI, run.Status)
}

var (
	syncedColor  = color.New(color.FgGreen)
	skippedColor = color.New(color.FgYellow)
	failedColor  = color.New(color.FgRed, color.Bold)
)

func printRun(run *db.Run, uri string) {
	switch run.Status {
	case db.StatusSynced:
		fmt.Printf("%s %s -> %s (%s)\n", syncedColor.Sprint("Synced"), run.Target, uri, run.Reason)
	case db.StatusSkipped:
		fmt.Printf("%s %s is up to date with %s\n", skippedColor.Sprint("Unchanged"), run.Target, uri)
	case db.StatusFailed:
		fmt.Printf("%s %s -> %s\n", failedColor.Sprint("Failed"), run.Target, uri)
	}
}

// watch re-runs the sync after every settled change until ctx ends.
func (j *syncJob) watch(ctx context.Context, debounce time.Duration) error {
	w, err := watcher.New(j.req.Root, debounce)
	if err != nil {
		return errors.Wrap(err, "failed to start watcher")
	}
	w.Skip(stateSkipper(settings.StateDB, settings.FSMDBPath, settings.WorkDir, j.req.URI))

	changes := make(chan []string, 1)
	w.OnChange(func(paths []string) {
		select {
		case changes <- paths:
		default:
			// A sync is already pending and will pick these up.
		}
	})
	if err := w.Start(); err != nil {
		return errors.Wrap(err, "failed to start watcher")
	}
	defer w.Stop()

	fmt.Printf("Watching '%s' (Ctrl-C to stop)\n", j.req.Root)
	for {
		select {
		case <-ctx.Done():
			slog.Info("watch_stopped")
			return nil
		case paths := <-changes:
			slog.Info("watch_change_detected", "paths", len(paths))
			if err := j.run(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			}
		}
	}
}

// stateSkipper ignores the tool's own state files and a file target so a
// sync does not trigger the next one.
func stateSkipper(stateDB, fsmDir, workDir, target string) func(string) bool {
	var skip []string
	add := func(p string) {
		if p == "" {
			return
		}
		if abs, err := filepath.Abs(p); err == nil {
			skip = append(skip, abs)
		}
	}
	add(filepath.Dir(stateDB))
	add(fsmDir)
	add(workDir)
	if !strings.Contains(target, ":") || strings.HasPrefix(target, "file:") {
		add(strings.TrimPrefix(target, "file:"))
	}

	return func(path string) bool {
		for _, s := range skip {
			if path == s || strings.HasPrefix(path, s+string(filepath.Separator)) {
				return true
			}
		}
		return false
	}
}
