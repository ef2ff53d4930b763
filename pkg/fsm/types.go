package fsm

import (
	"time"

	"github.com/fly-io/littlefs-tool/pkg/lfs"
	"github.com/fly-io/littlefs-tool/pkg/walk"
)

// SyncRequest is the FSM input
type SyncRequest struct {
	RunID  string
	Target string // state key in the repository
	URI    string // transport target
	Root   string
	Config lfs.ImageConfig
	Walk   walk.Options
	Force  bool
}

// SyncResponse is the FSM output (accumulated across transitions)
type SyncResponse struct {
	RunID string

	// From Fingerprint
	Fingerprint string
	Reason      string
	Skipped     bool

	// From Build
	ImagePath string
	Files     int
	Dirs      int

	// From Transfer
	ImageDigest string
	ImageSize   int64
	SyncedAt    time.Time

	// From Complete/Failed
	Status       string
	ErrorMessage string
}

// State names
const (
	StateCheckState  = "check_state"
	StateFingerprint = "fingerprint"
	StateBuild       = "build"
	StateTransfer    = "transfer"
	StateComplete    = "complete"
	StateFailed      = "failed"
)
