package chronicle

import (
	"code.cloudfoundry.org/bytefmt"
	"github.com/pkg/errors"
	"path/filepath"
	"strings"
	"time"
)

const (
	defaultRollCycle       = "DAILY"
	defaultBlockSize       = "64M"
	defaultTimeoutMs       = 10000
	defaultSyncIntervalMs  = 5000
	defaultCheckIntervalMs = 30000
)

type Cfg struct {
	BaseDir   string `validator:"required" json:"base_dir"`
	RollCycle string `json:"roll_cycle"`
	EpochMs   int64  `json:"epoch_ms"`
	BlockSize string `json:"block_size"` // format:XXB/XXK/XXKB/XXM/XXMB/XXG/XXGB
	TimeoutMs int64  `json:"timeout_ms"`
	ReadOnly  bool   `json:"read_only"`
	Compress  bool   `json:"compress"`
	// 0 disables the periodic msync / stalled write recovery
	SyncIntervalMs       int64  `json:"sync_interval_ms"`
	CheckIntervalMs      int64  `json:"check_interval_ms"`
	WatchCfg             bool   `json:"watch_cfg"`
	MaxConcurrentForward uint32 `json:"max_concurrent_forward"`

	TimeProvider func() time.Time `json:"-"`
	Faults       *FaultInjector   `json:"-"`
}

// DefaultCfg returns the configuration OpenFile starts from before applying
// the file's keys.
func DefaultCfg(baseDir string) Cfg {
	return Cfg{
		BaseDir:         baseDir,
		RollCycle:       defaultRollCycle,
		BlockSize:       defaultBlockSize,
		TimeoutMs:       defaultTimeoutMs,
		SyncIntervalMs:  defaultSyncIntervalMs,
		CheckIntervalMs: defaultCheckIntervalMs,
	}
}

// settings is Cfg resolved into the types the queue works with.
type settings struct {
	baseDir              string
	rollCycle            RollCycle
	blockSize            int64
	timeout              time.Duration
	readOnly             bool
	compress             bool
	syncInterval         time.Duration
	checkInterval        time.Duration
	maxConcurrentForward uint32
	now                  func() time.Time
	faults               *FaultInjector
}

func (c *Cfg) resolve() (*settings, error) {
	if c.BaseDir == "" {
		return nil, errors.New("base_dir is required")
	}

	rcName := c.RollCycle
	if rcName == "" {
		rcName = defaultRollCycle
	}
	rc, err := RollCycleByName(rcName)
	if err != nil {
		return nil, err
	}

	blockSize, err := parseBlockSize(c.BlockSize)
	if err != nil {
		return nil, err
	}

	if c.TimeoutMs < 0 || c.SyncIntervalMs < 0 || c.CheckIntervalMs < 0 {
		return nil, errors.New("timeout_ms, sync_interval_ms and check_interval_ms must not be negative")
	}

	s := &settings{
		baseDir:              strings.TrimRight(filepath.Clean(c.BaseDir), string(filepath.Separator)),
		rollCycle:            rc.WithEpoch(c.EpochMs),
		blockSize:            blockSize,
		timeout:              time.Duration(c.TimeoutMs) * time.Millisecond,
		readOnly:             c.ReadOnly,
		compress:             c.Compress,
		syncInterval:         time.Duration(c.SyncIntervalMs) * time.Millisecond,
		checkInterval:        time.Duration(c.CheckIntervalMs) * time.Millisecond,
		maxConcurrentForward: c.MaxConcurrentForward,
		now:                  c.TimeProvider,
		faults:               c.Faults,
	}
	if s.readOnly {
		// nothing to repair without write access
		s.checkInterval = 0
	}
	if s.timeout == 0 {
		s.timeout = defaultTimeoutMs * time.Millisecond
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.maxConcurrentForward == 0 {
		s.maxConcurrentForward = subscriberMaxConcurrentForward
	}

	return s, nil
}

func parseBlockSize(size string) (int64, error) {
	if size == "" {
		size = defaultBlockSize
	}
	n, err := bytefmt.ToBytes(size)
	if err != nil {
		return 0, errors.Wrapf(err, "block_size %q", size)
	}
	if n < minBlockSize || n > maxBlockSize {
		return 0, errors.Errorf("block_size %s outside [%s, %s]", size, bytefmt.ByteSize(minBlockSize), bytefmt.ByteSize(maxBlockSize))
	}
	// keep the file a whole number of frames
	n &^= frameAlign - 1
	return int64(n), nil
}
