package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/docker/go-units"
	"github.com/pingcap-incubator/tinytxn/kv/util/typeutil"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Config struct {
	// Directory holding the WAL and its archive. Should be writable.
	DataDir    string `toml:"data-dir" json:"data-dir"`
	StatusAddr string `toml:"status-addr" json:"status-addr"`
	// NodeID is stamped into every hybrid timestamp generated by this node.
	NodeID uint32 `toml:"node-id" json:"node-id"`

	Lock       LockConfig       `toml:"lock" json:"lock"`
	Snapshot   SnapshotConfig   `toml:"snapshot" json:"snapshot"`
	MVCC       MVCCConfig       `toml:"mvcc" json:"mvcc"`
	WAL        WALConfig        `toml:"wal" json:"wal"`
	Recovery   RecoveryConfig   `toml:"recovery" json:"recovery"`
	Checkpoint CheckpointConfig `toml:"checkpoint" json:"checkpoint"`

	Log log.Config `toml:"log" json:"log"`
}

type LockConfig struct {
	// How long a request may wait in a resource's queue before LockTimeout.
	Timeout                 typeutil.Duration `toml:"timeout" json:"timeout"`
	EnableDeadlockDetection bool              `toml:"enable-deadlock-detection" json:"enable-deadlock-detection"`
	EnableEscalation        bool              `toml:"enable-escalation" json:"enable-escalation"`
	// Row locks held by one transaction on one table before they are
	// replaced by a table X lock.
	EscalationThreshold int `toml:"escalation-threshold" json:"escalation-threshold"`
	Shards              int `toml:"shards" json:"shards"`
}

type SnapshotConfig struct {
	Serializable bool `toml:"serializable" json:"serializable"`
	// Check write-sets against active transactions only, letting a
	// transaction overwrite a commit it did not see.
	ActiveWriteConflictsOnly bool `toml:"active-write-conflicts-only" json:"active-write-conflicts-only"`
	// Maximum distance a remote timestamp may lead the local wall clock.
	MaxClockSkew typeutil.Duration `toml:"max-clock-skew" json:"max-clock-skew"`
	// How long committed write-sets are kept for write-skew detection.
	CommittedRetention typeutil.Duration `toml:"committed-retention" json:"committed-retention"`
}

type MVCCConfig struct {
	Shards int `toml:"shards" json:"shards"`
	// Zero disables the cap. A capped chain only drops versions no active
	// snapshot can read.
	MaxVersionsPerKey int               `toml:"max-versions-per-key" json:"max-versions-per-key"`
	GCInterval        typeutil.Duration `toml:"gc-interval" json:"gc-interval"`
}

type WALConfig struct {
	// "badger" keeps the log on disk under DataDir, "memory" is for tests.
	Engine     string `toml:"engine" json:"engine"`
	SyncWrites bool   `toml:"sync-writes" json:"sync-writes"`
	// Human readable size such as "16MiB".
	ArchiveSegmentSize string `toml:"archive-segment-size" json:"archive-segment-size"`
	EnableArchive      bool   `toml:"enable-archive" json:"enable-archive"`
}

type RecoveryConfig struct {
	RedoThreads int `toml:"redo-threads" json:"redo-threads"`
}

type CheckpointConfig struct {
	Interval typeutil.Duration `toml:"interval" json:"interval"`
}

const (
	WALEngineBadger = "badger"
	WALEngineMemory = "memory"
)

func (c *Config) Validate() error {
	if c.Lock.Timeout.Duration <= 0 {
		return fmt.Errorf("lock timeout must be greater than 0")
	}
	if c.Lock.EnableEscalation && c.Lock.EscalationThreshold <= 0 {
		return fmt.Errorf("escalation threshold must be greater than 0 when escalation is enabled")
	}
	if c.Lock.Shards <= 0 || c.MVCC.Shards <= 0 {
		return fmt.Errorf("shard count must be greater than 0")
	}
	if c.Snapshot.MaxClockSkew.Duration < 0 {
		return fmt.Errorf("max clock skew must not be negative")
	}
	if c.MVCC.MaxVersionsPerKey < 0 {
		return fmt.Errorf("max versions per key must not be negative")
	}
	if c.Recovery.RedoThreads < 1 {
		return fmt.Errorf("redo threads must be at least 1")
	}
	switch c.WAL.Engine {
	case WALEngineBadger, WALEngineMemory:
	default:
		return fmt.Errorf("unknown wal engine %q", c.WAL.Engine)
	}
	if _, err := c.WAL.SegmentSize(); err != nil {
		return err
	}
	return nil
}

// SegmentSize parses ArchiveSegmentSize.
func (c *WALConfig) SegmentSize() (int64, error) {
	size, err := units.RAMInBytes(c.ArchiveSegmentSize)
	if err != nil {
		return 0, errors.Annotatef(err, "invalid archive segment size %q", c.ArchiveSegmentSize)
	}
	if size <= 0 {
		return 0, fmt.Errorf("archive segment size must be greater than 0")
	}
	return size, nil
}

// LoadFile overlays the TOML file at path onto c.
func (c *Config) LoadFile(path string) error {
	meta, err := toml.DecodeFile(path, c)
	if err != nil {
		return errors.WithStack(err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		log.Warn("config file contains unknown items", zap.Stringer("item", undecoded[0]), zap.Int("count", len(undecoded)))
	}
	return nil
}

// SetupLogger initializes the global logger from c.Log.
func (c *Config) SetupLogger() error {
	lg, props, err := log.InitLogger(&c.Log, zap.AddStacktrace(zapcore.FatalLevel))
	if err != nil {
		return errors.WithStack(err)
	}
	log.ReplaceGlobals(lg, props)
	return nil
}

func getLogLevel() (logLevel string) {
	logLevel = "info"
	if l := os.Getenv("LOG_LEVEL"); len(l) != 0 {
		logLevel = l
	}
	return
}

func NewDefaultConfig() *Config {
	return &Config{
		DataDir:    "/tmp/tinytxn",
		StatusAddr: "127.0.0.1:20180",
		Lock: LockConfig{
			Timeout:                 typeutil.NewDuration(5 * time.Second),
			EnableDeadlockDetection: true,
			EnableEscalation:        true,
			EscalationThreshold:     1000,
			Shards:                  64,
		},
		Snapshot: SnapshotConfig{
			MaxClockSkew:       typeutil.NewDuration(5 * time.Second),
			CommittedRetention: typeutil.NewDuration(300 * time.Second),
		},
		MVCC: MVCCConfig{
			Shards:     64,
			GCInterval: typeutil.NewDuration(time.Minute),
		},
		WAL: WALConfig{
			Engine:             WALEngineBadger,
			SyncWrites:         true,
			ArchiveSegmentSize: "16MiB",
		},
		Recovery:   RecoveryConfig{RedoThreads: 4},
		Checkpoint: CheckpointConfig{Interval: typeutil.NewDuration(300 * time.Second)},
		Log:        log.Config{Level: getLogLevel()},
	}
}

func NewTestConfig() *Config {
	return &Config{
		DataDir: "/tmp/tinytxn-test",
		Lock: LockConfig{
			Timeout:                 typeutil.NewDuration(500 * time.Millisecond),
			EnableDeadlockDetection: true,
			EnableEscalation:        true,
			EscalationThreshold:     16,
			Shards:                  4,
		},
		Snapshot: SnapshotConfig{
			MaxClockSkew:       typeutil.NewDuration(5 * time.Second),
			CommittedRetention: typeutil.NewDuration(300 * time.Second),
		},
		MVCC: MVCCConfig{
			Shards:     4,
			GCInterval: typeutil.NewDuration(50 * time.Millisecond),
		},
		WAL: WALConfig{
			Engine:             WALEngineMemory,
			ArchiveSegmentSize: "4KiB",
		},
		Recovery:   RecoveryConfig{RedoThreads: 2},
		Checkpoint: CheckpointConfig{Interval: typeutil.NewDuration(50 * time.Millisecond)},
		Log:        log.Config{Level: getLogLevel()},
	}
}
