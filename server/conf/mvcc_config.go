// Package conf parses the [mvcc] section of the server's .cnf file using
// gopkg.in/ini.v1, the same library and accessor idiom the rest of the pack
// uses for its .cnf sections.
package conf

import (
	"fmt"
	"os"

	"gopkg.in/ini.v1"
)

// FlushPolicy selects how aggressively commit flushes the redo log, the
// flush_log_at_trx_commit knob from §6.
type FlushPolicy int

const (
	// FlushNever never forces a flush at commit; the redo log reaches
	// disk only on its own background schedule.
	FlushNever FlushPolicy = iota
	// FlushWriteOnly writes the log buffer to the OS at commit but does
	// not fsync it.
	FlushWriteOnly
	// FlushWriteAndFsync writes and fsyncs the log buffer at commit.
	FlushWriteAndFsync
)

func (p FlushPolicy) String() string {
	switch p {
	case FlushNever:
		return "never"
	case FlushWriteOnly:
		return "write-only"
	case FlushWriteAndFsync:
		return "write-and-fsync"
	default:
		return "unknown"
	}
}

// MVCCConfig is the runtime configuration recognized by the undo/rollback/
// purge core (§6 "Configuration").
type MVCCConfig struct {
	Raw *ini.File

	// FlushLogAtTrxCommit selects which commit-time redo flush policy
	// §4.E applies.
	FlushLogAtTrxCommit FlushPolicy

	// FileFlushMethod, when it names a "NOSYNC" variant, forces the
	// write-and-fsync case down to write-only.
	FileFlushMethod string

	// ForceRecovery >= NoUndoLogScan skips undo-log rebuild at startup.
	ForceRecovery int

	// NRsegs is the number of rollback segments to create; it should sit
	// in the same order of magnitude as the worker thread count.
	NRsegs int

	// PurgeBatchSize bounds how many undo records the purge engine
	// consumes per batch before yielding.
	PurgeBatchSize int

	// UndoDir is where the undo tablespace files are created.
	UndoDir string
}

// NoUndoLogScan is the smallest ForceRecovery level that disables the undo
// scan on startup (§6).
const NoUndoLogScan = 3

func defaultMVCCConfig() *MVCCConfig {
	return &MVCCConfig{
		Raw:                 ini.Empty(),
		FlushLogAtTrxCommit: FlushWriteAndFsync,
		FileFlushMethod:     "fsync",
		ForceRecovery:       0,
		NRsegs:              128,
		PurgeBatchSize:      20,
		UndoDir:             "./data/undo",
	}
}

// LoadMVCCConfig reads the [mvcc] section of the ini file at path. A missing
// file is not an error: defaults are returned as-is, matching the teacher's
// "fall back to stdout, warn" tolerance for optional config elsewhere.
func LoadMVCCConfig(path string) (*MVCCConfig, error) {
	cfg := defaultMVCCConfig()
	if path == "" {
		return cfg, nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}
	parsed, err := ini.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	cfg.Raw = parsed
	section := parsed.Section("mvcc")

	cfg.FlushLogAtTrxCommit = parseFlushPolicy(valueAsString(section, "flush_log_at_trx_commit", cfg.FlushLogAtTrxCommit.String()))
	cfg.FileFlushMethod = valueAsString(section, "file_flush_method", cfg.FileFlushMethod)
	cfg.ForceRecovery = section.Key("force_recovery").MustInt(cfg.ForceRecovery)
	cfg.NRsegs = section.Key("n_rsegs").MustInt(cfg.NRsegs)
	cfg.PurgeBatchSize = section.Key("purge_batch_size").MustInt(cfg.PurgeBatchSize)
	cfg.UndoDir = valueAsString(section, "undo_dir", cfg.UndoDir)

	if isNoSyncFlushMethod(cfg.FileFlushMethod) && cfg.FlushLogAtTrxCommit == FlushWriteAndFsync {
		cfg.FlushLogAtTrxCommit = FlushWriteOnly
	}
	return cfg, nil
}

func valueAsString(section *ini.Section, keyName, defaultValue string) string {
	return section.Key(keyName).MustString(defaultValue)
}

func parseFlushPolicy(s string) FlushPolicy {
	switch s {
	case "never":
		return FlushNever
	case "write-only", "write-only-one-group":
		return FlushWriteOnly
	default:
		return FlushWriteAndFsync
	}
}

func isNoSyncFlushMethod(method string) bool {
	for _, suffix := range []string{"nosync", "NOSYNC", "O_DIRECT_NO_FSYNC"} {
		if method == suffix {
			return true
		}
	}
	return false
}
