package model

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrVolumeNotFound is returned when the cluster volume does not exist.
	ErrVolumeNotFound = errors.New("volume not found")
	// ErrAlreadyAtVersion is returned when the cluster already runs the target version.
	ErrAlreadyAtVersion = errors.New("cluster already at target version")
	// ErrNothingTransferred is returned when every database of the plan was skipped.
	ErrNothingTransferred = errors.New("no database was transferred")
	// ErrVolumeLocked is returned when another upgrade holds the volume.
	ErrVolumeLocked = errors.New("volume is locked by another upgrade")
)

// UnsupportedVersionError means the version has no image in the registry.
type UnsupportedVersionError struct {
	Version int
}

func (e *UnsupportedVersionError) Error() string {
	return fmt.Sprintf("unsupported engine version %d: no image registered", e.Version)
}

// VersionDetectionError means a version report could not be parsed.
type VersionDetectionError struct {
	Source string
	Raw    string
	Err    error
}

func (e *VersionDetectionError) Error() string {
	msg := fmt.Sprintf("cannot detect engine version from %s (got %q)", e.Source, e.Raw)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *VersionDetectionError) Unwrap() error { return e.Err }

// StartupTimeoutError means an instance never became ready.
type StartupTimeoutError struct {
	Image    string
	Volume   string
	Attempts int
	Waited   time.Duration
	Logs     string
	Err      error
}

func (e *StartupTimeoutError) Error() string {
	return fmt.Sprintf("instance %s on volume %s not ready after %d probes (%s): %v",
		e.Image, e.Volume, e.Attempts, e.Waited.Round(time.Millisecond), e.Err)
}

func (e *StartupTimeoutError) Unwrap() error { return e.Err }

// TransferError means the dump or the restore exited unsuccessfully.
type TransferError struct {
	Database    string
	DumpExit    int
	RestoreExit int
	Diagnostics string
	Err         error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("transfer of database %s failed (dump exit %d, restore exit %d): %v",
		e.Database, e.DumpExit, e.RestoreExit, e.Err)
}

func (e *TransferError) Unwrap() error { return e.Err }

// VerificationFailure means the destination is missing schema objects.
type VerificationFailure struct {
	Database    string
	SourceCount int
	DestCount   int
	Reason      string
}

func (e *VerificationFailure) Error() string {
	return fmt.Sprintf("verification of database %s failed: %s (source %d objects, destination %d)",
		e.Database, e.Reason, e.SourceCount, e.DestCount)
}

// SwapStage names the step of a volume swap.
type SwapStage string

const (
	SwapStageBackup  SwapStage = "backup"
	SwapStageReplace SwapStage = "replace"
	SwapStageCleanup SwapStage = "cleanup"
)

// SwapError means a step of the volume swap failed. Stage tells which
// volumes may have been touched: backup leaves live intact, replace means
// live was rewritten from the backup (Restored) or the backup volume holds
// the only pre-upgrade copy.
type SwapError struct {
	Stage    SwapStage
	Live     string
	Backup   string
	Restored bool
	Err      error
}

func (e *SwapError) Error() string {
	msg := fmt.Sprintf("volume swap of %s failed at %s stage: %v", e.Live, e.Stage, e.Err)
	if e.Stage == SwapStageReplace {
		if e.Restored {
			msg += "; live volume restored from " + e.Backup
		} else {
			msg += "; live volume is damaged, pre-upgrade contents are in " + e.Backup
		}
	}
	return msg
}

func (e *SwapError) Unwrap() error { return e.Err }

// VolumeInUseError means a volume is still referenced by a container.
type VolumeInUseError struct {
	Volume string
	Err    error
}

func (e *VolumeInUseError) Error() string {
	return fmt.Sprintf("volume %s is in use: %v", e.Volume, e.Err)
}

func (e *VolumeInUseError) Unwrap() error { return e.Err }

// CopyError means the copy container exited nonzero.
type CopyError struct {
	From     string
	To       string
	ExitCode int
	Output   string
	Err      error
}

func (e *CopyError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("copy %s -> %s failed: %v", e.From, e.To, e.Err)
	}
	return fmt.Sprintf("copy %s -> %s exited with code %d: %s", e.From, e.To, e.ExitCode, e.Output)
}

func (e *CopyError) Unwrap() error { return e.Err }
