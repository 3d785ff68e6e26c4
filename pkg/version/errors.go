// ABOUTME: Typed errors returned by the lifecycle store, engine and comparator
// ABOUTME: Each typed error matches a sentinel through errors.Is

package version

import (
	"errors"
	"fmt"
)

var (
	// ErrIllegalTransition indicates the state machine refused a transition
	ErrIllegalTransition = errors.New("illegal transition")

	// ErrConflict indicates a version number collision or a lost race for the current slot
	ErrConflict = errors.New("conflict")

	// ErrIntegrity indicates stored content no longer matches its checksum
	ErrIntegrity = errors.New("integrity violation")

	// ErrCrossChain indicates two versions from different chains were compared
	ErrCrossChain = errors.New("cross-chain comparison")

	// ErrNotFound indicates an unknown version or chain
	ErrNotFound = errors.New("not found")

	// ErrNumberRange indicates a version number component past its limit
	ErrNumberRange = errors.New("version number out of range")
)

// IllegalTransitionError names the refused current/target pair.
type IllegalTransitionError struct {
	Kind   EntityKind
	From   State
	To     State
	Reason string
}

func (e *IllegalTransitionError) Error() string {
	msg := fmt.Sprintf("illegal %s transition %s -> %s", e.Kind, e.From, e.To)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

func (e *IllegalTransitionError) Is(target error) bool { return target == ErrIllegalTransition }

// ConflictError reports a uniqueness collision or a concurrent modification.
type ConflictError struct {
	Key    ChainKey
	Reason string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict on chain %s: %s", e.Key, e.Reason)
}

func (e *ConflictError) Is(target error) bool { return target == ErrConflict }

// IntegrityError reports a checksum mismatch on a committed row. It signals
// corruption and must never be retried or repaired automatically.
type IntegrityError struct {
	VersionID string
	Stored    string
	Computed  string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("integrity violation on version %s: stored checksum %s, computed %s",
		e.VersionID, e.Stored, e.Computed)
}

func (e *IntegrityError) Is(target error) bool { return target == ErrIntegrity }

// CrossChainComparisonError reports an attempt to diff versions of different chains.
type CrossChainComparisonError struct {
	A ChainKey
	B ChainKey
}

func (e *CrossChainComparisonError) Error() string {
	return fmt.Sprintf("cannot compare versions of different chains %s and %s", e.A, e.B)
}

func (e *CrossChainComparisonError) Is(target error) bool { return target == ErrCrossChain }

// NotFoundError names what was looked up.
type NotFoundError struct {
	What string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.What, e.ID)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// NumberRangeError names the component of a version number that overflowed.
type NumberRangeError struct {
	Number    Number
	Component string
	Max       uint32
}

func (e *NumberRangeError) Error() string {
	return fmt.Sprintf("version number %d.%d.%d: %s component exceeds %d",
		e.Number.Major, e.Number.Minor, e.Number.Patch, e.Component, e.Max)
}

func (e *NumberRangeError) Is(target error) bool { return target == ErrNumberRange }
