package task

import (
	"errors"
)

// Error kinds surfaced by the routing and orchestration engine.
var (
	ErrClassificationTimeout   = errors.New("classification timeout")
	ErrNoCapacity              = errors.New("no agent capacity")
	ErrTransientCall           = errors.New("transient call failure")
	ErrPermanentCall           = errors.New("permanent call failure")
	ErrReconciliationAmbiguous = errors.New("reconciliation ambiguous")
	ErrIllegalTransition       = errors.New("illegal state transition")
	ErrCompensationFailure     = errors.New("compensation failure")
	ErrValidation              = errors.New("validation failed")
	ErrNotFound                = errors.New("not found")
)

// Kind names an error kind for reporting.
type Kind string

const (
	KindNone                    Kind = ""
	KindClassificationTimeout   Kind = "ClassificationTimeout"
	KindNoCapacity              Kind = "NoCapacity"
	KindTransientCallFailure    Kind = "TransientCallFailure"
	KindPermanentCallFailure    Kind = "PermanentCallFailure"
	KindReconciliationAmbiguous Kind = "ReconciliationAmbiguous"
	KindIllegalStateTransition  Kind = "IllegalStateTransition"
	KindCompensationFailure     Kind = "CompensationFailure"
	KindValidation              Kind = "Validation"
	KindUnknown                 Kind = "Unknown"
)

// kindOrder lists sentinels from most to least specific so wrapped chains
// report the innermost meaningful kind.
var kindOrder = []struct {
	err  error
	kind Kind
}{
	{ErrIllegalTransition, KindIllegalStateTransition},
	{ErrReconciliationAmbiguous, KindReconciliationAmbiguous},
	{ErrCompensationFailure, KindCompensationFailure},
	{ErrNoCapacity, KindNoCapacity},
	{ErrClassificationTimeout, KindClassificationTimeout},
	{ErrValidation, KindValidation},
	{ErrPermanentCall, KindPermanentCallFailure},
	{ErrTransientCall, KindTransientCallFailure},
}

// KindOf reports the error kind of err.
func KindOf(err error) Kind {
	if err == nil {
		return KindNone
	}
	for _, k := range kindOrder {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return KindUnknown
}
