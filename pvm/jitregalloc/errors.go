package jitregalloc

import "errors"

// Sentinel errors follow jamerrors/errors.go's convention: a short code
// prefix before the colon so callers can classify failures with
// errors.Is without parsing message text. jamerrors itself lived in a
// JAM-consensus package with no home in this domain, so only the naming
// pattern is carried forward here, not the package.
var (
	ErrConstraintConflict     = errors.New("REGALLOC01|ConstraintConflict: handle constraints on a locked register are incompatible")
	ErrUnrealizedHandle       = errors.New("REGALLOC02|UnrealizedHandle: operand read/written before Realize was called")
	ErrDoubleBind             = errors.New("REGALLOC03|DoubleBind: host register bound to more than one guest register")
	ErrLockedDuringFlush      = errors.New("REGALLOC04|LockedDuringFlush: Flush encountered a register with an outstanding lock")
	ErrRevertableDuringFlush  = errors.New("REGALLOC05|RevertableDuringFlush: Flush encountered a register in a revertable transaction")
	ErrResetOfBoundRegister   = errors.New("REGALLOC06|ResetOfBoundRegister: Reset requested on a register still bound to an xreg")
	ErrOutOfRegisters         = errors.New("REGALLOC07|OutOfRegisters: no host register was free or evictable for this bank")
	ErrNoActiveRevertable     = errors.New("REGALLOC08|NoActiveRevertable: Commit or Revert called with no revertable bind outstanding")
	ErrForkGuardAlreadyOpen   = errors.New("REGALLOC09|ForkGuardAlreadyOpen: Fork called while a fork region is already open")
	ErrForkGuardNotOpen       = errors.New("REGALLOC10|ForkGuardNotOpen: Barrier/Join called with no open fork region")
	ErrUnknownFixupTarget     = errors.New("REGALLOC11|UnknownFixupTarget: branch target has no recorded state snapshot")
	ErrDiscardedRegister      = errors.New("REGALLOC12|DiscardedRegister: preg was discarded and never rebound, its default location no longer holds a valid value")
)

// ErrorCode extracts the REGALLOCnn prefix from a sentinel error message,
// mirroring jamerrors/errors.go's GetErrorName helper.
func ErrorCode(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	for i, c := range msg {
		if c == '|' {
			return msg[:i]
		}
	}
	return ""
}
