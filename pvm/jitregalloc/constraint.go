package jitregalloc

// Mode is the read/write intent an OperandHandle declares at construction.
type Mode uint8

const (
	Read Mode = iota
	Write
	ReadWrite
)

// HandleKind distinguishes the five handle-construction entry points;
// each accumulates a different combination of constraint bits.
type HandleKind uint8

const (
	UseKind HandleKind = iota
	UseNoImmKind
	BindOrImmKind
	BindKind
	RevertableBindKind
)

// Constraint is the accumulator attached to a guest register while it has
// at least one outstanding handle. Every new handle on an already-locked
// register merges its bits into this struct rather than replacing it;
// RealizedAt is set once, by the first Realize() call, and is terminal
// until the lock count returns to zero and Reset clears the accumulator.
type Constraint struct {
	Read          bool
	Write         bool
	KillImmediate bool // realize forces the constant out of Imm form
	KillMemory    bool // realize forces the value out of its default location
	Revertable    bool

	RealizedAt RealizeKind
}

func (c *Constraint) reset() { *c = Constraint{} }

// accumulate merges a new handle's requirements into the constraint and
// reports a conflict if the merge is incompatible with a location this
// register has already been realized at.
func (c *Constraint) accumulate(kind HandleKind, mode Mode) error {
	switch mode {
	case Read:
		c.Read = true
	case Write:
		c.Write = true
	case ReadWrite:
		c.Read = true
		c.Write = true
	}

	switch kind {
	case UseNoImmKind:
		c.KillImmediate = true
	case BindKind:
		c.KillImmediate = true
		c.KillMemory = true
	case RevertableBindKind:
		c.KillImmediate = true
		c.KillMemory = true
		c.Revertable = true
	case BindOrImmKind:
		c.KillMemory = true
	case UseKind:
		// no additional kill requirement; realization may pick Imm or Mem.
	}

	if c.RealizedAt == Unset {
		return nil
	}

	switch c.RealizedAt {
	case Imm:
		if c.KillImmediate {
			return ErrConstraintConflict
		}
	case Mem:
		if c.KillMemory {
			return ErrConstraintConflict
		}
	case Bound:
		// a bound register satisfies every constraint kind.
	}
	return nil
}

// allowsImm reports whether the accumulated constraint permits Realize
// to resolve to the Imm location.
func (c *Constraint) allowsImm() bool { return !c.KillImmediate }

// allowsMem reports whether the accumulated constraint permits Realize
// to resolve to the Mem location.
func (c *Constraint) allowsMem() bool { return !c.KillMemory }
