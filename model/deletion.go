package model

// Deletion mode kinds.
const (
	DeletionSoft = "soft"
	DeletionHard = "hard"
)

// DeletionMode is a tagged variant selecting soft or hard deletion. A call
// site cannot hard-delete without explicitly constructing the hard variant,
// and cannot hard-delete a running flow without also opting in to
// overrideActive.
type DeletionMode struct {
	kind           string
	reason         string
	overrideActive bool
}

// SoftDelete tombstones the flow: status becomes cancelled, rows are
// retained.
func SoftDelete(reason string) DeletionMode {
	return DeletionMode{kind: DeletionSoft, reason: reason}
}

// HardDelete cascades removal of the flow and all its child records.
// overrideActive must be true to hard-delete a flow that is still running.
func HardDelete(reason string, overrideActive bool) DeletionMode {
	return DeletionMode{kind: DeletionHard, reason: reason, overrideActive: overrideActive}
}

// Kind returns "soft" or "hard".
func (m DeletionMode) Kind() string { return m.kind }

// IsHard reports whether this is the hard variant.
func (m DeletionMode) IsHard() bool { return m.kind == DeletionHard }

// Reason returns the operator-supplied reason.
func (m DeletionMode) Reason() string { return m.reason }

// OverrideActive reports whether hard deletion of a running flow was
// explicitly requested.
func (m DeletionMode) OverrideActive() bool { return m.overrideActive }

// ParseDeletionMode builds a DeletionMode from wire values. Unknown kinds
// default to soft: the destructive variant must be named exactly.
func ParseDeletionMode(kind, reason string, overrideActive bool) DeletionMode {
	if kind == DeletionHard {
		return HardDelete(reason, overrideActive)
	}
	return SoftDelete(reason)
}
