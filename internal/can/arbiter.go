package can

// PriorityHigherThan reports whether f wins bus arbitration against rhs.
// It is the same rule the controller applies on the wire, so local mailbox
// admission never queues a frame that would lose against one already pending.
func (f Frame) PriorityHigherThan(rhs Frame) bool {
	id, rhsID := f.ID(), rhs.ID()

	// STD vs EXT: the 11 most significant bits decide, on a tie EXT loses
	// (its SRR bit is recessive where the STD frame's RTR is dominant).
	ext, rhsExt := f.IsExtended(), rhs.IsExtended()
	if ext != rhsExt {
		arb11, rhsArb11 := id, rhsID
		if ext {
			arb11 = id >> 18
		} else {
			rhsArb11 = rhsID >> 18
		}
		if arb11 != rhsArb11 {
			return arb11 < rhsArb11
		}
		return rhsExt
	}

	// Same identifier: the data frame beats the remote request.
	rtr, rhsRTR := f.IsRemote(), rhs.IsRemote()
	if id == rhsID && rtr != rhsRTR {
		return rhsRTR
	}

	return id < rhsID
}
