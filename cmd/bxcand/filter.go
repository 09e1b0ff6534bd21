package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/kstaniek/go-bxcan/internal/can"
)

// idMask accepts a frame when (frame id & mask) == (id & mask).
type idMask struct {
	id, mask uint32
}

// parseTxAllow parses a comma-separated list of "id" or "id/mask" entries,
// numbers in Go syntax (0x prefix for hex). A bare id must match exactly.
func parseTxAllow(s string) ([]idMask, error) {
	var out []idMask
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		idStr, maskStr, hasMask := strings.Cut(part, "/")
		id, err := strconv.ParseUint(strings.TrimSpace(idStr), 0, 32)
		if err != nil || id > can.CAN_EFF_MASK {
			return nil, fmt.Errorf("bad id in %q", part)
		}
		mask := uint64(can.CAN_EFF_MASK)
		if hasMask {
			mask, err = strconv.ParseUint(strings.TrimSpace(maskStr), 0, 32)
			if err != nil || mask > can.CAN_EFF_MASK {
				return nil, fmt.Errorf("bad mask in %q", part)
			}
		}
		out = append(out, idMask{id: uint32(id), mask: uint32(mask)})
	}
	return out, nil
}

// txAllowFilter returns the client frame filter for the list, or nil when the
// list is empty and every frame may go out.
func txAllowFilter(list []idMask) func(*can.Frame) bool {
	if len(list) == 0 {
		return nil
	}
	return func(f *can.Frame) bool {
		id := f.ID()
		for _, e := range list {
			if id&e.mask == e.id&e.mask {
				return true
			}
		}
		return false
	}
}
