package vmorch

import (
	"fmt"
	"path/filepath"
	"strconv"
)

// naming derives the per-task host resource identifiers from a task_id, per
// spec.md §4.2: api_sock = /tmp/fc_{id}.sock, vsock_uds = /tmp/v_{id}.sock,
// vm_log = vm_{id}.log, guest_cid = 3 + (low-order bits of task_id mod 1e6).
type naming struct {
	APISocketPath string
	VsockUDSPath  string
	LogPath       string
	GuestCID      uint32
}

// deriveNaming computes the naming tuple for a task. salt perturbs the CID
// derivation on retry after a collision; it is 0 on the first attempt.
func deriveNaming(taskID string, salt uint32, logDir string) naming {
	return naming{
		APISocketPath: filepath.Join("/tmp", fmt.Sprintf("fc_%s.sock", taskID)),
		VsockUDSPath:  filepath.Join("/tmp", fmt.Sprintf("v_%s.sock", taskID)),
		LogPath:       filepath.Join(logDir, fmt.Sprintf("vm_%s.log", taskID)),
		GuestCID:      deriveCID(taskID, salt),
	}
}

// deriveCID computes 3 + (last 8 hex chars of task_id, parsed as an unsigned
// integer, mod 1_000_000). A nonzero salt is folded in so a retry after a
// hypervisor-detected collision produces a different candidate.
func deriveCID(taskID string, salt uint32) uint32 {
	suffix := taskID
	if len(suffix) > 8 {
		suffix = suffix[len(suffix)-8:]
	}
	n, err := strconv.ParseUint(suffix, 16, 64)
	if err != nil {
		// Non-hex task IDs (shouldn't happen with model.NewTaskID) still get
		// a deterministic, in-range CID rather than failing naming outright.
		n = 0
		for _, c := range suffix {
			n = n*31 + uint64(c)
		}
	}
	return reservedCIDs + uint32((n+uint64(salt))%cidModulus)
}
