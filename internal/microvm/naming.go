package microvm

import (
	"path/filepath"
	"strconv"

	"github.com/velora/pulsar/internal/pkg/crypto"
)

// Guest CIDs 0-2 are reserved by the vsock spec; every derived CID is >= 3.
const (
	minGuestCID = 3
	cidSpace    = 1_000_000
)

// names holds the per-task host resource identifiers. All of them are
// derived deterministically from the task id, so concurrent tasks never
// collide on the host's /tmp socket namespace or the CID bus.
type names struct {
	Suffix   string
	CID      uint32
	APISock  string
	VsockUDS string
	LogPath  string
}

// deriveNames constructs the per-task identifiers. attempt > 0 re-hashes
// the id so a hypervisor-rejected CID gets a fresh derivation.
func (c *Config) deriveNames(taskID string, attempt int) names {
	id := taskID
	if attempt > 0 {
		id = crypto.HashString(taskID + "/" + strconv.Itoa(attempt))
	}
	if len(id) < 16 || !isHex(id) {
		id = crypto.HashString(id)
	}

	low, _ := strconv.ParseUint(id[len(id)-16:], 16, 64)
	suffix := id[:12]

	return names{
		Suffix:   suffix,
		CID:      minGuestCID + uint32(low%cidSpace),
		APISock:  filepath.Join(c.SocketDir, "fc_"+suffix+".sock"),
		VsockUDS: filepath.Join(c.SocketDir, "v_"+suffix+".sock"),
		LogPath:  filepath.Join(c.LogDir, "vm_"+suffix+".log"),
	}
}

func isHex(s string) bool {
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
		case r >= 'a' && r <= 'f':
		case r >= 'A' && r <= 'F':
		default:
			return false
		}
	}
	return true
}
