package microvm

import (
	"strings"
	"testing"
)

func testConfig() *Config {
	cfg := DefaultConfig()
	cfg.SocketDir = "/tmp"
	cfg.LogDir = "/var/log/pulsar"
	return cfg
}

func TestDeriveNamesDeterministic(t *testing.T) {
	cfg := testConfig()
	taskID := "9f86d081884c7d659a2feaa0c55ad015"

	a := cfg.deriveNames(taskID, 0)
	b := cfg.deriveNames(taskID, 0)
	if a != b {
		t.Fatalf("derivation not deterministic: %+v vs %+v", a, b)
	}

	if !strings.HasPrefix(a.APISock, "/tmp/fc_") || !strings.HasSuffix(a.APISock, ".sock") {
		t.Fatalf("unexpected api socket path: %s", a.APISock)
	}
	if !strings.HasPrefix(a.VsockUDS, "/tmp/v_") {
		t.Fatalf("unexpected vsock path: %s", a.VsockUDS)
	}
	if !strings.Contains(a.LogPath, "vm_"+a.Suffix) {
		t.Fatalf("log path not derived from suffix: %s", a.LogPath)
	}
	if len(a.Suffix) != 12 {
		t.Fatalf("suffix length %d, want 12", len(a.Suffix))
	}
}

func TestDeriveNamesCIDAboveReserved(t *testing.T) {
	cfg := testConfig()
	ids := []string{
		"00000000000000000000000000000000",
		"ffffffffffffffffffffffffffffffff",
		"9f86d081884c7d659a2feaa0c55ad015",
	}
	for _, id := range ids {
		n := cfg.deriveNames(id, 0)
		if n.CID < minGuestCID {
			t.Fatalf("CID %d below reserved range for id %s", n.CID, id)
		}
	}
}

func TestDeriveNamesDistinctTasks(t *testing.T) {
	cfg := testConfig()
	a := cfg.deriveNames("9f86d081884c7d659a2feaa0c55ad015", 0)
	b := cfg.deriveNames("a665a45920422f9d417e4867efdc4fb8", 0)
	if a.APISock == b.APISock || a.VsockUDS == b.VsockUDS {
		t.Fatal("distinct tasks derived colliding socket paths")
	}
}

func TestDeriveNamesRetryGivesFreshDerivation(t *testing.T) {
	cfg := testConfig()
	taskID := "9f86d081884c7d659a2feaa0c55ad015"

	first := cfg.deriveNames(taskID, 0)
	retry := cfg.deriveNames(taskID, 1)
	if first.CID == retry.CID && first.Suffix == retry.Suffix {
		t.Fatal("retry attempt produced identical derivation")
	}
	// Retries stay deterministic for the same attempt number.
	if retry != cfg.deriveNames(taskID, 1) {
		t.Fatal("retry derivation not deterministic")
	}
}

func TestDeriveNamesNonHexTaskID(t *testing.T) {
	cfg := testConfig()
	n := cfg.deriveNames("not-a-hex-id!", 0)
	if n.CID < minGuestCID {
		t.Fatalf("CID %d below reserved range", n.CID)
	}
	if len(n.Suffix) != 12 {
		t.Fatalf("suffix length %d, want 12", len(n.Suffix))
	}
}
