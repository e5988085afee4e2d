package litmus

import "testing"

func TestProtocolLookupsAreInverse(t *testing.T) {
	t.Parallel()
	for _, p := range Protocols() {
		if got := LockProtocolForName(p.Name); got != p.ID {
			t.Fatalf("LockProtocolForName(%q) = %d, want %d", p.Name, got, p.ID)
		}
		if got := NameForLockProtocol(p.ID); got != p.Name {
			t.Fatalf("NameForLockProtocol(%d) = %q, want %q", p.ID, got, p.Name)
		}
	}
	if got := LockProtocolForName("KFMLP"); got != ProtocolKFMLP {
		t.Fatalf("KFMLP = %d, want %d", got, ProtocolKFMLP)
	}
}

func TestProtocolUnknown(t *testing.T) {
	t.Parallel()
	for _, name := range []string{"", "kfmlp", "NOPE"} {
		if got := LockProtocolForName(name); got >= 0 {
			t.Fatalf("LockProtocolForName(%q) = %d, want negative", name, got)
		}
	}
	for _, id := range []int{-1, 8, 1000} {
		if got := NameForLockProtocol(id); got != "" {
			t.Fatalf("NameForLockProtocol(%d) = %q, want empty", id, got)
		}
	}
}

func TestProtocolsReturnsCopy(t *testing.T) {
	t.Parallel()
	ps := Protocols()
	ps[0].Name = "changed"
	if NameForLockProtocol(ProtocolFMLP) != "FMLP" {
		t.Fatal("Protocols exposed the registry")
	}
}
