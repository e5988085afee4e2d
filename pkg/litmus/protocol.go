package litmus

// Lock protocol identifiers as defined by the kernel.
const (
	ProtocolFMLP   = 0
	ProtocolSRP    = 1
	ProtocolMPCP   = 2
	ProtocolMPCPVS = 3
	ProtocolDPCP   = 4
	ProtocolPCP    = 5
	ProtocolDFLP   = 6
	ProtocolKFMLP  = 7
)

// ProtocolDescriptor maps a protocol name to its kernel identifier.
type ProtocolDescriptor struct {
	ID   int
	Name string
}

var protocols = [...]ProtocolDescriptor{
	{ProtocolFMLP, "FMLP"},
	{ProtocolSRP, "SRP"},
	{ProtocolMPCP, "MPCP"},
	{ProtocolMPCPVS, "MPCP-VS"},
	{ProtocolDPCP, "DPCP"},
	{ProtocolPCP, "PCP"},
	{ProtocolDFLP, "DFLP"},
	{ProtocolKFMLP, "KFMLP"},
}

// LockProtocolForName returns the identifier for name, or -1 if the name is
// unknown. Names are matched exactly.
func LockProtocolForName(name string) int {
	for _, p := range protocols {
		if p.Name == name {
			return p.ID
		}
	}
	return -1
}

// NameForLockProtocol returns the name for id, or "" if id is unknown.
func NameForLockProtocol(id int) string {
	for _, p := range protocols {
		if p.ID == id {
			return p.Name
		}
	}
	return ""
}

// Protocols returns the known protocols ordered by identifier.
func Protocols() []ProtocolDescriptor {
	out := make([]ProtocolDescriptor, len(protocols))
	copy(out, protocols[:])
	return out
}
