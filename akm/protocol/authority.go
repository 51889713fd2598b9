package protocol

// PDVSize is the length of the parameter data vector.
const PDVSize = 128

// Params are the numeric parameters handed to the decision authority.
type Params struct {
	SK    uint8  // key size in bytes
	SRNA  uint8  // node address size in bytes
	N     uint16 // node count
	CSS   uint32
	NSS   uint32
	FSS   uint32
	NFSS  uint32
	SFSS  uint32
	NSFSS uint32
	EFSS  uint32
	NNRT  int64 // timeouts, milliseconds
	NSET  int64
	FBSET int64
	FSSET int64
}

// Configuration is the full state the decision authority is initialized
// from and reports back through Authority.Config.
type Configuration struct {
	Params Params
	PDV    []byte
	Nodes  []uint64
	Self   uint64
}

// Clone returns a deep copy of c.
func (c *Configuration) Clone() *Configuration {
	out := &Configuration{Params: c.Params, Self: c.Self}
	out.PDV = append([]byte(nil), c.PDV...)
	out.Nodes = append([]uint64(nil), c.Nodes...)
	return out
}

// HasNode reports whether addr is in the roster.
func (c *Configuration) HasNode(addr uint64) bool {
	for _, n := range c.Nodes {
		if n == addr {
			return true
		}
	}
	return false
}

// Handle is an opaque reference to authority-side relationship state.
type Handle uintptr

// Request is one step of a command loop. Source is the raw source address of
// the frame being processed, or nil when no frame is attached.
type Request struct {
	Handle Handle
	Event  Event
	TimeMs int64
	Source []byte
}

// Authority decides protocol transitions. Process is called repeatedly until
// it returns an OpReturn command; calls for one handle are never concurrent.
type Authority interface {
	Init(cfg *Configuration) (Status, Handle)
	Process(req *Request) Command
	Free(h Handle)
	Config(h Handle) (*Configuration, error)
}
