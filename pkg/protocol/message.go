package protocol

import (
	"fmt"

	"github.com/busybox42/aegis-overlay/pkg/types"
)

// Kind tags a message on the wire.
type Kind uint8

const (
	KindJoin Kind = iota
	KindEcho
	KindPut
	KindPutAccept
	KindGet
	KindGetResult
)

func (k Kind) String() string {
	switch k {
	case KindJoin:
		return "JOIN"
	case KindEcho:
		return "ECHO"
	case KindPut:
		return "PUT"
	case KindPutAccept:
		return "PUT_ACCEPT"
	case KindGet:
		return "GET"
	case KindGetResult:
		return "GET_RESULT"
	default:
		return fmt.Sprintf("KIND(%d)", uint8(k))
	}
}

// Message is one of *Join, *Echo, *Put, *PutAccept, *Get or *GetResult.
// The set is closed; callers switch over the concrete types.
type Message interface {
	Kind() Kind
	// Target is the id the message is routed towards.
	Target() uint64
	// Hops lists the nodes the message has traversed, oldest first.
	Hops() []types.Node
	AddHop(n types.Node)

	sealed()
}

// Route is the hop list shared by every message kind.
type Route struct {
	HopList []types.Node
}

func (r *Route) Hops() []types.Node { return r.HopList }

func (r *Route) AddHop(n types.Node) { r.HopList = append(r.HopList, n) }

// Origin is the first hop, the node that created the message.
func (r *Route) Origin() (types.Node, bool) {
	if len(r.HopList) == 0 {
		return types.Node{}, false
	}
	return r.HopList[0], true
}

func (r *Route) sealed() {}

func (r *Route) cloneHops() Route {
	return Route{HopList: append([]types.Node(nil), r.HopList...)}
}

// Join asks the node closest to Joiner.ID to admit the joiner as a neighbour.
type Join struct {
	Route
	Joiner types.Node
}

func (m *Join) Kind() Kind      { return KindJoin }
func (m *Join) Target() uint64 { return m.Joiner.ID }

// Echo is a direct liveness probe that carries the sender's neighbour sets.
type Echo struct {
	Route
	Recipient  types.Node
	Neighbours []types.Node
}

func (m *Echo) Kind() Kind      { return KindEcho }
func (m *Echo) Target() uint64 { return m.Recipient.ID }

// Auth is the authorisation metadata attached to a Put.
type Auth struct {
	Owner      string
	SharingKey []byte
	Signature  []byte
}

// Put asks the node owning Key to reserve Length bytes.
type Put struct {
	Route
	Key    types.Key
	Length uint32
	Auth   Auth
}

func (m *Put) Kind() Kind      { return KindPut }
func (m *Put) Target() uint64 { return m.Key.Target() }

// PutAccept travels back to the Put's origin once a node reserved space.
type PutAccept struct {
	Route
	Key    types.Key
	Length uint32
	Origin uint64
}

func (m *PutAccept) Kind() Kind      { return KindPutAccept }
func (m *PutAccept) Target() uint64 { return m.Origin }

// Get locates the node holding Key. When HasOverride is set the message is
// routed to Override instead of the key's own position.
type Get struct {
	Route
	Key         types.Key
	HasOverride bool
	Override    uint64
}

func (m *Get) Kind() Kind { return KindGet }

func (m *Get) Target() uint64 {
	if m.HasOverride {
		return m.Override
	}
	return m.Key.Target()
}

// GetResult travels back to the Get's origin from the node holding Key.
type GetResult struct {
	Route
	Key    types.Key
	Length uint32
	Origin uint64
}

func (m *GetResult) Kind() Kind      { return KindGetResult }
func (m *GetResult) Target() uint64 { return m.Origin }

// NewPutAccept answers put on behalf of self.
func NewPutAccept(self types.Node, put *Put) (*PutAccept, error) {
	origin, ok := put.Origin()
	if !ok {
		return nil, fmt.Errorf("%w: put without origin", ErrMalformed)
	}
	m := &PutAccept{Key: put.Key, Length: put.Length, Origin: origin.ID}
	m.AddHop(self)
	return m, nil
}

// NewGetResult answers get on behalf of self.
func NewGetResult(self types.Node, get *Get, size uint32) (*GetResult, error) {
	origin, ok := get.Origin()
	if !ok {
		return nil, fmt.Errorf("%w: get without origin", ErrMalformed)
	}
	m := &GetResult{Key: get.Key, Length: size, Origin: origin.ID}
	m.AddHop(self)
	return m, nil
}

// Redirect copies get, keeping its hop list so replies still reach the
// origin, and points it at target.
func (m *Get) Redirect(target uint64) *Get {
	return &Get{
		Route:       m.cloneHops(),
		Key:         m.Key,
		HasOverride: true,
		Override:    target,
	}
}
