package types

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
)

const (
	familyIPv4 = 4
	familyIPv6 = 6
)

// ErrParse is returned when an identity cannot be decoded from the wire.
var ErrParse = errors.New("parse error")

// Node identifies an overlay participant: its position on the id line and
// the endpoint it can be reached at.
type Node struct {
	ID   uint64
	Addr netip.AddrPort
}

// NewNode returns a node with a freshly minted random id.
func NewNode(addr netip.AddrPort) Node {
	return Node{ID: RandomID(), Addr: addr}
}

// RandomID draws a uniformly random position on the id line.
func RandomID() uint64 {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(fmt.Sprintf("types: reading random id: %v", err))
	}
	return binary.BigEndian.Uint64(b[:])
}

// Distance is the plain absolute difference between two ids. It does not
// wrap around the ends of the id line.
func Distance(a, b uint64) uint64 {
	if a > b {
		return a - b
	}
	return b - a
}

// Distance returns the distance from n to target.
func (n Node) Distance(target uint64) uint64 {
	return Distance(n.ID, target)
}

// WithFreshID keeps the endpoint and draws a new id. Used after a join
// collision or a join timeout.
func (n Node) WithFreshID() Node {
	id := RandomID()
	for id == n.ID {
		id = RandomID()
	}
	return Node{ID: id, Addr: n.Addr}
}

// TCPAddr converts the endpoint for use with the net package.
func (n Node) TCPAddr() *net.TCPAddr {
	return net.TCPAddrFromAddrPort(n.Addr)
}

func (n Node) String() string {
	return fmt.Sprintf("%d@%s", n.ID, n.Addr)
}

// EncodedLen is the number of bytes AppendBinary writes for n.
func (n Node) EncodedLen() int {
	if n.Addr.Addr().Unmap().Is4() {
		return 8 + 1 + 4 + 4
	}
	return 8 + 1 + 16 + 4
}

// AppendBinary appends the wire encoding of n: 8-byte id, 1-byte address
// family, 4 or 16 address bytes, 4-byte port.
func (n Node) AppendBinary(b []byte) []byte {
	b = binary.BigEndian.AppendUint64(b, n.ID)
	ip := n.Addr.Addr().Unmap()
	if ip.Is4() {
		a := ip.As4()
		b = append(b, familyIPv4)
		b = append(b, a[:]...)
	} else {
		a := ip.As16()
		b = append(b, familyIPv6)
		b = append(b, a[:]...)
	}
	return binary.BigEndian.AppendUint32(b, uint32(n.Addr.Port()))
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (n Node) MarshalBinary() ([]byte, error) {
	return n.AppendBinary(make([]byte, 0, n.EncodedLen())), nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler. The buffer must
// hold exactly one identity.
func (n *Node) UnmarshalBinary(data []byte) error {
	decoded, rest, err := DecodeNode(data)
	if err != nil {
		return err
	}
	if len(rest) != 0 {
		return fmt.Errorf("%w: %d trailing bytes after node", ErrParse, len(rest))
	}
	*n = decoded
	return nil
}

// DecodeNode reads one identity from the front of data and returns the
// remaining bytes.
func DecodeNode(data []byte) (Node, []byte, error) {
	if len(data) < 9 {
		return Node{}, nil, fmt.Errorf("%w: node header: %w", ErrParse, io.ErrUnexpectedEOF)
	}
	id := binary.BigEndian.Uint64(data[:8])
	family := data[8]
	data = data[9:]

	var ip netip.Addr
	switch family {
	case familyIPv4:
		if len(data) < 4 {
			return Node{}, nil, fmt.Errorf("%w: ipv4 address: %w", ErrParse, io.ErrUnexpectedEOF)
		}
		ip = netip.AddrFrom4([4]byte(data[:4]))
		data = data[4:]
	case familyIPv6:
		if len(data) < 16 {
			return Node{}, nil, fmt.Errorf("%w: ipv6 address: %w", ErrParse, io.ErrUnexpectedEOF)
		}
		ip = netip.AddrFrom16([16]byte(data[:16]))
		data = data[16:]
	default:
		return Node{}, nil, fmt.Errorf("%w: unknown address family %d", ErrParse, family)
	}

	if len(data) < 4 {
		return Node{}, nil, fmt.Errorf("%w: port: %w", ErrParse, io.ErrUnexpectedEOF)
	}
	port := binary.BigEndian.Uint32(data[:4])
	if port > 0xffff {
		return Node{}, nil, fmt.Errorf("%w: port %d out of range", ErrParse, port)
	}

	return Node{ID: id, Addr: netip.AddrPortFrom(ip, uint16(port))}, data[4:], nil
}
