package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/busybox42/aegis-overlay/pkg/types"
)

const (
	// MaxHops bounds the hop list accepted from the wire.
	MaxHops = 1024
	// MaxEchoNeighbours bounds the neighbour list carried by an Echo.
	MaxEchoNeighbours = 1024
	// MaxAuthField bounds each length-prefixed Put auth field.
	MaxAuthField = 4096
)

// ErrMalformed is returned for any frame that cannot be decoded.
var ErrMalformed = errors.New("malformed message")

// Encode serialises m: kind tag, hop list, then the kind-specific fields.
func Encode(m Message) ([]byte, error) {
	buf := new(bytes.Buffer)

	buf.WriteByte(byte(m.Kind()))
	if err := writeNodes(buf, m.Hops()); err != nil {
		return nil, fmt.Errorf("failed to write hop list: %w", err)
	}

	switch msg := m.(type) {
	case *Join:
		writeNode(buf, msg.Joiner)
	case *Echo:
		writeNode(buf, msg.Recipient)
		if err := writeNodes(buf, msg.Neighbours); err != nil {
			return nil, fmt.Errorf("failed to write neighbours: %w", err)
		}
	case *Put:
		buf.Write(msg.Key[:])
		binary.Write(buf, binary.BigEndian, msg.Length)
		for _, field := range [][]byte{[]byte(msg.Auth.Owner), msg.Auth.SharingKey, msg.Auth.Signature} {
			if err := writeBytes(buf, field); err != nil {
				return nil, fmt.Errorf("failed to write auth metadata: %w", err)
			}
		}
	case *PutAccept:
		buf.Write(msg.Key[:])
		binary.Write(buf, binary.BigEndian, msg.Length)
		binary.Write(buf, binary.BigEndian, msg.Origin)
	case *Get:
		buf.Write(msg.Key[:])
		if msg.HasOverride {
			buf.WriteByte(1)
			binary.Write(buf, binary.BigEndian, msg.Override)
		} else {
			buf.WriteByte(0)
		}
	case *GetResult:
		buf.Write(msg.Key[:])
		binary.Write(buf, binary.BigEndian, msg.Length)
		binary.Write(buf, binary.BigEndian, msg.Origin)
	default:
		return nil, fmt.Errorf("unsupported message type %T", m)
	}

	return buf.Bytes(), nil
}

// Decode parses one frame produced by Encode. Every failure wraps
// ErrMalformed.
func Decode(data []byte) (Message, error) {
	msg, err := decode(&reader{data: data})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	return msg, nil
}

func decode(r *reader) (Message, error) {
	tag, err := r.byte()
	if err != nil {
		return nil, fmt.Errorf("failed to read kind: %w", err)
	}
	hops, err := r.nodes(MaxHops)
	if err != nil {
		return nil, fmt.Errorf("failed to read hop list: %w", err)
	}
	route := Route{HopList: hops}

	var msg Message
	switch Kind(tag) {
	case KindJoin:
		joiner, err := r.node()
		if err != nil {
			return nil, fmt.Errorf("failed to read joiner: %w", err)
		}
		msg = &Join{Route: route, Joiner: joiner}

	case KindEcho:
		recipient, err := r.node()
		if err != nil {
			return nil, fmt.Errorf("failed to read recipient: %w", err)
		}
		neighbours, err := r.nodes(MaxEchoNeighbours)
		if err != nil {
			return nil, fmt.Errorf("failed to read neighbours: %w", err)
		}
		msg = &Echo{Route: route, Recipient: recipient, Neighbours: neighbours}

	case KindPut:
		m := &Put{Route: route}
		if err := r.key(&m.Key); err != nil {
			return nil, err
		}
		if m.Length, err = r.uint32(); err != nil {
			return nil, fmt.Errorf("failed to read length: %w", err)
		}
		owner, err := r.bytes(MaxAuthField)
		if err != nil {
			return nil, fmt.Errorf("failed to read owner: %w", err)
		}
		m.Auth.Owner = string(owner)
		if m.Auth.SharingKey, err = r.bytes(MaxAuthField); err != nil {
			return nil, fmt.Errorf("failed to read sharing key: %w", err)
		}
		if m.Auth.Signature, err = r.bytes(MaxAuthField); err != nil {
			return nil, fmt.Errorf("failed to read signature: %w", err)
		}
		msg = m

	case KindPutAccept:
		m := &PutAccept{Route: route}
		if err := r.key(&m.Key); err != nil {
			return nil, err
		}
		if m.Length, err = r.uint32(); err != nil {
			return nil, fmt.Errorf("failed to read length: %w", err)
		}
		if m.Origin, err = r.uint64(); err != nil {
			return nil, fmt.Errorf("failed to read origin: %w", err)
		}
		msg = m

	case KindGet:
		m := &Get{Route: route}
		if err := r.key(&m.Key); err != nil {
			return nil, err
		}
		flag, err := r.byte()
		if err != nil {
			return nil, fmt.Errorf("failed to read override flag: %w", err)
		}
		switch flag {
		case 0:
		case 1:
			m.HasOverride = true
			if m.Override, err = r.uint64(); err != nil {
				return nil, fmt.Errorf("failed to read override target: %w", err)
			}
		default:
			return nil, fmt.Errorf("invalid override flag %d", flag)
		}
		msg = m

	case KindGetResult:
		m := &GetResult{Route: route}
		if err := r.key(&m.Key); err != nil {
			return nil, err
		}
		if m.Length, err = r.uint32(); err != nil {
			return nil, fmt.Errorf("failed to read length: %w", err)
		}
		if m.Origin, err = r.uint64(); err != nil {
			return nil, fmt.Errorf("failed to read origin: %w", err)
		}
		msg = m

	default:
		return nil, fmt.Errorf("unknown message kind %d", tag)
	}

	if len(r.data) != 0 {
		return nil, fmt.Errorf("%d trailing bytes", len(r.data))
	}
	return msg, nil
}

func writeNode(buf *bytes.Buffer, n types.Node) {
	buf.Write(n.AppendBinary(nil))
}

func writeNodes(buf *bytes.Buffer, nodes []types.Node) error {
	if len(nodes) > MaxHops {
		return fmt.Errorf("%d nodes exceeds limit of %d", len(nodes), MaxHops)
	}
	binary.Write(buf, binary.BigEndian, uint32(len(nodes)))
	for _, n := range nodes {
		writeNode(buf, n)
	}
	return nil
}

func writeBytes(buf *bytes.Buffer, b []byte) error {
	if len(b) > MaxAuthField {
		return fmt.Errorf("field of %d bytes exceeds limit of %d", len(b), MaxAuthField)
	}
	binary.Write(buf, binary.BigEndian, uint32(len(b)))
	buf.Write(b)
	return nil
}

type reader struct {
	data []byte
}

func (r *reader) take(n int) ([]byte, error) {
	if len(r.data) < n {
		return nil, io.ErrUnexpectedEOF
	}
	b := r.data[:n]
	r.data = r.data[n:]
	return b, nil
}

func (r *reader) byte() (byte, error) {
	b, err := r.take(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *reader) uint32() (uint32, error) {
	b, err := r.take(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

func (r *reader) uint64() (uint64, error) {
	b, err := r.take(8)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b), nil
}

func (r *reader) key(k *types.Key) error {
	b, err := r.take(types.KeySize)
	if err != nil {
		return fmt.Errorf("failed to read key: %w", err)
	}
	copy(k[:], b)
	return nil
}

func (r *reader) bytes(limit int) ([]byte, error) {
	n, err := r.uint32()
	if err != nil {
		return nil, err
	}
	if n > uint32(limit) {
		return nil, fmt.Errorf("length %d exceeds limit of %d", n, limit)
	}
	b, err := r.take(int(n))
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), b...), nil
}

func (r *reader) node() (types.Node, error) {
	n, rest, err := types.DecodeNode(r.data)
	if err != nil {
		return types.Node{}, err
	}
	r.data = rest
	return n, nil
}

func (r *reader) nodes(limit int) ([]types.Node, error) {
	count, err := r.uint32()
	if err != nil {
		return nil, err
	}
	if count > uint32(limit) {
		return nil, fmt.Errorf("count %d exceeds limit of %d", count, limit)
	}
	nodes := make([]types.Node, 0, count)
	for i := uint32(0); i < count; i++ {
		n, err := r.node()
		if err != nil {
			return nil, fmt.Errorf("node %d: %w", i, err)
		}
		nodes = append(nodes, n)
	}
	return nodes, nil
}
