package protocol

import (
	"errors"
	"net/netip"
	"testing"

	"github.com/busybox42/aegis-overlay/pkg/types"
	"github.com/stretchr/testify/require"
)

func testNode(id uint64, addr string) types.Node {
	return types.Node{ID: id, Addr: netip.MustParseAddrPort(addr)}
}

func testKey(lead byte) types.Key {
	var k types.Key
	for i := range k {
		k[i] = lead + byte(i)
	}
	return k
}

func TestEncodeDecode(t *testing.T) {
	a := testNode(100, "127.0.0.1:8000")
	b := testNode(200, "[::1]:8001")

	tests := []struct {
		name string
		msg  Message
	}{
		{
			name: "Join",
			msg:  &Join{Route: Route{HopList: []types.Node{a}}, Joiner: b},
		},
		{
			name: "Echo",
			msg:  &Echo{Route: Route{HopList: []types.Node{a}}, Recipient: b, Neighbours: []types.Node{a, b}},
		},
		{
			name: "Put with auth",
			msg: &Put{
				Route:  Route{HopList: []types.Node{a, b, a}},
				Key:    testKey(1),
				Length: 1024,
				Auth:   Auth{Owner: "alice", SharingKey: []byte{1, 2, 3}, Signature: []byte{4, 5}},
			},
		},
		{
			name: "PutAccept",
			msg:  &PutAccept{Route: Route{HopList: []types.Node{b}}, Key: testKey(2), Length: 99, Origin: a.ID},
		},
		{
			name: "Get",
			msg:  &Get{Route: Route{HopList: []types.Node{a}}, Key: testKey(3)},
		},
		{
			name: "Get with override",
			msg:  &Get{Route: Route{HopList: []types.Node{a}}, Key: testKey(3), HasOverride: true, Override: 12345},
		},
		{
			name: "GetResult",
			msg:  &GetResult{Route: Route{HopList: []types.Node{b}}, Key: testKey(4), Length: 7, Origin: a.ID},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := Encode(tt.msg)
			require.NoError(t, err)
			require.Equal(t, byte(tt.msg.Kind()), data[0])

			decoded, err := Decode(data)
			require.NoError(t, err)
			require.Equal(t, tt.msg.Kind(), decoded.Kind())
			require.Equal(t, tt.msg.Target(), decoded.Target())
			require.Equal(t, tt.msg.Hops(), decoded.Hops())
		})
	}
}

func TestPutAuthSurvivesDecode(t *testing.T) {
	put := &Put{
		Route:  Route{HopList: []types.Node{testNode(1, "10.0.0.1:1")}},
		Key:    testKey(9),
		Length: 4096,
		Auth:   Auth{Owner: "bob", SharingKey: []byte("pk"), Signature: []byte("sig")},
	}

	data, err := Encode(put)
	require.NoError(t, err)

	decoded, err := Decode(data)
	require.NoError(t, err)

	got, ok := decoded.(*Put)
	require.True(t, ok, "expected *Put, got %T", decoded)
	require.Equal(t, put.Key, got.Key)
	require.Equal(t, put.Length, got.Length)
	require.Equal(t, put.Auth, got.Auth)
}

func TestTargets(t *testing.T) {
	origin := testNode(77, "127.0.0.1:7000")
	key := testKey(0x10)

	put := &Put{Key: key}
	put.AddHop(origin)
	require.Equal(t, key.Target(), put.Target())

	accept, err := NewPutAccept(testNode(5, "127.0.0.1:5000"), put)
	require.NoError(t, err)
	require.Equal(t, origin.ID, accept.Target())
	require.Equal(t, uint64(5), accept.Hops()[0].ID)

	get := &Get{Key: key}
	get.AddHop(origin)
	require.Equal(t, key.Target(), get.Target())

	redirect := get.Redirect(42)
	require.Equal(t, uint64(42), redirect.Target())
	require.Equal(t, get.Hops(), redirect.Hops())

	redirect.AddHop(testNode(6, "127.0.0.1:6000"))
	require.Len(t, get.Hops(), 1, "redirect must not share the hop slice")

	result, err := NewGetResult(testNode(5, "127.0.0.1:5000"), get, 10)
	require.NoError(t, err)
	require.Equal(t, origin.ID, result.Target())

	_, err = NewPutAccept(origin, &Put{Key: key})
	require.ErrorIs(t, err, ErrMalformed)
}

func TestDecodeMalformed(t *testing.T) {
	valid, err := Encode(&GetResult{Route: Route{HopList: []types.Node{testNode(1, "127.0.0.1:1")}}, Key: testKey(1)})
	require.NoError(t, err)

	hugeHops := []byte{byte(KindJoin), 0xff, 0xff, 0xff, 0xff}

	badFlag := mustEncode(t, &Get{Key: testKey(1)})
	badFlag[len(badFlag)-1] = 7

	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"unknown kind", []byte{42, 0, 0, 0, 0}},
		{"truncated", valid[:len(valid)-3]},
		{"trailing bytes", append(append([]byte(nil), valid...), 0)},
		{"hop count over limit", hugeHops},
		{"bad override flag", badFlag},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.data)
			if !errors.Is(err, ErrMalformed) {
				t.Errorf("Expected ErrMalformed, got %v", err)
			}
		})
	}
}

func TestDecodeBadIdentity(t *testing.T) {
	data := mustEncode(t, &Join{Joiner: testNode(1, "127.0.0.1:1")})
	// family byte of the joiner: kind(1) + hop count(4) + id(8)
	data[13] = 9

	_, err := Decode(data)
	require.ErrorIs(t, err, ErrMalformed)
	require.ErrorIs(t, err, types.ErrParse)
}

func mustEncode(t *testing.T, m Message) []byte {
	t.Helper()
	data, err := Encode(m)
	require.NoError(t, err)
	return data
}
