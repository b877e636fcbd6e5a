package observer

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voxelrtp/internal/observerproto"
	"voxelrtp/internal/rtp"
)

func newTestServer(t *testing.T) (*Server, string) {
	t.Helper()
	s := NewServer(func() observerproto.BootstrapResponse {
		return observerproto.BootstrapResponse{
			RTPWorld: "OVERWORLD",
			Worlds:   []observerproto.WorldParams{{ID: "OVERWORLD", Height: 128}},
		}
	}, zerolog.Nop())
	mux := http.NewServeMux()
	mux.HandleFunc("/bootstrap", s.BootstrapHandler())
	mux.HandleFunc("/ws", s.WSHandler())
	hs := httptest.NewServer(mux)
	t.Cleanup(hs.Close)
	return s, hs.URL
}

func subscribe(t *testing.T, base string, sub observerproto.SubscribeMsg) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(base, "http")+"/ws", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	sub.Type = observerproto.TypeSubscribe
	sub.ProtocolVersion = observerproto.Version
	require.NoError(t, conn.WriteJSON(sub))

	var ack observerproto.SubscribedMsg
	readFrame(t, conn, &ack)
	require.Equal(t, observerproto.TypeSubscribed, ack.Type)
	require.NotEmpty(t, ack.SessionID)
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, b, err := conn.ReadMessage()
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(b, v))
}

func TestServer_BroadcastsMatchingOutcomes(t *testing.T) {
	s, base := newTestServer(t)
	all := subscribe(t, base, observerproto.SubscribeMsg{})
	desert := subscribe(t, base, observerproto.SubscribeMsg{Worlds: []string{"DESERT"}, Outcomes: []string{"not_found"}})
	require.Eventually(t, func() bool { return s.Subscribers() == 2 }, 2*time.Second, 5*time.Millisecond)

	pos := [3]int{1, 2, 3}
	require.NoError(t, s.RecordOutcome(rtp.Record{Time: time.Unix(0, 0), ActorID: "a1", WorldID: "OVERWORLD", Outcome: "SUCCESS", Pos: &pos}))
	require.NoError(t, s.RecordOutcome(rtp.Record{Time: time.Unix(1, 0), ActorID: "a2", WorldID: "DESERT", Outcome: "NOT_FOUND", Attempts: 50}))

	var m observerproto.OutcomeMsg
	readFrame(t, all, &m)
	assert.Equal(t, "a1", m.ActorID)
	require.NotNil(t, m.Pos)
	assert.Equal(t, pos, *m.Pos)
	readFrame(t, all, &m)
	assert.Equal(t, "a2", m.ActorID)

	readFrame(t, desert, &m)
	assert.Equal(t, observerproto.TypeOutcome, m.Type)
	assert.Equal(t, "a2", m.ActorID)
	assert.Equal(t, 50, m.Attempts)
}

func TestServer_UnsubscribesOnClose(t *testing.T) {
	s, base := newTestServer(t)
	conn := subscribe(t, base, observerproto.SubscribeMsg{})
	require.Eventually(t, func() bool { return s.Subscribers() == 1 }, 2*time.Second, 5*time.Millisecond)
	_ = conn.Close()
	require.Eventually(t, func() bool { return s.Subscribers() == 0 }, 2*time.Second, 5*time.Millisecond)
	assert.NoError(t, s.RecordOutcome(rtp.Record{ActorID: "nobody"}))
}

func TestServer_Bootstrap(t *testing.T) {
	_, base := newTestServer(t)
	resp, err := http.Get(base + "/bootstrap")
	require.NoError(t, err)
	defer resp.Body.Close()
	var b observerproto.BootstrapResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&b))
	assert.Equal(t, observerproto.Version, b.ProtocolVersion)
	assert.Equal(t, "OVERWORLD", b.RTPWorld)
	require.Len(t, b.Worlds, 1)
}

func TestFilter_Match(t *testing.T) {
	f, ok := parseSubscribe([]byte(`{"type":"SUBSCRIBE","protocol_version":"0.1","worlds":["A"],"outcomes":["success"]}`))
	require.True(t, ok)
	assert.True(t, f.match("A", "SUCCESS"))
	assert.False(t, f.match("B", "SUCCESS"))
	assert.False(t, f.match("A", "NOT_FOUND"))

	_, ok = parseSubscribe([]byte(`{"type":"HELLO"}`))
	assert.False(t, ok)
}
