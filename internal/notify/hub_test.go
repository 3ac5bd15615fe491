package notify

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"pagewise/internal/auth"
	"pagewise/internal/ingest"
	"pagewise/internal/models"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newServer(t *testing.T, verifier auth.Resolver) (*Hub, string) {
	t.Helper()
	hub := NewHub(verifier, nil, zaptest.NewLogger(t))
	srv := httptest.NewServer(hub)
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
	})
	return hub, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string, hs Handshake) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, conn.WriteJSON(hs))
	return conn
}

func read(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var m Message
	require.NoError(t, conn.ReadJSON(&m))
	return m
}

func job(id string, stage models.JobStage, pct int) models.IngestionJob {
	return models.IngestionJob{JobID: id, DocumentID: "d1", Stage: stage, Percent: pct}
}

func TestFromEvent(t *testing.T) {
	m := FromEvent(ingest.Progress{Job: job("j1", models.StageEmbedding, 40)})
	require.Equal(t, TypeProgress, m.Type)
	require.Equal(t, 40, m.Percent)
	require.Equal(t, "embedding", m.Stage)

	m = FromEvent(ingest.Complete{Job: job("j1", models.StageReady, 100)})
	require.Equal(t, TypeComplete, m.Type)

	m = FromEvent(ingest.Failed{Job: job("j1", models.StageFailed, 25), Reason: "cancelled"})
	require.Equal(t, TypeFailed, m.Type)
	require.Equal(t, "cancelled", m.Error)
}

func TestEventsReachOnlyTheirUser(t *testing.T) {
	hub, url := newServer(t, auth.Header{})
	alice := dial(t, url, Handshake{UserID: "alice"})
	bob := dial(t, url, Handshake{UserID: "bob"})
	require.Equal(t, TypeConnected, read(t, alice).Type)
	require.Equal(t, TypeConnected, read(t, bob).Type)
	require.Eventually(t, func() bool { return hub.Connected("alice") == 1 && hub.Connected("bob") == 1 }, time.Second, 5*time.Millisecond)

	hub.Notify("alice", ingest.Progress{Job: job("j1", models.StageExtracting, 5)})
	hub.Notify("alice", ingest.Progress{Job: job("j1", models.StageChunking, 25)})
	hub.Notify("alice", ingest.Complete{Job: job("j1", models.StageReady, 100)})
	hub.Notify("bob", ingest.Failed{Job: job("j2", models.StageFailed, 5), Reason: "no extractable text"})

	var got []int
	for range 3 {
		m := read(t, alice)
		require.Equal(t, "j1", m.JobID)
		got = append(got, m.Percent)
	}
	require.Equal(t, []int{5, 25, 100}, got)

	m := read(t, bob)
	require.Equal(t, TypeFailed, m.Type)
	require.Equal(t, "j2", m.JobID)
}

func TestHandshakeRejectedWithoutValidToken(t *testing.T) {
	j := auth.NewJWT("s3cret")
	hub, url := newServer(t, j)

	conn := dial(t, url, Handshake{UserID: "alice", Token: "garbage"})
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	require.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation), "got %v", err)
	require.Zero(t, hub.Connected("alice"))

	tok, err := j.Issue("alice", time.Hour)
	require.NoError(t, err)
	ok := dial(t, url, Handshake{UserID: "alice", Token: tok})
	require.Equal(t, TypeConnected, read(t, ok).Type)
}

func TestDisconnectUnregisters(t *testing.T) {
	hub, url := newServer(t, auth.Header{})
	conn := dial(t, url, Handshake{UserID: "alice"})
	read(t, conn)
	require.Eventually(t, func() bool { return hub.Connected("alice") == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return hub.Connected("alice") == 0 }, 2*time.Second, 5*time.Millisecond)
	hub.Notify("alice", ingest.Progress{Job: job("j1", models.StageQueued, 0)})
}
