package transport_test

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/veer-debug/chat-with-me/pkg/transport"
)

// --- Test Suite Setup ---

func newTestLogger() *slog.Logger {
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError + 1})
	return slog.New(handler)
}

// newSocketPair dials a real websocket against an httptest server and
// returns both ends.
func newSocketPair(t *testing.T) (server, client *websocket.Conn) {
	t.Helper()

	serverCh := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		serverCh <- c
	}))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	t.Cleanup(func() { _ = client.CloseNow() })

	select {
	case server = <-serverCh:
	case <-ctx.Done():
		t.Fatal("server never accepted the connection")
	}
	return server, client
}

func testConfig() transport.ConnectionConfig {
	return transport.ConnectionConfig{
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		PingInterval: time.Minute,
		SendBuffer:   16,
	}
}

func newTestConnection(t *testing.T, wg *sync.WaitGroup, cfg transport.ConnectionConfig) (*transport.Connection, *websocket.Conn) {
	t.Helper()
	serverWS, clientWS := newSocketPair(t)
	return transport.NewConnection(context.Background(), wg, serverWS, cfg, newTestLogger()), clientWS
}

// --- Tests ---

func TestRoundTrip(t *testing.T) {
	var wg sync.WaitGroup
	conn, clientWS := newTestConnection(t, &wg, testConfig())

	inbound := make(chan []byte, 1)
	conn.SetOnMessageHandler(func(_ context.Context, _ uuid.UUID, msg []byte) {
		inbound <- msg
	})
	conn.Run()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Client -> handler.
	if err := clientWS.Write(ctx, websocket.MessageText, []byte("hello")); err != nil {
		t.Fatalf("client write failed: %v", err)
	}
	select {
	case msg := <-inbound:
		if string(msg) != "hello" {
			t.Errorf("Expected inbound %q, got %q", "hello", msg)
		}
	case <-ctx.Done():
		t.Fatal("message handler never invoked")
	}

	// Send -> client.
	conn.Send([]byte("world"))
	_, data, err := clientWS.Read(ctx)
	if err != nil {
		t.Fatalf("client read failed: %v", err)
	}
	if string(data) != "world" {
		t.Errorf("Expected outbound %q, got %q", "world", data)
	}

	conn.Close(nil)
	<-conn.Done()
	wg.Wait()
}

// A broadcast can race a disconnect: the room still lists the member when
// its transport starts closing, so Send must keep being safe after Close
// and drop the payload instead of panicking.
func TestSendAfterCloseDropsMessage(t *testing.T) {
	var wg sync.WaitGroup
	conn, _ := newTestConnection(t, &wg, testConfig())
	conn.Run()

	conn.Close(nil)
	for i := 0; i < 100; i++ {
		conn.Send([]byte("late broadcast"))
	}

	<-conn.Done()
	wg.Wait()
}

func TestSendConcurrentWithClose(t *testing.T) {
	var wg sync.WaitGroup
	conn, _ := newTestConnection(t, &wg, testConfig())
	conn.Run()

	var senders sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < 8; i++ {
		senders.Add(1)
		go func() {
			defer senders.Done()
			<-start
			for n := 0; n < 200; n++ {
				conn.Send([]byte("racing broadcast"))
			}
		}()
	}
	close(start)
	conn.Close(nil)
	senders.Wait()

	<-conn.Done()
	wg.Wait()
}

func TestSendNeverBlocksWhenBufferFull(t *testing.T) {
	var wg sync.WaitGroup
	cfg := testConfig()
	cfg.SendBuffer = 2
	// Pumps never started, so nothing drains the buffer.
	conn, _ := newTestConnection(t, &wg, cfg)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 50; i++ {
			conn.Send([]byte("overflow"))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Send blocked on a full buffer")
	}

	conn.Close(nil)
	wg.Wait()
}

func TestCloseFiresOnCloseExactlyOnce(t *testing.T) {
	var wg sync.WaitGroup
	conn, _ := newTestConnection(t, &wg, testConfig())

	var calls atomic.Int32
	var closedID uuid.UUID
	conn.SetOnCloseHandler(func(id uuid.UUID, _ error) {
		closedID = id
		calls.Add(1)
	})
	conn.Run()

	// Explicit close plus the pump teardown it triggers must collapse to
	// one OnClose invocation.
	conn.Close(nil)
	conn.Close(nil)
	<-conn.Done()
	wg.Wait()

	if got := calls.Load(); got != 1 {
		t.Fatalf("Expected exactly 1 OnClose invocation, got %d", got)
	}
	if closedID != conn.ID() {
		t.Errorf("OnClose reported ID %s, want %s", closedID, conn.ID())
	}
}

func TestPeerDisconnectTriggersOnClose(t *testing.T) {
	var wg sync.WaitGroup
	conn, clientWS := newTestConnection(t, &wg, testConfig())

	var calls atomic.Int32
	conn.SetOnCloseHandler(func(uuid.UUID, error) { calls.Add(1) })
	conn.Run()

	_ = clientWS.Close(websocket.StatusNormalClosure, "bye")

	select {
	case <-conn.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("connection never observed the peer disconnect")
	}
	wg.Wait()
	if got := calls.Load(); got != 1 {
		t.Fatalf("Expected exactly 1 OnClose invocation, got %d", got)
	}
}
