package push

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"drivegrid/internal/freshness"
)

func wsURL(s *httptest.Server) string {
	return "ws" + strings.TrimPrefix(s.URL, "http")
}

func TestNormalizeKind(t *testing.T) {
	assert.Equal(t, KindReservationJoined, NormalizeKind("reservation:joined"))
	assert.Equal(t, KindReservationLeft, NormalizeKind("Reservation_Left"))
	assert.Equal(t, KindJoinDenied, NormalizeKind(" join.denied "))
}

func TestDecode(t *testing.T) {
	ev, ok := Decode([]byte(`{"event":"reservation-changed","data":{"id":7}}`))
	require.True(t, ok)
	assert.Equal(t, KindReservationChanged, ev.Kind)
	assert.JSONEq(t, `{"id":7}`, string(ev.Data))

	_, ok = Decode([]byte(`{"data":{}}`))
	assert.False(t, ok)
	_, ok = Decode([]byte(`not json`))
	assert.False(t, ok)
}

func TestClientEventsAndReconnect(t *testing.T) {
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	var conns int32
	rooms := make(chan string, 4)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var f Frame
		if err := json.Unmarshal(msg, &f); err == nil {
			rooms <- string(f.Data)
		}

		if atomic.AddInt32(&conns, 1) > 1 {
			// Second session stays open until the client goes away.
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}
		for _, frame := range []string{
			`{"event":"reservation:joined","data":{"id":"1"}}`,
			`{"event":"join_denied"}`,
			`garbage`,
			`{"event":"reservation-changed"}`,
		} {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
				return
			}
		}
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
	}))
	defer srv.Close()

	client := New(wsURL(srv), Options{Room: "calendar", MinBackoff: 10 * time.Millisecond, MaxBackoff: 20 * time.Millisecond})
	events := make(chan Kind, 32)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- client.Run(ctx, func(ev Event) { events <- ev.Kind })
	}()

	want := []Kind{
		KindConnected,
		KindReservationJoined,
		KindJoinDenied,
		KindReservationChanged,
		KindDisconnected,
		KindConnected,
	}
	for i, k := range want {
		select {
		case got := <-events:
			assert.Equal(t, k, got, "event %d", i)
		case <-time.After(3 * time.Second):
			t.Fatalf("timed out waiting for event %d (%s)", i, k)
		}
	}
	assert.JSONEq(t, `{"room":"calendar"}`, <-rooms)
	require.Eventually(t, client.Connected, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not stop")
	}
	assert.False(t, client.Connected())
}

func TestRunRetriesWhenServerIsDown(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	client := New(wsURL(srv), Options{MinBackoff: 5 * time.Millisecond, MaxBackoff: 10 * time.Millisecond})
	var calls int32
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	err := client.Run(ctx, func(Event) { atomic.AddInt32(&calls, 1) })
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Zero(t, atomic.LoadInt32(&calls))
}

type recorder struct {
	mu   sync.Mutex
	reqs []freshness.Request
}

func (r *recorder) Request(req freshness.Request) {
	r.mu.Lock()
	r.reqs = append(r.reqs, req)
	r.mu.Unlock()
}

func TestForward(t *testing.T) {
	rec := &recorder{}
	fwd := Forward(rec)
	for _, k := range []Kind{
		KindConnected,
		KindReservationJoined,
		KindReservationLeft,
		KindReservationChanged,
		KindJoinDenied,
		Kind("typing"),
		KindDisconnected,
	} {
		fwd(Event{Kind: k})
	}

	var reasons []freshness.Reason
	for _, r := range rec.reqs {
		reasons = append(reasons, r.Reason)
	}
	assert.Equal(t, []freshness.Reason{
		freshness.ReasonConnected,
		freshness.ReasonPush,
		freshness.ReasonPush,
		freshness.ReasonPush,
		freshness.ReasonDisconnected,
	}, reasons)
}
