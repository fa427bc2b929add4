package app

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	gosync "sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/require"

	"github.com/notedeck/notedeck/internal/pool"
	"github.com/notedeck/notedeck/internal/store"
	"github.com/notedeck/notedeck/internal/timeline"
	"github.com/notedeck/notedeck/internal/unknowns"
)

const (
	pkA      = "379e863e8357163b5bce5d2688dc4f1dcc2d505222fb8d74db600f30535dfdfe"
	relayURL = "wss://app.example.com"
)

type scriptConn struct {
	mu      gosync.Mutex
	writes  []string
	inbound chan string
	closed  bool
}

func newScriptConn() *scriptConn { return &scriptConn{inbound: make(chan string, 64)} }

func (c *scriptConn) serve(frame string) { c.inbound <- frame }

func (c *scriptConn) ReadMessage() (int, []byte, error) {
	frame, ok := <-c.inbound
	if !ok {
		return 0, nil, &websocket.CloseError{Code: websocket.CloseNormalClosure}
	}
	return websocket.TextMessage, []byte(frame), nil
}

func (c *scriptConn) WriteMessage(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writes = append(c.writes, string(data))
	return nil
}

func (c *scriptConn) WriteControl(messageType int, data []byte, deadline time.Time) error {
	return nil
}

func (c *scriptConn) SetPingHandler(h func(appData string) error) {}

func (c *scriptConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.inbound)
	}
	return nil
}

func (c *scriptConn) sentFrames() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.writes))
	copy(out, c.writes)
	return out
}

func newTestApp(t *testing.T) (*App, *scriptConn) {
	t.Helper()
	conn := newScriptConn()
	p := pool.NewRelayPoolWithDialer(func(ctx context.Context, url string) (pool.Conn, error) {
		return conn, nil
	})
	a := New(store.New(), p)

	require.NoError(t, p.AddURL(relayURL))
	require.Eventually(t, func() bool {
		a.Frame()
		return len(p.ConnectedURLs()) == 1
	}, 2*time.Second, time.Millisecond)
	return a, conn
}

func eventFrame(t *testing.T, subID string, evt nostr.Event) string {
	t.Helper()
	if evt.Sig == "" {
		evt.Sig = fmt.Sprintf("%0128x", 1)
	}
	raw, err := json.Marshal(evt)
	require.NoError(t, err)
	return fmt.Sprintf(`["EVENT",%q,%s]`, subID, raw)
}

// serveAndFrame injects a frame and runs frames until the transport has
// delivered it.
func serveAndFrame(t *testing.T, a *App, conn *scriptConn, frame string, settled func() bool) {
	t.Helper()
	conn.serve(frame)
	require.Eventually(t, func() bool {
		a.Frame()
		return settled()
	}, 2*time.Second, time.Millisecond)
}

func TestEventFlowsIntoTimeline(t *testing.T) {
	a, conn := newTestApp(t)

	tl, err := a.Timelines.Open(timeline.Profile(pkA))
	require.NoError(t, err)

	evt := nostr.Event{
		ID:        fmt.Sprintf("%064x", 1),
		PubKey:    pkA,
		CreatedAt: 100,
		Kind:      1,
		Content:   "over the wire",
	}
	serveAndFrame(t, a, conn, eventFrame(t, tl.Sub.Unified().Remote, evt), func() bool {
		return len(tl.View(timeline.ViewNotesAndReplies).Notes) == 1
	})

	require.Equal(t, store.NoteRef{Key: 1, CreatedAt: 100}, tl.View(timeline.ViewNotesAndReplies).Notes[0])
}

func TestUndecodableFrameIsDropped(t *testing.T) {
	a, conn := newTestApp(t)

	conn.serve(`["AUTH","challenge"]`)
	conn.serve("garbage")

	// the loop keeps running; subsequent valid frames still land
	tl, err := a.Timelines.Open(timeline.Profile(pkA))
	require.NoError(t, err)

	evt := nostr.Event{
		ID:        fmt.Sprintf("%064x", 2),
		PubKey:    pkA,
		CreatedAt: 200,
		Kind:      1,
		Content:   "still alive",
	}
	serveAndFrame(t, a, conn, eventFrame(t, "whatever", evt), func() bool {
		return len(tl.View(timeline.ViewNotesAndReplies).Notes) == 1
	})
}

func TestUnknownIdFetchGoesOut(t *testing.T) {
	a, conn := newTestApp(t)

	tl, err := a.Timelines.Open(timeline.Profile(pkA))
	require.NoError(t, err)

	// a note referencing an unknown parent
	missing := fmt.Sprintf("%064x", 99)
	evt := nostr.Event{
		ID:        fmt.Sprintf("%064x", 3),
		PubKey:    pkA,
		CreatedAt: 300,
		Kind:      1,
		Tags:      nostr.Tags{{"e", missing, "", "root"}},
		Content:   "replying to something you don't have",
	}
	serveAndFrame(t, a, conn, eventFrame(t, tl.Sub.Unified().Remote, evt), func() bool {
		return len(tl.View(timeline.ViewNotesAndReplies).Notes) == 1
	})

	// the debounced batch REQ for the missing refs reaches the relay
	// (allow for the 2s quiescence window)
	require.Eventually(t, func() bool {
		a.Frame()
		for _, f := range conn.sentFrames() {
			if strings.HasPrefix(f, `["REQ",`) && strings.Contains(f, missing) {
				return true
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond)

	require.Zero(t, a.Unknowns.Len(), "tracker cleared after the batch went out")
}

func TestResolvedIdRemovedOnIngest(t *testing.T) {
	a, conn := newTestApp(t)

	tl, err := a.Timelines.Open(timeline.Profile(pkA))
	require.NoError(t, err)

	missing := fmt.Sprintf("%064x", 42)
	evt := nostr.Event{
		ID:        fmt.Sprintf("%064x", 4),
		PubKey:    pkA,
		CreatedAt: 400,
		Kind:      1,
		Tags:      nostr.Tags{{"e", missing, "", "root"}},
		Content:   "orphan",
	}
	serveAndFrame(t, a, conn, eventFrame(t, tl.Sub.Unified().Remote, evt), func() bool {
		return len(tl.View(timeline.ViewNotesAndReplies).Notes) == 1
	})

	// the parent arrives before any flush: its id leaves the tracker
	// within one frame of ingest
	parent := nostr.Event{
		ID:        missing,
		PubKey:    pkA,
		CreatedAt: 50,
		Kind:      1,
		Content:   "the missing parent",
	}
	serveAndFrame(t, a, conn, eventFrame(t, "other", parent), func() bool {
		txn := a.Store.BeginReadTxn()
		defer txn.Release()
		_, _, err := a.Store.GetNoteByID(txn, missing)
		return err == nil
	})

	require.False(t, a.Unknowns.Contains(unknowns.UnknownID{Kind: unknowns.KindNote, Value: missing}),
		"resolved id leaves the tracker on ingest")
}
