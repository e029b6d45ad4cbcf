package network

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/automoto/grabsync/config"
	"github.com/automoto/grabsync/shared/messages"
	"github.com/automoto/grabsync/shared/netconfig"
	"github.com/automoto/grabsync/shared/protocol"
)

var quiet = log.New(io.Discard, "", 0)

// fakeAuthority answers the handshake, grants the first grab it sees and
// reports every reliable packet it receives.
func fakeAuthority(t *testing.T, reject string) (*httptest.Server, chan []byte) {
	t.Helper()
	received := make(chan []byte, 16)
	codec := protocol.NewCodec(512, 20)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()
		ctx := r.Context()

		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		ctrl, err := messages.Decode(data)
		if err != nil || ctrl.Hello == nil {
			return
		}
		reply := messages.Control{Welcome: &messages.Welcome{
			ParticipantID:  5,
			SessionName:    "fake",
			TickRate:       30,
			ReconnectToken: "token-" + ctrl.Hello.DisplayName,
			Objects: []messages.ObjectInfo{
				{ID: 7, Name: "mug", Rotation: [4]float64{0, 0, 0, 1}, AtRest: true},
			},
		}}
		if reject != "" {
			reply = messages.Control{Rejected: &messages.Rejected{Reason: reject}}
		}
		frame, _ := messages.Encode(reply)
		if err := conn.Write(ctx, websocket.MessageBinary, frame); err != nil {
			return
		}

		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			received <- data
			rd, err := codec.NewReader(data)
			if err != nil {
				continue
			}
			for rd.More() {
				m, err := rd.Next()
				if err != nil {
					break
				}
				if req, ok := m.(protocol.GrabRequest); ok {
					out := protocol.Pack(codec, protocol.Header{}, 1200, []protocol.Message{
						protocol.GrabGrant{ObjectID: req.ObjectID, Owner: req.Requester},
					})
					_ = conn.Write(ctx, websocket.MessageBinary, out[0])
				}
			}
		}
	}))
	return srv, received
}

func TestClientJoinAndGrab(t *testing.T) {
	srv, received := fakeAuthority(t, "")
	defer srv.Close()

	c := NewClient(config.DefaultReplication(), quiet)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := c.Connect(ctx, strings.TrimPrefix(srv.URL, "http://"), messages.Hello{DisplayName: "ann"}); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Disconnect()

	if c.State() != StateJoined || c.ParticipantID() != 5 || c.ReconnectToken() != "token-ann" {
		t.Fatalf("state %s id %d token %q", c.State(), c.ParticipantID(), c.ReconnectToken())
	}
	session := c.Session()
	if ids := session.Objects(); len(ids) != 1 || ids[0] != 7 {
		t.Fatalf("objects = %v", ids)
	}

	if err := session.RequestGrab(7); err != nil {
		t.Fatal(err)
	}
	session.Tick(16 * time.Millisecond)

	select {
	case <-received:
	case <-time.After(5 * time.Second):
		t.Fatal("grab request never reached the server")
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		session.Tick(16 * time.Millisecond)
		if st, _, _ := session.Ownership(7); st == netconfig.OwnedSelf {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	st, _, _ := session.Ownership(7)
	t.Fatalf("state = %s, want OwnedSelf", st)
}

func TestClientRejected(t *testing.T) {
	srv, _ := fakeAuthority(t, "session full")
	defer srv.Close()

	c := NewClient(config.DefaultReplication(), quiet)
	err := c.Connect(context.Background(), strings.TrimPrefix(srv.URL, "http://"), messages.Hello{})
	if !errors.Is(err, ErrRejected) {
		t.Fatalf("err = %v, want ErrRejected", err)
	}
	if c.State() != StateError {
		t.Fatalf("state = %s, want error", c.State())
	}
	if err := c.SendReliable([]byte{1}); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("send after rejection: %v", err)
	}
}

type memoryItems map[string][]byte

func (m memoryItems) LoadItem(key string) ([]byte, error) { return m[key], nil }

func (m memoryItems) SaveItem(key string, data []byte) error {
	m[key] = data
	return nil
}

func TestProfileStore(t *testing.T) {
	items := memoryItems{}
	store := &ProfileStore{items: items}

	if p := store.Load(); p != (Profile{}) {
		t.Fatalf("empty store loaded %+v", p)
	}
	want := Profile{DisplayName: "ann", ReconnectToken: "abc", Server: "localhost:7373"}
	if err := store.Save(want); err != nil {
		t.Fatal(err)
	}
	if got := store.Load(); got != want {
		t.Fatalf("Load = %+v, want %+v", got, want)
	}

	items[profileKey] = []byte("{")
	if got := store.Load(); got != (Profile{}) {
		t.Fatalf("corrupt profile loaded %+v", got)
	}

	var none *ProfileStore
	if err := none.Save(want); err != nil || none.Load() != (Profile{}) {
		t.Fatal("nil store should be a no-op")
	}
}
