package master

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func newTestRegistry(ttl time.Duration) (*Registry, *time.Time) {
	reg := NewRegistry(ttl)
	now := time.Unix(1000, 0)
	reg.now = func() time.Time { return now }
	return reg, &now
}

func TestRegistryExpiry(t *testing.T) {
	reg, now := newTestRegistry(time.Minute)
	defer reg.Stop()

	id := reg.Register(SessionInfo{Name: "a", Address: "h:1"})
	if got := reg.List(Filter{}); len(got) != 1 || got[0].ID != id {
		t.Fatalf("List = %+v", got)
	}

	*now = now.Add(30 * time.Second)
	if !reg.Heartbeat(id, Occupancy{Participants: 3, Objects: 2, Held: 1}) {
		t.Fatal("heartbeat rejected")
	}
	if got := reg.List(Filter{})[0].Occupancy; got != (Occupancy{Participants: 3, Objects: 2, Held: 1}) {
		t.Fatalf("occupancy = %+v", got)
	}

	*now = now.Add(time.Minute)
	if got := reg.List(Filter{}); len(got) != 0 {
		t.Fatalf("expired session still listed: %+v", got)
	}
	if reg.Heartbeat(id, Occupancy{Participants: 1}) {
		t.Fatal("heartbeat accepted for expired session")
	}
	if n := reg.Sweep(); n != 1 {
		t.Fatalf("Sweep removed %d, want 1", n)
	}
}

func TestRegistryListSorted(t *testing.T) {
	reg, _ := newTestRegistry(time.Minute)
	defer reg.Stop()

	reg.Register(SessionInfo{Name: "zeta", Address: "h:1"})
	reg.Register(SessionInfo{Name: "alpha", Address: "h:2"})

	got := reg.List(Filter{})
	if len(got) != 2 || got[0].Name != "alpha" || got[1].Name != "zeta" {
		t.Fatalf("List = %+v", got)
	}
}

func post(t *testing.T, h http.Handler, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data)))
	return rec
}

func TestHandlerRegisterAndList(t *testing.T) {
	reg, _ := newTestRegistry(time.Minute)
	defer reg.Stop()
	h := NewHandler(reg)

	rec := post(t, h, "/sessions/register", SessionInfo{Name: "table", Address: "h:7373", MaxParticipants: 2, Occupancy: Occupancy{Objects: 2}})
	if rec.Code != http.StatusCreated {
		t.Fatalf("register status = %d", rec.Code)
	}
	var resp SessionInfo
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil || resp.ID == "" || resp.Name != "table" {
		t.Fatalf("register response: %v %+v", err, resp)
	}

	rec = post(t, h, "/sessions/heartbeat", HeartbeatRequest{ID: resp.ID, Occupancy: Occupancy{Participants: 2, Objects: 2, Held: 1}})
	if rec.Code != http.StatusOK {
		t.Fatalf("heartbeat status = %d", rec.Code)
	}

	list := getList(t, h, "/sessions")
	if len(list) != 1 || list[0].Participants != 2 || list[0].Held != 1 {
		t.Fatalf("list = %+v", list)
	}
	// full now
	if list := getList(t, h, "/sessions?open=1"); len(list) != 0 {
		t.Fatalf("open list = %+v, want none", list)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/sessions/"+resp.ID, nil))
	var one SessionInfo
	if err := json.NewDecoder(rec.Body).Decode(&one); err != nil || one.ID != resp.ID {
		t.Fatalf("get = %d %v %+v", rec.Code, err, one)
	}
}

func getList(t *testing.T, h http.Handler, path string) []SessionInfo {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	var list []SessionInfo
	if err := json.NewDecoder(rec.Body).Decode(&list); err != nil {
		t.Fatal(err)
	}
	return list
}

func TestRegistryFilter(t *testing.T) {
	reg, _ := newTestRegistry(time.Minute)
	defer reg.Stop()

	reg.Register(SessionInfo{Name: "a", Address: "h:1", Version: "1.0", Region: "eu"})
	reg.Register(SessionInfo{Name: "b", Address: "h:2", Version: "2.0", Region: "eu"})
	reg.Register(SessionInfo{Name: "c", Address: "h:3", Version: "2.0", Region: "us", MaxParticipants: 1, Occupancy: Occupancy{Participants: 1}})

	if got := reg.List(Filter{Version: "2.0"}); len(got) != 2 || got[0].Name != "b" {
		t.Fatalf("version filter = %+v", got)
	}
	if got := reg.List(Filter{Region: "eu", Version: "2.0"}); len(got) != 1 || got[0].Name != "b" {
		t.Fatalf("region filter = %+v", got)
	}
	if got := reg.List(Filter{OpenOnly: true}); len(got) != 2 {
		t.Fatalf("open filter = %+v", got)
	}
}

func TestHandlerRejects(t *testing.T) {
	reg, _ := newTestRegistry(time.Minute)
	defer reg.Stop()
	h := NewHandler(reg)

	if rec := post(t, h, "/sessions/register", SessionInfo{Name: "no address"}); rec.Code != http.StatusBadRequest {
		t.Fatalf("missing address status = %d", rec.Code)
	}
	if rec := post(t, h, "/sessions/heartbeat", HeartbeatRequest{ID: "missing"}); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown heartbeat status = %d", rec.Code)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/sessions/missing", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown get status = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/sessions/register", bytes.NewReader([]byte("{"))))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad json status = %d", rec.Code)
	}
}
