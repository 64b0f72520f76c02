// Copyright 2024-2026 Aiku AI

package matrix

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/id"
)

const (
	testRoom  = id.RoomID("!room:example.com")
	testSelf  = id.UserID("@bridge:example.com")
	testToken = "secret"
)

type endpointCall struct {
	Method string
	Path   string
	Query  string
	Body   string
}

// cannedResponse is a status plus JSON body returned by the fake homeserver.
type cannedResponse struct {
	Status  int
	Body    string
	Headers map[string]string
}

// fakeHomeserver simulates the parts of the client-server API the adapter
// uses. Sync responses are served from a queue; an empty queue holds the
// request until the client gives up.
type fakeHomeserver struct {
	Server *httptest.Server

	mu    sync.Mutex
	calls []endpointCall

	Joined      []id.RoomID
	SyncQueue   []cannedResponse
	SendQueue   []cannedResponse
	JoinStatus  int
	HangSync    bool
	sendCounter int
}

func newFakeHomeserver() *fakeHomeserver {
	f := &fakeHomeserver{Joined: []id.RoomID{testRoom}}
	f.Server = httptest.NewServer(http.HandlerFunc(f.handler))
	return f
}

func (f *fakeHomeserver) Close() {
	f.Server.Close()
}

func (f *fakeHomeserver) Calls() []endpointCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]endpointCall, len(f.calls))
	copy(cp, f.calls)
	return cp
}

func (f *fakeHomeserver) callsTo(fragment string) []endpointCall {
	var out []endpointCall
	for _, c := range f.Calls() {
		if strings.Contains(c.Path, fragment) {
			out = append(out, c)
		}
	}
	return out
}

func (f *fakeHomeserver) joinCalls() []endpointCall {
	var out []endpointCall
	for _, c := range f.Calls() {
		if strings.HasSuffix(c.Path, "/join") || strings.Contains(c.Path, "/join/") {
			out = append(out, c)
		}
	}
	return out
}

func (f *fakeHomeserver) queueSync(resp ...cannedResponse) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.SyncQueue = append(f.SyncQueue, resp...)
}

func (f *fakeHomeserver) queueSend(resp ...cannedResponse) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.SendQueue = append(f.SendQueue, resp...)
}

func (f *fakeHomeserver) handler(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	f.mu.Lock()
	f.calls = append(f.calls, endpointCall{Method: r.Method, Path: r.URL.Path, Query: r.URL.RawQuery, Body: string(body)})
	f.mu.Unlock()

	if r.Header.Get("Authorization") != "Bearer "+testToken {
		writeJSON(w, cannedResponse{Status: http.StatusUnauthorized, Body: `{"errcode":"M_UNKNOWN_TOKEN","error":"Invalid access token"}`})
		return
	}

	path := r.URL.Path
	switch {
	case strings.HasSuffix(path, "/account/whoami"):
		writeJSON(w, cannedResponse{Body: `{"user_id":"` + string(testSelf) + `","device_id":"RELAY"}`})
	case strings.HasSuffix(path, "/joined_rooms"):
		f.mu.Lock()
		rooms, _ := json.Marshal(map[string]any{"joined_rooms": f.Joined})
		f.mu.Unlock()
		writeJSON(w, cannedResponse{Body: string(rooms)})
	case strings.HasSuffix(path, "/join"), strings.Contains(path, "/join/"):
		f.mu.Lock()
		status := f.JoinStatus
		if status == 0 {
			f.Joined = append(f.Joined, testRoom)
		}
		f.mu.Unlock()
		if status != 0 {
			writeJSON(w, cannedResponse{Status: status, Body: `{"errcode":"M_FORBIDDEN","error":"You are not invited to this room."}`})
			return
		}
		writeJSON(w, cannedResponse{Body: `{"room_id":"` + string(testRoom) + `"}`})
	case strings.HasSuffix(path, "/sync"):
		f.mu.Lock()
		hang := f.HangSync
		f.mu.Unlock()
		if hang {
			<-r.Context().Done()
			return
		}
		resp, ok := f.nextSync()
		if !ok {
			select {
			case <-r.Context().Done():
			case <-time.After(500 * time.Millisecond):
			}
			writeJSON(w, cannedResponse{Body: `{"next_batch":"idle"}`})
			return
		}
		writeJSON(w, resp)
	case strings.Contains(path, "/send/m.room.message/"):
		writeJSON(w, f.nextSend())
	default:
		writeJSON(w, cannedResponse{Status: http.StatusNotFound, Body: `{"errcode":"M_UNRECOGNIZED","error":"Unrecognized request"}`})
	}
}

func (f *fakeHomeserver) nextSync() (cannedResponse, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.SyncQueue) == 0 {
		return cannedResponse{}, false
	}
	resp := f.SyncQueue[0]
	f.SyncQueue = f.SyncQueue[1:]
	return resp, true
}

func (f *fakeHomeserver) nextSend() cannedResponse {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.SendQueue) > 0 {
		resp := f.SendQueue[0]
		f.SendQueue = f.SendQueue[1:]
		return resp
	}
	f.sendCounter++
	return cannedResponse{Body: `{"event_id":"$sent` + strconv.Itoa(f.sendCounter) + `"}`}
}

func writeJSON(w http.ResponseWriter, resp cannedResponse) {
	w.Header().Set("Content-Type", "application/json")
	for k, v := range resp.Headers {
		w.Header().Set(k, v)
	}
	status := resp.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, _ = io.WriteString(w, resp.Body)
}

// syncBody builds a sync response with the given timeline events in the
// test room.
func syncBody(nextBatch string, limited bool, events ...string) cannedResponse {
	return cannedResponse{Body: `{"next_batch":"` + nextBatch + `","rooms":{"join":{"` + string(testRoom) +
		`":{"timeline":{"limited":` + boolJSON(limited) + `,"events":[` + strings.Join(events, ",") + `]}}}}}`}
}

func boolJSON(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

func textEvent(eventID, sender, body string) string {
	return `{"type":"m.room.message","event_id":"` + eventID + `","sender":"` + sender +
		`","origin_server_ts":1700000000000,"content":{"msgtype":"m.text","body":"` + body + `"}}`
}

func newTestAdapter(f *fakeHomeserver, token string) *Adapter {
	return New(Config{
		Homeserver:  f.Server.URL,
		UserID:      testSelf,
		AccessToken: token,
		RoomID:      testRoom,
		SyncTimeout: 50 * time.Millisecond,
	}, zerolog.Nop())
}
