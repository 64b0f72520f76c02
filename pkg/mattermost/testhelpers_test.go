// Copyright 2024-2026 Aiku AI

package mattermost

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/mattermost/mattermost/server/public/model"
	"github.com/rs/zerolog"
)

const (
	testToken   = "test-token"
	testUserID  = "bridge-user-id"
	testChannel = "chan-1"
)

type endpointCall struct {
	Method string
	Path   string
	Query  string
	Body   string
}

// fakeMM wraps an httptest.Server simulating the Mattermost API and its
// WebSocket. It records calls and provides canned responses.
type fakeMM struct {
	Server *httptest.Server

	mu    sync.Mutex
	calls []endpointCall

	// Channels maps channel ID to model.Channel.
	Channels map[string]*model.Channel
	// PostsAfter maps the "after" post ID to the returned PostList.
	PostsAfter map[string]*model.PostList
	// Newest is returned for GetPostsForChannel.
	Newest *model.PostList
	// FailEndpoints maps path fragments to the status they answer with.
	FailEndpoints map[string]int

	wsEvents chan []byte
	upgrader websocket.Upgrader
}

func newFakeMM() *fakeMM {
	f := &fakeMM{
		Channels:      map[string]*model.Channel{testChannel: {Id: testChannel, Name: "relay", Type: model.ChannelTypeDirect}},
		PostsAfter:    make(map[string]*model.PostList),
		Newest:        model.NewPostList(),
		FailEndpoints: make(map[string]int),
		wsEvents:      make(chan []byte, 16),
	}
	f.Server = httptest.NewServer(http.HandlerFunc(f.handler))
	return f
}

func (f *fakeMM) Close() {
	f.Server.Close()
}

func (f *fakeMM) record(r *http.Request, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, endpointCall{Method: r.Method, Path: r.URL.Path, Query: r.URL.RawQuery, Body: body})
}

func (f *fakeMM) Calls() []endpointCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]endpointCall, len(f.calls))
	copy(cp, f.calls)
	return cp
}

func (f *fakeMM) CallsTo(method, path string) []endpointCall {
	var out []endpointCall
	for _, c := range f.Calls() {
		if c.Method == method && c.Path == path {
			out = append(out, c)
		}
	}
	return out
}

// pushEvent sends a WebSocket event to the connected client.
func (f *fakeMM) pushEvent(evt *model.WebSocketEvent) {
	data, err := evt.ToJSON()
	if err != nil {
		panic(err)
	}
	f.wsEvents <- data
}

func (f *fakeMM) handler(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/api/v4/websocket" {
		f.serveWebSocket(w, r)
		return
	}

	body, _ := io.ReadAll(r.Body)
	f.record(r, string(body))

	f.mu.Lock()
	for fragment, status := range f.FailEndpoints {
		if strings.Contains(r.URL.Path, fragment) {
			f.mu.Unlock()
			w.WriteHeader(status)
			_ = json.NewEncoder(w).Encode(map[string]any{"id": "fake.error", "message": "fake error", "status_code": status})
			return
		}
	}
	f.mu.Unlock()

	auth := r.Header.Get("Authorization")
	if auth != "BEARER "+testToken && auth != "Bearer "+testToken {
		w.WriteHeader(http.StatusUnauthorized)
		_ = json.NewEncoder(w).Encode(map[string]any{"id": "api.context.session_expired.app_error", "message": "Invalid or expired session", "status_code": 401})
		return
	}

	path := r.URL.Path
	switch {
	case r.Method == http.MethodGet && path == "/api/v4/users/me":
		_ = json.NewEncoder(w).Encode(&model.User{Id: testUserID, Username: "relay-bot"})

	case r.Method == http.MethodGet && strings.HasPrefix(path, "/api/v4/channels/") && strings.HasSuffix(path, "/posts"):
		f.mu.Lock()
		defer f.mu.Unlock()
		if after := r.URL.Query().Get("after"); after != "" {
			if pl, ok := f.PostsAfter[after]; ok {
				_ = json.NewEncoder(w).Encode(pl)
				return
			}
			_ = json.NewEncoder(w).Encode(model.NewPostList())
			return
		}
		_ = json.NewEncoder(w).Encode(f.Newest)

	case r.Method == http.MethodGet && strings.HasPrefix(path, "/api/v4/channels/"):
		chID := strings.TrimPrefix(path, "/api/v4/channels/")
		f.mu.Lock()
		ch, ok := f.Channels[chID]
		f.mu.Unlock()
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			_ = json.NewEncoder(w).Encode(map[string]any{"id": "app.channel.get.existing.app_error", "message": "not found", "status_code": 404})
			return
		}
		_ = json.NewEncoder(w).Encode(ch)

	case r.Method == http.MethodPost && path == "/api/v4/posts":
		var post model.Post
		_ = json.Unmarshal(body, &post)
		post.Id = "created-post-id"
		_ = json.NewEncoder(w).Encode(&post)

	default:
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]string{"message": "not found: " + path})
	}
}

func (f *fakeMM) serveWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	// The client opens with an authentication challenge.
	if _, _, err := conn.ReadMessage(); err != nil {
		return
	}
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	hello := model.NewWebSocketEvent(model.WebsocketEventHello, "", "", testUserID, nil, "")
	if data, err := hello.ToJSON(); err == nil {
		_ = conn.WriteMessage(websocket.TextMessage, data)
	}
	for {
		select {
		case <-closed:
			return
		case data := <-f.wsEvents:
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		}
	}
}

func newTestAdapter(f *fakeMM, token string) *Adapter {
	return New(Config{
		ServerURL:       f.Server.URL,
		Token:           token,
		ChannelID:       testChannel,
		BotPrefix:       "relay_",
		CatchupPageSize: 2,
	}, zerolog.Nop())
}

func postList(posts ...*model.Post) *model.PostList {
	pl := model.NewPostList()
	for _, p := range posts {
		pl.AddPost(p)
		pl.AddOrder(p.Id)
	}
	return pl
}

// postedEvent creates a posted WebSocket event carrying post.
func postedEvent(post *model.Post, senderName string, seq int64) *model.WebSocketEvent {
	data, _ := json.Marshal(post)
	evt := model.NewWebSocketEvent(model.WebsocketEventPosted, "", post.ChannelId, "", nil, "")
	return evt.SetData(map[string]any{
		"post":        string(data),
		"sender_name": "@" + senderName,
	}).SetSequence(seq)
}
