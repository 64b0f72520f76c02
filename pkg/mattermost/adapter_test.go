// Copyright 2024-2026 Aiku AI

package mattermost

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/mattermost/mattermost/server/public/model"
	"github.com/rs/zerolog"

	"github.com/aiku/matrix-telegram-relay/pkg/relay"
)

func connectedAdapter(t *testing.T, f *fakeMM) *Adapter {
	t.Helper()
	a := newTestAdapter(f, testToken)
	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func TestConnect(t *testing.T) {
	t.Parallel()
	f := newFakeMM()
	defer f.Close()

	a := connectedAdapter(t, f)
	if got := a.SelfID(); got != testUserID {
		t.Errorf("SelfID = %q, want %q", got, testUserID)
	}
	if len(f.CallsTo(http.MethodGet, "/api/v4/channels/"+testChannel)) != 1 {
		t.Error("channel was not validated")
	}
}

func TestConnectBadToken(t *testing.T) {
	t.Parallel()
	f := newFakeMM()
	defer f.Close()

	err := newTestAdapter(f, "wrong").Connect(context.Background())
	if !relay.IsAuth(err) {
		t.Fatalf("Connect error = %v, want auth error", err)
	}
}

func TestConnectUnknownChannel(t *testing.T) {
	t.Parallel()
	f := newFakeMM()
	defer f.Close()
	delete(f.Channels, testChannel)

	err := newTestAdapter(f, testToken).Connect(context.Background())
	if !relay.IsPermanent(err) {
		t.Fatalf("Connect error = %v, want permanent", err)
	}
}

func TestConnectServerError(t *testing.T) {
	t.Parallel()
	f := newFakeMM()
	defer f.Close()
	f.FailEndpoints["/users/me"] = http.StatusInternalServerError

	err := newTestAdapter(f, testToken).Connect(context.Background())
	if err == nil || relay.IsAuth(err) || relay.IsPermanent(err) {
		t.Fatalf("Connect error = %v, want a plain retryable error", err)
	}
}

func TestResumeWithoutCursorUsesNewestPost(t *testing.T) {
	t.Parallel()
	f := newFakeMM()
	defer f.Close()
	f.Newest = postList(&model.Post{Id: "newest", ChannelId: testChannel, CreateAt: 3})
	a := connectedAdapter(t, f)

	if err := a.Resume(context.Background(), ""); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if a.lastPostID != "newest" || a.catchUp {
		t.Errorf("lastPostID = %q, catchUp = %v", a.lastPostID, a.catchUp)
	}
}

func TestResumeWithCursorSchedulesCatchUp(t *testing.T) {
	t.Parallel()
	f := newFakeMM()
	defer f.Close()
	a := connectedAdapter(t, f)

	if err := a.Resume(context.Background(), "p0"); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if a.lastPostID != "p0" || !a.catchUp {
		t.Errorf("lastPostID = %q, catchUp = %v", a.lastPostID, a.catchUp)
	}
	if calls := f.CallsTo(http.MethodGet, "/api/v4/channels/"+testChannel+"/posts"); len(calls) != 0 {
		t.Errorf("Resume fetched posts: %v", calls)
	}
}

func TestCatchUpPagesInOrder(t *testing.T) {
	t.Parallel()
	f := newFakeMM()
	defer f.Close()
	f.PostsAfter["p0"] = postList(
		&model.Post{Id: "p2", ChannelId: testChannel, CreateAt: 2, Message: "second"},
		&model.Post{Id: "p1", ChannelId: testChannel, CreateAt: 1, Message: "first"},
	)
	f.PostsAfter["p2"] = postList(&model.Post{Id: "p3", ChannelId: testChannel, CreateAt: 3, Message: "third"})
	a := connectedAdapter(t, f)

	var got []string
	err := a.catchUpAfter(context.Background(), a.getClient(), "p0", func(p *model.Post) error {
		got = append(got, p.Id)
		return nil
	})
	if err != nil {
		t.Fatalf("catchUpAfter: %v", err)
	}
	want := []string{"p1", "p2", "p3"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestCatchUpUnknownCursorStartsFromNow(t *testing.T) {
	t.Parallel()
	f := newFakeMM()
	defer f.Close()
	a := connectedAdapter(t, f)
	f.FailEndpoints["/posts"] = http.StatusNotFound

	called := false
	err := a.catchUpAfter(context.Background(), a.getClient(), "gone", func(*model.Post) error {
		called = true
		return nil
	})
	if err != nil || called {
		t.Fatalf("catchUpAfter = %v, called = %v", err, called)
	}
}

func TestListenCatchUpThenWebSocket(t *testing.T) {
	t.Parallel()
	f := newFakeMM()
	defer f.Close()
	caught := &model.Post{Id: "p1", ChannelId: testChannel, UserId: "alice", CreateAt: 1, Message: "missed"}
	f.PostsAfter["p0"] = postList(caught)
	a := connectedAdapter(t, f)
	if err := a.Resume(context.Background(), "p0"); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	events := make(chan relay.RawEvent, 8)
	done := make(chan error, 1)
	go func() { done <- a.Listen(ctx, events) }()

	next := func() relay.RawEvent {
		t.Helper()
		select {
		case evt := <-events:
			return evt
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for event")
			return relay.RawEvent{}
		}
	}

	if evt := next(); evt.Cursor != "p1" {
		t.Fatalf("first event cursor = %q, want p1", evt.Cursor)
	}

	// Echo of a caught-up post, then a new one.
	f.pushEvent(postedEvent(caught, "alice", 1))
	f.pushEvent(postedEvent(&model.Post{Id: "p2", ChannelId: testChannel, UserId: "alice", CreateAt: 2, Message: "**live**"}, "alice", 2))

	evt := next()
	if evt.Cursor != "p2" {
		t.Fatalf("live event cursor = %q, want p2", evt.Cursor)
	}
	msg, ok := a.Normalize(evt)
	if !ok || msg.HTML != "<strong>live</strong>" || msg.Body != "**live**" {
		t.Errorf("Normalize = %+v, %v", msg, ok)
	}

	cancel()
	select {
	case err := <-done:
		if err == nil {
			t.Error("Listen returned nil after cancellation")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Listen did not stop")
	}
}

func TestParseEvent(t *testing.T) {
	t.Parallel()
	a := New(Config{ChannelID: testChannel}, zerolog.Nop())
	post := &model.Post{Id: "p1", ChannelId: testChannel, Message: "hi"}

	if raw, ok := a.parseEvent(postedEvent(post, "alice", 1)); !ok || raw.Cursor != "p1" {
		t.Errorf("posted event = %+v, %v", raw, ok)
	} else if pe := raw.Payload.(*postEvent); pe.SenderName != "alice" {
		t.Errorf("sender name = %q", pe.SenderName)
	}

	other := &model.Post{Id: "p2", ChannelId: "elsewhere", Message: "hi"}
	if _, ok := a.parseEvent(postedEvent(other, "alice", 2)); ok {
		t.Error("event from another channel accepted")
	}

	typing := model.NewWebSocketEvent(model.WebsocketEventTyping, "", testChannel, "", nil, "")
	if _, ok := a.parseEvent(typing); ok {
		t.Error("typing event accepted")
	}

	broken := model.NewWebSocketEvent(model.WebsocketEventPosted, "", testChannel, "", nil, "").
		SetData(map[string]any{"post": "{not json"})
	if _, ok := a.parseEvent(broken); ok {
		t.Error("malformed post accepted")
	}

	if _, ok := a.parseEvent(nil); ok {
		t.Error("nil event accepted")
	}
}

func TestNormalize(t *testing.T) {
	t.Parallel()
	a := New(Config{ChannelID: testChannel, BotPrefix: "relay_"}, zerolog.Nop())
	a.userID = testUserID

	tests := []struct {
		name   string
		post   *model.Post
		sender string
		want   bool
	}{
		{name: "user post", post: &model.Post{Id: "p", ChannelId: testChannel, UserId: "alice", Message: "hi", CreateAt: 1700000000000}, sender: "alice", want: true},
		{name: "own post", post: &model.Post{Id: "p", ChannelId: testChannel, UserId: testUserID, Message: "hi"}},
		{name: "system post", post: &model.Post{Id: "p", ChannelId: testChannel, UserId: "alice", Type: model.PostTypeJoinChannel, Message: "joined"}},
		{name: "bridge bot", post: &model.Post{Id: "p", ChannelId: testChannel, UserId: "bot", Message: "hi"}, sender: "relay_matrix"},
		{name: "empty message", post: &model.Post{Id: "p", ChannelId: testChannel, UserId: "alice", Message: "  "}},
		{name: "other channel", post: &model.Post{Id: "p", ChannelId: "elsewhere", UserId: "alice", Message: "hi"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			msg, ok := a.Normalize(relay.RawEvent{Cursor: "p", Payload: &postEvent{Post: tt.post, SenderName: tt.sender}})
			if ok != tt.want {
				t.Fatalf("Normalize ok = %v, want %v", ok, tt.want)
			}
			if !ok {
				return
			}
			if msg.Source != relay.SideB || msg.SenderID != "alice" || msg.ChatID != testChannel || msg.OriginEventID != "p" {
				t.Errorf("message = %+v", msg)
			}
			if msg.HTML != "" {
				t.Errorf("plain post got HTML %q", msg.HTML)
			}
			if !msg.ReceivedAt.Equal(time.UnixMilli(1700000000000)) {
				t.Errorf("ReceivedAt = %s", msg.ReceivedAt)
			}
		})
	}

	if _, ok := a.Normalize(relay.RawEvent{Payload: "nope"}); ok {
		t.Error("foreign payload accepted")
	}
}

func TestSend(t *testing.T) {
	t.Parallel()
	f := newFakeMM()
	defer f.Close()
	a := connectedAdapter(t, f)

	receipt, err := a.Send(context.Background(), relay.OutboundMessage{
		Target: relay.SideB,
		ChatID: testChannel,
		Body:   "bold text",
		HTML:   "<strong>bold</strong> text",
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if receipt.MessageID != "created-post-id" || receipt.Side != relay.SideB {
		t.Errorf("receipt = %+v", receipt)
	}
	calls := f.CallsTo(http.MethodPost, "/api/v4/posts")
	if len(calls) != 1 {
		t.Fatalf("CreatePost calls = %d", len(calls))
	}
	var post model.Post
	if err := json.Unmarshal([]byte(calls[0].Body), &post); err != nil {
		t.Fatal(err)
	}
	if post.ChannelId != testChannel || post.Message != "**bold** text" {
		t.Errorf("post = %+v", &post)
	}
}

func TestSendErrorClassification(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		status int
		want   relay.ErrorKind
	}{
		{"server error", http.StatusInternalServerError, relay.KindTransient},
		{"rate limited", http.StatusTooManyRequests, relay.KindTransient},
		{"forbidden", http.StatusForbidden, relay.KindPermanent},
		{"bad request", http.StatusBadRequest, relay.KindPermanent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newFakeMM()
			defer f.Close()
			a := connectedAdapter(t, f)
			f.mu.Lock()
			f.FailEndpoints["/api/v4/posts"] = tt.status
			f.mu.Unlock()

			_, err := a.Send(context.Background(), relay.OutboundMessage{Body: "x"})
			if got := relay.Classify(err); got != tt.want {
				t.Fatalf("Classify(%v) = %s, want %s", err, got, tt.want)
			}
		})
	}
}

func TestSendNotConnected(t *testing.T) {
	t.Parallel()
	a := New(Config{ChannelID: testChannel}, zerolog.Nop())
	if _, err := a.Send(context.Background(), relay.OutboundMessage{Body: "x"}); !relay.IsTransient(err) {
		t.Fatalf("Send error = %v, want transient", err)
	}
}

func TestHTTPToWS(t *testing.T) {
	t.Parallel()
	tests := map[string]string{
		"https://mm.example.com": "wss://mm.example.com",
		"http://localhost:8065":  "ws://localhost:8065",
		"mm.example.com":         "mm.example.com",
	}
	for in, want := range tests {
		if got := httpToWS(in); got != want {
			t.Errorf("httpToWS(%q) = %q, want %q", in, got, want)
		}
	}
}
