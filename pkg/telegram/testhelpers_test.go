// Copyright 2024-2026 Aiku AI

package telegram

import (
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	testToken  = "123:secret"
	testChatID = int64(42)
)

type apiCall struct {
	Method string
	Params url.Values
}

// fakeBotAPI simulates the Bot API methods used by the adapter.
// getUpdates batches are consumed in order; an empty queue answers with no
// updates after a short wait.
type fakeBotAPI struct {
	Server *httptest.Server

	mu    sync.Mutex
	calls []apiCall

	// Latest is the result returned for getUpdates with offset -1.
	Latest    string
	Updates   []string
	SendQueue []string
	// Hang makes getUpdates polls never answer.
	Hang      bool
	sent      int
}

func newFakeBotAPI() *fakeBotAPI {
	f := &fakeBotAPI{Latest: "[]"}
	f.Server = httptest.NewServer(http.HandlerFunc(f.handler))
	return f
}

func (f *fakeBotAPI) Close() {
	f.Server.Close()
}

// Endpoint returns the format string for Config.APIEndpoint.
func (f *fakeBotAPI) Endpoint() string {
	return f.Server.URL + "/bot%s/%s"
}

func (f *fakeBotAPI) Calls(method string) []apiCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []apiCall
	for _, c := range f.calls {
		if c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

func (f *fakeBotAPI) queueUpdates(batch ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Updates = append(f.Updates, batch...)
}

func (f *fakeBotAPI) queueSend(resp ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.SendQueue = append(f.SendQueue, resp...)
}

func (f *fakeBotAPI) handler(w http.ResponseWriter, r *http.Request) {
	_ = r.ParseForm()
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/bot"), "/")
	if len(parts) != 2 {
		http.NotFound(w, r)
		return
	}
	token, method := parts[0], parts[1]
	f.mu.Lock()
	f.calls = append(f.calls, apiCall{Method: method, Params: r.PostForm})
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if token != testToken {
		_, _ = io.WriteString(w, `{"ok":false,"error_code":401,"description":"Unauthorized"}`)
		return
	}

	switch method {
	case "getMe":
		_, _ = io.WriteString(w, `{"ok":true,"result":{"id":1000,"is_bot":true,"first_name":"Relay","username":"relay_bot"}}`)
	case "getUpdates":
		if r.PostForm.Get("offset") == "-1" {
			f.mu.Lock()
			latest := f.Latest
			f.mu.Unlock()
			_, _ = io.WriteString(w, `{"ok":true,"result":`+latest+`}`)
			return
		}
		f.mu.Lock()
		hang := f.Hang
		f.mu.Unlock()
		if hang {
			<-r.Context().Done()
			return
		}
		batch, ok := f.nextUpdates()
		if !ok {
			select {
			case <-r.Context().Done():
				return
			case <-time.After(300 * time.Millisecond):
			}
			batch = "[]"
		}
		if strings.HasPrefix(batch, `{"ok":false`) {
			_, _ = io.WriteString(w, batch)
			return
		}
		_, _ = io.WriteString(w, `{"ok":true,"result":`+batch+`}`)
	case "sendMessage":
		_, _ = io.WriteString(w, f.nextSend(r.PostForm))
	default:
		_, _ = io.WriteString(w, `{"ok":false,"error_code":404,"description":"Not Found"}`)
	}
}

func (f *fakeBotAPI) nextUpdates() (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.Updates) == 0 {
		return "", false
	}
	batch := f.Updates[0]
	f.Updates = f.Updates[1:]
	return batch, true
}

func (f *fakeBotAPI) nextSend(params url.Values) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.SendQueue) > 0 {
		resp := f.SendQueue[0]
		f.SendQueue = f.SendQueue[1:]
		return resp
	}
	f.sent++
	return `{"ok":true,"result":{"message_id":` + strconv.Itoa(100+f.sent) + `,"date":1700000000,"chat":{"id":` +
		params.Get("chat_id") + `,"type":"private"},"text":"sent"}}`
}

// textUpdate is a getUpdates entry with a private text message.
func textUpdate(updateID, messageID int, chatID int64, chatType, text string, entities string) string {
	if entities == "" {
		entities = "[]"
	}
	return `{"update_id":` + strconv.Itoa(updateID) + `,"message":{"message_id":` + strconv.Itoa(messageID) +
		`,"date":1700000000,"from":{"id":7,"is_bot":false,"first_name":"Alice"},"chat":{"id":` +
		strconv.Itoa(int(chatID)) + `,"type":"` + chatType + `"},"text":"` + text + `","entities":` + entities + `}}`
}

func newTestAdapter(f *fakeBotAPI, token string) *Adapter {
	return New(Config{
		Token:       token,
		APIEndpoint: f.Endpoint(),
		ChatID:      testChatID,
		PrivateOnly: true,
		PollTimeout: time.Second,
	}, zerolog.Nop())
}
