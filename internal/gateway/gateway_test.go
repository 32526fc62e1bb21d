package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/spotty-im/spotty/internal/event"
	"github.com/spotty-im/spotty/internal/vkapi"
)

const dispatchTimeout = 2 * time.Second

var testCommunity = Community{
	ID:               12345678,
	AccessToken:      "token",
	ConfirmationCode: "confirm-me",
	SecretKey:        "s1",
}

// newTestGateway points every community client at a throwaway API endpoint
// so nothing leaves the process.
func newTestGateway(t *testing.T, communities ...Community) *Gateway {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"response":[]}`))
	}))
	t.Cleanup(srv.Close)

	g := New(communities, WithClientOptions(
		vkapi.WithBaseURL(srv.URL),
		vkapi.WithFlushInterval(time.Hour),
	))
	t.Cleanup(g.Close)
	return g
}

func postCallback(g *Gateway, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	rec := httptest.NewRecorder()
	g.HandleCallback(rec, req)
	return rec
}

func TestConfirmation_KnownCommunity(t *testing.T) {
	g := newTestGateway(t, testCommunity)

	rec := postCallback(g, `{"type":"confirmation","group_id":12345678}`)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
	if rec.Body.String() != "confirm-me" {
		t.Errorf("body = %q, want configured confirmation code byte-for-byte", rec.Body.String())
	}
	if got := rec.Header().Get("Connection"); got != "close" {
		t.Errorf("Connection = %q, want close", got)
	}
	if got := rec.Header().Get("Content-Length"); got != strconv.Itoa(len("confirm-me")) {
		t.Errorf("Content-Length = %q, want exact length", got)
	}
}

func TestConfirmation_UnknownCommunity(t *testing.T) {
	g := newTestGateway(t, testCommunity)

	rec := postCallback(g, `{"type":"confirmation","group_id":1}`)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200 even for unknown community", rec.Code)
	}
	if rec.Body.Len() != 0 {
		t.Errorf("body = %q, want empty", rec.Body.String())
	}
}

func TestNonPOSTAndMalformedBodiesGetDefaultResponse(t *testing.T) {
	g := newTestGateway(t, testCommunity)

	g.On("message_new", func(ctx context.Context, ev event.Event) {
		t.Error("handler ran for invalid input")
	})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	g.HandleCallback(rec, req)
	if rec.Code != http.StatusOK || rec.Body.Len() != 0 {
		t.Errorf("GET response = %d %q, want empty 200", rec.Code, rec.Body.String())
	}

	rec = postCallback(g, `{"type":`)
	if rec.Code != http.StatusOK || rec.Body.Len() != 0 {
		t.Errorf("malformed response = %d %q, want empty 200", rec.Code, rec.Body.String())
	}

	// Give a wrongly-dispatched goroutine a moment to trip the t.Error.
	time.Sleep(50 * time.Millisecond)
}

func TestDispatch_ValidEvent(t *testing.T) {
	g := newTestGateway(t, testCommunity)

	got := make(chan event.Event, 1)
	g.On("message_new", func(ctx context.Context, ev event.Event) {
		got <- ev
	})

	rec := postCallback(g, `{"type":"message_new","group_id":12345678,"secret":"s1","object":{"user_id":7,"body":"hi"}}`)
	if rec.Code != http.StatusOK || rec.Body.Len() != 0 {
		t.Errorf("response = %d %q, want empty 200", rec.Code, rec.Body.String())
	}

	select {
	case ev := <-got:
		msg, ok := ev.(*event.Message)
		if !ok {
			t.Fatalf("event = %T, want *event.Message", ev)
		}
		if msg.UserID != 7 || msg.Body != "hi" {
			t.Errorf("message = %+v, want user_id=7 body=hi", msg)
		}
	case <-time.After(dispatchTimeout):
		t.Fatal("event was never dispatched")
	}
}

func TestDispatch_ReplyEnqueuesSend(t *testing.T) {
	// A full round trip: inbound message dispatched, handler replies, the
	// community's client batches a messages.send with the sender's user_id.
	codes := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		select {
		case codes <- r.PostForm.Get("code"):
		default:
		}
		w.Write([]byte(`{"response":[]}`))
	}))
	defer srv.Close()

	g := New([]Community{testCommunity}, WithClientOptions(
		vkapi.WithBaseURL(srv.URL),
		vkapi.WithFlushInterval(10*time.Millisecond),
	))
	defer g.Close()

	g.On("message_new", func(ctx context.Context, ev event.Event) {
		msg := ev.(*event.Message)
		callCtx, cancel := context.WithTimeout(ctx, dispatchTimeout)
		defer cancel()
		msg.Reply(callCtx, "hello")
	})

	postCallback(g, `{"type":"message_new","group_id":12345678,"secret":"s1","object":{"user_id":7,"body":"hi"}}`)

	select {
	case code := <-codes:
		if !strings.Contains(code, "API.messages.send(") {
			t.Errorf("execute code = %s, want a messages.send call", code)
		}
		if !strings.Contains(code, `"user_id":7`) || !strings.Contains(code, `"message":"hello"`) {
			t.Errorf("execute code = %s, want user_id 7 and message hello", code)
		}
	case <-time.After(dispatchTimeout):
		t.Fatal("no execute request observed")
	}
}

func TestDispatch_SilentNoOps(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"unknown community", `{"type":"message_new","group_id":1,"secret":"s1","object":{}}`},
		{"secret mismatch", `{"type":"message_new","group_id":12345678,"secret":"wrong","object":{}}`},
		{"missing secret", `{"type":"message_new","group_id":12345678,"object":{}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := newTestGateway(t, testCommunity)

			fired := make(chan struct{}, 1)
			g.On("message_new", func(ctx context.Context, ev event.Event) {
				fired <- struct{}{}
			})

			rec := postCallback(g, tt.body)
			if rec.Code != http.StatusOK || rec.Body.Len() != 0 {
				t.Errorf("response = %d %q, want indistinguishable empty 200", rec.Code, rec.Body.String())
			}

			select {
			case <-fired:
				t.Error("handler ran for a request that must fail silently")
			case <-time.After(100 * time.Millisecond):
			}
		})
	}
}

func TestDispatch_NoSecretConfigured(t *testing.T) {
	open := testCommunity
	open.SecretKey = ""
	g := newTestGateway(t, open)

	fired := make(chan struct{}, 1)
	g.On("message_new", func(ctx context.Context, ev event.Event) {
		fired <- struct{}{}
	})

	postCallback(g, `{"type":"message_new","group_id":12345678,"object":{"user_id":7}}`)

	select {
	case <-fired:
	case <-time.After(dispatchTimeout):
		t.Fatal("event with absent secret requirement was not dispatched")
	}
}

func TestDispatch_HandlerPanicRecovered(t *testing.T) {
	g := newTestGateway(t, testCommunity)

	ran := make(chan struct{}, 1)
	g.On("message_new", func(ctx context.Context, ev event.Event) {
		panic("handler bug")
	})
	g.On("message_new", func(ctx context.Context, ev event.Event) {
		ran <- struct{}{}
	})

	postCallback(g, `{"type":"message_new","group_id":12345678,"secret":"s1","object":{}}`)

	select {
	case <-ran:
	case <-time.After(dispatchTimeout):
		t.Fatal("panic in one handler starved the next")
	}
}

func TestGenericEventForUnknownType(t *testing.T) {
	g := newTestGateway(t, testCommunity)

	got := make(chan event.Event, 1)
	g.On("group_join", func(ctx context.Context, ev event.Event) {
		got <- ev
	})

	postCallback(g, `{"type":"group_join","group_id":12345678,"secret":"s1","object":{"user_id":9}}`)

	select {
	case ev := <-got:
		generic, ok := ev.(*event.Generic)
		if !ok {
			t.Fatalf("event = %T, want *event.Generic", ev)
		}
		if v, ok := generic.Get("user_id"); !ok || v != float64(9) {
			t.Errorf("Get(user_id) = %v/%v, want 9", v, ok)
		}
	case <-time.After(dispatchTimeout):
		t.Fatal("event was never dispatched")
	}
}

func TestClient_Lookup(t *testing.T) {
	g := newTestGateway(t, testCommunity)

	if _, ok := g.Client(testCommunity.ID); !ok {
		t.Error("Client() missing for registered community")
	}
	if _, ok := g.Client(404); ok {
		t.Error("Client() found for unregistered community")
	}
}
