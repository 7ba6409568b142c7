package push

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(Config{Endpoint: srv.URL, AccessToken: "secret", RequestsPerSecond: 1000}, nil)
}

func TestSendParsesTickets(t *testing.T) {
	var got []Message
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer secret" {
			t.Errorf("authorization = %q", auth)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
			return
		}
		w.Write([]byte(`{"data":[
			{"status":"ok","id":"t-1"},
			{"status":"error","message":"not a valid token","details":{"error":"DeviceNotRegistered"}},
			{"status":"error","message":"too big","details":{"error":"MessageTooBig"}}
		]}`))
	})

	msgs := []Message{
		{To: "ExponentPushToken[a]", Title: "hi", Data: map[string]any{"beaconId": 1}},
		{To: "ExponentPushToken[b]", Title: "hi"},
		{To: "ExponentPushToken[c]", Title: "hi"},
	}
	tickets, err := client.Send(context.Background(), msgs)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(got) != 3 || got[0].To != "ExponentPushToken[a]" {
		t.Fatalf("request body = %+v", got)
	}
	if len(tickets) != 3 {
		t.Fatalf("tickets = %d, want 3", len(tickets))
	}
	if !tickets[0].OK() || tickets[0].ID != "t-1" {
		t.Errorf("ticket 0 = %+v, want ok t-1", tickets[0])
	}
	if tickets[1].OK() || !errors.Is(tickets[1].Err, ErrDeviceNotRegistered) {
		t.Errorf("ticket 1 err = %v, want ErrDeviceNotRegistered", tickets[1].Err)
	}
	if tickets[2].OK() || errors.Is(tickets[2].Err, ErrDeviceNotRegistered) {
		t.Errorf("ticket 2 err = %v, want a non-registration failure", tickets[2].Err)
	}
}

func TestSendHTTPFailure(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	})
	if _, err := client.Send(context.Background(), []Message{{To: "x"}}); err == nil {
		t.Fatal("expected error for 503")
	}
}

func TestSendRequestErrors(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"errors":[{"code":"PUSH_TOO_MANY_EXPERIENCE_IDS","message":"mixed projects"}]}`))
	})
	if _, err := client.Send(context.Background(), []Message{{To: "x"}}); err == nil {
		t.Fatal("expected error for request-level provider error")
	}
}

func TestSendTicketCountMismatch(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":[{"status":"ok","id":"1"}]}`))
	})
	if _, err := client.Send(context.Background(), []Message{{To: "x"}, {To: "y"}}); err == nil {
		t.Fatal("expected error when ticket count differs")
	}
}

func TestSendRejectsOversizedBatch(t *testing.T) {
	called := false
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) { called = true })
	msgs := make([]Message, MaxMessagesPerRequest+1)
	if _, err := client.Send(context.Background(), msgs); err == nil {
		t.Fatal("expected error for oversized batch")
	}
	if called {
		t.Error("provider should not be called for an oversized batch")
	}
}

func TestSendEmpty(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("provider should not be called for an empty batch")
	})
	tickets, err := client.Send(context.Background(), nil)
	if err != nil || tickets != nil {
		t.Errorf("Send(nil) = %v, %v; want nil, nil", tickets, err)
	}
}

func TestLogSenderAcceptsAll(t *testing.T) {
	tickets, err := LogSender{}.Send(context.Background(), []Message{{To: "a"}, {To: "b"}})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	for i, tk := range tickets {
		if !tk.OK() {
			t.Errorf("ticket %d not ok", i)
		}
	}
}
