package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"livecast/native/internal/domain"
)

func TestFetchTicket(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/tickets" {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		var req TicketRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode: %v", err)
		}
		if req.Session != "s1" || req.Role != domain.RoleBroadcaster || req.Key != "k" {
			t.Errorf("request = %+v", req)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(domain.Ticket{
			Session:    "s1",
			Role:       domain.RoleBroadcaster,
			Token:      "tok",
			RelayURL:   "ws://relay/ws",
			ICEServers: []domain.ICEServer{{URLs: []string{"stun:stun.example.com:3478"}}},
		})
	}))
	defer srv.Close()

	ticket, err := NewClient(srv.URL).FetchTicket(context.Background(), "s1", domain.RoleBroadcaster, "k")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if ticket.Token != "tok" || ticket.RelayURL != "ws://relay/ws" || len(ticket.ICEServers) != 1 {
		t.Errorf("ticket = %+v", ticket)
	}
}

func TestFetchTicket_Error(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusForbidden)
		json.NewEncoder(w).Encode(ErrorResponse{Error: "bad broadcast key"})
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL).FetchTicket(context.Background(), "s1", domain.RoleBroadcaster, "wrong")
	if err == nil {
		t.Fatal("expected an error")
	}
	if got := err.Error(); got != "fetch ticket: http 403: bad broadcast key" {
		t.Errorf("err = %q", got)
	}
}

func TestLiveFlag(t *testing.T) {
	live := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.EscapedPath(); got != "/api/sessions/s%201/live" {
			t.Errorf("path = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		switch r.Method {
		case http.MethodGet:
			json.NewEncoder(w).Encode(LiveStatus{Live: live})
		case http.MethodPut:
			if r.Header.Get("Authorization") != "Bearer secret" {
				w.WriteHeader(http.StatusUnauthorized)
				json.NewEncoder(w).Encode(ErrorResponse{Error: "unauthorized"})
				return
			}
			var body LiveStatus
			json.NewDecoder(r.Body).Decode(&body)
			live = body.Live
			w.WriteHeader(http.StatusNoContent)
		}
	}))
	defer srv.Close()

	ctx := context.Background()
	c := NewClient(srv.URL)
	if err := c.SetLive(ctx, "s 1", true); err == nil {
		t.Error("unauthenticated set succeeded")
	}

	c.SetToken("secret")
	if err := c.SetLive(ctx, "s 1", true); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, err := c.IsLive(ctx, "s 1")
	if err != nil || !got {
		t.Errorf("is live = %v, %v", got, err)
	}
}
