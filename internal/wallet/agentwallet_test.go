package wallet

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestPauseSimulated(t *testing.T) {
	res, err := (&AgentWalletClient{}).Pause(context.Background(), "VENUE_MISMATCH")
	if err != nil || !res.OK || res.Detail != "simulated" {
		t.Fatalf("res=%+v err=%v", res, err)
	}
}

func TestPause(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/wallets/addr1/pause" {
			t.Fatalf("path: %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer secret" {
			t.Fatalf("auth: %s", r.Header.Get("Authorization"))
		}
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["reason"] != "SIDE_MISMATCH" || body["username"] != "ops" {
			t.Fatalf("body: %v", body)
		}
		w.Write([]byte(`{"status":"paused-by-policy"}`))
	}))
	defer srv.Close()

	c := &AgentWalletClient{BaseURL: srv.URL + "/", APIKey: "secret", Address: "addr1", Username: "ops"}
	res, err := c.Pause(context.Background(), "SIDE_MISMATCH")
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if !res.OK || res.Detail != "paused-by-policy" {
		t.Fatalf("res: %+v", res)
	}
}

func TestPauseStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()
	c := &AgentWalletClient{BaseURL: srv.URL, Address: "addr1"}
	res, err := c.Pause(context.Background(), "x")
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if res.OK || res.Detail != "agentwallet 403: " {
		t.Fatalf("res: %+v", res)
	}
}
