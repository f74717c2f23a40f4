package cwmp

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/dexter939/EvoAcsss-sub001/internal/database"
)

func TestWakeDeliversConnectionRequest(t *testing.T) {
	var gotAuth bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		gotAuth = ok && user == "acs" && pass == "secret"
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cr := NewConnectionRequester(time.Second)
	device := &database.Device{
		SerialNumber:              "SN-1",
		ConnectionRequestURL:      srv.URL,
		ConnectionRequestUsername: "acs",
		ConnectionRequestPassword: "secret",
	}
	if err := cr.Wake(context.Background(), device); err != nil {
		t.Fatalf("Wake: %v", err)
	}
	if !gotAuth {
		t.Error("expected basic auth credentials on the connection request")
	}
}

func TestWakeFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	cr := NewConnectionRequester(200 * time.Millisecond)

	t.Run("no URL", func(t *testing.T) {
		if err := cr.Wake(context.Background(), &database.Device{SerialNumber: "SN-2"}); err == nil {
			t.Error("expected error for device without connection request URL")
		}
	})

	t.Run("rejected status", func(t *testing.T) {
		device := &database.Device{SerialNumber: "SN-3", ConnectionRequestURL: srv.URL}
		if err := cr.Wake(context.Background(), device); err == nil {
			t.Error("expected error for 503 response")
		}
	})

	t.Run("unreachable device", func(t *testing.T) {
		// NAT without a pinhole behaves like a refused or timed out connection
		device := &database.Device{SerialNumber: "SN-4", ConnectionRequestURL: "http://127.0.0.1:1/cr"}
		if err := cr.Wake(context.Background(), device); err == nil {
			t.Error("expected error for unreachable URL")
		}
	})
}
