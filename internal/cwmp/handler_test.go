package cwmp

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/dexter939/EvoAcsss-sub001/internal/database"
	"github.com/dexter939/EvoAcsss-sub001/pkg/redis"
)

type fakeActivity struct {
	touches []*redis.DeviceActivity
}

func (f *fakeActivity) TouchDeviceActivity(a *redis.DeviceActivity) error {
	f.touches = append(f.touches, a)
	return nil
}

func newTestHandler(t *testing.T) (*Handler, *testEnv) {
	t.Helper()
	env := newTestEnv(t)
	return NewHandler(env.engine, nil), env
}

func postSOAP(t *testing.T, h *Handler, body, cookie string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/acs/cwmp", strings.NewReader(body))
	req.RemoteAddr = "203.0.113.9:50123"
	if cookie != "" {
		req.AddCookie(&http.Cookie{Name: "TR069SessionID", Value: cookie})
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func sessionCookieFrom(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	for _, c := range rec.Result().Cookies() {
		if c.Name == "TR069SessionID" {
			return c.Value
		}
	}
	t.Fatal("no TR069SessionID cookie in response")
	return ""
}

func TestHandlerInformSession(t *testing.T) {
	h, _ := newTestHandler(t)

	rec := postSOAP(t, h, sampleInform, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d, body %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); !strings.Contains(ct, "text/xml") {
		t.Errorf("content type: got %q", ct)
	}
	if !strings.Contains(rec.Body.String(), "cwmp:InformResponse") {
		t.Errorf("expected InformResponse:\n%s", rec.Body.String())
	}
	cookie := sessionCookieFrom(t, rec)

	// Device is done: empty POST closes the session with 204 and an expired
	// cookie
	done := postSOAP(t, h, "", cookie)
	if done.Code != http.StatusNoContent {
		t.Fatalf("empty post status: got %d", done.Code)
	}
	for _, c := range done.Result().Cookies() {
		if c.Name == "TR069SessionID" && c.MaxAge >= 0 {
			t.Errorf("cookie should be expired on close: %+v", c)
		}
	}
}

func TestHandlerEmptyPostWithoutSession(t *testing.T) {
	h, _ := newTestHandler(t)

	rec := postSOAP(t, h, "   \n ", "")
	if rec.Code != http.StatusNoContent {
		t.Errorf("status: got %d, want 204", rec.Code)
	}
}

func TestHandlerRejectsBadRequests(t *testing.T) {
	h, _ := newTestHandler(t)

	t.Run("method not allowed", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/acs/cwmp", nil)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != http.StatusMethodNotAllowed {
			t.Errorf("status: got %d", rec.Code)
		}
	})

	t.Run("invalid envelope", func(t *testing.T) {
		rec := postSOAP(t, h, "this is not soap", "")
		if rec.Code != http.StatusBadRequest {
			t.Errorf("status: got %d", rec.Code)
		}
	})

	t.Run("oversized body", func(t *testing.T) {
		rec := postSOAP(t, h, strings.Repeat("x", 600*1024), "")
		if rec.Code != http.StatusRequestEntityTooLarge {
			t.Errorf("status: got %d", rec.Code)
		}
	})
}

func TestHandlerResponseWithoutSessionAnswers204(t *testing.T) {
	h, _ := newTestHandler(t)

	body := `<Envelope><Body><RebootResponse></RebootResponse></Body></Envelope>`
	rec := postSOAP(t, h, body, "long-gone-cookie")
	if rec.Code != http.StatusNoContent {
		t.Errorf("status: got %d, want 204", rec.Code)
	}
}

func TestHandlerCookielessTransferComplete(t *testing.T) {
	h, env := newTestHandler(t)
	taskID := uint(9)
	env.devices.Create(&database.Device{SerialNumber: "SN-1001", Protocol: database.ProtocolCWMP})
	env.tasks.tasks = append(env.tasks.tasks, &database.ProvisioningTask{
		ID: taskID, DeviceID: 1, TaskType: database.TaskTypeDownload, Status: database.TaskStatusProcessing,
	})

	// Reboot after the download dropped the session cookie; the CommandKey
	// still identifies the transfer
	body := `<Envelope><Header><ID>2</ID></Header><Body><TransferComplete>
		<CommandKey>task_9</CommandKey>
		<StartTime>2026-08-30T10:00:00Z</StartTime>
		<CompleteTime>2026-08-30T10:02:00Z</CompleteTime>
	</TransferComplete></Body></Envelope>`
	rec := postSOAP(t, h, body, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d, body %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "TransferCompleteResponse") {
		t.Errorf("expected TransferCompleteResponse:\n%s", rec.Body.String())
	}
	if env.tasks.tasks[0].Status != database.TaskStatusCompleted {
		t.Errorf("task status: got %q, want completed", env.tasks.tasks[0].Status)
	}

	// A key that resolves to nothing keeps the plain 204 behavior
	unknown := `<Envelope><Body><TransferComplete><CommandKey>task_404</CommandKey></TransferComplete></Body></Envelope>`
	miss := postSOAP(t, h, unknown, "")
	if miss.Code != http.StatusNoContent {
		t.Errorf("unknown key status: got %d, want 204", miss.Code)
	}
}

func TestHandlerInformTouchesActivity(t *testing.T) {
	h, _ := newTestHandler(t)
	activity := &fakeActivity{}
	h.Activity = activity

	rec := postSOAP(t, h, sampleInform, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d", rec.Code)
	}

	if len(activity.touches) != 1 {
		t.Fatalf("touches: got %d, want 1", len(activity.touches))
	}
	touch := activity.touches[0]
	if touch.SerialNumber != "SN-1001" {
		t.Errorf("serial: got %q", touch.SerialNumber)
	}
	if touch.Protocol != database.ProtocolCWMP {
		t.Errorf("protocol: got %q", touch.Protocol)
	}
}

func TestHandlerFullProvisioningExchange(t *testing.T) {
	h, env := newTestHandler(t)
	env.devices.Create(&database.Device{SerialNumber: "SN-1001", Protocol: database.ProtocolCWMP})
	env.tasks.tasks = append(env.tasks.tasks, &database.ProvisioningTask{
		ID: 1, DeviceID: 1, TaskType: database.TaskTypeReboot, Status: database.TaskStatusPending,
	})

	rec := postSOAP(t, h, sampleInform, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("inform status: got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "cwmp:Reboot") {
		t.Fatalf("expected Reboot dispatched:\n%s", rec.Body.String())
	}
	cookie := sessionCookieFrom(t, rec)

	ack := `<Envelope><Header><ID>1</ID></Header><Body><RebootResponse></RebootResponse></Body></Envelope>`
	done := postSOAP(t, h, ack, cookie)
	if done.Code != http.StatusNoContent {
		t.Fatalf("ack status: got %d", done.Code)
	}
	if env.tasks.tasks[0].Status != database.TaskStatusCompleted {
		t.Errorf("task status: got %q", env.tasks.tasks[0].Status)
	}
}
