package cwmp

import (
	"errors"
	"io"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/dexter939/EvoAcsss-sub001/internal/database"
	"github.com/dexter939/EvoAcsss-sub001/pkg/redis"
)

const sessionCookieName = "TR069SessionID"

// DeviceLocker serializes Inform processing per device across replicas.
// Optional; when nil every replica processes whatever arrives.
type DeviceLocker interface {
	AcquireDeviceLock(serialNumber string) (string, error)
	ReleaseDeviceLock(serialNumber string) error
}

// ActivityTracker mirrors last-contact liveness into the cache layer
type ActivityTracker interface {
	TouchDeviceActivity(activity *redis.DeviceActivity) error
}

// Handler is the /acs/cwmp HTTP endpoint. Routing inside a session rides on
// the TR069SessionID cookie; an empty POST body means the device is done.
type Handler struct {
	engine *Engine
	locks  DeviceLocker

	// Activity, when set, gets a liveness touch per Inform
	Activity ActivityTracker

	// MaxBodyBytes bounds inbound SOAP bodies. CPE envelopes are small;
	// anything past this is a misbehaving client.
	MaxBodyBytes int64
}

func NewHandler(engine *Engine, locks DeviceLocker) *Handler {
	return &Handler{
		engine:       engine,
		locks:        locks,
		MaxBodyBytes: 512 * 1024,
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, h.MaxBodyBytes+1))
	if err != nil {
		http.Error(w, "read failed", http.StatusBadRequest)
		return
	}
	if int64(len(body)) > h.MaxBodyBytes {
		http.Error(w, "request too large", http.StatusRequestEntityTooLarge)
		return
	}

	cookie := h.sessionCookie(r)

	if len(body) == 0 || isBlank(body) {
		h.finish(w, h.handleEmpty(cookie))
		return
	}

	msg, err := ParseEnvelope(body)
	if err != nil {
		log.Printf("❌ Unparseable CWMP request from %s: %v", r.RemoteAddr, err)
		http.Error(w, "invalid CWMP envelope", http.StatusBadRequest)
		return
	}

	if msg.Type == MessageInform {
		h.finish(w, h.handleInform(msg, r))
		return
	}

	result, err := h.engine.HandleMessage(cookie, msg)
	if errors.Is(err, ErrNoSession) {
		// A device that rebooted mid-transfer reconnects without its cookie;
		// the CommandKey still correlates a TransferComplete
		if msg.Type == MessageTransferComplete {
			if result, err := h.engine.HandleOrphanTransferComplete(msg); err == nil {
				h.finish(w, sessionOutcome{result, nil})
				return
			}
		}
		log.Printf("⚠️ %s from %s without an active session", msg.Type, r.RemoteAddr)
		w.WriteHeader(http.StatusNoContent)
		return
	}
	h.finish(w, sessionOutcome{result, err})
}

type sessionOutcome struct {
	result *SessionResult
	err    error
}

func (h *Handler) handleInform(msg *ParsedMessage, r *http.Request) sessionOutcome {
	serial := msg.Device.SerialNumber

	if h.locks != nil {
		if _, err := h.locks.AcquireDeviceLock(serial); err != nil {
			log.Printf("⚠️ Device %s is mid-session elsewhere: %v", serial, err)
			return sessionOutcome{err: err}
		}
		defer func() {
			if err := h.locks.ReleaseDeviceLock(serial); err != nil {
				log.Printf("⚠️ Failed to release lock for device %s: %v", serial, err)
			}
		}()
	}

	result, err := h.engine.HandleInform(msg, remoteIP(r))
	if err == nil && h.Activity != nil {
		touch := &redis.DeviceActivity{SerialNumber: serial, Protocol: database.ProtocolCWMP}
		if err := h.Activity.TouchDeviceActivity(touch); err != nil {
			log.Printf("⚠️ Failed to record activity for device %s: %v", serial, err)
		}
	}
	return sessionOutcome{result, err}
}

func (h *Handler) handleEmpty(cookie string) sessionOutcome {
	result, err := h.engine.HandleEmpty(cookie)
	if errors.Is(err, ErrNoSession) {
		// Already closed or expired, nothing more to send
		return sessionOutcome{result: &SessionResult{Close: true}}
	}
	return sessionOutcome{result, err}
}

func (h *Handler) finish(w http.ResponseWriter, out sessionOutcome) {
	if out.err != nil {
		log.Printf("❌ CWMP session error: %v", out.err)
		http.Error(w, "session processing failed", http.StatusInternalServerError)
		return
	}
	result := out.result

	if result.Cookie != "" {
		cookie := &http.Cookie{
			Name:     sessionCookieName,
			Value:    result.Cookie,
			Path:     "/",
			HttpOnly: true,
		}
		if result.Close {
			cookie.MaxAge = -1
			cookie.Expires = time.Unix(0, 0)
		}
		http.SetCookie(w, cookie)
	}

	if len(result.Body) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	w.Header().Set("Content-Type", `text/xml; charset="utf-8"`)
	w.Header().Set("SOAPAction", "")
	w.WriteHeader(http.StatusOK)
	w.Write(result.Body)
}

func (h *Handler) sessionCookie(r *http.Request) string {
	c, err := r.Cookie(sessionCookieName)
	if err != nil {
		return ""
	}
	return c.Value
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func isBlank(body []byte) bool {
	for _, b := range body {
		switch b {
		case ' ', '\t', '\r', '\n':
		default:
			return false
		}
	}
	return true
}
