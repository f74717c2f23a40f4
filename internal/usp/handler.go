package usp

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/dexter939/EvoAcsss-sub001/internal/database"
	"github.com/dexter939/EvoAcsss-sub001/internal/usp/wire"
)

const endpointIDHeader = "X-USP-Endpoint-ID"

// PollStore claims parked records for HTTP-polling agents
type PollStore interface {
	ClaimOldest(deviceID uint, now time.Time) (*database.UspPendingRequest, error)
}

// Handler exposes the USP HTTP MTP: POST delivers an agent record, GET polls
// for parked controller requests, and the MQTT bridge endpoint lets an
// external broker webhook feed records in.
type Handler struct {
	service *Service
	devices DeviceStore
	poll    PollStore
	mqtt    MQTTPublisher

	MaxBodyBytes int64
}

func NewHandler(service *Service, devices DeviceStore, poll PollStore, mqtt MQTTPublisher) *Handler {
	return &Handler{
		service:      service,
		devices:      devices,
		poll:         poll,
		mqtt:         mqtt,
		MaxBodyBytes: 1 << 20,
	}
}

// HandleMsg serves POST and GET /usp/msg
func (h *Handler) HandleMsg(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.handlePost(w, r)
	case http.MethodGet:
		h.handlePoll(w, r)
	default:
		w.Header().Set("Allow", "GET, POST")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *Handler) handlePost(w http.ResponseWriter, r *http.Request) {
	raw, ok := h.readRecord(w, r)
	if !ok {
		return
	}

	reply, _, err := h.service.ProcessRecord(raw, database.MTPTypeHTTP)
	if err != nil {
		h.recordError(w, r, err)
		return
	}
	if reply == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	w.Header().Set("Content-Type", ContentTypeUSPMsg)
	w.WriteHeader(http.StatusOK)
	w.Write(reply)
}

// handlePoll returns the oldest parked record for the polling agent: 404 for
// an unknown endpoint, 204 when nothing is pending
func (h *Handler) handlePoll(w http.ResponseWriter, r *http.Request) {
	endpointID := r.Header.Get(endpointIDHeader)
	if endpointID == "" {
		endpointID = r.URL.Query().Get("endpoint_id")
	}
	if endpointID == "" {
		http.Error(w, "missing endpoint id", http.StatusBadRequest)
		return
	}

	device, err := h.devices.FindByEndpointID(endpointID)
	if err != nil {
		http.Error(w, "lookup failed", http.StatusInternalServerError)
		return
	}
	if device == nil {
		http.Error(w, "unknown endpoint", http.StatusNotFound)
		return
	}

	req, err := h.poll.ClaimOldest(device.ID, time.Now())
	if err != nil {
		http.Error(w, "poll failed", http.StatusInternalServerError)
		return
	}
	if req == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	w.Header().Set("Content-Type", ContentTypeUSPMsg)
	w.WriteHeader(http.StatusOK)
	w.Write(req.Payload)
}

// HandleMQTTBridge serves POST /usp/mqtt: the record is processed exactly
// like a native MQTT delivery and the response, if any, is published to the
// agent topic. The JSON body confirms what happened.
func (h *Handler) HandleMQTTBridge(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	raw, ok := h.readRecord(w, r)
	if !ok {
		return
	}

	reply, endpointID, err := h.service.ProcessRecord(raw, database.MTPTypeMQTT)
	if err != nil {
		h.recordError(w, r, err)
		return
	}

	result := map[string]interface{}{
		"endpoint_id": endpointID,
		"published":   false,
	}
	if reply != nil {
		if h.mqtt == nil || !h.mqtt.Connected() {
			http.Error(w, "mqtt transport unavailable", http.StatusServiceUnavailable)
			return
		}
		topic := h.mqtt.AgentTopic(endpointID)
		if device, err := h.devices.FindByEndpointID(endpointID); err == nil && device != nil && device.MQTTTopic != "" {
			topic = device.MQTTTopic
		}
		if err := h.mqtt.Publish(topic, reply); err != nil {
			log.Printf("❌ MQTT bridge publish to %s failed: %v", topic, err)
			http.Error(w, "publish failed", http.StatusBadGateway)
			return
		}
		result["published"] = true
		result["topic"] = topic
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(result)
}

func (h *Handler) readRecord(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, h.MaxBodyBytes+1))
	if err != nil {
		http.Error(w, "read failed", http.StatusBadRequest)
		return nil, false
	}
	if int64(len(raw)) > h.MaxBodyBytes {
		http.Error(w, "request too large", http.StatusRequestEntityTooLarge)
		return nil, false
	}
	if len(raw) == 0 {
		http.Error(w, "empty record", http.StatusBadRequest)
		return nil, false
	}
	return raw, true
}

func (h *Handler) recordError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, wire.ErrBadRecord), errors.Is(err, wire.ErrBadMsg),
		errors.Is(err, wire.ErrUnsupportedVersion), errors.Is(err, wire.ErrUnsupportedRecord):
		log.Printf("❌ Invalid USP record from %s: %v", r.RemoteAddr, err)
		http.Error(w, "invalid usp record", http.StatusBadRequest)
	default:
		log.Printf("❌ USP processing failed for %s: %v", r.RemoteAddr, err)
		http.Error(w, "processing failed", http.StatusInternalServerError)
	}
}
