package remote

import (
	"encoding/json"
	"net/http"
	"strconv"
)

func (a *Agent) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	a.mu.RLock()
	resp := healthResponse{
		Status:  "ok",
		Version: ProtocolVersion,
		LastSeq: a.nextSeq,
	}
	if a.sess != nil {
		resp.SessionID = a.sess.ID()
	}
	a.mu.RUnlock()
	writeJSON(w, http.StatusOK, resp)
}

// handleCommands accepts one controller command per request. Sequence
// numbers at or below the last accepted one are acknowledged but not
// re-applied, which makes post-reconnect retries harmless.
func (a *Agent) handleCommands(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var cmd Command
	if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
		writeJSON(w, http.StatusBadRequest, commandAck{Status: "rejected", Error: "malformed command: " + err.Error()})
		return
	}
	if err := cmd.Validate(); err != nil {
		writeJSON(w, http.StatusBadRequest, commandAck{Status: "rejected", Seq: cmd.Seq, Error: err.Error()})
		return
	}
	a.mu.Lock()
	if cmd.Seq <= a.lastCmdSeq {
		a.mu.Unlock()
		writeJSON(w, http.StatusOK, commandAck{Status: "duplicate", Seq: cmd.Seq})
		return
	}
	a.lastCmdSeq = cmd.Seq
	a.mu.Unlock()

	// Interrupts bypass the queue: they must reach the runner while the
	// execution worker is blocked inside a job.
	if cmd.Type == CommandInterrupt {
		if err := a.interrupt(cmd); err != nil {
			writeJSON(w, http.StatusConflict, commandAck{Status: "rejected", Seq: cmd.Seq, Error: err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, commandAck{Status: "accepted", Seq: cmd.Seq})
		return
	}

	select {
	case a.queue <- cmd:
		writeJSON(w, http.StatusOK, commandAck{Status: "accepted", Seq: cmd.Seq})
	default:
		writeJSON(w, http.StatusServiceUnavailable, commandAck{Status: "rejected", Seq: cmd.Seq, Error: "command queue full"})
	}
}

// handleEvents streams events as newline-delimited JSON. The optional
// after parameter replays buffered events past that sequence first, so a
// reconnecting controller deduplicates by sequence number instead of
// missing or repeating notifications.
func (a *Agent) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	after := int64(0)
	if raw := r.URL.Query().Get("after"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			http.Error(w, "invalid after parameter", http.StatusBadRequest)
			return
		}
		after = parsed
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)

	sub := make(chan Event, 64)
	a.mu.Lock()
	var backlog []Event
	for _, event := range a.events {
		if event.Seq > after {
			backlog = append(backlog, event)
		}
	}
	a.subscribers[sub] = struct{}{}
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		delete(a.subscribers, sub)
		a.mu.Unlock()
	}()

	encoder := json.NewEncoder(w)
	lastSent := after
	for _, event := range backlog {
		if err := encoder.Encode(event); err != nil {
			return
		}
		lastSent = event.Seq
	}
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case event := <-sub:
			if event.Seq <= lastSent {
				continue
			}
			if err := encoder.Encode(event); err != nil {
				return
			}
			lastSent = event.Seq
			flusher.Flush()
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
