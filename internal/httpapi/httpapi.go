// Package httpapi implements the HTTP shim (part of C7): the embedded
// config UI, the REST config/status/wifi/reboot endpoints, the SSE
// event stream, and a supplemental websocket event stream.
package httpapi

import (
	"context"
	"encoding/json"
	"io/fs"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/docwilco/tachtalk/internal/adapter"
	"github.com/docwilco/tachtalk/internal/proxy"
	"github.com/docwilco/tachtalk/internal/statusbus"
	"github.com/docwilco/tachtalk/internal/tconfig"
)

// WifiScanner abstracts the Wi-Fi scan/associate operations so this
// package doesn't need platform-specific networking code; on a real
// ESP32 this would drive the radio, while here it's satisfied by a
// stub that reports the currently configured network (§1 expansion:
// there is no local radio to scan on a Go host).
type WifiScanner interface {
	Scan(ctx context.Context) ([]WifiNetwork, error)
}

// WifiNetwork is one scan result.
type WifiNetwork struct {
	SSID      string `json:"ssid"`
	RSSI      int    `json:"rssi"`
	Encrypted bool   `json:"encrypted"`
}

// Rebooter abstracts process restart, since a Go service can't reboot a
// physical board; it defaults to exiting the process so a supervisor
// (systemd, docker) restarts it, preserving the endpoint's contract.
type Rebooter interface {
	Reboot()
}

// Server serves the HTTP API described in spec §6.
type Server struct {
	cfgStore *tconfig.Store
	rpm      *adapter.RPMCell
	channel  *adapter.Channel
	proxySrv *proxy.Server
	bus      *statusbus.Bus
	webFS    fs.FS
	wifi     WifiScanner
	reboot   Rebooter

	upgrader websocket.Upgrader
}

// New creates a Server.
func New(cfgStore *tconfig.Store, rpm *adapter.RPMCell, channel *adapter.Channel, proxySrv *proxy.Server, bus *statusbus.Bus, webFS fs.FS, wifi WifiScanner, reboot Rebooter) *Server {
	return &Server{
		cfgStore: cfgStore,
		rpm:      rpm,
		channel:  channel,
		proxySrv: proxySrv,
		bus:      bus,
		webFS:    webFS,
		wifi:     wifi,
		reboot:   reboot,
		upgrader: websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
	}
}

// Run starts the HTTP server and blocks until ctx is cancelled.
func (s *Server) Run(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/", http.FileServer(http.FS(s.webFS)))
	mux.HandleFunc("/api/config", s.handleConfig)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/wifi/scan", s.handleWifiScan)
	mux.HandleFunc("/api/wifi", s.handleWifiAssociate)
	mux.HandleFunc("/api/reboot", s.handleReboot)
	mux.HandleFunc("/events", s.handleEventsSSE)
	mux.HandleFunc("/events/ws", s.handleEventsWS)
	// Captive-portal detection probes issued by phone/desktop OSes; each
	// expects a specific response shape to decide whether to pop the
	// captive-portal sign-in screen.
	mux.HandleFunc("/generate_204", s.handleCaptiveProbe)
	mux.HandleFunc("/hotspot-detect.html", s.handleCaptiveProbe)
	mux.HandleFunc("/ncsi.txt", s.handleCaptiveProbe)

	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutCtx)
	}()

	log.Printf("[httpapi] listening on %s", addr)
	err := srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, s.cfgStore.Snapshot())
	case http.MethodPost:
		var next tconfig.Config
		if err := json.NewDecoder(r.Body).Decode(&next); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json body"})
			return
		}
		if err := s.cfgStore.Update(next); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, s.cfgStore.Snapshot())
	default:
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
	}
}

// StatusResponse is the payload for GET /api/status, per spec §6.
type StatusResponse struct {
	UpstreamState string `json:"upstream_state"`
	RPM           uint32 `json:"rpm"`
	RPMTimestampMS uint64 `json:"rpm_timestamp_ms"`
	ClientCount   int    `json:"client_count"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	rpm, ts := s.rpm.RPM()
	resp := StatusResponse{
		UpstreamState: s.channel.State().String(),
		RPM:           rpm,
		RPMTimestampMS: ts,
	}
	if s.proxySrv != nil {
		resp.ClientCount = s.proxySrv.ClientCount()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleWifiScan(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	if s.wifi == nil {
		writeJSON(w, http.StatusOK, []WifiNetwork{})
		return
	}
	nets, err := s.wifi.Scan(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, nets)
}

func (s *Server) handleWifiAssociate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	var req struct {
		SSID     string `json:"ssid"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json body"})
		return
	}
	cfg := s.cfgStore.Snapshot()
	cfg.Wifi.SSID = req.SSID
	cfg.Wifi.Password = req.Password
	if err := s.cfgStore.Update(cfg); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReboot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "rebooting"})
	if s.reboot != nil {
		go s.reboot.Reboot()
	}
}

// handleCaptiveProbe answers OS captive-portal detection probes with a
// response that signals "you are behind a captive portal", steering
// the OS to open the config UI, per original_source's web_server.rs.
func (s *Server) handleCaptiveProbe(w http.ResponseWriter, r *http.Request) {
	http.Redirect(w, r, "/", http.StatusFound)
}

func (s *Server) handleEventsSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	sub := s.bus.Subscribe()
	defer s.bus.Unsubscribe(sub)

	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			if _, err := w.Write([]byte(": heartbeat\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			if _, err := w.Write([]byte("event: " + string(ev.Topic) + "\ndata: " + string(data) + "\n\n")); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// handleEventsWS is a supplemental websocket transport for the same
// event stream, for clients that prefer a full-duplex socket over SSE.
func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[httpapi] ws upgrade error: %v", err)
		return
	}
	defer conn.Close()

	sub := s.bus.Subscribe()
	defer s.bus.Unsubscribe(sub)

	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for ev := range sub.Events() {
		data, err := json.Marshal(ev)
		if err != nil {
			continue
		}
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
