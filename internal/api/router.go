package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/gray-logic-buspro/internal/buspro"
)

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	// API v1 routes
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/metrics", s.handleMetrics)

		r.Route("/devices", func(r chi.Router) {
			r.Get("/", s.handleListDevices)
			r.Get("/{address}", s.handleGetDevice)
		})

		r.Route("/status", func(r chi.Router) {
			r.Get("/", s.handleListStatus)
			r.Get("/{address}", s.handleGetStatus)
		})

		r.Post("/discover", s.handleDiscover)
	})

	return r
}

// deviceView is the JSON shape of a discovered device.
type deviceView struct {
	Subnet       uint8  `json:"subnet"`
	Device       uint8  `json:"device"`
	TypeCode     uint16 `json:"type_code"`
	Model        string `json:"model"`
	Category     string `json:"category"`
	ChannelCount int    `json:"channel_count"`
	Channels     []int  `json:"channels"`
}

// statusView is the JSON shape of a cached channel status.
type statusView struct {
	Subnet   uint8          `json:"subnet"`
	Device   uint8          `json:"device"`
	Channel  int            `json:"channel"`
	Category string         `json:"category"`
	State    map[string]any `json:"state"`
	At       time.Time      `json:"at"`
}

func newDeviceView(d *buspro.DiscoveredDevice) deviceView {
	return deviceView{
		Subnet:       d.Subnet,
		Device:       d.Device,
		TypeCode:     d.TypeCode,
		Model:        d.Model,
		Category:     string(d.Category),
		ChannelCount: d.ChannelCount,
		Channels:     d.ChannelList(),
	}
}

func newStatusView(u buspro.StatusUpdate) statusView {
	return statusView{
		Subnet:   u.Subnet,
		Device:   u.Device,
		Channel:  u.Channel,
		Category: string(u.Category),
		State:    stateFields(u.Status),
		At:       u.At.UTC(),
	}
}

// stateFields flattens a decoded status into JSON fields.
func stateFields(st buspro.Status) map[string]any {
	switch v := st.(type) {
	case buspro.LightStatus:
		return map[string]any{"on": v.On, "brightness": int(v.Brightness)}
	case buspro.CoverStatus:
		return map[string]any{"position": int(v.Position)}
	case buspro.ClimateStatus:
		return map[string]any{"on": v.On, "temperature": v.Temperature, "mode": int(v.Mode)}
	case buspro.SensorStatus:
		return map[string]any{"value": v.Value}
	case buspro.BinaryStatus:
		return map[string]any{"on": v.On}
	case buspro.SwitchStatus:
		return map[string]any{"on": v.On}
	case buspro.RawStatus:
		return map[string]any{"raw": fmt.Sprintf("%x", v.Data)}
	default:
		return nil
	}
}

// handleHealth returns the server health status.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": s.version,
	})
}

// handleMetrics returns gateway counters.
func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.gw.Stats())
}

// handleListDevices returns the discovered device catalog.
func (s *Server) handleListDevices(w http.ResponseWriter, _ *http.Request) {
	devices := s.gw.Devices()
	views := make([]deviceView, 0, len(devices))
	for i := range devices {
		views = append(views, newDeviceView(&devices[i]))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"devices": views,
		"count":   len(views),
	})
}

// handleGetDevice returns one device by "subnet.device" address.
func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	subnet, device, err := parseDeviceAddress(chi.URLParam(r, "address"))
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	d, ok := s.gw.Device(subnet, device)
	if !ok {
		writeNotFound(w, fmt.Sprintf("device %d.%d not discovered", subnet, device))
		return
	}
	writeJSON(w, http.StatusOK, newDeviceView(&d))
}

// handleListStatus returns the full status cache snapshot.
func (s *Server) handleListStatus(w http.ResponseWriter, _ *http.Request) {
	snapshot := s.gw.StatusSnapshot()
	views := make([]statusView, 0, len(snapshot))
	for _, u := range snapshot {
		views = append(views, newStatusView(u))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": views,
		"count":  len(views),
	})
}

// handleGetStatus returns one channel status by "subnet.device.channel".
func (s *Server) handleGetStatus(w http.ResponseWriter, r *http.Request) {
	subnet, device, channel, err := parseChannelAddress(chi.URLParam(r, "address"))
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	u, ok := s.gw.Status(subnet, device, channel)
	if !ok {
		writeNotFound(w, fmt.Sprintf("no cached status for %d.%d.%d", subnet, device, channel))
		return
	}
	writeJSON(w, http.StatusOK, newStatusView(u))
}

// discoverRequest is the optional body for POST /discover.
type discoverRequest struct {
	Subnets []uint8 `json:"subnets"`
}

// handleDiscover triggers a bus scan and returns the discovered devices.
func (s *Server) handleDiscover(w http.ResponseWriter, r *http.Request) {
	var req discoverRequest
	if r.Body != nil {
		// Empty body is fine; scan defaults apply.
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			writeBadRequest(w, fmt.Sprintf("invalid request body: %v", err))
			return
		}
	}

	devices, err := s.gw.Discover(r.Context(), req.Subnets)
	if err != nil {
		writeInternalError(w, fmt.Sprintf("discovery failed: %v", err))
		return
	}

	views := make([]deviceView, 0, len(devices))
	for i := range devices {
		views = append(views, newDeviceView(&devices[i]))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"devices": views,
		"count":   len(views),
	})
}

// parseDeviceAddress parses a "subnet.device" path segment.
func parseDeviceAddress(addr string) (subnet, device uint8, err error) {
	parts := strings.Split(addr, ".")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("address must be subnet.device, got %q", addr)
	}
	s, err := strconv.ParseUint(parts[0], 10, 8)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid subnet %q", parts[0])
	}
	d, err := strconv.ParseUint(parts[1], 10, 8)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid device %q", parts[1])
	}
	return uint8(s), uint8(d), nil
}

// parseChannelAddress parses a "subnet.device.channel" path segment.
func parseChannelAddress(addr string) (subnet, device uint8, channel int, err error) {
	parts := strings.Split(addr, ".")
	if len(parts) != 3 {
		return 0, 0, 0, fmt.Errorf("address must be subnet.device.channel, got %q", addr)
	}
	s, err := strconv.ParseUint(parts[0], 10, 8)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("invalid subnet %q", parts[0])
	}
	d, err := strconv.ParseUint(parts[1], 10, 8)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("invalid device %q", parts[1])
	}
	ch, err := strconv.Atoi(parts[2])
	if err != nil || ch < 0 {
		return 0, 0, 0, fmt.Errorf("invalid channel %q", parts[2])
	}
	return uint8(s), uint8(d), ch, nil
}
