// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/bureau-foundation/fleetlink/lib/catalog"
	"github.com/bureau-foundation/fleetlink/lib/controlplane"
	"github.com/bureau-foundation/fleetlink/lib/dispatch"
	"github.com/bureau-foundation/fleetlink/lib/media"
	"github.com/bureau-foundation/fleetlink/lib/netutil"
)

// maxRequestBody bounds JSON request bodies on the API.
const maxRequestBody = 1 << 20

// errBadRequest marks input the API rejects before reaching the plane.
var errBadRequest = errors.New("bad request")

func (c *controller) routes() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /ws/{client_name}", c.sessions)

	mux.HandleFunc("GET /api/clients", c.apiListClients)
	mux.HandleFunc("GET /api/clients/{id}", c.apiShowClient)
	mux.HandleFunc("POST /api/clients/{id}/commands/{action}", c.apiSendCommand)
	mux.HandleFunc("POST /api/clients/{id}/streams", c.apiStartStream)
	mux.HandleFunc("GET /api/clients/{id}/streams/{sid}", c.apiStreamStatus)
	mux.HandleFunc("DELETE /api/clients/{id}/streams/{sid}", c.apiStopStream)
	mux.HandleFunc("POST /api/clients/{id}/streams/{sid}/record/{state}", c.apiSetRecording)
	mux.HandleFunc("POST /api/clients/{id}/streams/{sid}/slam/{state}", c.apiSetSLAM)
	mux.HandleFunc("GET /api/clients/{id}/capture", c.apiLastCapture)
	mux.HandleFunc("GET /api/streams", c.apiListStreams)
	mux.HandleFunc("GET /api/commands", c.apiListCommands)
	mux.HandleFunc("GET /api/images", c.apiListImages)
	mux.HandleFunc("GET /api/recordings", c.apiListRecordings)

	mux.HandleFunc("GET /live/{id}/{sid}", c.liveStream)
	mux.HandleFunc("GET /live/{id}/{sid}/latest.jpg", c.liveLatest)

	if c.config.Metrics.Enabled {
		mux.Handle("GET /metrics", c.metrics.Handler())
	}
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":  "ok",
			"clients": c.registry.Len(),
		})
	})
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	encoder.Encode(v)
}

// writeError maps err onto a status code and writes {"error": ...}.
func (c *controller) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := httpStatus(err)
	if status >= http.StatusInternalServerError {
		c.logger.Warn("api request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func httpStatus(err error) int {
	var failed *dispatch.CommandFailedError
	switch {
	case errors.Is(err, errBadRequest), errors.Is(err, media.ErrInvalidParams):
		return http.StatusBadRequest
	case errors.Is(err, controlplane.ErrClientNotFound),
		errors.Is(err, dispatch.ErrClientNotConnected),
		errors.Is(err, media.ErrUnknownStream):
		return http.StatusNotFound
	case errors.Is(err, dispatch.ErrCommandTimeout):
		return http.StatusRequestTimeout
	case errors.As(err, &failed), errors.Is(err, dispatch.ErrClientDisconnected):
		return http.StatusBadGateway
	case errors.Is(err, media.ErrStreamExists):
		return http.StatusConflict
	case errors.Is(err, media.ErrRecordingUnavailable), errors.Is(err, dispatch.ErrClosed):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// readBody decodes an optional JSON body into v. An empty body leaves v
// untouched.
func readBody(r *http.Request, v any) error {
	if _, err := netutil.DecodeJSON(r.Body, maxRequestBody, v); err != nil {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return nil
}

func parseState(r *http.Request) (bool, error) {
	switch state := r.PathValue("state"); state {
	case "on":
		return true, nil
	case "off":
		return false, nil
	default:
		return false, fmt.Errorf("%w: state must be on or off, got %q", errBadRequest, state)
	}
}

func parseLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 0 {
		return 0, fmt.Errorf("%w: limit must be a non-negative integer", errBadRequest)
	}
	return limit, nil
}

func (c *controller) apiListClients(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, c.plane.ListClients())
}

func (c *controller) apiShowClient(w http.ResponseWriter, r *http.Request) {
	clientID := r.PathValue("id")
	client, err := c.plane.LookupClient(clientID)
	if err != nil {
		c.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"client":  client,
		"streams": c.plane.ListStreams(clientID),
	})
}

func (c *controller) apiSendCommand(w http.ResponseWriter, r *http.Request) {
	var timeout time.Duration
	if raw := r.URL.Query().Get("timeout"); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil || parsed < 0 {
			c.writeError(w, r, fmt.Errorf("%w: timeout %q is not a duration", errBadRequest, raw))
			return
		}
		timeout = parsed
	}
	var params json.RawMessage
	if err := readBody(r, &params); err != nil {
		c.writeError(w, r, err)
		return
	}
	var commandParams any
	if len(params) > 0 && string(params) != "null" {
		commandParams = params
	}

	result, err := c.plane.SendCommand(r.Context(), r.PathValue("id"), r.PathValue("action"), commandParams, timeout)
	if err != nil {
		c.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (c *controller) apiStartStream(w http.ResponseWriter, r *http.Request) {
	var params media.Params
	if err := readBody(r, &params); err != nil {
		c.writeError(w, r, err)
		return
	}
	status, err := c.plane.StartStream(r.Context(), r.PathValue("id"), params)
	if err != nil {
		c.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, status)
}

func (c *controller) apiStreamStatus(w http.ResponseWriter, r *http.Request) {
	status, err := c.plane.StreamStatus(r.PathValue("id"), r.PathValue("sid"))
	if err != nil {
		c.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (c *controller) apiStopStream(w http.ResponseWriter, r *http.Request) {
	status, err := c.plane.StopStream(r.PathValue("id"), r.PathValue("sid"))
	if errors.Is(err, media.ErrUnknownStream) {
		c.writeError(w, r, err)
		return
	}
	// A recording that failed to finalize still stopped the stream; the
	// snapshot carries stop_error.
	writeJSON(w, http.StatusOK, status)
}

func (c *controller) apiSetRecording(w http.ResponseWriter, r *http.Request) {
	on, err := parseState(r)
	if err != nil {
		c.writeError(w, r, err)
		return
	}
	status, err := c.plane.SetRecording(r.PathValue("id"), r.PathValue("sid"), on)
	if err != nil {
		c.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (c *controller) apiSetSLAM(w http.ResponseWriter, r *http.Request) {
	on, err := parseState(r)
	if err != nil {
		c.writeError(w, r, err)
		return
	}
	status, err := c.plane.SetSLAM(r.PathValue("id"), r.PathValue("sid"), on)
	if err != nil {
		c.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (c *controller) apiLastCapture(w http.ResponseWriter, r *http.Request) {
	clientID := r.PathValue("id")
	capture, ok := c.plane.LastCapture(clientID)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no capture from " + clientID})
		return
	}
	writeJSON(w, http.StatusOK, capture)
}

func (c *controller) apiListStreams(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, c.plane.ListStreams(r.URL.Query().Get("client_id")))
}

func (c *controller) apiListCommands(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, c.plane.PendingCommands())
}

func (c *controller) apiListImages(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		c.writeError(w, r, err)
		return
	}
	images, err := c.catalog.ListImages(r.Context(), r.URL.Query().Get("client_id"), limit)
	if err != nil {
		c.writeError(w, r, err)
		return
	}
	if images == nil {
		images = []catalog.Image{}
	}
	writeJSON(w, http.StatusOK, images)
}

func (c *controller) apiListRecordings(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		c.writeError(w, r, err)
		return
	}
	recordings, err := c.catalog.ListRecordings(r.Context(), r.URL.Query().Get("client_id"), limit)
	if err != nil {
		c.writeError(w, r, err)
		return
	}
	if recordings == nil {
		recordings = []catalog.Recording{}
	}
	writeJSON(w, http.StatusOK, recordings)
}
