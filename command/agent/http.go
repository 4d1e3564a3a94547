// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package agent

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/rs/cors"

	"github.com/hashicorp/drover/drover"
	"github.com/hashicorp/drover/drover/structs"
)

// httpServer is the thin JSON surface over the scheduler core. Auth and
// the richer RPC layer live outside this repository; this surface maps
// 1:1 onto the core operations.
type httpServer struct {
	agent    *Agent
	listener net.Listener
	srv      *http.Server
}

func newHTTPServer(a *Agent, bindAddr string) (*httpServer, error) {
	ln, err := net.Listen("tcp", bindAddr)
	if err != nil {
		return nil, fmt.Errorf("binding %q: %w", bindAddr, err)
	}
	s := &httpServer{agent: a, listener: ln}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/tasks", s.handleSubmit)
	mux.HandleFunc("GET /v1/task/{id}", s.handleGetResult)
	mux.HandleFunc("GET /v1/task/{id}/output", s.handleGetOutput)
	mux.HandleFunc("POST /v1/task/{id}/cancel", s.handleCancel)
	mux.HandleFunc("POST /v1/bot/poll", s.handlePoll)
	mux.HandleFunc("POST /v1/bot/update", s.handleUpdate)
	mux.HandleFunc("POST /v1/bot/kill_task", s.handleKillTask)
	mux.HandleFunc("POST /v1/internal/sweeps/{name}", s.handleSweep)

	s.srv = &http.Server{
		Handler:           cors.Default().Handler(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

func (s *httpServer) start() {
	go func() {
		if err := s.srv.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.agent.logger.Error("http server failed", "error", err)
		}
	}()
}

func (s *httpServer) stop() {
	s.srv.Close()
}

// respondError maps core error categories onto status codes: validation
// and bot misbehavior are the caller's fault and permanent, everything
// else is a retryable server error.
func (s *httpServer) respondError(w http.ResponseWriter, err error) {
	var invalid *structs.InvalidRequestError
	status := http.StatusInternalServerError
	switch {
	case errors.As(err, &invalid),
		errors.Is(err, structs.ErrWrongBot),
		errors.Is(err, structs.ErrUnknownRun),
		errors.Is(err, structs.ErrExitCodeChanged),
		errors.Is(err, structs.ErrDurationChanged):
		status = http.StatusBadRequest
	}
	http.Error(w, err.Error(), status)
}

func (s *httpServer) respondJSON(w http.ResponseWriter, v any) {
	out, err := writeJSON(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(out)
}

func decodeBody(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

// submitRequest is the wire form of a task submission.
type submitRequest struct {
	Name        string            `json:"name"`
	User        string            `json:"user"`
	Tags        []string          `json:"tags"`
	Priority    uint8             `json:"priority"`
	ParentRunID string            `json:"parent_run_id"`
	PubSubTopic string            `json:"pubsub_topic"`
	PubSubAuth  string            `json:"pubsub_auth_token"`
	PubSubUser  string            `json:"pubsub_userdata"`
	Slices      []*submitSlice    `json:"slices"`
	Secret      []byte            `json:"secret"`
}

type submitSlice struct {
	Capabilities     map[string][]string `json:"capabilities"`
	ExpirationSecs   int64               `json:"expiration_secs"`
	WaitForCapacity  bool                `json:"wait_for_capacity"`
	Idempotent       bool                `json:"idempotent"`
	ExecTimeoutSecs  int64               `json:"execution_timeout_secs"`
	IOTimeoutSecs    int64               `json:"io_timeout_secs"`
	GracePeriodSecs  int64               `json:"grace_period_secs"`
	Command          []string            `json:"command"`
	Env              map[string]string   `json:"env"`
	InputsRef        string              `json:"inputs_ref"`
}

func (s *httpServer) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var in submitRequest
	if err := decodeBody(r, &in); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	req := &structs.TaskRequest{
		Name:            in.Name,
		User:            in.User,
		Tags:            in.Tags,
		Priority:        in.Priority,
		ParentRunID:     in.ParentRunID,
		PubSubTopic:     in.PubSubTopic,
		PubSubAuthToken: in.PubSubAuth,
		PubSubUserdata:  in.PubSubUser,
	}
	for _, sl := range in.Slices {
		req.Slices = append(req.Slices, &structs.TaskSlice{
			Capabilities:     structs.NewCapabilitySet(sl.Capabilities),
			Expiration:       time.Duration(sl.ExpirationSecs) * time.Second,
			WaitForCapacity:  sl.WaitForCapacity,
			Idempotent:       sl.Idempotent,
			ExecutionTimeout: time.Duration(sl.ExecTimeoutSecs) * time.Second,
			IOTimeout:        time.Duration(sl.IOTimeoutSecs) * time.Second,
			GracePeriod:      time.Duration(sl.GracePeriodSecs) * time.Second,
			Command:          sl.Command,
			Env:              sl.Env,
			InputsRef:        sl.InputsRef,
		})
	}
	summary, err := s.agent.server.SubmitTask(req, in.Secret)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, summary)
}

func (s *httpServer) handleGetResult(w http.ResponseWriter, r *http.Request) {
	summary, err := s.agent.server.GetTaskResult(r.PathValue("id"))
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, summary)
}

func (s *httpServer) handleGetOutput(w http.ResponseWriter, r *http.Request) {
	out, err := s.agent.server.GetTaskOutput(r.PathValue("id"))
	if err != nil {
		s.respondError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Write(out)
}

func (s *httpServer) handleCancel(w http.ResponseWriter, r *http.Request) {
	var in struct {
		KillRunning bool   `json:"kill_running"`
		BotID       string `json:"bot_id"`
	}
	if err := decodeBody(r, &in); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	ok, wasRunning, err := s.agent.server.CancelTask(r.PathValue("id"), in.KillRunning, in.BotID)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, map[string]bool{"ok": ok, "was_running": wasRunning})
}

func (s *httpServer) handlePoll(w http.ResponseWriter, r *http.Request) {
	var in struct {
		BotID        string              `json:"bot_id"`
		Version      string              `json:"version"`
		Capabilities map[string][]string `json:"capabilities"`
		DeadlineSecs int64               `json:"deadline_secs"`
	}
	if err := decodeBody(r, &in); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	deadline := time.Time{}
	if in.DeadlineSecs > 0 {
		deadline = time.Now().Add(time.Duration(in.DeadlineSecs) * time.Second)
	}
	resp, err := s.agent.server.PollBot(in.BotID, structs.NewCapabilitySet(in.Capabilities), in.Version, deadline)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, resp)
}

func (s *httpServer) handleUpdate(w http.ResponseWriter, r *http.Request) {
	var in struct {
		RunID        string         `json:"run_id"`
		BotID        string         `json:"bot_id"`
		Output       []byte         `json:"output"`
		OutputOffset int64          `json:"output_offset"`
		ExitCode     *int64         `json:"exit_code"`
		DurationSecs *float64       `json:"duration_secs"`
		HardTimeout  bool           `json:"hard_timeout"`
		IOTimeout    bool           `json:"io_timeout"`
		CostUSD      float64        `json:"cost_usd"`
		OutputsRef   string         `json:"outputs_ref"`
	}
	if err := decodeBody(r, &in); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	update := &drover.TaskUpdate{
		Output:       in.Output,
		OutputOffset: in.OutputOffset,
		ExitCode:     in.ExitCode,
		HardTimeout:  in.HardTimeout,
		IOTimeout:    in.IOTimeout,
		CostUSD:      in.CostUSD,
		OutputsRef:   in.OutputsRef,
	}
	if in.DurationSecs != nil {
		d := time.Duration(*in.DurationSecs * float64(time.Second))
		update.Duration = &d
	}
	advisory, err := s.agent.server.UpdateTask(in.RunID, in.BotID, update)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, map[string]string{"state": string(advisory)})
}

func (s *httpServer) handleKillTask(w http.ResponseWriter, r *http.Request) {
	var in struct {
		RunID  string `json:"run_id"`
		BotID  string `json:"bot_id"`
		Reason string `json:"reason"`
	}
	if err := decodeBody(r, &in); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.agent.server.BotKillTask(in.RunID, in.BotID, in.Reason); err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, map[string]bool{"ok": true})
}

// handleSweep lets an external cron trigger one sweep and observe how
// many entities it acted on.
func (s *httpServer) handleSweep(w http.ResponseWriter, r *http.Request) {
	name := strings.ToLower(r.PathValue("name"))
	var fn func() (int, error)
	switch name {
	case "expired_queue":
		fn = s.agent.server.SweepExpiredQueue
	case "dead_bots":
		fn = s.agent.server.SweepDeadBots
	case "dedup_index":
		fn = s.agent.server.SweepDedupIndex
	case "outbox":
		fn = s.agent.server.SweepOutbox
	case "lease_tick":
		if s.agent.leaseMgr == nil {
			http.Error(w, "lease manager not configured", http.StatusBadRequest)
			return
		}
		fn = s.agent.leaseMgr.Tick
	case "utilization":
		if s.agent.leaseMgr == nil {
			http.Error(w, "lease manager not configured", http.StatusBadRequest)
			return
		}
		fn = s.agent.leaseMgr.ComputeUtilization
	default:
		http.Error(w, fmt.Sprintf("unknown sweep %q", name), http.StatusNotFound)
		return
	}
	count, err := fn()
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, map[string]int{"count": count})
}
