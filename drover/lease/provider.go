// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package lease

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	cleanhttp "github.com/hashicorp/go-cleanhttp"

	"github.com/hashicorp/drover/drover/structs"
)

// LeaseState is the provider's view of one lease request.
type LeaseState string

const (
	LeaseStatePending   LeaseState = "PENDING"
	LeaseStateFulfilled LeaseState = "FULFILLED"
	LeaseStateDenied    LeaseState = "DENIED"
)

// Provider error codes the manager handles specifically. Anything else is
// treated as permanent.
const (
	ErrCodeDeadlineExceeded = "DEADLINE_EXCEEDED"
	ErrCodeTransient        = "TRANSIENT_ERROR"
	ErrCodeAlreadyReclaimed = "ALREADY_RECLAIMED"
	ErrCodeNotFound         = "NOT_FOUND"
)

// TransientErrorCode reports whether the code should be retried on the
// next tick without advancing any state.
func TransientErrorCode(code string) bool {
	return code == ErrCodeDeadlineExceeded || code == ErrCodeTransient
}

// GoneErrorCode reports whether a release-side code means the machine is
// already gone, which counts as a successful release.
func GoneErrorCode(code string) bool {
	return code == ErrCodeAlreadyReclaimed || code == ErrCodeNotFound
}

// LeaseRequest asks the provider for one machine. RequestID keys the
// request so provider-side retries are idempotent.
type LeaseRequest struct {
	RequestID    string                 `json:"request_id"`
	Capabilities *structs.CapabilitySet `json:"capabilities"`
	Duration     time.Duration          `json:"duration"`
	Indefinite   bool                   `json:"indefinite"`
}

// LeaseResponse is the provider's answer to LeaseMachine.
type LeaseResponse struct {
	State              LeaseState `json:"state"`
	Hostname           string     `json:"hostname,omitempty"`
	LeaseID            string     `json:"lease_id,omitempty"`
	LeaseExpiration    time.Time  `json:"lease_expiration,omitempty"`
	LeasedIndefinitely bool       `json:"leased_indefinitely,omitempty"`
	ErrorCode          string     `json:"error,omitempty"`
}

// MachineProvider is the external machine source. All operations are
// request-id keyed; implementations must make retries idempotent. A
// non-empty error code in a response is a provider-level outcome, while a
// returned Go error is a transport failure (also retried next tick).
type MachineProvider interface {
	LeaseMachine(req *LeaseRequest) (*LeaseResponse, error)
	ReleaseMachine(requestID string) (errorCode string, err error)
	InstructMachine(requestID, serverURL string) (errorCode string, err error)
}

// HTTPProvider talks to a machine provider over JSON HTTP.
type HTTPProvider struct {
	baseURL string
	client  *http.Client
}

// NewHTTPProvider builds a provider client against baseURL.
func NewHTTPProvider(baseURL string) *HTTPProvider {
	client := cleanhttp.DefaultPooledClient()
	client.Timeout = 30 * time.Second
	return &HTTPProvider{baseURL: baseURL, client: client}
}

func (p *HTTPProvider) post(path string, body, out any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	resp, err := p.client.Post(p.baseURL+path, "application/json", bytes.NewReader(raw))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("provider returned %s for %s", resp.Status, path)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// LeaseMachine implements MachineProvider.
func (p *HTTPProvider) LeaseMachine(req *LeaseRequest) (*LeaseResponse, error) {
	var out LeaseResponse
	if err := p.post("/v1/lease", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ReleaseMachine implements MachineProvider.
func (p *HTTPProvider) ReleaseMachine(requestID string) (string, error) {
	var out struct {
		ErrorCode string `json:"error,omitempty"`
	}
	body := map[string]string{"request_id": requestID}
	if err := p.post("/v1/release", body, &out); err != nil {
		return "", err
	}
	return out.ErrorCode, nil
}

// InstructMachine implements MachineProvider.
func (p *HTTPProvider) InstructMachine(requestID, serverURL string) (string, error) {
	var out struct {
		ErrorCode string `json:"error,omitempty"`
	}
	body := map[string]string{"request_id": requestID, "server_url": serverURL}
	if err := p.post("/v1/instruct", body, &out); err != nil {
		return "", err
	}
	return out.ErrorCode, nil
}
