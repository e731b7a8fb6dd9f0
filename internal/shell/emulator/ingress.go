package emulator

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/akup/multicanister/internal/core/domain"
	"github.com/akup/multicanister/internal/core/mgmt"
)

// DefaultProcessingTimeout is how long the emulator works on a request
// before answering 202 with an operation to poll.
const DefaultProcessingTimeout = 30 * time.Second

const defaultPollInterval = 100 * time.Millisecond

// maxIngressReply caps the size of an ingress reply body.
const maxIngressReply = 8 << 20

// =============================================================================
// Ingress Types
// =============================================================================

// ingressMessage is the body of execute_ingress_message. Byte fields are
// base64.
type ingressMessage struct {
	Sender             string `json:"sender"`
	CanisterID         string `json:"canister_id"`
	EffectivePrincipal any    `json:"effective_principal"`
	Method             string `json:"method"`
	Payload            string `json:"payload"`
}

// startedOrBusy is returned with 202 and 409 while an operation is pending.
type startedOrBusy struct {
	StateLabel string `json:"state_label"`
	OpID       string `json:"op_id"`
}

// canisterResult is the reply of a completed ingress message. Ok is either
// the base64 reply or, in older emulators, {"Reply": ...} or {"Reject": ...}.
type canisterResult struct {
	Ok  json.RawMessage `json:"Ok"`
	Err *ingressError   `json:"Err"`
}

type wasmResult struct {
	Reply  *string `json:"Reply"`
	Reject *string `json:"Reject"`
}

// ingressError is a reject response. Older emulators send a user error with
// code and description instead.
type ingressError struct {
	RejectCode  mgmt.RejectCode `json:"reject_code"`
	Message     string          `json:"reject_message"`
	ErrorCode   mgmt.ErrorCode  `json:"error_code"`
	Code        mgmt.ErrorCode  `json:"code"`
	Description string          `json:"description"`
}

func (e *ingressError) reject() *mgmt.Reject {
	r := &mgmt.Reject{Code: e.RejectCode, ErrorCode: e.ErrorCode, Message: e.Message}
	if r.ErrorCode == "" {
		r.ErrorCode = e.Code
	}
	if r.Message == "" {
		r.Message = e.Description
	}
	return r
}

// =============================================================================
// Ingress Operations
// =============================================================================

// ExecuteIngress submits an update call to the instance and waits for the
// result. A refused call is returned as *mgmt.Reject; every other failure is
// an *EmulatorError.
func (c *AdminClient) ExecuteIngress(ctx context.Context, instanceID int, call mgmt.Call) ([]byte, error) {
	const op = "execute_ingress"

	msg := ingressMessage{
		Sender:             base64.StdEncoding.EncodeToString(call.Sender),
		CanisterID:         base64.StdEncoding.EncodeToString(call.Canister),
		EffectivePrincipal: "None",
		Method:             call.Method,
		Payload:            base64.StdEncoding.EncodeToString(call.Arg),
	}
	if call.Effective != nil {
		msg.EffectivePrincipal = map[string]string{
			"CanisterId": base64.StdEncoding.EncodeToString(call.Effective),
		}
	}
	path := fmt.Sprintf("/instances/%d/update/execute_ingress_message", instanceID)

	for {
		req, err := c.newRequest(ctx, op, http.MethodPost, path, msg)
		if err != nil {
			return nil, err
		}
		req.Header.Set("processing-timeout-ms", strconv.FormatInt(c.processingTimeout.Milliseconds(), 10))

		status, body, err := c.send(ctx, op, req)
		if err != nil {
			return nil, err
		}

		switch status {
		case http.StatusOK:
			return parseCanisterResult(op, body)
		case http.StatusAccepted:
			return c.awaitOperation(ctx, op, body)
		case http.StatusConflict:
			c.logger.Debug("instance busy, retrying", "method", call.Method)
			if err := c.wait(ctx, op); err != nil {
				return nil, err
			}
		default:
			return nil, NewEmulatorError(op,
				fmt.Sprintf("unexpected status %d: %s", status, strings.TrimSpace(string(body))), ErrAdminRejected)
		}
	}
}

// awaitOperation polls the result of a started operation until it completes.
func (c *AdminClient) awaitOperation(ctx context.Context, op string, started []byte) ([]byte, error) {
	var pending startedOrBusy
	if err := json.Unmarshal(started, &pending); err != nil || pending.StateLabel == "" || pending.OpID == "" {
		return nil, NewEmulatorError(op, "malformed pending operation", ErrAdminRejected)
	}
	path := fmt.Sprintf("/read_graph/%s/%s", pending.StateLabel, pending.OpID)

	for {
		if err := c.wait(ctx, op); err != nil {
			return nil, err
		}
		req, err := c.newRequest(ctx, op, http.MethodGet, path, nil)
		if err != nil {
			return nil, err
		}
		status, body, err := c.send(ctx, op, req)
		if err != nil {
			return nil, err
		}

		switch status {
		case http.StatusOK:
			return parseCanisterResult(op, body)
		case http.StatusAccepted, http.StatusNotFound, http.StatusConflict:
			continue
		default:
			return nil, NewEmulatorError(op,
				fmt.Sprintf("unexpected status %d: %s", status, strings.TrimSpace(string(body))), ErrAdminRejected)
		}
	}
}

func (c *AdminClient) send(ctx context.Context, op string, req *http.Request) (int, []byte, error) {
	resp, err := c.ingressClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return 0, nil, NewEmulatorError(op, "call abandoned", ctx.Err())
		}
		return 0, nil, NewEmulatorError(op, "failed to send request", fmt.Errorf("%w: %v", domain.ErrTransport, err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxIngressReply))
	if err != nil {
		return 0, nil, NewEmulatorError(op, "failed to read response", fmt.Errorf("%w: %v", domain.ErrTransport, err))
	}
	return resp.StatusCode, body, nil
}

func (c *AdminClient) wait(ctx context.Context, op string) error {
	t := time.NewTimer(c.pollInterval)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return NewEmulatorError(op, "call abandoned", ctx.Err())
	case <-t.C:
		return nil
	}
}

func parseCanisterResult(op string, body []byte) ([]byte, error) {
	var result canisterResult
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, NewEmulatorError(op, "failed to decode result", err)
	}
	if result.Err != nil {
		return nil, result.Err.reject()
	}
	if len(result.Ok) == 0 {
		return nil, NewEmulatorError(op, "result carries neither Ok nor Err", ErrAdminRejected)
	}

	var encoded string
	if err := json.Unmarshal(result.Ok, &encoded); err != nil {
		var legacy wasmResult
		if err := json.Unmarshal(result.Ok, &legacy); err != nil {
			return nil, NewEmulatorError(op, "failed to decode reply", err)
		}
		switch {
		case legacy.Reject != nil:
			return nil, &mgmt.Reject{Code: mgmt.RejectCanisterReject, Message: *legacy.Reject}
		case legacy.Reply != nil:
			encoded = *legacy.Reply
		default:
			return nil, NewEmulatorError(op, "empty reply", ErrAdminRejected)
		}
	}

	reply, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, NewEmulatorError(op, "reply is not base64", err)
	}
	return reply, nil
}
