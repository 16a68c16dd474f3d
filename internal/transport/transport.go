// Package transport implements outbound dispatch to agents: the
// Dispatcher's call to POST {agent.public_url}/run (spec.md §6.2 "Agent
// dispatch"). Grounded on the teacher's cmd/server/main.go HTTP client
// wiring pattern, generalized into its own interface so the Dispatcher can
// be tested against a stub.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/botfleet/orchestrator/internal/errs"
)

// StartRunRequest is the payload posted to an agent's /run endpoint
// (spec.md §6.2).
type StartRunRequest struct {
	BotID  uuid.UUID `json:"bot_id"`
	Script string    `json:"script"`
	RunID  uuid.UUID `json:"run_id"`
}

// Transport dispatches a run to an agent. Implementations must honor the
// deadline carried on ctx; a cancelled or timed-out dispatch is a dispatch
// failure exactly like a non-2xx response (spec.md §5).
type Transport interface {
	StartRun(ctx context.Context, publicURL string, req StartRunRequest) error
}

// httpTransport is the production Transport, issuing a plain HTTP POST.
type httpTransport struct {
	client  *http.Client
	timeout time.Duration
}

// New returns an HTTP-backed Transport. timeout bounds every StartRun call
// and is applied via context.WithTimeout if the caller's context carries no
// earlier deadline (spec.md §5 default 10s).
func New(timeout time.Duration) Transport {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &httpTransport{
		client:  &http.Client{Timeout: timeout},
		timeout: timeout,
	}
}

func (t *httpTransport) StartRun(ctx context.Context, publicURL string, req StartRunRequest) error {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	body, err := json.Marshal(req)
	if err != nil {
		return errs.Wrap(errs.InternalError, "encode start-run request", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, publicURL+"/run", bytes.NewReader(body))
	if err != nil {
		return errs.Wrap(errs.TransportFailure, "build start-run request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return errs.Wrap(errs.TransportFailure, fmt.Sprintf("dispatch to %s failed", publicURL), err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return errs.New(errs.TransportFailure, fmt.Sprintf("agent %s returned status %d", publicURL, resp.StatusCode))
	}
	return nil
}
