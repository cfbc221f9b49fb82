package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// HTTPExecutor forwards invocations to the configured worker URL. The
// caller bounds the call with a context deadline; no additional client
// timeout is layered on top, so the per-tenant invocation timeout is the
// only clock.
type HTTPExecutor struct {
	WorkerURL string
	// Secret, when set, is sent as a bearer credential to the worker.
	Secret string
	Client *http.Client
}

func NewHTTPExecutor(workerURL, secret string) *HTTPExecutor {
	return &HTTPExecutor{
		WorkerURL: workerURL,
		Secret:    secret,
		Client:    &http.Client{},
	}
}

// Execute implements AgentExecutor.
func (e *HTTPExecutor) Execute(ctx context.Context, execReq *Request) (json.RawMessage, error) {
	body, err := json.Marshal(execReq)
	if err != nil {
		return nil, fmt.Errorf("marshal worker request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.WorkerURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build worker request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if e.Secret != "" {
		req.Header.Set("Authorization", "Bearer "+e.Secret)
	}

	resp, err := e.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("read worker response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &ExecError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}
	return respBody, nil
}
