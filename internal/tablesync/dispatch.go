package tablesync

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"
)

// Outcome classifies one subscription's handling within one cycle.
type Outcome string

const (
	// OutcomeWorking: nothing to deliver, or the callback accepted the diff.
	OutcomeWorking Outcome = "working"
	// OutcomeFailedToPost: transport error, timeout, or non-2xx response.
	OutcomeFailedToPost Outcome = "failed to post"
	// OutcomeSkipped: the subscription was not processed this cycle (source
	// fetch failed, or the subscription is not readable).
	OutcomeSkipped Outcome = "skipped"
)

const defaultDispatchTimeout = 5 * time.Second

type DispatcherOptions struct {
	HTTPClient *http.Client
	Timeout    time.Duration
}

// Dispatcher delivers one diff to one callback URL. Exactly one attempt per
// cycle; retries happen implicitly across cycles because a failed delivery
// leaves the snapshot where it was.
type Dispatcher struct {
	httpClient *http.Client
	timeout    time.Duration
}

func NewDispatcher(opts DispatcherOptions) *Dispatcher {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultDispatchTimeout
	}
	return &Dispatcher{
		httpClient: httpClient,
		timeout:    timeout,
	}
}

// Deliver POSTs the JSON-encoded diff to callbackURL. An empty diff
// short-circuits to OutcomeWorking without a network call. Transport failures
// never escape; they fold into OutcomeFailedToPost.
func (d *Dispatcher) Deliver(ctx context.Context, diff Diff, callbackURL string) Outcome {
	if diff.Empty() {
		return OutcomeWorking
	}
	payload, err := json.Marshal(diff)
	if err != nil {
		return OutcomeFailedToPost
	}
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, callbackURL, bytes.NewReader(payload))
	if err != nil {
		return OutcomeFailedToPost
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return OutcomeFailedToPost
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		return OutcomeWorking
	}
	return OutcomeFailedToPost
}
