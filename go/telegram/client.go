// Package telegram is the chat-gateway client: one long-poll receive
// loop feeding an update stream, plus the messaging and file calls
// the dispatcher and pipeline consume. It implements protocol.Conn so
// the supervisor can watch and reconnect it.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/takaraflow/drive-collector-js-sub006/go/limits"
)

const (
	defaultAPIBase = "https://api.telegram.org"
	callTimeout    = 30 * time.Second
	// pollHold is how long the gateway parks a getUpdates call before
	// returning an empty batch.
	pollHold = 50 * time.Second
	// updateBuffer absorbs bursts between poll batches and dispatcher
	// consumption.
	updateBuffer = 256
)

// Config identifies the bot account at the chat gateway.
type Config struct {
	Token   string `long:"bot-token" env:"BOT_TOKEN" description:"Bot token issued by the chat gateway"`
	APIBase string `long:"api-base" env:"TELEGRAM_API_BASE" description:"Chat gateway base URL" default:"https://api.telegram.org"`
}

// Configured reports whether a token is present.
func (c Config) Configured() bool { return c.Token != "" }

// Client talks to the chat gateway. All calls pass through the shared
// rate limiter; interactive sends outrank transfers.
type Client struct {
	base     string
	fileBase string
	http     *http.Client
	poller   *http.Client
	streamer *http.Client
	limiter  *limits.Limiter
	onError  func(error)

	updates chan Update

	mu         sync.Mutex
	offset     int64
	cancelPoll context.CancelFunc
	pollDone   chan struct{}
}

// NewClient builds a Client. |onError| receives asynchronous receive-
// loop failures (wire it to the supervisor's Notify); nil is allowed.
func NewClient(cfg Config, limiter *limits.Limiter, onError func(error)) *Client {
	if cfg.APIBase == "" {
		cfg.APIBase = defaultAPIBase
	}
	if onError == nil {
		onError = func(error) {}
	}
	var base = strings.TrimSuffix(cfg.APIBase, "/")
	return &Client{
		base:     base + "/bot" + cfg.Token,
		fileBase: base + "/file/bot" + cfg.Token,
		http:     limits.NewHTTPClient(callTimeout),
		// The poller's timeout must outlast the gateway's hold; the
		// streamer has none at all, since a whole-request timeout
		// would cut large downloads short. Contexts bound it instead.
		poller:   limits.NewHTTPClient(pollHold + 15*time.Second),
		streamer: limits.NewHTTPClient(0),
		limiter:  limiter,
		onError:  onError,
		updates:  make(chan Update, updateBuffer),
	}
}

// Updates is the inbound event stream. It stays open across
// reconnects; the dispatcher reads it for the life of the process.
func (c *Client) Updates() <-chan Update { return c.updates }

// Connect verifies the gateway is reachable and starts the receive
// loop. The loop lives until |ctx| is cancelled or Disconnect is
// called.
func (c *Client) Connect(ctx context.Context) error {
	if err := c.Ping(ctx); err != nil {
		return fmt.Errorf("verifying gateway reachability: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancelPoll != nil {
		return nil // already connected
	}
	var pollCtx, cancel = context.WithCancel(ctx)
	c.cancelPoll = cancel
	c.pollDone = make(chan struct{})
	go c.poll(pollCtx, c.pollDone)
	return nil
}

// Disconnect stops the receive loop, waiting for it to exit or |ctx|
// to expire. Disconnecting an idle client is a no-op.
func (c *Client) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	var cancel, done = c.cancelPoll, c.pollDone
	c.cancelPoll, c.pollDone = nil, nil
	c.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("receive loop still draining: %w", ctx.Err())
	}
}

// Ping is the watchdog's liveness call.
func (c *Client) Ping(ctx context.Context) error {
	return c.call(ctx, limits.TierHigh, "getMe", nil, nil)
}

// ResetSession drops the update cursor and all idle transport state,
// so the next Connect starts from the gateway's current stream
// position.
func (c *Client) ResetSession() {
	c.mu.Lock()
	c.offset = 0
	c.mu.Unlock()
	c.http.CloseIdleConnections()
	c.poller.CloseIdleConnections()
	c.streamer.CloseIdleConnections()
	log.Info("chat session state reset")
}

// poll runs the long-poll receive loop.
func (c *Client) poll(ctx context.Context, done chan<- struct{}) {
	defer close(done)
	for ctx.Err() == nil {
		var batch, err = c.getUpdates(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			pollErrors.Inc()
			c.onError(err)
			// Pause before re-polling so a dead gateway doesn't spin
			// the loop while the supervisor decides what to do.
			if sleepErr := sleepCtx(ctx, 2*time.Second); sleepErr != nil {
				return
			}
			continue
		}
		for _, u := range batch {
			c.advance(u.UpdateID)
			select {
			case c.updates <- u:
				updatesReceived.Inc()
			default:
				droppedUpdates.Inc()
				log.WithField("updateId", u.UpdateID).
					Warn("dropping update, dispatcher is not keeping up")
			}
		}
	}
}

func (c *Client) getUpdates(ctx context.Context) ([]Update, error) {
	c.mu.Lock()
	var offset = c.offset
	c.mu.Unlock()

	var params = struct {
		Offset         int64    `json:"offset,omitempty"`
		Timeout        int      `json:"timeout"`
		AllowedUpdates []string `json:"allowed_updates"`
	}{
		Offset:         offset,
		Timeout:        int(pollHold / time.Second),
		AllowedUpdates: []string{"message", "callback_query"},
	}
	var batch []Update
	if err := c.callWith(ctx, c.poller, limits.TierHigh, "getUpdates", params, &batch); err != nil {
		return nil, err
	}
	return batch, nil
}

// advance moves the cursor past |updateID| so the gateway stops
// redelivering it.
func (c *Client) advance(updateID int64) {
	c.mu.Lock()
	if updateID >= c.offset {
		c.offset = updateID + 1
	}
	c.mu.Unlock()
}

// apiResponse is the gateway's uniform envelope.
type apiResponse struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result"`
	ErrorCode   int             `json:"error_code"`
	Description string          `json:"description"`
	Parameters  *struct {
		RetryAfter int `json:"retry_after"`
	} `json:"parameters"`
}

func (c *Client) call(ctx context.Context, tier limits.Tier, method string, params, result interface{}) error {
	return c.callWith(ctx, c.http, tier, method, params, result)
}

func (c *Client) callWith(ctx context.Context, client *http.Client, tier limits.Tier, method string, params, result interface{}) error {
	if err := c.limiter.Acquire(ctx, tier); err != nil {
		return err
	}

	var body = []byte("{}")
	if params != nil {
		var err error
		if body, err = json.Marshal(params); err != nil {
			return fmt.Errorf("encoding %s params: %w", method, err)
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/"+method, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		apiCalls.WithLabelValues(method, "error").Inc()
		return fmt.Errorf("calling %s: %w", method, err)
	}
	defer resp.Body.Close()

	var envelope apiResponse
	if err = json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		apiCalls.WithLabelValues(method, "error").Inc()
		return fmt.Errorf("decoding %s response: %w", method, err)
	}
	if !envelope.OK {
		apiCalls.WithLabelValues(method, "error").Inc()
		return c.apiError(resp.StatusCode, envelope)
	}
	apiCalls.WithLabelValues(method, "ok").Inc()

	if result != nil {
		if err = json.Unmarshal(envelope.Result, result); err != nil {
			return fmt.Errorf("decoding %s result: %w", method, err)
		}
	}
	return nil
}

// apiError converts a gateway rejection into a StatusError so the
// classifier and retry policies can read the code and Retry-After.
func (c *Client) apiError(httpStatus int, envelope apiResponse) error {
	var code = envelope.ErrorCode
	if code == 0 {
		code = httpStatus
	}
	var status = &limits.StatusError{Code: code, Body: envelope.Description}
	if envelope.Parameters != nil && envelope.Parameters.RetryAfter > 0 {
		status.RetryAfter = time.Duration(envelope.Parameters.RetryAfter) * time.Second
	}
	return status
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	var timer = time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
