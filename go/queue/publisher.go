// Package queue adapts the collector to its durable message queue: a
// QStash-style HTTP broker that accepts publishes and re-delivers them
// to the collector's webhook endpoints with signed requests. Without a
// broker URL the publisher delivers straight to the destination, signing
// the request itself, which keeps single-instance deployments and tests
// on the same code path as production.
package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/takaraflow/drive-collector-js-sub006/go/limits"
)

// Config locates the queue broker and its signing keys.
type Config struct {
	PublishURL     string `long:"queue-publish-url" env:"QUEUE_PUBLISH_URL" description:"Queue broker publish endpoint. Empty delivers directly to the destination"`
	Token          string `long:"queue-token" env:"QUEUE_TOKEN" description:"Bearer token for broker publishes"`
	SigningKey     string `long:"queue-signing-key" env:"QUEUE_SIGNING_KEY" description:"Current key for webhook delivery signatures"`
	SigningKeyPrev string `long:"queue-signing-key-prev" env:"QUEUE_SIGNING_KEY_PREV" description:"Previous signing key, accepted during rotation"`
}

// publishTimeout bounds one publish round trip, excluding retries.
const publishTimeout = 10 * time.Second

// Publisher enqueues messages for at-least-once webhook delivery.
type Publisher struct {
	base     string
	token    string
	verifier *Verifier
	http     *http.Client
	limiter  *limits.Limiter
	policy   limits.Policy
}

// NewPublisher builds a Publisher from |cfg|. The verifier signs direct
// deliveries; broker deliveries are signed by the broker itself.
func NewPublisher(cfg Config, verifier *Verifier, limiter *limits.Limiter) *Publisher {
	return &Publisher{
		base:     strings.TrimRight(cfg.PublishURL, "/"),
		token:    cfg.Token,
		verifier: verifier,
		http:     limits.NewHTTPClient(publishTimeout),
		limiter:  limiter,
		policy:   limits.Exponential(4, 500*time.Millisecond, 10*time.Second),
	}
}

// Publish enqueues |message| for delivery to |destination|, the full URL
// of a collector webhook endpoint. Delivery is at-least-once: the broker
// redelivers on 5xx, and publish itself retries transient failures, so
// consumers must tolerate duplicates.
func (p *Publisher) Publish(ctx context.Context, destination string, message interface{}) error {
	body, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("encoding queue message: %w", err)
	}

	err = limits.WithRetry(ctx, p.policy, func(ctx context.Context) error {
		if p.limiter != nil {
			if err := p.limiter.Acquire(ctx, limits.TierNormal); err != nil {
				return err
			}
		}
		return p.post(ctx, destination, body)
	})
	if err != nil {
		publishes.WithLabelValues("error").Inc()
		return fmt.Errorf("publishing to %s: %w", destination, err)
	}
	publishes.WithLabelValues("ok").Inc()
	return nil
}

func (p *Publisher) post(ctx context.Context, destination string, body []byte) error {
	var target = destination
	if p.base != "" {
		// QStash-style brokers take the destination as a path suffix.
		target = p.base + "/" + url.QueryEscape(destination)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building publish request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.base != "" {
		req.Header.Set("Authorization", "Bearer "+p.token)
	} else if p.verifier != nil {
		req.Header.Set(SignatureHeader, p.verifier.Sign(body))
	}

	resp, err := p.http.Do(req)
	if err != nil {
		return fmt.Errorf("posting queue message: %w", err)
	}
	defer resp.Body.Close()

	if err = limits.ErrorFromResponse(resp); err != nil {
		log.WithFields(log.Fields{
			"destination": destination,
			"err":         err,
		}).Warn("queue publish failed (will retry if transient)")
		return err
	}
	return nil
}
