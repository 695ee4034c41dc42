package pipeline

import (
	"context"
	"errors"
	"net/http"

	"github.com/takaraflow/drive-collector-js-sub006/go/kvcache"
	"github.com/takaraflow/drive-collector-js-sub006/go/limits"
	"github.com/takaraflow/drive-collector-js-sub006/go/protocol"
	"github.com/takaraflow/drive-collector-js-sub006/go/store"
	"github.com/takaraflow/drive-collector-js-sub006/go/telegram"
)

// Result is a phase handler's outcome, shaped for the webhook response
// the durable queue sees. The code steers redelivery: 200 and 404 and
// 500 end this delivery, 503 asks the queue to try again later.
type Result struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Code    int    `json:"-"`
}

func ok(message string) Result {
	return Result{Success: true, Code: http.StatusOK, Message: message}
}

func notFound(message string) Result {
	return Result{Code: http.StatusNotFound, Message: message}
}

func notLeader() Result {
	return Result{Code: http.StatusServiceUnavailable, Message: "not leader"}
}

func transient(message string) Result {
	return Result{Code: http.StatusServiceUnavailable, Message: message}
}

func internal(message string) Result {
	return Result{Code: http.StatusInternalServerError, Message: message}
}

// resultFromError maps a failure onto the response contract: missing
// things are 404, anything worth a redelivery is 503, the rest is 500.
func resultFromError(err error) Result {
	var getErr *kvcache.GetError
	var setErr *kvcache.SetError
	switch {
	case err == nil:
		return ok("")
	case errors.Is(err, store.ErrTaskNotFound):
		return notFound("task not found")
	case errors.Is(err, telegram.ErrSourceGone):
		return notFound("source media missing")
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return transient(err.Error())
	case errors.As(err, &getErr), errors.As(err, &setErr):
		// Lock and cache plumbing is down, not the task.
		return transient(err.Error())
	case limits.Retryable(err):
		return transient(err.Error())
	}
	switch protocol.Classify(err) {
	case protocol.KindTimeout, protocol.KindNetwork,
		protocol.KindNotConnected, protocol.KindConnectionLost:
		return transient(err.Error())
	}
	return internal(err.Error())
}

// transientWire reports whether a transfer error is worth handing back
// to the queue rather than failing the task.
func transientWire(err error) bool {
	if limits.Retryable(err) {
		return true
	}
	switch protocol.Classify(err) {
	case protocol.KindTimeout, protocol.KindNetwork,
		protocol.KindNotConnected, protocol.KindConnectionLost:
		return true
	}
	return false
}
