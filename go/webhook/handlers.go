package webhook

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	log "github.com/sirupsen/logrus"

	"github.com/takaraflow/drive-collector-js-sub006/go/pipeline"
	"github.com/takaraflow/drive-collector-js-sub006/go/queue"
)

func (s *Server) serveDownload(w http.ResponseWriter, r *http.Request) {
	var msg queue.DownloadMessage
	if !s.readDelivery(w, r, &msg) {
		return
	}
	writeResult(w, s.handlers.HandleDownload(r.Context(), msg.TaskID))
}

func (s *Server) serveUpload(w http.ResponseWriter, r *http.Request) {
	var msg queue.UploadMessage
	if !s.readDelivery(w, r, &msg) {
		return
	}
	writeResult(w, s.handlers.HandleUpload(r.Context(), msg.TaskID))
}

func (s *Server) serveBatch(w http.ResponseWriter, r *http.Request) {
	var msg queue.BatchMessage
	if !s.readDelivery(w, r, &msg) {
		return
	}
	writeResult(w, s.handlers.HandleBatch(r.Context(), msg.GroupID, msg.TaskIDs))
}

// serveSystemEvent accepts lifecycle notices from other instances.
// Whatever the event, the delivery is acknowledged; an unknown shape
// is logged, not bounced, so the queue doesn't redeliver it forever.
func (s *Server) serveSystemEvent(w http.ResponseWriter, r *http.Request) {
	var event map[string]interface{}
	if !s.readDelivery(w, r, &event) {
		return
	}
	log.WithField("event", event).Info("system event received")
	writeResult(w, pipeline.Result{Success: true, Code: http.StatusOK, Message: "acknowledged"})
}

// serveUnknownTopic absorbs verified deliveries for task topics this
// build doesn't route, such as messages published by a newer release.
func (s *Server) serveUnknownTopic(w http.ResponseWriter, r *http.Request) {
	var payload json.RawMessage
	if !s.readDelivery(w, r, &payload) {
		return
	}
	unknownTopics.Inc()
	log.WithFields(log.Fields{
		"path":  r.URL.Path,
		"bytes": len(payload),
	}).Warn("acknowledging delivery for unknown topic")
	writeResult(w, pipeline.Result{Success: true, Code: http.StatusOK, Message: "acknowledged"})
}

// readDelivery reads the bounded body, authenticates it, and decodes
// it into |into|. On failure it writes the response and returns false.
func (s *Server) readDelivery(w http.ResponseWriter, r *http.Request, into interface{}) bool {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeResult(w, pipeline.Result{Code: http.StatusRequestEntityTooLarge, Message: "request body too large"})
		} else {
			writeResult(w, pipeline.Result{Code: http.StatusBadRequest, Message: "reading request body"})
		}
		return false
	}

	if err = s.verifier.Verify(r.Header.Get(queue.SignatureHeader), body); err != nil {
		log.WithFields(log.Fields{
			"path":   r.URL.Path,
			"client": r.RemoteAddr,
			"err":    err,
		}).Warn("rejecting unsigned delivery")
		writeResult(w, pipeline.Result{Code: http.StatusUnauthorized, Message: "unauthorized"})
		return false
	}

	if err = json.Unmarshal(body, into); err != nil {
		log.WithFields(log.Fields{"path": r.URL.Path, "err": err}).Error("undecodable delivery")
		writeResult(w, pipeline.Result{Code: http.StatusInternalServerError, Message: "malformed message body"})
		return false
	}
	return true
}

func writeResult(w http.ResponseWriter, res pipeline.Result) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(res.Code)
	if err := json.NewEncoder(w).Encode(res); err != nil {
		log.WithField("err", err).Warn("encoding webhook response")
	}
}
