package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/icco/tiebreak"
)

const keepAliveInterval = 25 * time.Second

// @Summary Stream updates
// @Description Server sent events for the given topics, e.g. game:{id} or tiebreaker:{id}
// @Tags events
// @Produce text/event-stream
// @Param topic query []string true "Topics to follow" collectionFormat(multi)
// @Success 200 {object} notify.Event
// @Failure 400 {object} ErrorResponse
// @Router /events [get]
func (a *app) eventsHandler(w http.ResponseWriter, r *http.Request) {
	topics := r.URL.Query()["topic"]
	if len(topics) == 0 {
		renderError(w, r, tiebreak.New(tiebreak.KindValidation, tiebreak.CodeInvalidInput, "at least one topic is required"))
		return
	}
	for i := range topics {
		topics[i] = ugcPolicy.Sanitize(topics[i])
	}

	sub := a.hub.Subscribe(topics...)
	defer a.hub.Unsubscribe(sub)

	rc := http.NewResponseController(w)
	// Streams outlive the server write timeout.
	_ = rc.SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		log.Errorw("streaming not supported", zap.Error(err))
		return
	}

	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				log.Errorw("failed to encode event", "seq", ev.Seq, zap.Error(err))
				continue
			}
			if _, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.Seq, ev.Kind, data); err != nil {
				return
			}
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
		}
		if err := rc.Flush(); err != nil {
			return
		}
	}
}
