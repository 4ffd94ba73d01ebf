package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/charmbracelet/log"
	"github.com/coder/websocket"

	"jia/internal/repo"
)

const (
	streamPollInterval = 500 * time.Millisecond
	streamBatch        = 100
	streamWriteTimeout = 5 * time.Second
)

// eventStream pushes new events to websocket clients as they are appended.
// Query parameters: board_id and type filter, after resumes from an event id.
type eventStream struct {
	repo     repo.Repo
	logger   *log.Logger
	interval time.Duration
}

func newEventStream(r repo.Repo, logger *log.Logger) *eventStream {
	if logger == nil {
		logger = log.Default()
	}
	return &eventStream{repo: r, logger: logger.WithPrefix("stream"), interval: streamPollInterval}
}

func (s *eventStream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := repo.EventFilter{BoardID: q.Get("board_id"), Type: q.Get("type")}
	var cursor int64
	if after := q.Get("after"); after != "" {
		n, err := strconv.ParseInt(after, 10, 64)
		if err != nil || n < 0 {
			respondStatusError(w, newAPIError(http.StatusBadRequest, "bad_request", "invalid after", map[string]any{"after": after}))
			return
		}
		cursor = n
	} else {
		latest, err := s.repo.LatestEventID(r.Context())
		if err != nil {
			respondStatusError(w, handleError(err))
			return
		}
		cursor = latest
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Debug("accept failed", "err", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	// Clients only receive; reading handles their close frames.
	ctx := conn.CloseRead(r.Context())

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		evts, err := s.repo.EventsAfter(ctx, streamBatch, cursor, filter)
		if err != nil {
			if ctx.Err() == nil {
				s.logger.Error("fetch events failed", "err", err)
				conn.Close(websocket.StatusInternalError, "event log unavailable")
			}
			return
		}
		for _, evt := range evts {
			data, err := json.Marshal(eventResponse(evt))
			if err != nil {
				return
			}
			if err := s.write(ctx, conn, data); err != nil {
				return
			}
			cursor = evt.ID
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *eventStream) write(ctx context.Context, conn *websocket.Conn, data []byte) error {
	ctx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, data)
}
