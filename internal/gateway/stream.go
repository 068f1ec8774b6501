package gateway

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/vedanthundare/Gurukul-sub002/internal/errkind"
	"github.com/vedanthundare/Gurukul-sub002/internal/registry"
)

const (
	streamWriteWait = 10 * time.Second
	streamPingEvery = 30 * time.Second
)

// streamMessage is the websocket envelope: progress events while the
// task runs, then one final state message before the close.
type streamMessage struct {
	Type  string                  `json:"type"`
	Event *registry.ProgressEvent `json:"event,omitempty"`
	Task  *taskView               `json:"task,omitempty"`
}

// handleTaskStream upgrades to a websocket and relays progress events
// for one task: first the backlog past since_seq, then live events until
// the task settles. The final frame carries the terminal task state.
func (s *Server) handleTaskStream(c *gin.Context) {
	taskID := c.Param("id")
	var since int64
	if raw := c.Query("since_seq"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed < 0 {
			writeError(c, errkind.Validation("since_seq must be a non-negative integer"), nil)
			return
		}
		since = parsed
	}

	ctx := c.Request.Context()
	if _, err := s.orch.Registry().Get(ctx, taskID); err != nil {
		writeError(c, err, nil)
		return
	}

	// Subscribe before reading the backlog so no event falls in the gap.
	live, unsubscribe, err := s.orch.Registry().Watch(taskID)
	if err != nil {
		writeError(c, err, nil)
		return
	}
	defer unsubscribe()

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade for task %s failed: %v", taskID, err)
		return
	}
	defer func() { _ = conn.Close() }()

	send := func(msg streamMessage) error {
		_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
		return conn.WriteJSON(msg)
	}

	backlog, err := s.orch.Registry().EventsSince(ctx, taskID, since)
	if err != nil {
		return
	}
	lastSeq := since
	for i := range backlog {
		ev := backlog[i]
		if err := send(streamMessage{Type: "progress", Event: &ev}); err != nil {
			return
		}
		lastSeq = ev.Seq
	}

	// Reader goroutine: surfaces client-side closes.
	clientGone := make(chan struct{})
	go func() {
		defer close(clientGone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	pinger := time.NewTicker(streamPingEvery)
	defer pinger.Stop()

	for {
		select {
		case <-clientGone:
			return
		case <-ctx.Done():
			return
		case <-pinger.C:
			_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case ev, ok := <-live:
			if !ok {
				// Terminal: flush anything a slow channel dropped, then the
				// final task snapshot, then a clean close.
				if tail, err := s.orch.Registry().EventsSince(ctx, taskID, lastSeq); err == nil {
					for i := range tail {
						ev := tail[i]
						if err := send(streamMessage{Type: "progress", Event: &ev}); err != nil {
							return
						}
					}
				}
				if task, err := s.orch.Registry().Get(ctx, taskID); err == nil {
					view := viewOf(task)
					_ = send(streamMessage{Type: "state", Task: &view})
				}
				_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "task settled"))
				return
			}
			if ev.Seq <= lastSeq {
				continue
			}
			if err := send(streamMessage{Type: "progress", Event: &ev}); err != nil {
				return
			}
			lastSeq = ev.Seq
		}
	}
}
