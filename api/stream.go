package api

import (
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"

	"prism-board/board"
)

var heartbeatInterval = 30 * time.Second

// streamSnapshots pushes the session snapshot as server-sent events: once on
// connect and again after every change. Slow clients skip intermediate
// snapshots and always receive the latest one.
func (h *handler) streamSnapshots(c echo.Context) error {
	ctrl := h.session(c)

	latest := make(chan board.Snapshot, 1)
	unsubscribe := ctrl.Subscribe(func(s board.Snapshot) {
		select {
		case latest <- s:
			return
		default:
		}
		select {
		case <-latest:
		default:
		}
		select {
		case latest <- s:
		default:
		}
	})
	defer unsubscribe()

	resp := c.Response()
	resp.Header().Set(echo.HeaderContentType, "text/event-stream")
	resp.Header().Set(echo.HeaderCacheControl, "no-cache")
	resp.Header().Set("Connection", "keep-alive")
	resp.WriteHeader(http.StatusOK)

	send := func(s board.Snapshot) error {
		data, err := sonic.ConfigStd.Marshal(s)
		if err != nil {
			return err
		}
		if _, err := resp.Write([]byte("event: snapshot\ndata: ")); err != nil {
			return err
		}
		if _, err := resp.Write(data); err != nil {
			return err
		}
		if _, err := resp.Write([]byte("\n\n")); err != nil {
			return err
		}
		resp.Flush()
		return nil
	}

	sent := ctrl.Snapshot()
	if err := send(sent); err != nil {
		return nil
	}

	ctx := c.Request().Context()
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case s := <-latest:
			if s.Version <= sent.Version {
				continue
			}
			sent = s
			if err := send(s); err != nil {
				return nil
			}
		case <-ticker.C:
			if _, err := resp.Write([]byte(":keepalive\n\n")); err != nil {
				return nil
			}
			resp.Flush()
		}
	}
}
