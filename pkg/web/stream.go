package web

import (
	"bufio"
	"encoding/json"
	"fmt"
	"time"

	"github.com/absamo/triven-workflow/pkg/notify"
	"github.com/gofiber/fiber/v3"
	"github.com/valyala/fasthttp"
)

type bodyStreamer interface {
	SetBodyStreamWriter(sw fasthttp.StreamWriter)
}

// StreamEvents serves the caller's realtime events as server-sent events.
func (h *APIHandlers) StreamEvents(c fiber.Ctx) error {
	streamer, ok := any(c.Context()).(bodyStreamer)
	if !ok || h.Hub == nil {
		return problem(c, fiber.StatusNotImplemented, "not_implemented", "event streaming is not available")
	}

	id := who(c)
	sub := h.Hub.Subscribe(id.companyID, id.userID)

	c.Set(fiber.HeaderContentType, "text/event-stream")
	c.Set(fiber.HeaderCacheControl, "no-cache")
	c.Set(fiber.HeaderConnection, "keep-alive")
	c.Set("X-Accel-Buffering", "no")

	h.logger.Debug("realtime client connected", "user_id", id.userID, "company_id", id.companyID)

	keepAlive := h.keepAlive

	streamer.SetBodyStreamWriter(func(w *bufio.Writer) {
		defer sub.Close()

		ticker := time.NewTicker(keepAlive)
		defer ticker.Stop()

		if _, err := fmt.Fprint(w, ": connected\n\n"); err != nil || w.Flush() != nil {
			return
		}

		for {
			select {
			case ev, open := <-sub.C:
				if !open {
					return
				}

				if err := writeEvent(w, ev); err != nil {
					return
				}
			case <-ticker.C:
				if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
					return
				}

				if err := w.Flush(); err != nil {
					return
				}
			}
		}
	})

	return nil
}

func writeEvent(w *bufio.Writer, ev notify.RealtimeEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data); err != nil {
		return err
	}

	return w.Flush()
}
