package serialmux

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"tailscale.com/tsweb"
)

// rawCommandTimeout bounds a query sent from the debug page.
const rawCommandTimeout = 2 * time.Second

// AttachAdminRoutes attaches controller debugging endpoints under /debug/.
// They are reachable only over localhost or Tailscale.
func (c *Controller) AttachAdminRoutes(debug *tsweb.DebugHandler) {
	debug.HandleFunc("fsm", "FSM controller status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(c.Status())
	})

	debug.HandleSilentFunc("fsm-command", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		command := strings.TrimSpace(r.FormValue("command"))
		if command == "" {
			http.Error(w, "Missing command", http.StatusBadRequest)
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), rawCommandTimeout)
		defer cancel()
		reply, err := c.Raw(ctx, command)
		if err != nil {
			http.Error(w, fmt.Sprintf("Failed to send command: %v", err), http.StatusBadGateway)
			return
		}
		if reply == "" {
			io.WriteString(w, fmt.Sprintf("Wrote command %q to controller", command))
			return
		}
		io.WriteString(w, reply)
	})

	// Server-sent events of the live command/reply traffic.
	debug.HandleSilentFunc("fsm-tail", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")

		id, lines := c.Subscribe()
		defer c.Unsubscribe(id)

		w.Write([]byte(": ping\n\n"))
		flusher.Flush()
		for {
			select {
			case line, ok := <-lines:
				if !ok {
					return
				}
				if _, err := fmt.Fprintf(w, "data: %s\n\n", line); err != nil {
					return
				}
				flusher.Flush()
			case <-r.Context().Done():
				return
			}
		}
	})
}
