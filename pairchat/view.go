package main

import (
	"encoding/json"
	"errors"
	"html/template"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/gosuda/pairchat/chat"
	"github.com/gosuda/pairchat/chat/session"
)

const (
	viewWriteWait    = 10 * time.Second
	viewPongWait     = 60 * time.Second
	viewPingInterval = 20 * time.Second
)

// NewHandler serves the client's views over HTTP.
func NewHandler(name string, c *chat.Client) http.Handler {
	r := chi.NewRouter()
	r.Get("/", func(w http.ResponseWriter, r *http.Request) { serveIndex(w, r, name, c) })
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSONResponse(w, http.StatusOK, map[string]any{"ok": true, "user": c.Self(), "room": c.Room()})
	})
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/ws", func(w http.ResponseWriter, r *http.Request) { handleWS(w, r, c) })

	r.Route("/api", func(r chi.Router) {
		r.Get("/online", func(w http.ResponseWriter, r *http.Request) {
			writeJSONResponse(w, http.StatusOK, c.Online())
		})
		r.Get("/all", func(w http.ResponseWriter, r *http.Request) {
			users, err := c.Directory(r.Context())
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSONResponse(w, http.StatusOK, users)
		})
		r.Get("/rooms/{room}", func(w http.ResponseWriter, r *http.Request) {
			writeJSONResponse(w, http.StatusOK, c.Messages(chi.URLParam(r, "room")))
		})
		r.Post("/select", func(w http.ResponseWriter, r *http.Request) {
			var req struct {
				Peer string `json:"peer"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				http.Error(w, "invalid json", http.StatusBadRequest)
				return
			}
			room, err := c.Select(req.Peer)
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSONResponse(w, http.StatusOK, map[string]string{"room": room, "peer": req.Peer})
		})
		r.Post("/send", func(w http.ResponseWriter, r *http.Request) {
			var req struct {
				Text string `json:"text"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				http.Error(w, "invalid json", http.StatusBadRequest)
				return
			}
			m, err := c.Send(req.Text)
			if err != nil && m.Room == "" {
				writeError(w, err)
				return
			}
			if err != nil {
				// Kept locally; the server did not get it.
				log.Warn().Err(err).Str("room", m.Room).Msg("[view] send")
				writeJSONResponse(w, http.StatusAccepted, m)
				return
			}
			writeJSONResponse(w, http.StatusOK, m)
		})
	})
	return r
}

func writeError(w http.ResponseWriter, err error) {
	var rejected *session.RejectedError
	status := http.StatusBadGateway
	switch {
	case errors.Is(err, chat.ErrNoIdentity):
		status = http.StatusUnauthorized
	case errors.Is(err, chat.ErrNoRoom), errors.Is(err, chat.ErrNoPeer), errors.Is(err, chat.ErrEmptyMessage):
		status = http.StatusBadRequest
	case errors.As(err, &rejected):
		status = http.StatusForbidden
	case errors.Is(err, session.ErrTimeout):
		status = http.StatusGatewayTimeout
	}
	writeJSONResponse(w, status, map[string]string{"error": err.Error()})
}

func writeJSONResponse(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		log.Debug().Err(err).Msg("[view] write response")
	}
}

// writeJSON writes v as one websocket text frame without HTML escaping.
func writeJSON(conn *websocket.Conn, v any) error {
	w, err := conn.NextWriter(websocket.TextMessage)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return w.Close()
}

// handleWS streams client events to a browser until either side leaves.
func handleWS(w http.ResponseWriter, r *http.Request, c *chat.Client) {
	upgrader := websocket.Upgrader{
		CheckOrigin:      func(r *http.Request) bool { return true },
		HandshakeTimeout: 10 * time.Second,
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	events, cancel := c.Subscribe()
	defer cancel()

	_ = conn.SetReadDeadline(time.Now().Add(viewPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(viewPongWait))
	})
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	// Current view first so the page can render without polling.
	_ = conn.SetWriteDeadline(time.Now().Add(viewWriteWait))
	if err := writeJSON(conn, chat.Event{Type: chat.EventPresence, Peers: c.Online(), Room: c.Room(), User: c.Self()}); err != nil {
		return
	}

	ticker := time.NewTicker(viewPingInterval)
	defer ticker.Stop()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
					time.Now().Add(viewWriteWait))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(viewWriteWait))
			if err := writeJSON(conn, ev); err != nil {
				log.Debug().Err(err).Msg("[view] write event")
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(viewWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		case <-r.Context().Done():
			return
		}
	}
}

type indexLine struct {
	Sender string
	Body   template.HTML
	Date   string
}

type indexPeer struct {
	ID    string
	Image string
}

type indexData struct {
	Name  string
	User  string
	Room  string
	Peer  string
	Peers []indexPeer
	Lines []indexLine
}

func serveIndex(w http.ResponseWriter, _ *http.Request, name string, c *chat.Client) {
	data := indexData{
		Name: name,
		User: sanitizeName(c.Self()),
		Room: c.Room(),
		Peer: sanitizeName(c.Partner()),
	}
	for _, p := range c.Online() {
		data.Peers = append(data.Peers, indexPeer{ID: sanitizeName(p.ID), Image: p.Image})
	}
	if data.Room != "" {
		for _, m := range c.Messages(data.Room) {
			data.Lines = append(data.Lines, indexLine{
				Sender: sanitizeName(m.Sender),
				Body:   sanitizeMessage(m.Body),
				Date:   m.Timestamp,
			})
		}
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := indexTmpl.Execute(w, data); err != nil {
		log.Debug().Err(err).Msg("[view] render index")
	}
}

var indexTmpl = template.Must(template.New("pairchat").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
  <meta charset="utf-8" />
  <meta name="viewport" content="width=device-width, initial-scale=1" />
  <title>pairchat | {{.Name}}</title>
  <style>
    body { margin:0; padding:24px; background:#0d1117; color:#e5e7eb; font-family: ui-monospace, SFMono-Regular, Menlo, Consolas, monospace }
    .wrap { max-width: 920px; margin: 0 auto; display:flex; gap:16px }
    .peers { width: 200px; border:1px solid #1f2937; border-radius:10px; padding:12px }
    .peers li { list-style:none; display:flex; gap:8px; align-items:center; margin:6px 0 }
    .log { flex:1; border:1px solid #1f2937; border-radius:10px; padding:12px; min-height:320px }
    .line { margin:4px 0 } .who { color:#22c55e } .when { color:#9ca3af; font-size:12px }
  </style>
</head>
<body>
  <div class="wrap">
    <ul class="peers" id="peers">
      <li><strong>{{if .User}}{{.User}}{{else}}not logged in{{end}}</strong></li>
      {{range .Peers}}<li data-peer="{{.ID}}"><img src="{{.Image}}" width="20" height="20" alt="" />{{.ID}}</li>{{end}}
    </ul>
    <div class="log" id="log">
      {{if .Room}}<div class="when">{{.Room}} with {{.Peer}}</div>{{end}}
      {{range .Lines}}<div class="line"><span class="who">{{.Sender}}</span> {{.Body}} <span class="when">{{.Date}}</span></div>{{end}}
    </div>
  </div>
  <script>
    const ws = new WebSocket((location.protocol === 'https:' ? 'wss://' : 'ws://') + location.host + location.pathname.replace(/\/$/, '') + '/ws');
    ws.onmessage = (e) => {
      const ev = JSON.parse(e.data);
      if (ev.type === 'message' || ev.type === 'history' || ev.type === 'room') location.reload();
      if (ev.type === 'presence' && ev.peers) {
        document.querySelectorAll('#peers li[data-peer]').forEach(li => li.remove());
        for (const p of ev.peers) {
          const li = document.createElement('li');
          li.dataset.peer = p.login;
          li.textContent = p.login;
          document.getElementById('peers').appendChild(li);
        }
      }
    };
  </script>
</body>
</html>`))
