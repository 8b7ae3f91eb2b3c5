package feed

import (
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/banshee-data/mocap.relay/internal/httputil"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Handler serves the HTTP surfaces:
//
//	/ws             JSON frames pushed as they are published
//	/api/snapshot   the latest frame
//	/api/status     publisher statistics and relay state
func (p *Publisher) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", p.handleWS)
	mux.HandleFunc("/api/snapshot", p.handleSnapshot)
	mux.HandleFunc("/api/status", p.handleStatus)
	return mux
}

func (p *Publisher) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	f, ok := p.Latest()
	if !ok {
		httputil.ServiceUnavailable(w, "no frame published yet")
		return
	}
	httputil.WriteJSONOK(w, f)
}

// StatusResponse is the body of /api/status.
type StatusResponse struct {
	PublisherStats
	State     string `json:"state"`
	SessionID string `json:"session_id,omitempty"`
	LastError string `json:"last_error,omitempty"`
	LastSeq   uint64 `json:"last_seq"`
}

func (p *Publisher) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	resp := StatusResponse{PublisherStats: p.Stats(), State: "idle"}
	if f, ok := p.Latest(); ok {
		resp.State = f.State
		resp.SessionID = f.SessionID
		resp.LastError = f.LastError
		resp.LastSeq = f.Seq
	}
	httputil.WriteJSONOK(w, resp)
}

func (p *Publisher) handleWS(w http.ResponseWriter, r *http.Request) {
	c, err := p.addClient("ws")
	if err != nil {
		httputil.ServiceUnavailable(w, err.Error())
		return
	}
	defer p.removeClient(c.id)

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		p.log.WithError(err).Debug("websocket upgrade failed")
		return
	}
	defer conn.Close()

	// Clients only receive; a read error means they went away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	write := func(f Frame) error {
		conn.SetWriteDeadline(time.Now().Add(p.config.WriteTimeout))
		return conn.WriteJSON(f)
	}

	var lastSeq uint64
	if f, ok := p.Latest(); ok {
		if err := write(f); err != nil {
			return
		}
		lastSeq = f.Seq
	}

	for {
		select {
		case <-gone:
			return
		case <-p.stopCh:
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "feed stopping"),
				time.Now().Add(time.Second))
			return
		case f := <-c.frameCh:
			if f.Seq <= lastSeq {
				continue
			}
			lastSeq = f.Seq
			if err := write(f); err != nil {
				if !errors.Is(err, websocket.ErrCloseSent) {
					p.log.WithError(err).WithField("client", c.id).Debug("websocket write failed")
				}
				return
			}
		}
	}
}
