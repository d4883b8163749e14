package server

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/andresmejia3/emoscope/internal/capability"
	"github.com/andresmejia3/emoscope/internal/pipeline"
	"github.com/andresmejia3/emoscope/internal/source"
	"github.com/andresmejia3/emoscope/internal/types"
	"github.com/andresmejia3/emoscope/internal/utils"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const writeWait = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 64 * 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // the UI is served from the same process
	},
}

// wsConn serializes writes; gorilla connections allow one concurrent writer.
type wsConn struct {
	conn     *websocket.Conn
	writeMux sync.Mutex
}

func (c *wsConn) writeJSON(v any) error {
	c.writeMux.Lock()
	defer c.writeMux.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(v)
}

func (c *wsConn) writeBinary(b []byte) error {
	c.writeMux.Lock()
	defer c.writeMux.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.BinaryMessage, b)
}

// clientMessage is what the browser sends: {"action":"start"} or {"action":"stop"}.
type clientMessage struct {
	Action string `json:"action"`
}

// frameMessage precedes every binary JPEG frame.
type frameMessage struct {
	Type     string            `json:"type"`
	Seq      uint64            `json:"seq"`
	Summary  []string          `json:"summary"`
	Faces    []types.Detection `json:"faces"`
	Message  string            `json:"message,omitempty"`
	Error    string            `json:"error,omitempty"`
	Degraded bool              `json:"degraded,omitempty"`
}

type statusMessage struct {
	Type     string          `json:"type"`
	Session  string          `json:"session,omitempty"`
	State    string          `json:"state"`
	Stats    *pipeline.Stats `json:"stats,omitempty"`
	Message  string          `json:"message,omitempty"`
	Error    string          `json:"error,omitempty"`
	Output   string          `json:"output,omitempty"`
	Redirect types.Mode      `json:"redirect,omitempty"`
}

// socketSink pushes each result to the browser and to MJPEG viewers.
type socketSink struct {
	c *wsConn
	f *feed
}

func (s socketSink) Show(_ context.Context, r pipeline.Result) error {
	img, err := pipeline.EncodeJPEG(r.Annotated, 80)
	if err != nil {
		return err
	}
	msg := frameMessage{Type: "frame", Seq: r.Seq, Summary: r.Summary, Faces: r.Detections, Degraded: r.Degraded}
	if msg.Summary == nil {
		msg.Summary = []string{}
	}
	if msg.Faces == nil {
		msg.Faces = []types.Detection{}
	}
	switch {
	case r.Err != nil:
		msg.Error = msgDetectionFailed
	case !r.Degraded && len(r.Detections) == 0:
		msg.Message = msgNoFaces
	}
	if err := s.c.writeJSON(msg); err != nil {
		return err
	}
	if err := s.c.writeBinary(img); err != nil {
		return err
	}
	s.f.publish(img)
	return nil
}

// readActions delivers client actions until the connection drops, then calls onClose.
func readActions(c *wsConn, onAction func(string), onClose func()) {
	defer onClose()
	c.conn.SetReadLimit(4096)
	for {
		var msg clientMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug().Err(err).Msg("websocket closed")
			}
			return
		}
		onAction(msg.Action)
	}
}

// runSession drives sess over a socket and reports the outcome. outFPS > 0 enables the
// annotated output video when configured.
func (s *Server) runSession(ctx context.Context, c *wsConn, sess *pipeline.Session, src source.Source, name string, outFPS float64) {
	f := s.openFeed(sess.ID)
	defer s.closeFeed(sess.ID)

	c.writeJSON(statusMessage{Type: "status", Session: sess.ID, State: types.Running.String()})

	sinks := pipeline.MultiSink{socketSink{c: c, f: f}}
	var video *pipeline.VideoSink
	if outFPS > 0 && s.opts.Config.Video.SaveOutput {
		video = pipeline.NewVideoSink(filepath.Join(s.opts.Config.Video.OutputDir, "emoscope-"+sess.ID+".mp4"), outFPS)
		sinks = append(sinks, video)
	}

	err := sess.RunRecorded(ctx, src, sinks, s.opts.History, name)

	st := sess.Stats()
	msg := statusMessage{Type: "status", Session: sess.ID, State: sess.State().String(), Stats: &st}
	if video != nil {
		if n, verr := video.Close(); verr == nil && n > 0 {
			msg.Output = video.Path
		}
	}
	if err != nil {
		log.Warn().Err(err).Str("session", sess.ID).Msg("session ended with an error")
		var acq *types.AcquisitionError
		if errors.As(err, &acq) {
			msg.Error = "Could not read from " + acq.Source + ": " + acq.Reason
		} else {
			msg.Error = "Session ended: " + err.Error()
		}
	}
	c.writeJSON(msg)
}

// handleSessionSocket runs an uploaded video registered by handleVideo.
func (s *Server) handleSessionSocket(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sess, ok := s.opts.Manager.Get(id)
	if !ok {
		http.Error(w, "unknown session", http.StatusNotFound)
		return
	}
	path, ok := s.takePending(id)
	if !ok {
		http.Error(w, "session already running", http.StatusConflict)
		return
	}
	defer os.Remove(path)
	defer s.opts.Manager.Release(id)

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()
	c := &wsConn{conn: conn}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	go readActions(c, func(action string) {
		if action == "stop" {
			sess.Stop()
		}
	}, sess.Stop)

	src, err := s.opts.OpenVideo(ctx, path)
	if err != nil {
		sess.Stop()
		c.writeJSON(statusMessage{Type: "status", Session: id, State: types.Stopped.String(), Error: "Could not open the video: " + err.Error()})
		return
	}

	fps := s.opts.Config.Video.FPS
	if rate, err := utils.GetVideoFPS(ctx, path); err == nil && rate > 0 {
		fps = rate
	}
	s.runSession(ctx, c, sess, src, filepath.Base(path), fps)
}

// handleLiveSocket runs camera sessions on start/stop actions from the browser.
func (s *Server) handleLiveSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()
	c := &wsConn{conn: conn}

	d := capability.Gate(types.ModeLive, s.opts.Capabilities)
	if !d.Enabled {
		c.writeJSON(statusMessage{Type: "status", State: "disabled", Message: d.Message, Redirect: d.Redirect})
		return
	}
	if d.Degraded {
		c.writeJSON(statusMessage{Type: "status", State: types.Idle.String(), Message: d.Message})
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var (
		mu      sync.Mutex
		current *pipeline.Session
		wg      sync.WaitGroup
	)
	stop := func() {
		mu.Lock()
		if current != nil {
			current.Stop()
		}
		mu.Unlock()
	}
	defer wg.Wait()
	defer stop()

	readActions(c, func(action string) {
		switch action {
		case "start":
			mu.Lock()
			defer mu.Unlock()
			if current != nil && current.State() != types.Stopped {
				return
			}
			sess, err := s.opts.Manager.Create(types.ModeLive, s.opts.Processor)
			if err != nil {
				c.writeJSON(statusMessage{Type: "status", State: types.Stopped.String(), Error: err.Error()})
				return
			}
			current = sess
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer s.opts.Manager.Release(sess.ID)
				src, err := s.opts.OpenCamera(ctx)
				if err != nil {
					sess.Stop()
					c.writeJSON(statusMessage{Type: "status", Session: sess.ID, State: types.Stopped.String(), Error: "Could not open the camera: " + err.Error()})
					return
				}
				s.runSession(ctx, c, sess, src, "camera", 0)
			}()
		case "stop":
			stop()
		}
	}, func() {})
}
