package server

import (
	"fmt"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
)

// feed fans the latest JPEG of a session out to MJPEG viewers. Slow viewers skip frames.
type feed struct {
	mu     sync.Mutex
	subs   map[chan []byte]struct{}
	closed bool
}

func newFeed() *feed {
	return &feed{subs: make(map[chan []byte]struct{})}
}

func (f *feed) publish(frame []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for ch := range f.subs {
		select {
		case ch <- frame:
		default:
			// Drop the stale frame and keep the newest.
			select {
			case <-ch:
			default:
			}
			ch <- frame
		}
	}
}

// subscribe returns a channel of frames that is closed when the feed ends.
func (f *feed) subscribe() (<-chan []byte, func()) {
	ch := make(chan []byte, 1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		close(ch)
		return ch, func() {}
	}
	f.subs[ch] = struct{}{}
	return ch, func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		if _, ok := f.subs[ch]; ok {
			delete(f.subs, ch)
			close(ch)
		}
	}
}

func (f *feed) close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	for ch := range f.subs {
		delete(f.subs, ch)
		close(ch)
	}
}

func (s *Server) openFeed(id string) *feed {
	f := newFeed()
	s.mu.Lock()
	s.feeds[id] = f
	s.mu.Unlock()
	return f
}

func (s *Server) closeFeed(id string) {
	s.mu.Lock()
	f, ok := s.feeds[id]
	delete(s.feeds, id)
	s.mu.Unlock()
	if ok {
		f.close()
	}
}

// handleStream serves /stream/{id}.mjpg as multipart/x-mixed-replace.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	id, ok := strings.CutSuffix(r.PathValue("file"), ".mjpg")
	if !ok {
		http.NotFound(w, r)
		return
	}
	s.mu.Lock()
	f, ok := s.feeds[id]
	s.mu.Unlock()
	if !ok {
		http.Error(w, "no running session "+id, http.StatusNotFound)
		return
	}

	frames, cancel := f.subscribe()
	defer cancel()

	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=frame")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "close")

	mw := multipart.NewWriter(w)
	mw.SetBoundary("frame")
	flusher, _ := w.(http.Flusher)
	if flusher != nil {
		flusher.Flush()
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case frame, ok := <-frames:
			if !ok {
				mw.Close()
				return
			}
			if err := writeJPEGPart(mw, frame); err != nil {
				log.Debug().Err(err).Str("session", id).Msg("mjpeg viewer went away")
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
	}
}

func writeJPEGPart(mw *multipart.Writer, frame []byte) error {
	header := textproto.MIMEHeader{}
	header.Set("Content-Type", "image/jpeg")
	header.Set("Content-Length", fmt.Sprintf("%d", len(frame)))

	part, err := mw.CreatePart(header)
	if err != nil {
		return err
	}
	_, err = part.Write(frame)
	return err
}
