package server

import (
	"encoding/base64"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/andresmejia3/emoscope/internal/capability"
	"github.com/andresmejia3/emoscope/internal/pipeline"
	"github.com/andresmejia3/emoscope/internal/source"
	"github.com/andresmejia3/emoscope/internal/types"
	"github.com/rs/zerolog/log"
)

var (
	imageExts = []string{".jpg", ".jpeg", ".png"}
	videoExts = []string{".mp4", ".avi", ".mov", ".mkv"}
)

const (
	msgNoFaces         = "No faces detected."
	msgDetectionFailed = "Emotion detection failed. Check the server logs for details."
	msgNoDetector      = "detection not available"
)

// stillResponse is the answer to an image or webcam upload.
type stillResponse struct {
	Faces   []types.Detection `json:"faces"`
	Summary []string          `json:"summary"`
	Message string            `json:"message,omitempty"`
	Warning string            `json:"warning,omitempty"`
	Error   string            `json:"error,omitempty"`
	Caption string            `json:"caption,omitempty"`
	Image   string            `json:"image"` // base64 JPEG
}

func hasExt(name string, allowed []string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, a := range allowed {
		if ext == a {
			return true
		}
	}
	return false
}

func (s *Server) maxUpload() int64 {
	return s.opts.Config.Server.MaxUploadMB * 1024 * 1024
}

// formFile returns the first present field, in preference order.
func (s *Server) formFile(r *http.Request, fields ...string) (multipart.File, *multipart.FileHeader, string, error) {
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		return nil, nil, "", err
	}
	for _, f := range fields {
		file, hdr, err := r.FormFile(f)
		if err == nil {
			return file, hdr, f, nil
		}
		if !errors.Is(err, http.ErrMissingFile) {
			return nil, nil, "", err
		}
	}
	return nil, nil, "", http.ErrMissingFile
}

func (s *Server) handleImage(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUpload())
	file, hdr, _, err := s.formFile(r, "file")
	if err != nil {
		if errors.Is(err, http.ErrMissingFile) {
			writeError(w, http.StatusBadRequest, "Please upload an image.")
			return
		}
		writeError(w, http.StatusBadRequest, "Could not read the upload: "+err.Error())
		return
	}
	if !hasExt(hdr.Filename, imageExts) {
		file.Close()
		writeError(w, http.StatusBadRequest, "Unsupported file type; upload a jpg, jpeg or png image.")
		return
	}
	s.serveStill(w, r, types.ModeImage, source.UploadBytes(hdr.Filename, file, s.maxUpload()))
}

// handleWebcam takes a browser camera capture, or an uploaded image when no capture
// was sent. The capture wins when both are present.
func (s *Server) handleWebcam(w http.ResponseWriter, r *http.Request) {
	d := capability.Gate(types.ModeWebcam, s.opts.Capabilities)
	if !d.Enabled {
		writeJSON(w, http.StatusConflict, errorResponse{Error: d.Message, Redirect: d.Redirect})
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUpload())
	file, hdr, field, err := s.formFile(r, "capture", "file")
	if err != nil {
		if errors.Is(err, http.ErrMissingFile) {
			writeError(w, http.StatusBadRequest, "Please capture an image with the webcam or upload one.")
			return
		}
		writeError(w, http.StatusBadRequest, "Could not read the upload: "+err.Error())
		return
	}
	// Captures come from the browser and may not carry a useful file name.
	if field == "file" && !hasExt(hdr.Filename, imageExts) {
		file.Close()
		writeError(w, http.StatusBadRequest, "Unsupported file type; upload a jpg, jpeg or png image.")
		return
	}
	s.serveStill(w, r, types.ModeWebcam, source.UploadBytes(hdr.Filename, file, s.maxUpload()))
}

func (s *Server) serveStill(w http.ResponseWriter, r *http.Request, mode types.Mode, raw source.RawBytesSource) {
	src, err := source.NewStill(raw)
	if err != nil {
		log.Info().Err(err).Str("mode", mode.Slug()).Msg("rejected upload")
		writeError(w, http.StatusBadRequest, "Could not read the image. Please upload a valid jpg or png file.")
		return
	}

	res, err := pipeline.RunStill(r.Context(), s.opts.Processor, src, nil)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	resp := stillResponse{Faces: res.Detections, Summary: res.Summary}
	if resp.Faces == nil {
		resp.Faces = []types.Detection{}
	}
	if resp.Summary == nil {
		resp.Summary = []string{}
	}
	switch {
	case res.Degraded:
		resp.Warning = capability.Gate(mode, s.opts.Capabilities).Message
		resp.Caption = "Uploaded image (" + msgNoDetector + ")"
	case res.Err != nil:
		log.Warn().Err(res.Err).Str("mode", mode.Slug()).Msg("detection failed on upload")
		resp.Error = msgDetectionFailed
		resp.Caption = "Original image"
	case len(res.Detections) == 0:
		resp.Message = msgNoFaces
	}

	img, err := pipeline.EncodeJPEG(res.Annotated, 90)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to render the result.")
		return
	}
	resp.Image = base64.StdEncoding.EncodeToString(img)
	writeJSON(w, http.StatusOK, resp)
}

type videoResponse struct {
	Session string `json:"session"`
	Warning string `json:"warning,omitempty"`
}

// handleVideo stores the upload and registers a session; the browser then opens
// /ws/session/{id} to run it.
func (s *Server) handleVideo(w http.ResponseWriter, r *http.Request) {
	d := capability.Gate(types.ModeVideo, s.opts.Capabilities)
	if !d.Enabled {
		writeJSON(w, http.StatusConflict, errorResponse{Error: d.Message, Redirect: d.Redirect})
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUpload())
	file, hdr, _, err := s.formFile(r, "file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "Please upload a video.")
		return
	}
	defer file.Close()
	if !hasExt(hdr.Filename, videoExts) {
		writeError(w, http.StatusBadRequest, "Unsupported file type; upload an mp4, avi, mov or mkv video.")
		return
	}

	tmp, err := os.CreateTemp(s.opts.Config.Video.OutputDir, "emoscope-upload-*"+strings.ToLower(filepath.Ext(hdr.Filename)))
	if err != nil {
		log.Error().Err(err).Msg("failed to create upload file")
		writeError(w, http.StatusInternalServerError, "Could not store the upload.")
		return
	}
	if _, err := io.Copy(tmp, file); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		writeError(w, http.StatusBadRequest, "Could not read the upload: "+err.Error())
		return
	}
	tmp.Close()

	sess, err := s.opts.Manager.Create(types.ModeVideo, s.opts.Processor)
	if err != nil {
		os.Remove(tmp.Name())
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	s.expirePending(time.Now())
	s.mu.Lock()
	s.pending[sess.ID] = pendingUpload{path: tmp.Name(), created: time.Now()}
	s.mu.Unlock()

	resp := videoResponse{Session: sess.ID}
	if d.Degraded {
		resp.Warning = d.Message
	}
	writeJSON(w, http.StatusCreated, resp)
}

// takePending hands the uploaded file of a session to exactly one caller.
const (
	// pendingTTL is how long an uploaded video waits for its websocket.
	pendingTTL   = 10 * time.Minute
	pendingSweep = time.Minute
)

// pendingUpload is a video that was uploaded but not yet streamed.
type pendingUpload struct {
	path    string
	created time.Time
}

func (s *Server) takePending(id string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pending[id]
	delete(s.pending, id)
	return p.path, ok
}

// expirePending discards uploads older than pendingTTL and returns how many went.
func (s *Server) expirePending(now time.Time) int {
	return s.discardPending(func(p pendingUpload) bool { return now.Sub(p.created) >= pendingTTL })
}

// dropPending discards every upload that was never streamed.
func (s *Server) dropPending() {
	s.discardPending(func(pendingUpload) bool { return true })
}

func (s *Server) discardPending(match func(pendingUpload) bool) int {
	s.mu.Lock()
	var gone []string
	for id, p := range s.pending {
		if match(p) {
			gone = append(gone, id)
			delete(s.pending, id)
			if err := os.Remove(p.path); err != nil && !os.IsNotExist(err) {
				log.Warn().Err(err).Str("path", p.path).Msg("failed to remove upload")
			}
		}
	}
	s.mu.Unlock()

	for _, id := range gone {
		s.opts.Manager.Release(id)
		log.Debug().Str("session", id).Msg("discarded unclaimed upload")
	}
	return len(gone)
}
