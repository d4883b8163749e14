package detector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image/jpeg"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/andresmejia3/emoscope/internal/types"
)

// HTTPDetector calls a remote emotion service.
// POST {base}/detect with a multipart "image" JPEG; the reply is the FER result list.
type HTTPDetector struct {
	baseURL string
	client  *http.Client
}

type httpFace struct {
	Box      []int              `json:"box"`
	Emotions map[string]float64 `json:"emotions"`
}

type httpError struct {
	Error string `json:"error"`
}

// NewHTTPDetector creates a client with a per-request timeout.
func NewHTTPDetector(baseURL string, timeout time.Duration) *HTTPDetector {
	return &HTTPDetector{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

// Ping checks {base}/health.
func (h *HTTPDetector) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach emotion service: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("emotion service health returned status: %d", resp.StatusCode)
	}
	return nil
}

// Detect implements Detector.
func (h *HTTPDetector) Detect(ctx context.Context, frame types.Frame) ([]types.Detection, error) {
	var img bytes.Buffer
	if err := jpeg.Encode(&img, frame.ToImage(), &jpeg.Options{Quality: 90}); err != nil {
		return nil, fmt.Errorf("failed to encode frame: %w", err)
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("image", "frame.jpg")
	if err != nil {
		return nil, err
	}
	if _, err := part.Write(img.Bytes()); err != nil {
		return nil, err
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL+"/detect", &body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to call emotion service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		var he httpError
		if json.Unmarshal(raw, &he) == nil && he.Error != "" {
			return nil, fmt.Errorf("emotion service returned %d: %s", resp.StatusCode, he.Error)
		}
		return nil, fmt.Errorf("emotion service returned status: %d", resp.StatusCode)
	}

	var faces []httpFace
	if err := json.NewDecoder(resp.Body).Decode(&faces); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	out := make([]types.Detection, 0, len(faces))
	for i, f := range faces {
		if len(f.Box) != 4 {
			return nil, fmt.Errorf("face %d: box has %d values, expected 4", i, len(f.Box))
		}
		out = append(out, types.Detection{
			Box:      types.Box{X: f.Box[0], Y: f.Box[1], W: f.Box[2], H: f.Box[3]},
			Emotions: f.Emotions,
		})
	}
	return out, nil
}

// Close implements Detector. Idle connections are released.
func (h *HTTPDetector) Close() error {
	h.client.CloseIdleConnections()
	return nil
}
