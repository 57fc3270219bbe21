package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"io"
	"math"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"github.com/andresmejia3/rollcall/internal/types"
	"github.com/disintegration/imaging"
)

const defaultEmbeddingURL = "http://localhost:8000"

// HTTPClient talks to an embedding server exposing POST /embed/face.
type HTTPClient struct {
	baseURL string
	client  *http.Client
}

// NewHTTPClient creates a client for the embedding server at baseURL.
// A zero timeout leaves requests bounded only by the caller's context.
func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	if baseURL == "" {
		baseURL = defaultEmbeddingURL
	}
	return &HTTPClient{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

type faceDetection struct {
	FaceIndex int       `json:"face_index"`
	Dim       int       `json:"dim"`
	Embedding []float32 `json:"embedding"`
	BBox      []float64 `json:"bbox"` // [x1, y1, x2, y2]
	DetScore  float64   `json:"det_score"`
}

type faceResponse struct {
	FacesCount int             `json:"faces_count"`
	Faces      []faceDetection `json:"faces"`
}

// DetectAndEmbed encodes img as PNG and posts it to the face endpoint.
func (c *HTTPClient) DetectAndEmbed(ctx context.Context, img image.Image) ([]types.Face, error) {
	var data bytes.Buffer
	if err := imaging.Encode(&data, img, imaging.PNG); err != nil {
		return nil, &types.OracleError{Err: fmt.Errorf("encode png: %w", err)}
	}

	body, err := c.postImage(ctx, "/embed/face", data.Bytes())
	if err != nil {
		return nil, &types.OracleError{Err: err}
	}

	var resp faceResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, &types.OracleError{Err: fmt.Errorf("failed to parse response: %w", err)}
	}

	faces := make([]types.Face, 0, len(resp.Faces))
	for i, det := range resp.Faces {
		if len(det.Embedding) == 0 {
			return nil, &types.OracleError{Err: fmt.Errorf("face %d: empty embedding returned", i)}
		}
		if len(det.BBox) != 4 {
			return nil, &types.OracleError{Err: fmt.Errorf("face %d: bbox has %d values, want 4", i, len(det.BBox))}
		}
		faces = append(faces, types.Face{
			Region: types.Region{
				Left:   int(math.Round(det.BBox[0])),
				Top:    int(math.Round(det.BBox[1])),
				Right:  int(math.Round(det.BBox[2])),
				Bottom: int(math.Round(det.BBox[3])),
			},
			Embedding: types.Embedding(det.Embedding),
		})
	}
	return faces, nil
}

func (c *HTTPClient) postImage(ctx context.Context, endpoint string, imageData []byte) ([]byte, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", `form-data; name="file"; filename="image.png"`)
	h.Set("Content-Type", "image/png")
	part, err := writer.CreatePart(h)
	if err != nil {
		return nil, fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(imageData); err != nil {
		return nil, fmt.Errorf("failed to write image data: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, &buf)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(body))
	}
	return body, nil
}
