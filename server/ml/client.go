package ml

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/disintegration/imaging"
	"github.com/san-kum/dental-xray/server/masks"
	"github.com/san-kum/dental-xray/server/models"
	"go.uber.org/zap"
)

// Client talks to the segmentation service over HTTP.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
	config     ClientConfig
	stopCh     chan struct{}
	stopOnce   sync.Once
}

type ClientConfig struct {
	Timeout             time.Duration
	MaxRetries          int
	RetryDelay          time.Duration
	HealthCheckInterval time.Duration
}

func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Timeout:             60 * time.Second,
		MaxRetries:          2,
		RetryDelay:          time.Second,
		HealthCheckInterval: 30 * time.Second,
	}
}

type SegmentRequest struct {
	Image  string `json:"image"`
	Format string `json:"format"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

type SegmentResponse struct {
	Width          int             `json:"width"`
	Height         int             `json:"height"`
	Masks          []SegmentedMask `json:"masks"`
	ModelVersion   string          `json:"model_version,omitempty"`
	ProcessingTime float64         `json:"processing_time,omitempty"`
}

type SegmentedMask struct {
	ClassID    int          `json:"class_id"`
	Confidence float64      `json:"confidence"`
	Polygon    [][2]float64 `json:"polygon"`
}

func NewClient(baseURL string, config ClientConfig, logger *zap.Logger) *Client {
	client := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		logger:  logger,
		config:  config,
		stopCh:  make(chan struct{}),
		httpClient: &http.Client{
			Timeout: config.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:    10,
				IdleConnTimeout: 30 * time.Second,
			},
		},
	}

	if config.HealthCheckInterval > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := client.Health(ctx); err != nil {
			logger.Warn("Segmentation service not available at startup", zap.Error(err))
		}
		cancel()

		go client.startHealthChecker()
	}

	return client
}

func (c *Client) Segment(ctx context.Context, img image.Image, kind TaskKind) (*masks.MaskSet, error) {
	encoded, err := EncodePNG(img)
	if err != nil {
		return nil, &models.ModelError{Stage: string(kind), Err: err}
	}
	size := img.Bounds().Size()
	request := &SegmentRequest{
		Image:  base64.StdEncoding.EncodeToString(encoded),
		Format: "png",
		Width:  size.X,
		Height: size.Y,
	}

	var lastErr error
	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			c.logger.Warn("Retrying segmentation request",
				zap.String("kind", string(kind)),
				zap.Int("attempt", attempt),
				zap.Error(lastErr))

			select {
			case <-ctx.Done():
				return nil, &models.ModelError{Stage: string(kind), Err: ctx.Err()}
			case <-time.After(c.config.RetryDelay * time.Duration(attempt)):
			}
		}

		response, err := c.executeSegmentRequest(ctx, kind, request)
		if err == nil {
			return c.convertResponse(response, kind, size)
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}

	return nil, &models.ModelError{
		Stage: string(kind),
		Err:   fmt.Errorf("failed after %d attempts: %w", c.config.MaxRetries+1, lastErr),
	}
}

func (c *Client) executeSegmentRequest(ctx context.Context, kind TaskKind, request *SegmentRequest) (*SegmentResponse, error) {
	requestData, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/segment/%s", c.baseURL, kind)
	httpRequest, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(requestData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	httpRequest.Header.Set("Content-Type", "application/json")
	httpRequest.Header.Set("User-Agent", "dental-xray-analysis/1.0")

	response, err := c.httpClient.Do(httpRequest)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(io.LimitReader(response.Body, 4096))
		return nil, fmt.Errorf("segmentation service error (status %d): %s",
			response.StatusCode, strings.TrimSpace(string(bodyBytes)))
	}

	var segResponse SegmentResponse
	if err := json.NewDecoder(response.Body).Decode(&segResponse); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &segResponse, nil
}

// convertResponse rebuilds the masks on the source image grid. Polygons too
// small to enclose an area are dropped.
func (c *Client) convertResponse(resp *SegmentResponse, kind TaskKind, size image.Point) (*masks.MaskSet, error) {
	if (resp.Width != 0 && resp.Width != size.X) || (resp.Height != 0 && resp.Height != size.Y) {
		return nil, &models.ModelError{
			Stage: string(kind),
			Err: fmt.Errorf("service answered for a %dx%d image, sent %dx%d",
				resp.Width, resp.Height, size.X, size.Y),
		}
	}

	set := masks.NewMaskSet(kind.Category(), size.X, size.Y)
	dropped := 0
	for _, sm := range resp.Masks {
		poly := make([]masks.Point, len(sm.Polygon))
		for i, p := range sm.Polygon {
			poly[i] = masks.Point{X: p[0], Y: p[1]}
		}
		m, err := masks.NewMask(sm.ClassID, poly, size.X, size.Y)
		if err != nil {
			dropped++
			continue
		}
		if err := set.Add(m.WithConfidence(sm.Confidence)); err != nil {
			return nil, &models.ModelError{Stage: string(kind), Err: err}
		}
	}

	if dropped > 0 {
		c.logger.Warn("Dropped degenerate polygons",
			zap.String("kind", string(kind)),
			zap.Int("dropped", dropped))
	}
	c.logger.Debug("Segmentation completed",
		zap.String("kind", string(kind)),
		zap.Int("masks", set.Len()),
		zap.String("model_version", resp.ModelVersion),
		zap.Float64("processing_time", resp.ProcessingTime))
	return set, nil
}

func (c *Client) Health(ctx context.Context) error {
	url := fmt.Sprintf("%s/health", c.baseURL)

	request, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to create health request: %w", err)
	}
	response, err := c.httpClient.Do(request)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return fmt.Errorf("segmentation service unhealthy (status %d)", response.StatusCode)
	}
	return nil
}

func (c *Client) startHealthChecker() {
	ticker := time.NewTicker(c.config.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err := c.Health(ctx)
			cancel()
			if err != nil {
				c.logger.Error("Segmentation service health check failed", zap.Error(err))
			} else {
				c.logger.Debug("Segmentation service health check passed")
			}
		case <-c.stopCh:
			return
		}
	}
}

func (c *Client) Close() error {
	c.stopOnce.Do(func() { close(c.stopCh) })
	return nil
}

// EncodePNG is the wire and cache-key encoding of a source image.
func EncodePNG(img image.Image) ([]byte, error) {
	if img == nil {
		return nil, errors.New("nil image")
	}
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.PNG); err != nil {
		return nil, fmt.Errorf("failed to encode image: %w", err)
	}
	return buf.Bytes(), nil
}
