package workspace

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/disintegration/imaging"

	"github.com/DnyaneshwarWantace/ignite-sub004/internal/config"
	"github.com/DnyaneshwarWantace/ignite-sub004/internal/models"
)

const (
	manifestFilename = "manifest.json"
	outputFilename   = "output.mp4"
	assetsDirname    = "assets"
)

// Workspace is the per-job staging directory handed to the render backend.
type Workspace struct {
	JobID        string
	Dir          string
	ManifestPath string
	OutputPath   string
}

// Manager stages render inputs under a base directory namespaced by job id.
type Manager struct {
	baseDir    string
	httpClient *http.Client
	maxBytes   int64
	defaultFPS int
	logger     *log.Logger
}

// NewManager builds a workspace manager from config.
func NewManager(cfg config.Config, logger *log.Logger) *Manager {
	timeout := cfg.AssetDownloadTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	maxBytes := cfg.AssetMaxBytes
	if maxBytes == 0 {
		maxBytes = 50 * 1024 * 1024
	}
	return &Manager{
		baseDir:    cfg.WorkDir,
		httpClient: &http.Client{Timeout: timeout},
		maxBytes:   maxBytes,
		defaultFPS: cfg.DefaultFPS,
		logger:     logger,
	}
}

// Prepare stages all media for a job and writes the backend manifest.
// Remote media is downloaded; image assets are normalized to the target
// dimensions before the backend ever sees them.
func (m *Manager) Prepare(ctx context.Context, jobID string, payload models.RenderPayload) (*Workspace, error) {
	dir := filepath.Join(m.baseDir, jobID)
	assetsDir := filepath.Join(dir, assetsDirname)
	if err := os.MkdirAll(assetsDir, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}

	staged := payload
	staged.Media = make([]models.MediaItem, len(payload.Media))
	copy(staged.Media, payload.Media)

	for i := range staged.Media {
		item := &staged.Media[i]
		if item.SourceURL != "" {
			local := filepath.Join(assetsDir, fmt.Sprintf("media-%02d%s", i, extensionFor(item)))
			if err := m.download(ctx, item.SourceURL, local); err != nil {
				return nil, fmt.Errorf("stage media %d: %w", i, err)
			}
			item.Path = local
			item.SourceURL = ""
		}
		if item.Type == "image" && item.Path != "" {
			if err := normalizeImage(item.Path, payload.Width, payload.Height); err != nil {
				return nil, fmt.Errorf("normalize image %d: %w", i, err)
			}
		}
	}

	if staged.FPS == 0 {
		staged.FPS = m.defaultFPS
	}

	manifestPath := filepath.Join(dir, manifestFilename)
	data, err := json.MarshalIndent(staged, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal manifest: %w", err)
	}
	if err := os.WriteFile(manifestPath, data, 0o644); err != nil {
		return nil, fmt.Errorf("write manifest: %w", err)
	}

	return &Workspace{
		JobID:        jobID,
		Dir:          dir,
		ManifestPath: manifestPath,
		OutputPath:   filepath.Join(dir, outputFilename),
	}, nil
}

// Remove deletes a job's entire staging directory.
func (m *Manager) Remove(jobID string) error {
	return os.RemoveAll(filepath.Join(m.baseDir, jobID))
}

// RemoveBestEffort deletes a job's staging directory, logging failures
// instead of surfacing them. Used after failed or cancelled renders.
func (m *Manager) RemoveBestEffort(jobID string) {
	if err := m.Remove(jobID); err != nil {
		m.logger.Printf("cleanup workspace job=%s: %v", jobID, err)
	}
}

func (m *Manager) download(ctx context.Context, url, dest string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	resp, err := m.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("download asset: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("download asset: status %d", resp.StatusCode)
	}

	limited := io.LimitReader(resp.Body, m.maxBytes+1)
	body, err := io.ReadAll(limited)
	if err != nil {
		return fmt.Errorf("read asset: %w", err)
	}
	if int64(len(body)) > m.maxBytes {
		return fmt.Errorf("asset too large (>%d bytes)", m.maxBytes)
	}

	if err := os.WriteFile(dest, body, 0o644); err != nil {
		return fmt.Errorf("write asset: %w", err)
	}
	return nil
}

// normalizeImage fits an image asset inside the target frame so the backend
// never upscales or letterboxes on its own.
func normalizeImage(path string, width, height int) error {
	if width == 0 && height == 0 {
		return nil
	}
	img, err := imaging.Open(path)
	if err != nil {
		return fmt.Errorf("decode image: %w", err)
	}
	if img.Bounds().Dx() <= width && img.Bounds().Dy() <= height {
		return nil
	}
	fitted := imaging.Fit(img, width, height, imaging.Lanczos)
	if err := imaging.Save(fitted, path, imaging.JPEGQuality(85)); err != nil {
		return fmt.Errorf("encode image: %w", err)
	}
	return nil
}

func extensionFor(item *models.MediaItem) string {
	if ext := strings.ToLower(filepath.Ext(item.SourceURL)); ext != "" && len(ext) <= 5 {
		return ext
	}
	if item.Type == "image" {
		return ".jpg"
	}
	return ".mp4"
}
