package artifacts

import (
	"archive/tar"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// BundleDownloader fetches a zstd-compressed tar (.tzst) of compiled
// artifacts, verifies its SHA-256 and extracts it into a cache directory
// keyed by the checksum.
type BundleDownloader struct {
	cacheDir string
	client   *http.Client
	logger   *slog.Logger
	mu       sync.Mutex
}

// NewBundleDownloader creates a downloader. An empty cacheDir uses the
// system temp directory.
func NewBundleDownloader(cacheDir string, client *http.Client, logger *slog.Logger) *BundleDownloader {
	if cacheDir == "" {
		cacheDir = filepath.Join(os.TempDir(), "popdeploy-artifacts")
	}
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &BundleDownloader{cacheDir: cacheDir, client: client, logger: logger}
}

// Fetch returns the directory holding the extracted bundle, downloading it
// if it is not cached yet.
func (d *BundleDownloader) Fetch(ctx context.Context, url, expectedSHA256 string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	expectedSHA256 = strings.ToLower(strings.TrimPrefix(expectedSHA256, "sha256:"))
	if len(expectedSHA256) != 64 {
		return "", fmt.Errorf("invalid sha256 %q", expectedSHA256)
	}

	extractDir := filepath.Join(d.cacheDir, "bundle-"+expectedSHA256[:16])
	if info, err := os.Stat(extractDir); err == nil && info.IsDir() {
		d.logger.Debug("using cached artifact bundle", slog.String("dir", extractDir))
		return extractDir, nil
	}

	if err := os.MkdirAll(d.cacheDir, 0o755); err != nil {
		return "", fmt.Errorf("create cache dir: %w", err)
	}

	archivePath := extractDir + ".tzst"
	if err := d.downloadFile(ctx, url, archivePath); err != nil {
		return "", fmt.Errorf("download artifacts: %w", err)
	}
	defer os.Remove(archivePath)

	if err := verifyChecksum(archivePath, expectedSHA256); err != nil {
		return "", fmt.Errorf("artifact integrity check failed: %w", err)
	}

	partial := extractDir + ".partial"
	_ = os.RemoveAll(partial)
	if err := extractTzst(archivePath, partial); err != nil {
		_ = os.RemoveAll(partial)
		return "", fmt.Errorf("extract artifacts: %w", err)
	}
	if err := os.Rename(partial, extractDir); err != nil {
		_ = os.RemoveAll(partial)
		return "", fmt.Errorf("move extracted artifacts: %w", err)
	}

	d.logger.Info("artifact bundle ready",
		slog.String("url", url),
		slog.String("dir", extractDir),
	)
	return extractDir, nil
}

func (d *BundleDownloader) downloadFile(ctx context.Context, url, destPath string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("download: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download failed with status %d", resp.StatusCode)
	}

	// Write to a temp file first, then rename for atomicity.
	tmpPath := destPath + ".tmp"
	f, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}

	_, err = io.Copy(f, resp.Body)
	closeErr := f.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("write file: %w", err)
	}

	if err := os.Rename(tmpPath, destPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

func verifyChecksum(filePath, expected string) error {
	f, err := os.Open(filePath)
	if err != nil {
		return fmt.Errorf("open file for checksum: %w", err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return fmt.Errorf("calculate checksum: %w", err)
	}
	actual := hex.EncodeToString(h.Sum(nil))
	if actual != expected {
		return fmt.Errorf("checksum mismatch: expected %s, got %s", expected, actual)
	}
	return nil
}

// extractTzst extracts a zstd-compressed tar into destDir. Entries that would
// land outside destDir are skipped.
func extractTzst(tzstPath, destDir string) error {
	f, err := os.Open(tzstPath)
	if err != nil {
		return fmt.Errorf("open tzst file: %w", err)
	}
	defer f.Close()

	zr, err := zstd.NewReader(f)
	if err != nil {
		return fmt.Errorf("create zstd reader: %w", err)
	}
	defer zr.Close()

	absDestDir, err := filepath.Abs(destDir)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(absDestDir, 0o755); err != nil {
		return fmt.Errorf("create extract dir: %w", err)
	}

	tr := tar.NewReader(zr)
	for {
		header, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read tar header: %w", err)
		}

		cleanName := filepath.Clean(header.Name)
		if cleanName == "." {
			continue
		}
		targetPath := filepath.Join(absDestDir, cleanName)
		if !strings.HasPrefix(targetPath, absDestDir+string(os.PathSeparator)) {
			continue
		}

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(targetPath, 0o755); err != nil {
				return fmt.Errorf("create directory %s: %w", targetPath, err)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(targetPath), 0o755); err != nil {
				return fmt.Errorf("create parent directory for %s: %w", targetPath, err)
			}
			out, err := os.OpenFile(targetPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
			if err != nil {
				return fmt.Errorf("create file %s: %w", targetPath, err)
			}
			if _, err := io.Copy(out, tr); err != nil {
				out.Close()
				return fmt.Errorf("write file %s: %w", targetPath, err)
			}
			if err := out.Close(); err != nil {
				return fmt.Errorf("close file %s: %w", targetPath, err)
			}
		default:
			// Links and special files are not needed for JSON artifacts.
		}
	}
}
