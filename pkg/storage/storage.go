// Package storage locates mobile build artifacts on the (possibly
// network-mounted) filesystem and validates them before upload.
package storage

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/pkg/errors"

	"github.com/mobilecd/browserstack-uploader/pkg/config"
	"github.com/mobilecd/browserstack-uploader/pkg/params"
)

// ZIP local-file-header signature; APK, AAB and IPA are all ZIP-based
// containers.
var zipSignature = []byte{'P', 'K'}

// Artifact holds the metadata of a located, validated build file.
type Artifact struct {
	Path      string    `json:"path"`
	Name      string    `json:"name"`
	Size      int64     `json:"size"`
	MD5       string    `json:"md5"`
	Extension string    `json:"extension"`
	ModTime   time.Time `json:"modified_time"`
}

// SizeMB returns the artifact size in whole-ish megabytes for logs.
func (a Artifact) SizeMB() float64 {
	return float64(a.Size) / (1024 * 1024)
}

type NotFoundError struct {
	Path string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("artifact not found: %s", e.Path)
}

type InvalidExtensionError struct {
	Extension string
	Accepted  []string
}

func (e *InvalidExtensionError) Error() string {
	return fmt.Sprintf("invalid artifact extension %q, accepted: %v", e.Extension, e.Accepted)
}

type CorruptArtifactError struct {
	Path   string
	Reason string
}

func (e *CorruptArtifactError) Error() string {
	return fmt.Sprintf("corrupt artifact %s: %s", e.Path, e.Reason)
}

// Store resolves artifact paths from configured templates and
// validates the files it finds. Read-only; it never writes to the
// artifact location.
type Store struct {
	base      string
	templates map[string]string
	accepted  map[string][]string
	logger    log.Logger
}

// New builds a Store. baseOverride, when not empty, replaces the
// configured artifact_base_path (the --src-folder flag).
func New(cfg config.LocalStorageConfig, baseOverride string, logger log.Logger) *Store {
	base := cfg.ArtifactBasePath
	if baseOverride != "" {
		base = baseOverride
	}
	return &Store{
		base:      base,
		templates: cfg.PathTemplates,
		accepted:  cfg.AcceptedExtensions,
		logger:    logger,
	}
}

// ResolvePath substitutes the named placeholders of the platform's
// path template. It is a pure function of its inputs; no filesystem
// access happens here.
func (s *Store) ResolvePath(p params.Parameters) (string, error) {
	template, ok := s.templates[string(p.Platform)]
	if !ok {
		return "", errors.Errorf("no path template configured for platform %q", p.Platform)
	}
	r := strings.NewReplacer(
		"{base}", s.base,
		"{platform}", string(p.Platform),
		"{environment}", string(p.Environment),
		"{build_type}", string(p.BuildType),
		"{build_type_lower}", strings.ToLower(string(p.BuildType)),
		"{app_variant}", string(p.AppVariant),
	)
	path := r.Replace(template)
	level.Debug(s.logger).Log("msg", "resolved artifact path", "path", path)
	return path, nil
}

// Validate checks that the file at path exists, is readable, carries
// an accepted extension for the platform, and starts with the ZIP
// container signature, then computes its MD5 by streaming the content
// in chunks.
func (s *Store) Validate(path string, platform params.Platform) (*Artifact, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &NotFoundError{Path: path}
		}
		return nil, errors.Wrapf(err, "stat %s", path)
	}

	ext := filepath.Ext(path)
	accepted := s.acceptedFor(platform)
	if !containsString(accepted, ext) {
		return nil, &InvalidExtensionError{Extension: ext, Accepted: accepted}
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "artifact is not readable: %s", path)
	}
	defer f.Close()

	header := make([]byte, 4)
	if _, err := io.ReadFull(f, header); err != nil {
		return nil, &CorruptArtifactError{Path: path, Reason: "file shorter than container header"}
	}
	if err := checkSignature(path, ext, header); err != nil {
		return nil, err
	}

	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, errors.Wrap(err, "rewinding artifact")
	}
	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return nil, errors.Wrapf(err, "checksumming %s", path)
	}

	a := &Artifact{
		Path:      path,
		Name:      filepath.Base(path),
		Size:      info.Size(),
		MD5:       hex.EncodeToString(h.Sum(nil)),
		Extension: ext,
		ModTime:   info.ModTime().UTC(),
	}
	s.logger.Log("msg", "artifact validated", "name", a.Name, "size", FormatBytes(a.Size), "md5", a.MD5)
	return a, nil
}

func (s *Store) acceptedFor(platform params.Platform) []string {
	if exts, ok := s.accepted[string(platform)]; ok && len(exts) > 0 {
		return exts
	}
	// Huawei builds are android-family packages; reuse the android
	// list when no android_hw entry is configured.
	if platform == params.PlatformAndroidHW {
		return s.accepted[string(params.PlatformAndroid)]
	}
	return nil
}

func checkSignature(path, ext string, header []byte) error {
	switch ext {
	case ".apk", ".aab", ".ipa":
		if len(header) < 2 || header[0] != zipSignature[0] || header[1] != zipSignature[1] {
			return &CorruptArtifactError{
				Path:   path,
				Reason: fmt.Sprintf("expected ZIP signature %q for %s, got %q", zipSignature, ext, header[:2]),
			}
		}
	}
	return nil
}

// FormatBytes renders a byte count the way humans read it in logs and
// notifications, e.g. 1048576 -> "1.00 MB".
func FormatBytes(n int64) string {
	value := float64(n)
	for _, unit := range []string{"B", "KB", "MB", "GB", "TB"} {
		if value < 1024 {
			return fmt.Sprintf("%.2f %s", value, unit)
		}
		value /= 1024
	}
	return fmt.Sprintf("%.2f PB", value)
}

func containsString(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}
