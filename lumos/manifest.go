package lumos

import (
	"bytes"
	"crypto/sha1"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/mtraver/base91"
	"github.com/vmihailenco/msgpack/v5"
)

const (
	stateDirName     = ".lumos"
	manifestFileName = "manifest.msgpack.zst"
	backupDirName    = "backup"
	manifestVersion  = 1
)

// ErrNoManifest is returned when a restore is requested but no in place rewrite was recorded.
var ErrNoManifest = errors.New("no lumos manifest found, nothing to restore")

// ManifestEntry records a single file rewritten in place.
type ManifestEntry struct {
	// Path is the absolute path of the rewritten file.
	Path string `msgpack:"p"`
	// OriginalDigest identifies the content saved in the backup store.
	OriginalDigest string `msgpack:"o"`
	// WrittenDigest identifies the rewritten content, a mismatch at restore means the file was edited since.
	WrittenDigest string `msgpack:"w"`
	Mode          uint32 `msgpack:"m"`
}

// Manifest lists the files of an in place rewrite so a later process can restore them.
type Manifest struct {
	Version    int             `msgpack:"v"`
	ModulePath string          `msgpack:"mod,omitempty"`
	CreatedMs  int64           `msgpack:"t"`
	Targets    []string        `msgpack:"tg,omitempty"`
	Entries    []ManifestEntry `msgpack:"e"`
}

func newManifest(modulePath string, targets []string) *Manifest {
	return &Manifest{
		Version:    manifestVersion,
		ModulePath: modulePath,
		CreatedMs:  time.Now().UnixMilli(),
		Targets:    targets,
	}
}

// contentDigest returns a compact digest of the content for change detection.
func contentDigest(content []byte) string {
	sha := sha1.Sum(content)
	return base91.StdEncoding.EncodeToString(sha[:])
}

func manifestPath(projectDir string) string {
	return filepath.Join(projectDir, stateDirName, manifestFileName)
}

func backupDir(projectDir string) string {
	return filepath.Join(projectDir, stateDirName, backupDirName)
}

// WriteManifest encodes the manifest with msgpack and zstd, replacing any existing file.
func WriteManifest(path string, m *Manifest) error {
	var buf bytes.Buffer
	zw, err := zstd.NewWriter(&buf, zstd.WithEncoderLevel(zstd.SpeedBetterCompression), zstd.WithEncoderConcurrency(1))
	if err != nil {
		return err
	}
	if err := msgpack.NewEncoder(zw).Encode(m); err != nil {
		_ = zw.Close()
		return fmt.Errorf("manifest encode failure: %w", err)
	} else if err := zw.Close(); err != nil {
		return fmt.Errorf("manifest compress failure: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return writeFileReplace(path, buf.Bytes())
}

// ReadManifest decodes a manifest written by WriteManifest. ErrNoManifest is returned if the file does not exist.
func ReadManifest(path string) (*Manifest, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNoManifest
	} else if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	zr, err := zstd.NewReader(f, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return nil, fmt.Errorf("manifest decompress failure: %w", err)
	}
	defer zr.Close()

	var m Manifest
	if err := msgpack.NewDecoder(zr).Decode(&m); err != nil {
		return nil, fmt.Errorf("manifest decode failure: %w", err)
	} else if m.Version != manifestVersion {
		return nil, fmt.Errorf("unsupported manifest version: %d", m.Version)
	}
	return &m, nil
}
