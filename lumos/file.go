package lumos

import (
	"io"
	"os"
	"path/filepath"
	"strings"
)

// FileExists reports whether the named file exists.
func FileExists(filename string) bool {
	if _, err := os.Stat(filename); err != nil {
		return !os.IsNotExist(err)
	}
	return true
}

// fileWithinDir returns true if the provided filePath is within the given directory.
func fileWithinDir(filePath, dirPath string) (bool, error) {
	absFile, err := filepath.Abs(filePath)
	if err != nil {
		return false, err
	}
	absDir, err := filepath.Abs(dirPath)
	if err != nil {
		return false, err
	}
	absFile = filepath.Clean(absFile)
	absDir = filepath.Clean(absDir)

	rel, err := filepath.Rel(absDir, absFile)
	if err != nil {
		return false, err
	}

	// If rel starts with "..", file is outside the directory
	if strings.HasPrefix(rel, "..") || strings.HasPrefix(filepath.ToSlash(rel), "../") {
		return false, nil
	}
	return true, nil
}

func replaceFile(source, destination string) error {
	if _, err := os.Stat(destination); err == nil {
		if err = os.Remove(destination); err != nil {
			return err
		}
	}

	// Rename the source to the destination (requires same filesystem)
	return os.Rename(source, destination)
}

// writeFileReplace writes the content beside the destination and then swaps it into place, so readers never
// observe a partially written source file. The existing file mode is retained.
func writeFileReplace(destination string, content []byte) error {
	mode := os.FileMode(0644)
	if info, err := os.Stat(destination); err == nil {
		mode = info.Mode().Perm()
	}

	tmp, err := os.CreateTemp(filepath.Dir(destination), "."+filepath.Base(destination)+".lumos-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err = tmp.Write(content); err == nil {
		err = tmp.Sync()
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Chmod(tmpPath, mode)
	}
	if err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	return replaceFile(tmpPath, destination)
}

// CopyFile copies src to dst. If src is a symlink, it recreates the symlink at dst pointing to the same target.
// Otherwise, it copies the file’s contents (using os.Create’s default mode).
func CopyFile(src, dst string) (err error) {
	if info, err := os.Lstat(src); err != nil {
		return err
	} else if info.Mode()&os.ModeSymlink != 0 {
		target, err := os.Readlink(src)
		if err != nil {
			return err
		}
		return os.Symlink(target, dst)
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	out, err := os.Create(dst) // uses default file mode (0666 & umask)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := out.Close(); err == nil {
			err = cerr
		}
	}()

	if _, err = io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}
