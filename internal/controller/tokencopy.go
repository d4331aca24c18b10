package controller

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// ErrDestinationExists is returned when the token copy would overwrite an
// existing directory in the section home.
var ErrDestinationExists = errors.New("token destination already exists")

// TokenDestination maps userDataDir, which must live under home, to the same
// relative location under sectionHome.
func TokenDestination(sectionHome, home, userDataDir string) (string, error) {
	rel, err := filepath.Rel(home, userDataDir)
	if err != nil {
		return "", fmt.Errorf("user data dir %s is not under home %s: %w", userDataDir, home, err)
	}
	if rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("user data dir %s is not under home %s", userDataDir, home)
	}
	return filepath.Join(sectionHome, rel), nil
}

// CopyTree copies the directory src to dst, which must not exist. Regular
// files keep their permission bits and symlinks are recreated as links.
// It reports copied=false without error when src does not exist.
func CopyTree(src, dst string) (copied bool, err error) {
	info, err := os.Stat(src)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to stat %s: %w", src, err)
	}
	if !info.IsDir() {
		return false, fmt.Errorf("%s is not a directory", src)
	}

	if _, err := os.Lstat(dst); err == nil {
		return false, fmt.Errorf("%s: %w", dst, ErrDestinationExists)
	} else if !errors.Is(err, fs.ErrNotExist) {
		return false, fmt.Errorf("failed to stat %s: %w", dst, err)
	}

	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return false, fmt.Errorf("failed to create %s: %w", filepath.Dir(dst), err)
	}

	err = filepath.WalkDir(src, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)

		switch {
		case d.IsDir():
			fi, err := d.Info()
			if err != nil {
				return err
			}
			return os.Mkdir(target, fi.Mode().Perm()|0700)
		case d.Type()&fs.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return err
			}
			return os.Symlink(link, target)
		case d.Type().IsRegular():
			return copyFile(path, target)
		default:
			// Sockets, devices and pipes have no place in a token directory.
			return nil
		}
	})
	if err != nil {
		return false, fmt.Errorf("failed to copy %s to %s: %w", src, dst, err)
	}
	return true, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	fi, err := in.Stat()
	if err != nil {
		return err
	}

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, fi.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
