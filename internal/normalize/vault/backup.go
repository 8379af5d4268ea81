package vault

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

// backupSkip names entries left out of a vault backup at any depth.
var backupSkip = map[string]struct{}{
	".git":          {},
	"node_modules":  {},
	".quartz-cache": {},
}

// createBackup copies vault to "<vault>_backup_<YYYYMMDD_HHMMSS>" next to it
// and returns the new directory.
func createBackup(vault string, now time.Time) (string, error) {
	dest := filepath.Join(filepath.Dir(vault), fmt.Sprintf("%s_backup_%s", filepath.Base(vault), now.Format("20060102_150405")))
	if _, err := os.Lstat(dest); err == nil {
		return "", fmt.Errorf("backup destination already exists: %s", dest)
	}

	err := filepath.WalkDir(vault, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(vault, path)
		if err != nil {
			return err
		}
		if _, skip := backupSkip[d.Name()]; skip && rel != "." {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		target := filepath.Join(dest, rel)
		info, err := d.Info()
		if err != nil {
			return err
		}
		switch {
		case d.IsDir():
			return os.MkdirAll(target, info.Mode().Perm()|0o700)
		case d.Type()&fs.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return err
			}
			return os.Symlink(link, target)
		case d.Type().IsRegular():
			return copyFile(path, target, info.Mode().Perm())
		default:
			return nil
		}
	})
	if err != nil {
		return "", fmt.Errorf("copying vault to %s: %w", dest, err)
	}
	return dest, nil
}

func copyFile(src, dst string, perm fs.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
