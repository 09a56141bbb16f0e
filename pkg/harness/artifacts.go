package harness

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"github.com/flanksource/commons/logger"
	"github.com/hashicorp/go-multierror"
	"github.com/spf13/afero"
)

// BackupPattern matches the file name the in-container backup command prints,
// e.g. backup_2024_03_01T12_30_00.sql.gz.
var BackupPattern = regexp.MustCompile(`backup_\d{4}_\d{2}_\d{2}T\d{2}_\d{2}_\d{2}\.sql\.gz`)

var backupFileName = regexp.MustCompile(`^` + BackupPattern.String())

// IsBackupArtifact matches base names that start with a backup file name, so
// partial or renamed dumps like backup_..sql.gz.tmp are swept too.
func IsBackupArtifact(name string) bool {
	return backupFileName.MatchString(filepath.Base(name))
}

// Artifacts is the host side of the /backups bind mount.
type Artifacts struct {
	fs  afero.Fs
	dir string
}

// NewArtifacts uses the OS filesystem when fs is nil.
func NewArtifacts(fs afero.Fs, dir string) *Artifacts {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	return &Artifacts{fs: fs, dir: dir}
}

func (a *Artifacts) Dir() string { return a.dir }

func (a *Artifacts) Fs() afero.Fs { return a.fs }

// Ensure creates the directory so the daemon does not create it as root.
func (a *Artifacts) Ensure() error {
	if err := a.fs.MkdirAll(a.dir, 0o777); err != nil {
		return fmt.Errorf("failed to create artifacts dir %s: %w", a.dir, err)
	}
	return nil
}

// List walks the directory and returns every backup artifact path. Entries
// that cannot be read are skipped and reported together once the walk is done.
func (a *Artifacts) List() ([]string, error) {
	var found []string
	var result *multierror.Error
	err := afero.Walk(a.fs, a.dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if !os.IsNotExist(err) {
				result = multierror.Append(result, fmt.Errorf("failed to scan %s: %w", path, err))
			}
			return nil
		}
		if !info.IsDir() && IsBackupArtifact(info.Name()) {
			found = append(found, path)
		}
		return nil
	})
	if err != nil {
		result = multierror.Append(result, fmt.Errorf("failed to scan %s: %w", a.dir, err))
	}
	return found, result.ErrorOrNil()
}

// Sweep deletes every backup artifact under the directory. Files that vanish
// mid-sweep are ignored; other failures are collected and the sweep continues.
func (a *Artifacts) Sweep() ([]string, error) {
	var result *multierror.Error

	paths, err := a.List()
	if err != nil {
		result = multierror.Append(result, err)
	}

	var removed []string
	for _, path := range paths {
		if err := a.fs.Remove(path); err != nil && !os.IsNotExist(err) {
			result = multierror.Append(result, fmt.Errorf("failed to remove %s: %w", path, err))
			continue
		}
		logger.Debugf("Removed backup artifact %s", path)
		removed = append(removed, path)
	}
	return removed, result.ErrorOrNil()
}
