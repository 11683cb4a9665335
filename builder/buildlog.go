package builder

import (
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
)

type buildLog struct {
	file *os.File
	zw   *zstd.Encoder
}

func (l *buildLog) Write(p []byte) (int, error) {
	return l.zw.Write(p)
}

func (l *buildLog) Close() error {
	if err := l.zw.Close(); err != nil {
		_ = l.file.Close()
		return err
	}
	return l.file.Close()
}

// OpenBuildLog creates a zstd-compressed spool for the remote session's
// stderr under <logDir>/drvs. Returns nil when logDir is empty or cannot be
// prepared; log spooling is best-effort and never blocks a build.
func OpenBuildLog(logDir, drvPath string) io.WriteCloser {
	if logDir == "" {
		return nil
	}
	dir := filepath.Join(logDir, "drvs")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil
	}
	file, err := os.Create(filepath.Join(dir, filepath.Base(drvPath)+".log.zst"))
	if err != nil {
		return nil
	}
	zw, err := zstd.NewWriter(file)
	if err != nil {
		_ = file.Close()
		return nil
	}
	return &buildLog{file: file, zw: zw}
}
