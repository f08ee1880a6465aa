package feedbackbridge

import (
	"io"
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"

	"go.viam.com/rdk/logging"
)

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// NewAgentLogger returns a logger for one robot. When dir is set the logger
// also writes to <dir>/<robotID>.txt, rotated at 1MB. The returned closer
// releases the file.
//
// Subloggers are shared through the parent's registry, so a file-backed
// logger is built fresh on every call and only ever carries its own file.
func NewAgentLogger(parent logging.Logger, robotID, dir string) (logging.Logger, io.Closer, error) {
	if dir == "" {
		return parent.Sublogger(robotID), nopCloser{}, nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, nil, err
	}
	file := &lumberjack.Logger{
		Filename:   filepath.Join(dir, robotID+".txt"),
		MaxSize:    1,
		MaxBackups: 3,
	}
	logger := logging.NewBlankLogger(robotID)
	logger.SetLevel(parent.GetLevel())
	logger.AddAppender(logging.NewStdoutAppender())
	logger.AddAppender(logging.NewWriterAppender(file))
	return logger, file, nil
}
