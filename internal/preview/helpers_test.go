package preview

import (
	"io"
	"testing"

	"github.com/sirupsen/logrus"
)

func testLogger(t *testing.T) logrus.FieldLogger {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}
