package accesslog

import (
	"bytes"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
)

func TestLogRequest_Disabled(t *testing.T) {
	var buf bytes.Buffer
	logger := logrus.New()
	logger.SetOutput(&buf)

	l := New(false, logger)
	l.LogRequest(Completion{RequestID: 1, RequestMethod: "GET"})

	if buf.Len() > 0 {
		t.Errorf("expected no output when disabled, got: %s", buf.String())
	}
}

func TestLogRequest_Enabled(t *testing.T) {
	var buf bytes.Buffer
	logger := logrus.New()
	logger.SetOutput(&buf)
	logger.SetFormatter(&logrus.JSONFormatter{})

	l := New(true, logger)
	l.LogRequest(Completion{
		ConnectionID:  1,
		RequestID:     7,
		ScriptName:    "/index.php",
		RequestURI:    "/users?page=1",
		RequestMethod: "GET",
		AppStatus:     0,
		StdinBytes:    12,
		StdoutBytes:   256,
	})

	out := buf.String()
	if !strings.Contains(out, "access") {
		t.Errorf("expected log to contain 'access', got: %s", out)
	}
	if !strings.Contains(out, "/index.php") {
		t.Errorf("expected log to contain script name, got: %s", out)
	}
}

func TestLogConnectionClosed_Enabled(t *testing.T) {
	var buf bytes.Buffer
	logger := logrus.New()
	logger.SetOutput(&buf)

	l := New(true, logger)
	l.LogConnectionClosed(3, 5)

	out := buf.String()
	if !strings.Contains(out, "connection closed") {
		t.Errorf("expected log to contain 'connection closed', got: %s", out)
	}
}

func TestLogConnectionClosed_Disabled(t *testing.T) {
	var buf bytes.Buffer
	logger := logrus.New()
	logger.SetOutput(&buf)

	l := New(false, logger)
	l.LogConnectionClosed(3, 5)

	if buf.Len() > 0 {
		t.Errorf("expected no output when disabled, got: %s", buf.String())
	}
}
