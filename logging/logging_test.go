package logging

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRotatingWriter_Rotates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "aqar.log")
	w, err := NewRotatingWriter(path, 10)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer w.Close()

	if _, err := w.Write([]byte("0123456789ab")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := os.Stat(path + ".1"); err != nil {
		t.Fatalf("expected backup file: %v", err)
	}
	if _, err := w.Write([]byte("x")); err != nil {
		t.Fatalf("write after rotate: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != "x" {
		t.Fatalf("expected fresh file, got %q", data)
	}
}

type fakePoster struct {
	tags []string
	msgs []map[string]interface{}
}

func (f *fakePoster) Post(tag string, message interface{}) error {
	f.tags = append(f.tags, tag)
	f.msgs = append(f.msgs, message.(map[string]interface{}))
	return nil
}

func TestFanout_RespectsLevels(t *testing.T) {
	var info, errOnly bytes.Buffer
	logger := slog.New(Fanout(
		slog.NewTextHandler(&info, &slog.HandlerOptions{Level: slog.LevelInfo}),
		slog.NewTextHandler(&errOnly, &slog.HandlerOptions{Level: slog.LevelError}),
	))

	logger.Info("cycle started", "cycle_id", "c1")
	logger.Error("commit failed", "record_id", 7)

	if !strings.Contains(info.String(), "cycle started") || !strings.Contains(info.String(), "commit failed") {
		t.Fatalf("info handler missing records: %s", info.String())
	}
	if strings.Contains(errOnly.String(), "cycle started") {
		t.Fatalf("error handler received info record")
	}
	if !strings.Contains(errOnly.String(), "record_id=7") {
		t.Fatalf("error handler missing error record: %s", errOnly.String())
	}
}

func TestFluentHandler_PostsFields(t *testing.T) {
	p := &fakePoster{}
	logger := slog.New(NewFluentHandler(p, slog.LevelInfo)).With("component", "orchestrator")

	logger.Debug("dropped")
	logger.Warn("classification unavailable", "record_id", 3)

	if len(p.msgs) != 1 {
		t.Fatalf("expected 1 post, got %d", len(p.msgs))
	}
	if p.tags[0] != "warn" {
		t.Fatalf("tag = %s", p.tags[0])
	}
	msg := p.msgs[0]
	if msg["message"] != "classification unavailable" || msg["component"] != "orchestrator" {
		t.Fatalf("unexpected payload %v", msg)
	}
	if msg["record_id"] != int64(3) {
		t.Fatalf("record_id = %#v", msg["record_id"])
	}
}

func TestParseLevel(t *testing.T) {
	if ParseLevel("DEBUG") != slog.LevelDebug || ParseLevel("warning") != slog.LevelWarn || ParseLevel("") != slog.LevelInfo {
		t.Fatalf("unexpected level parsing")
	}
}
