package logging

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestSetLevel(t *testing.T) {
	ll := &slog.LevelVar{}
	for name, want := range map[string]slog.Level{
		"debug": slog.LevelDebug,
		"info":  slog.LevelInfo,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
	} {
		if err := SetLevel(ll, name); err != nil {
			t.Fatal(err)
		}
		if ll.Level() != want {
			t.Errorf("%s: level = %v", name, ll.Level())
		}
	}
	if err := SetLevel(ll, "loud"); err == nil {
		t.Error("expected error")
	}
}

func TestNew_DropsEmptyAttrs(t *testing.T) {
	f, err := os.Create(filepath.Join(t.TempDir(), "log"))
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = f.Close() }()
	log := New(f, &slog.LevelVar{})
	log.Info("hello", "kept", "v", "empty", "", "zero", time.Duration(0), "ip", "127.0.0.1")

	b, err := os.ReadFile(f.Name())
	if err != nil {
		t.Fatal(err)
	}
	out := string(b)
	if !strings.Contains(out, "kept=v") {
		t.Errorf("missing attribute in %q", out)
	}
	for _, s := range []string{"empty=", "zero=", "ip="} {
		if strings.Contains(out, s) {
			t.Errorf("%s should be dropped: %q", s, out)
		}
	}
}
