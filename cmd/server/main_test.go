package main

import (
	"bytes"
	"os"
	"reflect"
	"strings"
	"testing"
	"time"

	"driftchat/internal/observability/logging"
	"driftchat/internal/roomstate"
)

func TestFirstNonEmpty(t *testing.T) {
	if got := firstNonEmpty("", "  ", "value", "later"); got != "value" {
		t.Fatalf("got %q", got)
	}
	if got := firstNonEmpty("", "   "); got != "" {
		t.Fatalf("got %q, want empty", got)
	}
}

// The logger config is assembled from flag-or-env strings; the format flag
// must reach the handler selection unchanged.
func TestLoggingConfigFromFlags(t *testing.T) {
	t.Setenv("DRIFTCHAT_LOG_FORMAT", "json")
	cfg := logging.Config{
		Level:  firstNonEmpty("debug", os.Getenv("DRIFTCHAT_LOG_LEVEL")),
		Format: firstNonEmpty("text", os.Getenv("DRIFTCHAT_LOG_FORMAT")),
	}
	if cfg.Format != "text" {
		t.Fatalf("flag should win, got %q", cfg.Format)
	}

	var buf bytes.Buffer
	cfg.Writer = &buf
	logging.New(cfg).Info("boot")
	if !strings.Contains(buf.String(), "msg=boot") {
		t.Fatalf("text handler not selected: %s", buf.String())
	}
}

func TestSplitAndTrim(t *testing.T) {
	got := splitAndTrim(" a, b ,,c ")
	if !reflect.DeepEqual(got, []string{"a", "b", "c"}) {
		t.Fatalf("got %v", got)
	}
	if splitAndTrim(" , ") != nil {
		t.Fatal("blank input should yield nil")
	}
}

func TestResolveHelpersPreferFlags(t *testing.T) {
	t.Setenv("DRIFTCHAT_TEST_INT", "7")
	if got := resolveInt(3, "DRIFTCHAT_TEST_INT"); got != 3 {
		t.Fatalf("flag should win, got %d", got)
	}
	if got := resolveInt(0, "DRIFTCHAT_TEST_INT"); got != 7 {
		t.Fatalf("env fallback gave %d", got)
	}

	t.Setenv("DRIFTCHAT_TEST_DUR", "250ms")
	if got := resolveDuration(0, "DRIFTCHAT_TEST_DUR"); got != 250*time.Millisecond {
		t.Fatalf("env fallback gave %v", got)
	}
	t.Setenv("DRIFTCHAT_TEST_DUR", "not-a-duration")
	if got := resolveDuration(0, "DRIFTCHAT_TEST_DUR"); got != 0 {
		t.Fatalf("invalid env gave %v", got)
	}

	t.Setenv("DRIFTCHAT_TEST_BOOL", "true")
	if !resolveBool(false, "DRIFTCHAT_TEST_BOOL") {
		t.Fatal("env fallback ignored")
	}
	t.Setenv("DRIFTCHAT_TEST_BOOL", "false")
	if resolveBool(true, "DRIFTCHAT_TEST_BOOL") {
		t.Fatal("flag should win")
	}
}

func TestConfigureFeedDefaultsToMemory(t *testing.T) {
	t.Setenv("DRIFTCHAT_FEED_DRIVER", "")
	feed, closer, err := configureFeed("", roomstate.RedisFeedConfig{}, nil)
	if err != nil {
		t.Fatalf("configure: %v", err)
	}
	if feed == nil {
		t.Fatal("nil feed")
	}
	if closer != nil {
		t.Fatal("memory feed needs no closer")
	}
}

func TestConfigureFeedRejectsUnknownDriver(t *testing.T) {
	if _, _, err := configureFeed("kafka", roomstate.RedisFeedConfig{}, nil); err == nil {
		t.Fatal("unknown driver accepted")
	}
}

func TestConfigureFeedRedisRequiresAddr(t *testing.T) {
	if _, _, err := configureFeed("redis", roomstate.RedisFeedConfig{}, nil); err == nil {
		t.Fatal("redis without addr accepted")
	}
}
