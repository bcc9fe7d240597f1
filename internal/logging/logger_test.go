package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func resetState(t *testing.T, tempDir string) {
	t.Helper()
	CloseAll()
	CloseAudit()
	loggers = make(map[Category]*Logger)
	logsDir = ""
	workspace = ""
	configLoaded = false
	config = loggingConfig{}
	auditLogger = nil

	if err := Initialize(tempDir); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
}

func writeConfig(t *testing.T, tempDir, content string) {
	t.Helper()
	if err := os.MkdirAll(tempDir, 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(tempDir, "config.json"), []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func TestAllCategoriesLog(t *testing.T) {
	tempDir := t.TempDir()
	writeConfig(t, tempDir, `{
		"logging": {
			"level": "debug",
			"debug_mode": true,
			"categories": {
				"boot": true, "session": true, "browser": true, "cookie": true,
				"profile": true, "container": true, "matcher": true, "operation": true,
				"checkpoint": true, "workflow": true, "api": true, "bus": true, "shard": true
			}
		}
	}`)
	resetState(t, tempDir)

	if !IsDebugMode() {
		t.Fatal("expected debug mode enabled")
	}

	categories := []Category{
		CategoryBoot, CategorySession, CategoryBrowser, CategoryCookie,
		CategoryProfile, CategoryContainer, CategoryMatcher, CategoryOperation,
		CategoryCheckpoint, CategoryWorkflow, CategoryAPI, CategoryBus, CategoryShard,
	}

	for _, cat := range categories {
		if !IsCategoryEnabled(cat) {
			t.Errorf("category %s should be enabled", cat)
		}
		l := Get(cat)
		l.Info("info for %s", cat)
		l.Debug("debug for %s", cat)
		l.Warn("warn for %s", cat)
		l.Error("error for %s", cat)
	}

	CloseAll()

	entries, err := os.ReadDir(logsDir)
	if err != nil {
		t.Fatalf("read logs dir: %v", err)
	}
	for _, cat := range categories {
		found := false
		for _, e := range entries {
			if strings.Contains(e.Name(), string(cat)+".log") {
				found = true
				content, err := os.ReadFile(filepath.Join(logsDir, e.Name()))
				if err != nil || len(content) == 0 {
					t.Errorf("empty or unreadable log for %s", cat)
				}
			}
		}
		if !found {
			t.Errorf("no log file found for category %s", cat)
		}
	}
}

func TestDebugModeDisabled(t *testing.T) {
	tempDir := t.TempDir()
	writeConfig(t, tempDir, `{"logging": {"level": "debug", "debug_mode": false}}`)
	resetState(t, tempDir)

	if IsDebugMode() {
		t.Fatal("expected debug mode disabled")
	}
	if IsCategoryEnabled(CategoryBoot) {
		t.Error("boot should be disabled in production mode")
	}

	Boot("should not be logged")
	CloseAll()

	if _, err := os.Stat(logsDir); err == nil {
		entries, _ := os.ReadDir(logsDir)
		if len(entries) > 0 {
			t.Errorf("expected no log files, found %d", len(entries))
		}
	}
}

func TestCategoryToggle(t *testing.T) {
	tempDir := t.TempDir()
	writeConfig(t, tempDir, `{
		"logging": {
			"level": "debug",
			"debug_mode": true,
			"categories": {"boot": true, "workflow": true, "shard": false, "matcher": false}
		}
	}`)
	resetState(t, tempDir)

	if !IsCategoryEnabled(CategoryBoot) {
		t.Error("boot should be enabled")
	}
	if !IsCategoryEnabled(CategoryWorkflow) {
		t.Error("workflow should be enabled")
	}
	if IsCategoryEnabled(CategoryShard) {
		t.Error("shard should be disabled")
	}
	if IsCategoryEnabled(CategoryMatcher) {
		t.Error("matcher should be disabled")
	}
	if !IsCategoryEnabled(CategorySession) {
		t.Error("session (not in config) should default to enabled")
	}
}

func TestTimerLogging(t *testing.T) {
	tempDir := t.TempDir()
	writeConfig(t, tempDir, `{"logging": {"level": "debug", "debug_mode": true}}`)
	resetState(t, tempDir)

	timer := Get(CategoryWorkflow).StartTimer("TestOperation")
	time.Sleep(time.Millisecond)
	elapsed := timer.Stop()

	if elapsed <= 0 {
		t.Error("expected non-zero elapsed duration")
	}
	CloseAll()
}
