package container

import (
	"os"
	"path/filepath"
	"testing"
)

func writeLibraryFile(t *testing.T, dir, name, contents string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(contents), 0644); err != nil {
		t.Fatalf("writing %s: %v", name, err)
	}
}

const searchRootYAML = `
- id: xiaohongshu_search
  urlPatterns:
    - "https://www.xiaohongshu.com/search_result.*"
  selectors:
    - variant: primary
      css: "div.search-page"
  operations: [extract]
- id: xiaohongshu_search.search_result_item
  parent: xiaohongshu_search
  selectors:
    - variant: primary
      css: "section.note-item"
      requireVisible: true
    - variant: fallback-1
      css: "div.note-item"
  operations: [click, extract, highlight]
`

func TestRegistryLoad_ValidTree(t *testing.T) {
	dir := t.TempDir()
	writeLibraryFile(t, dir, "search.yaml", searchRootYAML)

	reg := NewRegistry(dir)
	if err := reg.Load(); err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	root, ok := reg.Get("xiaohongshu_search")
	if !ok {
		t.Fatal("expected root container to load")
	}
	if !root.IsRoot() {
		t.Error("expected xiaohongshu_search to be a root")
	}

	child, ok := reg.Get("xiaohongshu_search.search_result_item")
	if !ok {
		t.Fatal("expected child container to load")
	}
	if child.Parent != "xiaohongshu_search" {
		t.Errorf("expected parent xiaohongshu_search, got %s", child.Parent)
	}
	if !child.SupportsOperation(OpClick) {
		t.Error("expected child to support click")
	}
}

func TestRegistryLoad_RejectsOrphanParent(t *testing.T) {
	dir := t.TempDir()
	writeLibraryFile(t, dir, "orphan.yaml", `
- id: a.b
  parent: a
  selectors:
    - variant: primary
      css: ".x"
`)

	reg := NewRegistry(dir)
	if err := reg.Load(); err == nil {
		t.Fatal("expected error for missing parent")
	}
}

func TestRegistryLoad_RejectsMissingPrimary(t *testing.T) {
	dir := t.TempDir()
	writeLibraryFile(t, dir, "noprimary.yaml", `
- id: root_only
  urlPatterns: ["https://example.com/.*"]
  selectors:
    - variant: fallback-1
      css: ".x"
`)

	reg := NewRegistry(dir)
	if err := reg.Load(); err == nil {
		t.Fatal("expected error for missing primary variant")
	}
}

func TestRegistryLoad_RejectsCrossRootParent(t *testing.T) {
	dir := t.TempDir()
	writeLibraryFile(t, dir, "cross.yaml", `
- id: root_a
  urlPatterns: ["https://example.com/a"]
  selectors:
    - variant: primary
      css: ".a"
- id: root_b
  urlPatterns: ["https://example.com/b"]
  selectors:
    - variant: primary
      css: ".b"
- id: root_a.child
  parent: root_b
  selectors:
    - variant: primary
      css: ".c"
`)

	reg := NewRegistry(dir)
	if err := reg.Load(); err == nil {
		t.Fatal("expected error for cross-root parent")
	}
}

func TestGetContainersForURL(t *testing.T) {
	dir := t.TempDir()
	writeLibraryFile(t, dir, "search.yaml", searchRootYAML)

	reg := NewRegistry(dir)
	if err := reg.Load(); err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	matched := reg.GetContainersForURL("https://www.xiaohongshu.com/search_result?keyword=coffee")
	if _, ok := matched["xiaohongshu_search"]; !ok {
		t.Error("expected root to match")
	}
	if _, ok := matched["xiaohongshu_search.search_result_item"]; !ok {
		t.Error("expected child to match via its root")
	}

	unmatched := reg.GetContainersForURL("https://www.xiaohongshu.com/explore/abc123")
	if len(unmatched) != 0 {
		t.Errorf("expected no match for unrelated url, got %v", unmatched)
	}
}

func TestGlobToRegex(t *testing.T) {
	re := globToRegex("https://weibo.com/*/profile")
	if !matchesAll(re, "https://weibo.com/12345/profile") {
		t.Errorf("expected glob to match, pattern=%s", re)
	}
}

func matchesAll(pattern, s string) bool {
	re, err := compilePattern(pattern)
	if err != nil {
		return false
	}
	return re.MatchString(s)
}
