package blob

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func newTestStore(t *testing.T) *FSStore {
	t.Helper()
	s, err := NewFSStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFSStore: %v", err)
	}
	return s
}

func TestFSStore_UploadDownload(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	p, err := s.Upload(ctx, "bucket", "a/b/c.md", []byte("hello"), UploadOptions{ContentType: "text/markdown"})
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if p != "a/b/c.md" {
		t.Errorf("path = %q, want a/b/c.md", p)
	}
	got, err := s.Download(ctx, "bucket", "a/b/c.md")
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	if string(got) != "hello" {
		t.Errorf("content = %q, want hello", got)
	}
}

func TestFSStore_UploadWithoutUpsertRejectsExisting(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if _, err := s.Upload(ctx, "bucket", "x.md", []byte("one"), UploadOptions{}); err != nil {
		t.Fatal(err)
	}
	_, err := s.Upload(ctx, "bucket", "x.md", []byte("two"), UploadOptions{})
	if !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("err = %v, want ErrAlreadyExists", err)
	}
	got, _ := s.Download(ctx, "bucket", "x.md")
	if string(got) != "one" {
		t.Errorf("content = %q, want one", got)
	}
}

func TestFSStore_UpsertOverwrites(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	s.Upload(ctx, "bucket", "x.md", []byte("one"), UploadOptions{})
	if _, err := s.Upload(ctx, "bucket", "x.md", []byte("two"), UploadOptions{Upsert: true}); err != nil {
		t.Fatalf("Upload upsert: %v", err)
	}
	got, _ := s.Download(ctx, "bucket", "x.md")
	if string(got) != "two" {
		t.Errorf("content = %q, want two", got)
	}
}

func TestFSStore_DownloadMissing(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Download(context.Background(), "bucket", "nope.md")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestFSStore_Remove(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	s.Upload(ctx, "bucket", "x.md", []byte("one"), UploadOptions{})
	if err := s.Remove(ctx, "bucket", "x.md", "never-existed.md"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := s.Download(ctx, "bucket", "x.md"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound after remove", err)
	}
}

func TestFSStore_RejectsEscapingPaths(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	tests := []struct {
		name, bucket, path string
	}{
		{"parent traversal", "bucket", "../outside.md"},
		{"absolute path", "bucket", "/etc/passwd"},
		{"empty path", "bucket", ""},
		{"empty bucket", "", "x.md"},
		{"bucket traversal", "..", "x.md"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := s.Upload(ctx, tt.bucket, tt.path, []byte("x"), UploadOptions{}); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestFSStore_CanceledContext(t *testing.T) {
	s := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := s.Download(ctx, "bucket", "x.md"); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestPaths(t *testing.T) {
	if got := SeedPromptPath("p1", "s1", 2, "thesis"); got != "projects/p1/sessions/s1/iteration_2/thesis/seed_prompt.md" {
		t.Errorf("SeedPromptPath = %q", got)
	}
	if got := ContributionFileName("OpenAI/GPT-4o", 0, "thesis"); got != "openai_gpt-4o_0_thesis.md" {
		t.Errorf("ContributionFileName = %q", got)
	}
	if got := RawResponseFileName("claude", 3, "synthesis"); got != "claude_3_synthesis_raw.json" {
		t.Errorf("RawResponseFileName = %q", got)
	}
	if strings.ContainsAny(Sanitize("a b/c\\d"), " /\\") {
		t.Errorf("Sanitize left separators: %q", Sanitize("a b/c\\d"))
	}
}
