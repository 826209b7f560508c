package domain

import (
	"strings"
	"testing"
	"time"
)

func TestSanitizeFilename(t *testing.T) {
	cases := map[string]string{
		"my song":                "my song",
		"../../etc/passwd":       "etc_passwd",
		"a<>b":                   "a_b",
		"  spaced    name  ":     "spaced name",
		"___":                    "file",
		"":                       "file",
		"música final":           "música final",
		"report (final) v2.pdf!": "report _final_ v2.pdf",
	}
	for input, want := range cases {
		if got := SanitizeFilename(input); got != want {
			t.Errorf("SanitizeFilename(%q) = %q, want %q", input, got, want)
		}
	}

	long := strings.Repeat("a", 400)
	if got := SanitizeFilename(long); len(got) != 255 {
		t.Fatalf("expected 255 chars, got %d", len(got))
	}
}

func TestCleanOutputFilename(t *testing.T) {
	if got := CleanOutputFilename("My Track.WAV", "MP3"); got != "My Track.mp3" {
		t.Fatalf("unexpected clean filename %q", got)
	}
	if got := CleanOutputFilename("noext", "pdf"); got != "noext.pdf" {
		t.Fatalf("unexpected clean filename %q", got)
	}
}

func TestArtifactExpiry(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	job := &Job{ID: "job-1", InputFilename: "clip.mov", OutputFormat: "mp4", OutputRef: "outputs/x.mp4"}

	artifact := NewArtifact("art-1", job, 1024, time.Hour, now)
	if !artifact.ExpiresAt.After(artifact.CreatedAt) {
		t.Fatalf("expires_at must be after created_at")
	}
	if artifact.Filename != "clip.mp4" {
		t.Fatalf("unexpected filename %q", artifact.Filename)
	}
	if artifact.IsExpired(now.Add(time.Hour)) {
		t.Fatalf("artifact should not be expired exactly at expires_at")
	}
	if !artifact.IsExpired(now.Add(time.Hour + time.Second)) {
		t.Fatalf("artifact should be expired after expires_at")
	}
}

func TestArtifactRecordDownload(t *testing.T) {
	now := time.Now().UTC()
	artifact := &Artifact{ID: "a", CreatedAt: now, ExpiresAt: now.Add(time.Hour)}
	expires := artifact.ExpiresAt

	artifact.RecordDownload(now.Add(time.Minute))
	artifact.RecordDownload(now.Add(2 * time.Minute))

	if artifact.DownloadCount != 2 {
		t.Fatalf("expected 2 downloads, got %d", artifact.DownloadCount)
	}
	if artifact.LastDownloadedAt == nil || !artifact.LastDownloadedAt.Equal(now.Add(2*time.Minute)) {
		t.Fatalf("unexpected last download %v", artifact.LastDownloadedAt)
	}
	if !artifact.ExpiresAt.Equal(expires) {
		t.Fatalf("download must not move expires_at")
	}
}
