package domain

import (
	"regexp"
	"strings"
	"time"
)

// Artifact is one produced output of a completed job.
type Artifact struct {
	ID               string
	JobID            string
	OutputRef        string
	OutputFormat     string
	Filename         string
	FileSize         int64
	CreatedAt        time.Time
	ExpiresAt        time.Time
	DownloadCount    int
	LastDownloadedAt *time.Time
}

// NewArtifact builds the artifact for a completed job. ExpiresAt is fixed here and never changes.
func NewArtifact(id string, job *Job, size int64, ttl time.Duration, now time.Time) *Artifact {
	created := now.UTC()
	return &Artifact{
		ID:           id,
		JobID:        job.ID,
		OutputRef:    job.OutputRef,
		OutputFormat: job.OutputFormat,
		Filename:     CleanOutputFilename(job.InputFilename, job.OutputFormat),
		FileSize:     size,
		CreatedAt:    created,
		ExpiresAt:    created.Add(ttl),
	}
}

func (a *Artifact) IsExpired(now time.Time) bool {
	return now.After(a.ExpiresAt)
}

func (a *Artifact) RecordDownload(at time.Time) {
	downloaded := at.UTC()
	a.DownloadCount++
	a.LastDownloadedAt = &downloaded
}

func CloneArtifact(artifact *Artifact) *Artifact {
	if artifact == nil {
		return nil
	}
	clone := *artifact
	if artifact.LastDownloadedAt != nil {
		last := *artifact.LastDownloadedAt
		clone.LastDownloadedAt = &last
	}
	return &clone
}

var (
	unsafeFilenameChars = regexp.MustCompile(`[^\p{L}\p{N}\p{Mn}_\s\-.]`)
	repeatedUnderscores = regexp.MustCompile(`_{2,}`)
	repeatedSpaces      = regexp.MustCompile(`\s{2,}`)
)

const maxFilenameLength = 255

// SanitizeFilename keeps letters, digits, underscores, whitespace, hyphens and dots.
func SanitizeFilename(name string) string {
	sanitized := unsafeFilenameChars.ReplaceAllString(name, "_")
	sanitized = repeatedUnderscores.ReplaceAllString(sanitized, "_")
	sanitized = repeatedSpaces.ReplaceAllString(sanitized, " ")
	sanitized = strings.Trim(sanitized, " _.")
	if runes := []rune(sanitized); len(runes) > maxFilenameLength {
		sanitized = string(runes[:maxFilenameLength])
	}
	if sanitized == "" {
		return "file"
	}
	return sanitized
}

// BaseName strips the last extension from a filename.
func BaseName(name string) string {
	if index := strings.LastIndex(name, "."); index >= 0 {
		return name[:index]
	}
	return name
}

// Extension returns the lowercase extension without the dot.
func Extension(name string) string {
	if index := strings.LastIndex(name, "."); index >= 0 {
		return strings.ToLower(name[index+1:])
	}
	return ""
}

// CleanOutputFilename is the user-facing download name: "song.mp3", never the storage key.
func CleanOutputFilename(original, format string) string {
	return SanitizeFilename(BaseName(original)) + "." + strings.ToLower(format)
}
