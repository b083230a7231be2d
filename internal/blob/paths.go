package blob

import (
	"fmt"
	"strings"
)

// SeedPromptFile is the object name of a stage's seed prompt.
const SeedPromptFile = "seed_prompt.md"

// StageDir is the directory holding one stage's artifacts for one
// iteration of a session.
func StageDir(projectID, sessionID string, iteration int, stageSlug string) string {
	return fmt.Sprintf("projects/%s/sessions/%s/iteration_%d/%s", projectID, sessionID, iteration, stageSlug)
}

// SeedPromptPath is where the seed prompt for a stage run is stored.
func SeedPromptPath(projectID, sessionID string, iteration int, stageSlug string) string {
	return StageDir(projectID, sessionID, iteration, stageSlug) + "/" + SeedPromptFile
}

// ContributionFileName names a model's output for a stage. attempt
// distinguishes retries that would otherwise collide.
func ContributionFileName(modelSlug string, attempt int, stageSlug string) string {
	return fmt.Sprintf("%s_%d_%s.md", Sanitize(modelSlug), attempt, stageSlug)
}

// RawResponseFileName names the raw provider response stored beside a
// contribution.
func RawResponseFileName(modelSlug string, attempt int, stageSlug string) string {
	return fmt.Sprintf("%s_%d_%s_raw.json", Sanitize(modelSlug), attempt, stageSlug)
}

// Sanitize lowercases s and replaces anything outside [a-z0-9._-] with '_'.
func Sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			return r
		case r >= 'A' && r <= 'Z':
			return r + ('a' - 'A')
		}
		return '_'
	}, s)
}
