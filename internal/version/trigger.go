package version

import (
	"regexp"
	"strings"
)

// Trigger is the event that started a run.
type Trigger string

const (
	TriggerPush        Trigger = "push"
	TriggerPullRequest Trigger = "pull_request"
	TriggerManual      Trigger = "manual"
	TriggerTag         Trigger = "tag"
)

var releaseTagRef = regexp.MustCompile(`^refs/tags/v\d+\.\d+\.\d+(?:[-+][0-9A-Za-z.+-]+)?$`)

// TriggerFromRef classifies a git ref. A release tag ref returns TriggerTag
// and the tag name; pull request refs and branches return no tag.
func TriggerFromRef(ref string) (Trigger, string) {
	ref = strings.TrimSpace(ref)
	switch {
	case ref == "":
		return TriggerManual, ""
	case releaseTagRef.MatchString(ref):
		return TriggerTag, strings.TrimPrefix(ref, "refs/tags/")
	case strings.HasPrefix(ref, "refs/pull/"):
		return TriggerPullRequest, ""
	default:
		return TriggerPush, ""
	}
}
