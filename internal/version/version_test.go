package version

import "testing"

func TestString(t *testing.T) {
	defer func(v, sha, bt string) { Version, GitSHA, BuildTime = v, sha, bt }(Version, GitSHA, BuildTime)
	Version, GitSHA, BuildTime = "v1.2.0", "abc1234", "2026-01-02T03:04:05Z"

	want := "replay v1.2.0 (abc1234, built 2026-01-02T03:04:05Z)"
	if got := String("replay"); got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}
