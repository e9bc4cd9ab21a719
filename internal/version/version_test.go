package version

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cochaviz/kiln/internal/failure"
)

func writeSources(t *testing.T, manifestVersion, changelogVersion string) Sources {
	t.Helper()
	dir := t.TempDir()

	manifest := filepath.Join(dir, "pyproject.toml")
	require.NoError(t, os.WriteFile(manifest, []byte(fmt.Sprintf("[project]\nname = \"ubo_app\"\nversion = %q\n", manifestVersion)), 0o644))

	changelog := filepath.Join(dir, "CHANGELOG.md")
	require.NoError(t, os.WriteFile(changelog, []byte(fmt.Sprintf("# Changelog\n\n## Version %s\n\n- fixes\n", changelogVersion)), 0o644))

	return Sources{Manifest: manifest, Changelog: changelog}
}

func TestResolveWithoutTag(t *testing.T) {
	src := writeSources(t, "0.13.1", "0.13.1")

	v, err := Resolve(src)
	require.NoError(t, err)
	assert.Equal(t, ReleaseVersion("0.13.1"), v)
}

func TestResolveTagMismatchNamesBothValues(t *testing.T) {
	src := writeSources(t, "0.13.1", "0.13.1")
	src.Tag = "v0.13.2"

	_, err := Resolve(src)
	require.Error(t, err)
	assert.Equal(t, failure.VersionMismatch, failure.KindOf(err))

	var mismatch *MismatchError
	require.True(t, errors.As(err, &mismatch))
	assert.Equal(t, MismatchError{SourceA: SourceManifest, ValueA: "0.13.1", SourceB: SourceTag, ValueB: "0.13.2"}, *mismatch)
	assert.Contains(t, err.Error(), "0.13.1")
	assert.Contains(t, err.Error(), "0.13.2")
}

func TestResolveAllThreeAgree(t *testing.T) {
	src := writeSources(t, "0.13.1", "0.13.1")
	src.Tag = "refs/tags/v0.13.1"

	v, err := Resolve(src)
	require.NoError(t, err)
	assert.Equal(t, ReleaseVersion("0.13.1"), v)
}

func TestCheckChangelogMismatchRegardlessOfTag(t *testing.T) {
	for _, tag := range []string{"", "1.0.0", "1.1.0"} {
		t.Run("tag="+tag, func(t *testing.T) {
			_, err := Check(Values{Manifest: "1.0.0", Changelog: "1.1.0", Tag: tag})
			require.Error(t, err)
			assert.True(t, errors.Is(err, failure.Sentinel(failure.VersionMismatch)))

			var mismatch *MismatchError
			require.True(t, errors.As(err, &mismatch))
			assert.Equal(t, SourceChangelog, mismatch.SourceB)
		})
	}
}

func TestCheckMismatchWinsOverMalformedValues(t *testing.T) {
	cases := []struct {
		name   string
		values Values
		source string
	}{
		{"malformed tag", Values{Manifest: "0.13.1", Changelog: "0.13.2", Tag: "release-1"}, SourceChangelog},
		{"malformed changelog", Values{Manifest: "0.13.1", Changelog: "0.13.2.dev0"}, SourceChangelog},
		{"pre-release style tag", Values{Manifest: "0.13.1", Changelog: "0.13.1", Tag: "0.13.2rc1"}, SourceTag},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Check(tc.values)
			require.Error(t, err)
			assert.Equal(t, failure.VersionMismatch, failure.KindOf(err))

			var mismatch *MismatchError
			require.True(t, errors.As(err, &mismatch))
			assert.Equal(t, tc.values.Manifest, mismatch.ValueA)
			assert.Equal(t, tc.source, mismatch.SourceB)
		})
	}
}

func TestCheckEqualVersionsSucceed(t *testing.T) {
	for _, v := range []string{"0.0.1", "1.2.3", "2.0.0-rc.1", "10.20.30+build.5"} {
		got, err := Check(Values{Manifest: v, Changelog: v})
		require.NoError(t, err, v)
		assert.Equal(t, ReleaseVersion(v), got)
	}
}

func TestCheckRejectsNonSemver(t *testing.T) {
	_, err := Check(Values{Manifest: "1.2", Changelog: "1.2"})
	require.Error(t, err)
	assert.Equal(t, failure.InvalidConfig, failure.KindOf(err))
}

func TestReadChangelogVersionFixedLine(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "CHANGELOG.md")

	require.NoError(t, os.WriteFile(path, []byte("# Changelog\n## Version 1.0.0\n\n"), 0o644))
	_, err := ReadChangelogVersion(path)
	assert.ErrorContains(t, err, "line 3")

	require.NoError(t, os.WriteFile(path, []byte("# Changelog\r\n\r\n## Version 1.0.0\r\n"), 0o644))
	v, err := ReadChangelogVersion(path)
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", v)

	require.NoError(t, os.WriteFile(path, []byte("# Changelog\n"), 0o644))
	_, err = ReadChangelogVersion(path)
	assert.ErrorContains(t, err, "fewer than 3 lines")
}

func TestReadManifestVersionFormats(t *testing.T) {
	dir := t.TempDir()
	cases := map[string]string{
		"pyproject.toml": "[tool.poetry]\nversion = \"2.1.0\"\n",
		"package.json":   `{"name": "app", "version": "2.1.0"}`,
		"manifest.yaml":  "version: 2.1.0\n",
	}
	for name, content := range cases {
		path := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

		v, err := ReadManifestVersion(path)
		require.NoError(t, err, name)
		assert.Equal(t, "2.1.0", v, name)
	}

	empty := filepath.Join(dir, "empty.toml")
	require.NoError(t, os.WriteFile(empty, []byte("[project]\nname = \"x\"\n"), 0o644))
	_, err := ReadManifestVersion(empty)
	assert.ErrorContains(t, err, "declares no version")
}

func TestNormalizeTag(t *testing.T) {
	assert.Equal(t, "1.2.3", NormalizeTag("v1.2.3"))
	assert.Equal(t, "1.2.3", NormalizeTag("refs/tags/v1.2.3"))
	assert.Equal(t, "v1.2.3", NormalizeTag("vv1.2.3"))
	assert.Equal(t, "1.2.3", NormalizeTag("1.2.3"))
}

func TestTriggerFromRef(t *testing.T) {
	trigger, tag := TriggerFromRef("refs/tags/v0.13.2")
	assert.Equal(t, TriggerTag, trigger)
	assert.Equal(t, "v0.13.2", tag)

	trigger, tag = TriggerFromRef("refs/tags/nightly")
	assert.Equal(t, TriggerPush, trigger)
	assert.Empty(t, tag)

	trigger, _ = TriggerFromRef("refs/pull/12/merge")
	assert.Equal(t, TriggerPullRequest, trigger)

	trigger, _ = TriggerFromRef("")
	assert.Equal(t, TriggerManual, trigger)
}

func TestTagFromRepository(t *testing.T) {
	dir := t.TempDir()
	repo, err := git.PlainInit(dir, false)
	require.NoError(t, err)

	tree, err := repo.Worktree()
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README"), []byte("kiln\n"), 0o644))
	_, err = tree.Add("README")
	require.NoError(t, err)

	sig := &object.Signature{Name: "kiln", Email: "kiln@example.invalid", When: time.Now()}
	hash, err := tree.Commit("initial", &git.CommitOptions{Author: sig})
	require.NoError(t, err)

	tag, err := TagFromRepository(dir)
	require.NoError(t, err)
	assert.Empty(t, tag)

	_, err = repo.CreateTag("v0.13.1", hash, &git.CreateTagOptions{Tagger: sig, Message: "release"})
	require.NoError(t, err)
	_, err = repo.CreateTag("nightly", hash, nil)
	require.NoError(t, err)

	tag, err = TagFromRepository(filepath.Join(dir))
	require.NoError(t, err)
	assert.Equal(t, "v0.13.1", tag)
}
