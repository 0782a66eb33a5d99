package record

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v2"

	"github.com/mobilecd/browserstack-uploader/pkg/config"
	"github.com/mobilecd/browserstack-uploader/pkg/params"
)

func structure() config.YAMLStructureConfig {
	return config.YAMLStructureConfig{
		YAMLFiles: map[string]map[string]string{
			"android": {"agent": "android/agent.yml"},
		},
		SharedFile: "shared.yml",
	}
}

func testUpdater(t *testing.T) (*Updater, string) {
	t.Helper()
	dir := t.TempDir()
	u := NewUpdater(structure(), dir, log.NewNopLogger())
	u.now = func() time.Time { return time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC) }
	return u, dir
}

func uploadParams() params.Parameters {
	return params.Parameters{
		Platform:    params.PlatformAndroid,
		Environment: params.EnvironmentProduction,
		BuildType:   params.BuildTypeRelease,
		AppVariant:  params.VariantAgent,
		Version:     "1.2.3",
		BuildID:     "jenkins-77",
	}
}

func TestVariantFileMappingAndFallback(t *testing.T) {
	u, _ := testUpdater(t)
	assert.Equal(t, "android/agent.yml", u.VariantFile(params.PlatformAndroid, params.VariantAgent))
	assert.Equal(t, "browserstack_retail_iOS.yml", u.VariantFile(params.PlatformIOS, params.VariantRetail))
	assert.Equal(t, "browserstack_wallet_AndroidHW.yml", u.VariantFile(params.PlatformAndroidHW, params.VariantWallet))
}

func TestUpdateThenReadRoundTrip(t *testing.T) {
	u, _ := testUpdater(t)
	p := uploadParams()

	assert.Equal(t, NotSet, u.CurrentAppID(p.Platform, p.AppVariant, p.Environment, p.BuildType))

	files, err := u.UpdateAppID(p, "bs://new-build")
	require.NoError(t, err)
	assert.Equal(t, []string{"android/agent.yml", "shared.yml"}, files)

	assert.Equal(t, "bs://new-build", u.CurrentAppID(p.Platform, p.AppVariant, p.Environment, p.BuildType))
}

func TestUpdatePreservesSiblings(t *testing.T) {
	u, dir := testUpdater(t)
	p := uploadParams()

	existing := "" +
		"zeta: untouched\n" +
		"apps:\n" +
		"  agent:\n" +
		"    staging:\n" +
		"      Debug:\n" +
		"        app_id: bs://old-staging\n" +
		"alpha: also untouched\n"
	variantPath := filepath.Join(dir, "android", "agent.yml")
	require.NoError(t, writeFile(variantPath, existing))

	_, err := u.UpdateAppID(p, "bs://new-build")
	require.NoError(t, err)

	raw, err := ioutil.ReadFile(variantPath)
	require.NoError(t, err)
	var doc yaml.MapSlice
	require.NoError(t, yaml.Unmarshal(raw, &doc))

	// top-level key order survives the rewrite
	require.Len(t, doc, 3)
	assert.Equal(t, "zeta", doc[0].Key)
	assert.Equal(t, "apps", doc[1].Key)
	assert.Equal(t, "alpha", doc[2].Key)

	// the unrelated staging entry is still there
	v, ok := getNested(doc, "apps", "agent", "staging", "Debug", "app_id")
	require.True(t, ok)
	assert.Equal(t, "bs://old-staging", v)

	// and the new production entry was written alongside it
	v, ok = getNested(doc, "apps", "agent", "production", "Release", "app_id")
	require.True(t, ok)
	assert.Equal(t, "bs://new-build", v)
}

func TestUpdateWritesMetadata(t *testing.T) {
	u, dir := testUpdater(t)
	_, err := u.UpdateAppID(uploadParams(), "bs://new-build")
	require.NoError(t, err)

	raw, err := ioutil.ReadFile(filepath.Join(dir, "android", "agent.yml"))
	require.NoError(t, err)
	var doc yaml.MapSlice
	require.NoError(t, yaml.Unmarshal(raw, &doc))

	for key, want := range map[string]interface{}{
		"app_id":      "bs://new-build",
		"app_url":     "bs://new-build",
		"version":     "1.2.3",
		"build_id":    "jenkins-77",
		"build_type":  "Release",
		"environment": "production",
		"updated_at":  "2024-03-01T12:00:00Z",
	} {
		v, ok := getNested(doc, "apps", "agent", "production", "Release", key)
		require.True(t, ok, key)
		assert.Equal(t, want, v, key)
	}
}

func TestUpdateOmitsEmptyVersion(t *testing.T) {
	u, dir := testUpdater(t)
	p := uploadParams()
	p.Version = ""
	_, err := u.UpdateAppID(p, "bs://new-build")
	require.NoError(t, err)

	raw, err := ioutil.ReadFile(filepath.Join(dir, "android", "agent.yml"))
	require.NoError(t, err)
	var doc yaml.MapSlice
	require.NoError(t, yaml.Unmarshal(raw, &doc))
	_, ok := getNested(doc, "apps", "agent", "production", "Release", "version")
	assert.False(t, ok)
}

func TestUpdateSharedFile(t *testing.T) {
	u, dir := testUpdater(t)
	_, err := u.UpdateAppID(uploadParams(), "bs://new-build")
	require.NoError(t, err)

	raw, err := ioutil.ReadFile(filepath.Join(dir, "shared.yml"))
	require.NoError(t, err)
	var doc yaml.MapSlice
	require.NoError(t, yaml.Unmarshal(raw, &doc))

	v, ok := getNested(doc, "browserstack", "dashboard")
	require.True(t, ok)
	assert.Equal(t, "https://app-live.browserstack.com", v)

	v, ok = getNested(doc, "browserstack", "last_updated")
	require.True(t, ok)
	assert.Equal(t, "2024-03-01T12:00:00Z", v)

	v, ok = getNested(doc, "artifacts", "android", "agent", "last_build_id")
	require.True(t, ok)
	assert.Equal(t, "jenkins-77", v)
}

func TestUpdateCorruptVariantFileIsFatal(t *testing.T) {
	u, dir := testUpdater(t)
	variantPath := filepath.Join(dir, "android", "agent.yml")
	require.NoError(t, writeFile(variantPath, "apps: [unclosed"))

	_, err := u.UpdateAppID(uploadParams(), "bs://new-build")
	require.Error(t, err)
	_, ok := err.(*InvalidYAMLError)
	assert.True(t, ok, "expected InvalidYAMLError, got %T", err)
}

func TestCurrentAppIDCorruptFileReturnsNotSet(t *testing.T) {
	u, dir := testUpdater(t)
	require.NoError(t, writeFile(filepath.Join(dir, "android", "agent.yml"), "apps: [unclosed"))
	assert.Equal(t, NotSet, u.CurrentAppID(params.PlatformAndroid, params.VariantAgent, params.EnvironmentProduction, params.BuildTypeRelease))
}

func TestValidateFiles(t *testing.T) {
	u, dir := testUpdater(t)
	require.NoError(t, writeFile(filepath.Join(dir, "good.yml"), "ok: true\n"))
	require.NoError(t, writeFile(filepath.Join(dir, "bad.yml"), "nope: [unclosed"))

	assert.NoError(t, u.ValidateFiles([]string{"good.yml"}))
	assert.Error(t, u.ValidateFiles([]string{"good.yml", "bad.yml"}))
}

func writeFile(path, content string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return ioutil.WriteFile(path, []byte(content), 0644)
}
