package audit

import (
	"encoding/json"
	"io/ioutil"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mobilecd/browserstack-uploader/pkg/params"
)

func testParams() params.Parameters {
	return params.Parameters{
		Platform:    params.PlatformAndroid,
		Environment: params.EnvironmentStaging,
		BuildType:   params.BuildTypeRelease,
		AppVariant:  params.VariantRetail,
		Version:     "2.5.0",
		BuildID:     "build-1234",
	}
}

func TestWriteRecord(t *testing.T) {
	dir := t.TempDir()
	r := NewRecorder(dir, log.NewNopLogger())
	r.now = func() time.Time { return time.Date(2021, 3, 4, 5, 6, 7, 0, time.UTC) }

	path, err := r.Write(Record{
		Parameters: testParams(),
		Artifact: &ArtifactInfo{
			Path: "/builds/app.apk",
			Size: 1024,
			MD5:  "abc123",
		},
		BrowserStack: &UploadInfo{
			OldAppID: "bs://old",
			NewAppID: "bs://new",
			AppURL:   "bs://new",
		},
		YAMLUpdates: &YAMLInfo{
			Files:      []string{"browserstack_retail_Android.yml", "shared.yml"},
			Platform:   "android",
			AppVariant: "retail",
		},
		PullRequest: &PullRequestInfo{
			Number: 42,
			URL:    "https://github.com/org/repo/pull/42",
			Branch: "browserstack-update/android/retail/build-1234",
		},
		Status: "SUCCESS",
	})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "audit-trail-android-retail-build-1234.json"), path)

	data, err := ioutil.ReadFile(path)
	require.NoError(t, err)

	var rec Record
	require.NoError(t, json.Unmarshal(data, &rec))
	assert.Equal(t, "2021-03-04T05:06:07Z", rec.Timestamp)
	assert.Equal(t, "SUCCESS", rec.Status)
	assert.Equal(t, "bs://new", rec.BrowserStack.NewAppID)
	assert.Equal(t, 42, rec.PullRequest.Number)
	assert.Empty(t, rec.Error)
}

func TestWriteFailedRunRecord(t *testing.T) {
	dir := t.TempDir()
	r := NewRecorder(dir, log.NewNopLogger())

	path, err := r.Write(Record{
		Parameters: testParams(),
		Status:     "FAILED",
		Error:      "artifact not found: /builds/app.apk",
	})
	require.NoError(t, err)

	data, err := ioutil.ReadFile(path)
	require.NoError(t, err)

	var rec Record
	require.NoError(t, json.Unmarshal(data, &rec))
	assert.Equal(t, "FAILED", rec.Status)
	assert.Contains(t, rec.Error, "artifact not found")
	assert.Nil(t, rec.Artifact)
	assert.Nil(t, rec.PullRequest)
}

func TestWriteCreatesDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "audit", "trail")
	r := NewRecorder(dir, log.NewNopLogger())

	path, err := r.Write(Record{Parameters: testParams(), Status: "SUCCESS"})
	require.NoError(t, err)
	assert.Equal(t, dir, filepath.Dir(path))
}

func TestWriteUnwritableDirectory(t *testing.T) {
	file := filepath.Join(t.TempDir(), "occupied")
	require.NoError(t, ioutil.WriteFile(file, []byte("x"), 0644))

	r := NewRecorder(filepath.Join(file, "nested"), log.NewNopLogger())
	path, err := r.Write(Record{Parameters: testParams(), Status: "SUCCESS"})
	assert.Error(t, err)
	assert.Empty(t, path)
}
