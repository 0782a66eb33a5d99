package config

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimalConfig = `
browserstack:
  username: ${BROWSERSTACK_USER}
  access_key: ${BROWSERSTACK_ACCESS_KEY}
local_storage:
  artifact_base_path: /shared/builds
  path_templates:
    android: "{base}/{platform}/{environment}/{build_type}/{app_variant}/app.apk"
git:
  repo_url: https://github.com/example/yaml-config.git
github:
  token: ${GITHUB_TOKEN}
  org: example
  repo: yaml-config
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, ioutil.WriteFile(path, []byte(content), 0600))
	return path
}

func TestLoadSubstitutesEnv(t *testing.T) {
	os.Setenv("BROWSERSTACK_USER", "alice")
	os.Setenv("BROWSERSTACK_ACCESS_KEY", "s3cret")
	os.Setenv("GITHUB_TOKEN", "ghtoken")
	defer func() {
		os.Unsetenv("BROWSERSTACK_USER")
		os.Unsetenv("BROWSERSTACK_ACCESS_KEY")
		os.Unsetenv("GITHUB_TOKEN")
	}()

	cfg, err := Load(writeConfig(t, minimalConfig))
	require.NoError(t, err)
	assert.Equal(t, "alice", cfg.BrowserStack.Username)
	assert.Equal(t, "s3cret", cfg.BrowserStack.AccessKey)
	assert.Equal(t, "ghtoken", cfg.GitHub.Token)
}

func TestLoadUnsetEnvIsFatal(t *testing.T) {
	os.Setenv("BROWSERSTACK_USER", "alice")
	os.Setenv("GITHUB_TOKEN", "ghtoken")
	os.Unsetenv("BROWSERSTACK_ACCESS_KEY")
	defer func() {
		os.Unsetenv("BROWSERSTACK_USER")
		os.Unsetenv("GITHUB_TOKEN")
	}()

	_, err := Load(writeConfig(t, minimalConfig))
	require.Error(t, err)
	missing, ok := err.(*MissingEnvError)
	require.True(t, ok, "expected MissingEnvError, got %T", err)
	assert.Equal(t, "BROWSERSTACK_ACCESS_KEY", missing.Variable)
}

func TestLoadUnsetTeamsWebhookIsTolerated(t *testing.T) {
	os.Setenv("BROWSERSTACK_USER", "alice")
	os.Setenv("BROWSERSTACK_ACCESS_KEY", "s3cret")
	os.Setenv("GITHUB_TOKEN", "ghtoken")
	os.Unsetenv("TEAMS_WEBHOOK_URL")
	defer func() {
		os.Unsetenv("BROWSERSTACK_USER")
		os.Unsetenv("BROWSERSTACK_ACCESS_KEY")
		os.Unsetenv("GITHUB_TOKEN")
	}()

	cfg, err := Load(writeConfig(t, minimalConfig+`
notifications:
  teams:
    webhook_url: ${TEAMS_WEBHOOK_URL}
    mention_qa: true
`))
	require.NoError(t, err)
	assert.Empty(t, cfg.Notifications.Teams.WebhookURL)
	assert.True(t, cfg.Notifications.Teams.MentionQA)
}

func TestLoadDefaults(t *testing.T) {
	os.Setenv("BROWSERSTACK_USER", "alice")
	os.Setenv("BROWSERSTACK_ACCESS_KEY", "s3cret")
	os.Setenv("GITHUB_TOKEN", "ghtoken")
	defer func() {
		os.Unsetenv("BROWSERSTACK_USER")
		os.Unsetenv("BROWSERSTACK_ACCESS_KEY")
		os.Unsetenv("GITHUB_TOKEN")
	}()

	cfg, err := Load(writeConfig(t, minimalConfig))
	require.NoError(t, err)
	assert.Equal(t, DefaultAPIEndpoint, cfg.BrowserStack.APIEndpoint)
	assert.Equal(t, 300*time.Second, cfg.BrowserStack.Timeout())
	assert.True(t, cfg.BrowserStack.VerifySSL())
	assert.Equal(t, "main", cfg.Git.DefaultBranch)
	assert.True(t, cfg.Git.PRMode())
	assert.Equal(t, "shared.yml", cfg.YAMLStructure.SharedFile)
	assert.Equal(t, "QA Team", cfg.Notifications.Teams.QAGroup)
}

func TestLoadMissingRequired(t *testing.T) {
	_, err := Load(writeConfig(t, `
local_storage:
  artifact_base_path: /shared/builds
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "browserstack.username")
	assert.Contains(t, err.Error(), "git.repo_url")
}

func TestLoadDirectCommitModeSkipsOrgRepo(t *testing.T) {
	os.Setenv("BROWSERSTACK_USER", "alice")
	os.Setenv("BROWSERSTACK_ACCESS_KEY", "s3cret")
	os.Setenv("GITHUB_TOKEN", "ghtoken")
	defer func() {
		os.Unsetenv("BROWSERSTACK_USER")
		os.Unsetenv("BROWSERSTACK_ACCESS_KEY")
		os.Unsetenv("GITHUB_TOKEN")
	}()

	cfg, err := Load(writeConfig(t, `
browserstack:
  username: ${BROWSERSTACK_USER}
  access_key: ${BROWSERSTACK_ACCESS_KEY}
local_storage:
  artifact_base_path: /shared/builds
  path_templates:
    android: "{base}/app.apk"
git:
  repo_url: https://github.com/example/yaml-config.git
  create_pr: false
  target_branch: main
github:
  token: ${GITHUB_TOKEN}
`))
	require.NoError(t, err)
	assert.False(t, cfg.Git.PRMode())
	assert.Equal(t, "main", cfg.Git.TargetBranch)
}
