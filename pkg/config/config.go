// Package config loads the uploader's YAML configuration file into a
// typed value. String scalars of the form ${VAR_NAME} are substituted
// from the process environment before decoding; an unset variable is
// a fatal configuration error, raised before any workflow step runs.
package config

import (
	"fmt"
	"io/ioutil"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"
)

const (
	DefaultAPIEndpoint   = "https://api-cloud.browserstack.com/app-automate/upload"
	DefaultUploadTimeout = 300 * time.Second
	DefaultSharedFile    = "shared.yml"
)

// Variables whose absence disables a feature instead of failing the
// load. TEAMS_WEBHOOK_URL is the only one: no webhook just means no
// notification.
var optionalEnvVars = map[string]bool{
	"TEAMS_WEBHOOK_URL": true,
}

type Config struct {
	BrowserStack  BrowserStackConfig  `yaml:"browserstack"`
	LocalStorage  LocalStorageConfig  `yaml:"local_storage"`
	Git           GitConfig           `yaml:"git"`
	GitHub        GitHubConfig        `yaml:"github"`
	Notifications NotificationsConfig `yaml:"notifications"`
	YAMLStructure YAMLStructureConfig `yaml:"yaml_structure"`
	Retry         RetryConfig         `yaml:"retry"`
}

type BrowserStackConfig struct {
	Username      string `yaml:"username"`
	AccessKey     string `yaml:"access_key"`
	APIEndpoint   string `yaml:"api_endpoint"`
	UploadTimeout int    `yaml:"upload_timeout"` // seconds
	SSLCABundle   string `yaml:"ssl_ca_bundle"`
	SSLVerify     *bool  `yaml:"ssl_verify"`
}

func (c BrowserStackConfig) Timeout() time.Duration {
	if c.UploadTimeout <= 0 {
		return DefaultUploadTimeout
	}
	return time.Duration(c.UploadTimeout) * time.Second
}

func (c BrowserStackConfig) VerifySSL() bool {
	return c.SSLVerify == nil || *c.SSLVerify
}

type LocalStorageConfig struct {
	ArtifactBasePath   string              `yaml:"artifact_base_path"`
	PathTemplates      map[string]string   `yaml:"path_templates"`
	AcceptedExtensions map[string][]string `yaml:"accepted_extensions"`
}

type GitConfig struct {
	RepoURL       string `yaml:"repo_url"`
	DefaultBranch string `yaml:"default_branch"`
	UserName      string `yaml:"user_name"`
	UserEmail     string `yaml:"user_email"`
	CreatePR      *bool  `yaml:"create_pr"`
	TargetBranch  string `yaml:"target_branch"`
}

func (c GitConfig) PRMode() bool {
	return c.CreatePR == nil || *c.CreatePR
}

type GitHubConfig struct {
	Token string `yaml:"token"`
	Org   string `yaml:"org"`
	Repo  string `yaml:"repo"`
}

type NotificationsConfig struct {
	Teams TeamsConfig `yaml:"teams"`
}

type TeamsConfig struct {
	WebhookURL string `yaml:"webhook_url"`
	MentionQA  bool   `yaml:"mention_qa"`
	QAGroup    string `yaml:"qa_group"`
}

type YAMLStructureConfig struct {
	// platform -> app variant -> file name, relative to the repo root
	YAMLFiles  map[string]map[string]string `yaml:"yaml_files"`
	SharedFile string                       `yaml:"shared_file"`
}

type RetryConfig struct {
	MaxAttempts   int     `yaml:"max_attempts"`
	InitialDelay  int     `yaml:"initial_delay"` // seconds
	BackoffFactor float64 `yaml:"backoff_factor"`
}

// MissingEnvError is returned when a ${VAR} placeholder names an
// environment variable that is not set.
type MissingEnvError struct {
	Variable string
}

func (e *MissingEnvError) Error() string {
	return fmt.Sprintf("environment variable not set: %s", e.Variable)
}

// Load reads, substitutes and decodes the config file at path.
func Load(path string) (*Config, error) {
	raw, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading config file %s", path)
	}

	var tree interface{}
	if err := yaml.Unmarshal(raw, &tree); err != nil {
		return nil, errors.Wrapf(err, "parsing config file %s", path)
	}

	tree, err = substituteEnv(tree)
	if err != nil {
		return nil, err
	}

	substituted, err := yaml.Marshal(tree)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(substituted, &cfg); err != nil {
		return nil, errors.Wrapf(err, "decoding config file %s", path)
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// substituteEnv walks the decoded YAML tree depth-first and replaces
// scalar values of the exact form ${VAR_NAME}.
func substituteEnv(v interface{}) (interface{}, error) {
	switch node := v.(type) {
	case map[interface{}]interface{}:
		for k, child := range node {
			replaced, err := substituteEnv(child)
			if err != nil {
				return nil, err
			}
			node[k] = replaced
		}
		return node, nil
	case []interface{}:
		for i, child := range node {
			replaced, err := substituteEnv(child)
			if err != nil {
				return nil, err
			}
			node[i] = replaced
		}
		return node, nil
	case string:
		if strings.HasPrefix(node, "${") && strings.HasSuffix(node, "}") {
			name := node[2 : len(node)-1]
			value, ok := os.LookupEnv(name)
			if !ok {
				if optionalEnvVars[name] {
					return "", nil
				}
				return nil, &MissingEnvError{Variable: name}
			}
			return value, nil
		}
		return node, nil
	default:
		return v, nil
	}
}

func (c *Config) applyDefaults() {
	if c.BrowserStack.APIEndpoint == "" {
		c.BrowserStack.APIEndpoint = DefaultAPIEndpoint
	}
	if c.Git.DefaultBranch == "" {
		c.Git.DefaultBranch = "main"
	}
	if c.Git.UserName == "" {
		c.Git.UserName = "DevOps Automation"
	}
	if c.Git.UserEmail == "" {
		c.Git.UserEmail = "devops@company.com"
	}
	if c.Git.TargetBranch == "" {
		c.Git.TargetBranch = "main"
	}
	if c.YAMLStructure.SharedFile == "" {
		c.YAMLStructure.SharedFile = DefaultSharedFile
	}
	if c.Notifications.Teams.QAGroup == "" {
		c.Notifications.Teams.QAGroup = "QA Team"
	}
}

func (c *Config) validate() error {
	var missing []string
	if c.BrowserStack.Username == "" {
		missing = append(missing, "browserstack.username")
	}
	if c.BrowserStack.AccessKey == "" {
		missing = append(missing, "browserstack.access_key")
	}
	if c.LocalStorage.ArtifactBasePath == "" {
		missing = append(missing, "local_storage.artifact_base_path")
	}
	if len(c.LocalStorage.PathTemplates) == 0 {
		missing = append(missing, "local_storage.path_templates")
	}
	if c.Git.RepoURL == "" {
		missing = append(missing, "git.repo_url")
	}
	if c.GitHub.Token == "" {
		missing = append(missing, "github.token")
	}
	if c.Git.PRMode() {
		if c.GitHub.Org == "" {
			missing = append(missing, "github.org")
		}
		if c.GitHub.Repo == "" {
			missing = append(missing, "github.repo")
		}
	} else if c.Git.TargetBranch == "" {
		missing = append(missing, "git.target_branch")
	}
	if len(missing) > 0 {
		return errors.Errorf("required configuration missing: %s", strings.Join(missing, ", "))
	}
	return nil
}
