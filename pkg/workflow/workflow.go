// Package workflow sequences the upload pipeline: artifact validation,
// BrowserStack upload, config repo update, pull request, notification
// and audit trail. Steps run strictly in order; a fatal step failure
// skips the remaining steps but the audit record is still written and
// the git workspace is still cleaned up.
package workflow

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-kit/kit/log"

	"github.com/mobilecd/browserstack-uploader/pkg/audit"
	"github.com/mobilecd/browserstack-uploader/pkg/backoff"
	"github.com/mobilecd/browserstack-uploader/pkg/browserstack"
	"github.com/mobilecd/browserstack-uploader/pkg/config"
	"github.com/mobilecd/browserstack-uploader/pkg/git"
	"github.com/mobilecd/browserstack-uploader/pkg/github"
	"github.com/mobilecd/browserstack-uploader/pkg/notify"
	"github.com/mobilecd/browserstack-uploader/pkg/params"
	"github.com/mobilecd/browserstack-uploader/pkg/record"
	"github.com/mobilecd/browserstack-uploader/pkg/storage"
)

// Step names, in execution order. These are the keys of Result.Steps.
const (
	StepValidate     = "validate"
	StepArtifact     = "artifact_validation"
	StepUpload       = "browserstack_upload"
	StepGitPrepare   = "git_prepare"
	StepYAMLUpdate   = "yaml_update"
	StepGitCommit    = "git_commit"
	StepCreatePR     = "create_pr"
	StepNotification = "teams_notification"
	StepAuditTrail   = "audit_trail"
)

var Steps = []string{
	StepValidate,
	StepArtifact,
	StepUpload,
	StepGitPrepare,
	StepYAMLUpdate,
	StepGitCommit,
	StepCreatePR,
	StepNotification,
	StepAuditTrail,
}

// Per-step and overall outcome values.
const (
	StatusPending = "PENDING"
	StatusSuccess = "SUCCESS"
	StatusFailed  = "FAILED"
	StatusSkipped = "SKIPPED"
)

// GitInfo describes the repo workspace a run operated on.
type GitInfo struct {
	ClonePath string `json:"clone_path"`
	Branch    string `json:"branch"`
	CommitSHA string `json:"commit_sha,omitempty"`
}

// PRInfo mirrors the pull request fields of the output JSON.
type PRInfo struct {
	Number int    `json:"pr_number"`
	URL    string `json:"pr_url"`
	Branch string `json:"branch"`
}

// Result is the outcome of one run, serialized as the output JSON.
type Result struct {
	Status           string                     `json:"status"`
	Timestamp        string                     `json:"timestamp"`
	Parameters       params.Parameters          `json:"params"`
	Steps            map[string]string          `json:"steps"`
	Artifact         *storage.Artifact          `json:"artifact,omitempty"`
	BrowserStack     *browserstack.UploadResult `json:"browserstack,omitempty"`
	OldAppID         string                     `json:"old_app_id,omitempty"`
	YAMLFilesUpdated []string                   `json:"yaml_files_updated,omitempty"`
	Git              *GitInfo                   `json:"git,omitempty"`
	PullRequest      *PRInfo                    `json:"pr,omitempty"`
	NotificationSent bool                       `json:"notification_sent"`
	AuditFile        string                     `json:"audit_file,omitempty"`
	Error            string                     `json:"error,omitempty"`
	Details          []string                   `json:"details,omitempty"`
	TimestampEnd     string                     `json:"timestamp_end,omitempty"`
}

// Narrow views of the collaborating packages, kept small so tests can
// substitute fakes without network or a git binary.

type ArtifactStore interface {
	ResolvePath(p params.Parameters) (string, error)
	Validate(path string, platform params.Platform) (*storage.Artifact, error)
}

type Uploader interface {
	Upload(ctx context.Context, path, customID string) (*browserstack.UploadResult, error)
}

type Workspace interface {
	Dir() string
	CreateBranch(ctx context.Context, name string) error
	CheckoutBranch(ctx context.Context, name string) error
	CommitAndPush(ctx context.Context, paths []string, message string) (string, error)
	Clean() error
}

type RecordUpdater interface {
	VariantFile(platform params.Platform, variant params.AppVariant) string
	CurrentAppID(platform params.Platform, variant params.AppVariant, environment params.Environment, buildType params.BuildType) string
	UpdateAppID(p params.Parameters, newAppID string) ([]string, error)
	ValidateFiles(paths []string) error
}

type PullRequester interface {
	CreatePullRequest(ctx context.Context, title, body, head, base string, labels []string) (*github.PullRequest, error)
}

type Notifier interface {
	Enabled() bool
	Send(ctx context.Context, s notify.Summary) bool
}

type AuditWriter interface {
	Write(rec audit.Record) (string, error)
}

var prLabels = []string{"browserstack", "auto-generated"}

// Orchestrator runs the pipeline once per invocation.
type Orchestrator struct {
	cfg        *config.Config
	store      ArtifactStore
	uploader   Uploader
	clone      func(ctx context.Context) (Workspace, error)
	newUpdater func(repoDir string) RecordUpdater
	pulls      PullRequester
	notifier   Notifier
	auditor    AuditWriter
	logger     log.Logger
	now        func() time.Time
}

// New wires an Orchestrator from configuration. srcFolder, when
// non-empty, overrides the configured artifact base path for this run;
// progress enables the upload progress bar on stderr.
func New(cfg *config.Config, srcFolder string, progress bool, logger log.Logger) (*Orchestrator, error) {
	retry := backoff.Policy{
		MaxAttempts:   cfg.Retry.MaxAttempts,
		InitialDelay:  time.Duration(cfg.Retry.InitialDelay) * time.Second,
		BackoffFactor: cfg.Retry.BackoffFactor,
	}

	uploader, err := browserstack.NewClient(cfg.BrowserStack, retry, log.With(logger, "component", "browserstack"))
	if err != nil {
		return nil, err
	}
	uploader.ShowProgress = progress

	gitLogger := log.With(logger, "component", "git")
	gitCfg := git.Config{
		URL:       git.WithToken(cfg.Git.RepoURL, cfg.GitHub.Token),
		UserName:  cfg.Git.UserName,
		UserEmail: cfg.Git.UserEmail,
	}

	var pulls PullRequester
	if cfg.Git.PRMode() {
		pulls = github.NewClient(cfg.GitHub.Token, cfg.GitHub.Org, cfg.GitHub.Repo, log.With(logger, "component", "github"))
	}

	o := &Orchestrator{
		cfg:      cfg,
		store:    storage.New(cfg.LocalStorage, srcFolder, log.With(logger, "component", "storage")),
		uploader: uploader,
		clone: func(ctx context.Context) (Workspace, error) {
			return git.Clone(ctx, gitCfg, gitLogger)
		},
		newUpdater: func(repoDir string) RecordUpdater {
			return record.NewUpdater(cfg.YAMLStructure, repoDir, log.With(logger, "component", "record"))
		},
		pulls:    pulls,
		notifier: notify.NewNotifier(cfg.Notifications.Teams, log.With(logger, "component", "notify")),
		auditor:  audit.NewRecorder("", log.With(logger, "component", "audit")),
		logger:   logger,
		now:      time.Now,
	}
	return o, nil
}

// Run executes all nine steps for one artifact and never returns a nil
// Result. The returned error, when non-nil, matches Result.Error.
func (o *Orchestrator) Run(ctx context.Context, p params.Parameters) (*Result, error) {
	res := &Result{
		Status:     StatusPending,
		Timestamp:  o.now().UTC().Format(time.RFC3339),
		Parameters: p,
		Steps:      map[string]string{},
	}
	for _, s := range Steps {
		res.Steps[s] = StatusPending
	}

	var fatal error
	step := func(name string, fn func() error) {
		if fatal != nil {
			res.Steps[name] = StatusSkipped
			return
		}
		o.logger.Log("step", name, "status", "started")
		if err := fn(); err != nil {
			res.Steps[name] = StatusFailed
			fatal = err
			o.logger.Log("step", name, "status", StatusFailed, "err", err)
			return
		}
		res.Steps[name] = StatusSuccess
		o.logger.Log("step", name, "status", StatusSuccess)
	}

	var (
		ws           Workspace
		updater      RecordUpdater
		artifactPath string
	)
	defer func() {
		if ws == nil {
			return
		}
		if err := ws.Clean(); err != nil {
			o.logger.Log("warning", "could not remove git workspace", "dir", ws.Dir(), "err", err)
		}
	}()

	step(StepValidate, func() error {
		if msgs := p.Validate(); len(msgs) > 0 {
			res.Details = msgs
			return fmt.Errorf("parameter validation failed: %s", strings.Join(msgs, "; "))
		}
		return nil
	})

	step(StepArtifact, func() error {
		path, err := o.store.ResolvePath(p)
		if err != nil {
			return err
		}
		artifactPath = path
		artifact, err := o.store.Validate(path, p.Platform)
		if err != nil {
			return err
		}
		res.Artifact = artifact
		return nil
	})

	step(StepUpload, func() error {
		result, err := o.uploader.Upload(ctx, artifactPath, o.customID(p))
		if err != nil {
			return err
		}
		res.BrowserStack = result
		return nil
	})

	branch := fmt.Sprintf("browserstack-update/%s/%s/%s", p.Platform, p.AppVariant, p.BuildID)
	if !o.cfg.Git.PRMode() {
		branch = o.cfg.Git.TargetBranch
	}

	step(StepGitPrepare, func() error {
		checkout, err := o.clone(ctx)
		if err != nil {
			return err
		}
		ws = checkout
		if o.cfg.Git.PRMode() {
			err = ws.CreateBranch(ctx, branch)
		} else {
			err = ws.CheckoutBranch(ctx, branch)
		}
		if err != nil {
			return err
		}
		res.Git = &GitInfo{ClonePath: ws.Dir(), Branch: branch}
		updater = o.newUpdater(ws.Dir())
		res.OldAppID = updater.CurrentAppID(p.Platform, p.AppVariant, p.Environment, p.BuildType)
		return nil
	})

	step(StepYAMLUpdate, func() error {
		files, err := updater.UpdateAppID(p, res.BrowserStack.AppID)
		if err != nil {
			return err
		}
		if err := updater.ValidateFiles(files); err != nil {
			return err
		}
		res.YAMLFilesUpdated = files
		return nil
	})

	step(StepGitCommit, func() error {
		sha, err := ws.CommitAndPush(ctx, res.YAMLFilesUpdated, o.commitMessage(p))
		if err != nil {
			return err
		}
		res.Git.CommitSHA = sha
		return nil
	})

	if o.cfg.Git.PRMode() {
		step(StepCreatePR, func() error {
			pr, err := o.pulls.CreatePullRequest(ctx,
				o.prTitle(p), o.prBody(p, res), branch, o.cfg.Git.DefaultBranch, prLabels)
			if err != nil {
				return err
			}
			res.PullRequest = &PRInfo{Number: pr.Number, URL: pr.URL, Branch: branch}
			return nil
		})
	} else if fatal == nil {
		res.Steps[StepCreatePR] = StatusSkipped
		o.logger.Log("step", StepCreatePR, "status", StatusSkipped, "msg", "direct commit mode")
	} else {
		res.Steps[StepCreatePR] = StatusSkipped
	}

	// Notification failure never fails the run.
	if fatal != nil || !o.notifier.Enabled() {
		res.Steps[StepNotification] = StatusSkipped
	} else {
		o.logger.Log("step", StepNotification, "status", "started")
		res.NotificationSent = o.notifier.Send(ctx, o.summary(p, res))
		if res.NotificationSent {
			res.Steps[StepNotification] = StatusSuccess
		} else {
			res.Steps[StepNotification] = StatusFailed
		}
	}

	// The audit record is written even for failed runs.
	o.writeAudit(res, p, fatal)

	res.TimestampEnd = o.now().UTC().Format(time.RFC3339)
	if fatal != nil {
		res.Status = StatusFailed
		res.Error = fatal.Error()
		return res, fatal
	}
	res.Status = StatusSuccess
	return res, nil
}

func (o *Orchestrator) writeAudit(res *Result, p params.Parameters, fatal error) {
	rec := audit.Record{
		Parameters: p,
		Status:     StatusSuccess,
	}
	if fatal != nil {
		rec.Status = StatusFailed
		rec.Error = fatal.Error()
	}
	if res.Artifact != nil {
		rec.Artifact = &audit.ArtifactInfo{
			Path:         res.Artifact.Path,
			Size:         res.Artifact.Size,
			MD5:          res.Artifact.MD5,
			ModifiedTime: res.Artifact.ModTime.UTC().Format(time.RFC3339),
		}
	}
	if res.BrowserStack != nil {
		rec.BrowserStack = &audit.UploadInfo{
			OldAppID:        res.OldAppID,
			NewAppID:        res.BrowserStack.AppID,
			AppURL:          res.BrowserStack.AppURL,
			UploadTimestamp: res.BrowserStack.Timestamp.UTC().Format(time.RFC3339),
		}
	}
	if len(res.YAMLFilesUpdated) > 0 {
		rec.YAMLUpdates = &audit.YAMLInfo{
			Files:      res.YAMLFilesUpdated,
			Platform:   string(p.Platform),
			AppVariant: string(p.AppVariant),
		}
	}
	if res.PullRequest != nil {
		rec.PullRequest = &audit.PullRequestInfo{
			Number: res.PullRequest.Number,
			URL:    res.PullRequest.URL,
			Branch: res.PullRequest.Branch,
		}
	}

	path, err := o.auditor.Write(rec)
	if err != nil {
		res.Steps[StepAuditTrail] = StatusFailed
		return
	}
	res.Steps[StepAuditTrail] = StatusSuccess
	res.AuditFile = path
}

// customID names the upload on the BrowserStack side. Second-resolution
// timestamps keep retries of the same build distinguishable.
func (o *Orchestrator) customID(p params.Parameters) string {
	ts := o.now().UTC().Format("20060102150405")
	return fmt.Sprintf("%s-%s-%s-%s-%s", p.Platform, p.AppVariant, p.Environment, p.BuildType, ts)
}

func (o *Orchestrator) commitMessage(p params.Parameters) string {
	return fmt.Sprintf("Update BrowserStack app ID for %s/%s %s %s\n\nBuild: %s\nVersion: %s",
		p.Platform, p.AppVariant, p.Environment, p.BuildType, p.BuildID, p.Version)
}

func (o *Orchestrator) prTitle(p params.Parameters) string {
	return fmt.Sprintf("[BrowserStack] Update %s: %s %s %s",
		p.AppVariant, p.Platform, p.Environment, p.BuildType)
}

func (o *Orchestrator) prBody(p params.Parameters, res *Result) string {
	var b strings.Builder
	fmt.Fprintf(&b, "## BrowserStack App Update\n\n")
	fmt.Fprintf(&b, "### Build Information\n")
	fmt.Fprintf(&b, "- **Platform**: %s\n", p.Platform)
	fmt.Fprintf(&b, "- **Application**: %s\n", p.AppVariant)
	fmt.Fprintf(&b, "- **Environment**: %s\n", p.Environment)
	fmt.Fprintf(&b, "- **Build Type**: %s\n", p.BuildType)
	fmt.Fprintf(&b, "- **Version**: %s\n", p.Version)
	fmt.Fprintf(&b, "- **Build ID**: %s\n\n", p.BuildID)
	fmt.Fprintf(&b, "### App ID Change\n")
	fmt.Fprintf(&b, "- **Old App ID**: %s\n", res.OldAppID)
	fmt.Fprintf(&b, "- **New App ID**: %s\n\n", res.BrowserStack.AppID)
	fmt.Fprintf(&b, "### Files Updated\n")
	for _, f := range res.YAMLFilesUpdated {
		fmt.Fprintf(&b, "- %s\n", f)
	}
	fmt.Fprintf(&b, "\n### Links\n")
	fmt.Fprintf(&b, "- [Source Build](%s)\n", p.SourceBuildURL)
	fmt.Fprintf(&b, "- [BrowserStack Dashboard](https://app-live.browserstack.com)\n\n")
	fmt.Fprintf(&b, "**Auto-generated by DevOps Automation**\n")
	return b.String()
}

func (o *Orchestrator) summary(p params.Parameters, res *Result) notify.Summary {
	s := notify.Summary{
		Platform:       string(p.Platform),
		AppVariant:     string(p.AppVariant),
		Environment:    string(p.Environment),
		BuildType:      string(p.BuildType),
		Version:        p.Version,
		OldAppID:       res.OldAppID,
		SourceBuildURL: p.SourceBuildURL,
	}
	if res.OldAppID == record.NotSet {
		s.OldAppID = ""
	}
	if res.BrowserStack != nil {
		s.NewAppID = res.BrowserStack.AppID
	}
	if res.PullRequest != nil {
		s.PRURL = res.PullRequest.URL
	}
	if len(res.YAMLFilesUpdated) > 0 {
		s.YAMLFile = res.YAMLFilesUpdated[0]
	}
	return s
}
