// Package audit writes a JSON record of each workflow run to local
// disk. Records are best effort; a run never fails because its audit
// file could not be written.
package audit

import (
	"encoding/json"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"time"

	"github.com/go-kit/kit/log"

	"github.com/mobilecd/browserstack-uploader/pkg/params"
)

// Record is the on-disk shape of one audit entry.
type Record struct {
	Timestamp    string            `json:"timestamp"`
	Parameters   params.Parameters `json:"parameters"`
	Artifact     *ArtifactInfo     `json:"artifact,omitempty"`
	BrowserStack *UploadInfo       `json:"browserstack,omitempty"`
	YAMLUpdates  *YAMLInfo         `json:"yaml_updates,omitempty"`
	PullRequest  *PullRequestInfo  `json:"pull_request,omitempty"`
	Status       string            `json:"status"`
	Error        string            `json:"error,omitempty"`
}

type ArtifactInfo struct {
	Path         string `json:"path"`
	Size         int64  `json:"size"`
	MD5          string `json:"md5"`
	ModifiedTime string `json:"modified_time"`
}

type UploadInfo struct {
	OldAppID        string `json:"old_app_id"`
	NewAppID        string `json:"new_app_id"`
	AppURL          string `json:"app_url"`
	UploadTimestamp string `json:"upload_timestamp"`
}

type YAMLInfo struct {
	Files      []string `json:"files"`
	Platform   string   `json:"platform"`
	AppVariant string   `json:"app_variant"`
}

type PullRequestInfo struct {
	Number int    `json:"pr_number"`
	URL    string `json:"pr_url"`
	Branch string `json:"branch"`
}

// Recorder serializes Records into a directory, one file per run.
type Recorder struct {
	dir    string
	logger log.Logger
	now    func() time.Time
}

func NewRecorder(dir string, logger log.Logger) *Recorder {
	if dir == "" {
		dir = "."
	}
	return &Recorder{dir: dir, logger: logger, now: time.Now}
}

// Write stores the record and returns the path of the file it wrote.
// On failure it logs a warning and returns an empty path; the error
// is reported but callers are expected to carry on.
func (r *Recorder) Write(rec Record) (string, error) {
	if rec.Timestamp == "" {
		rec.Timestamp = r.now().UTC().Format(time.RFC3339)
	}

	name := fmt.Sprintf("audit-trail-%s-%s-%s.json",
		rec.Parameters.Platform, rec.Parameters.AppVariant, rec.Parameters.BuildID)
	path := filepath.Join(r.dir, name)

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		r.logger.Log("warning", "could not serialize audit record", "err", err)
		return "", err
	}
	if err := os.MkdirAll(r.dir, 0755); err != nil {
		r.logger.Log("warning", "could not create audit directory", "dir", r.dir, "err", err)
		return "", err
	}
	if err := ioutil.WriteFile(path, data, 0644); err != nil {
		r.logger.Log("warning", "could not write audit record", "path", path, "err", err)
		return "", err
	}

	r.logger.Log("msg", "audit record written", "path", path)
	return path, nil
}
