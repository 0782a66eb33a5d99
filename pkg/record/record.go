// Package record rewrites the YAML documents of the configuration
// repository that map app variants to BrowserStack app references.
//
// Each (platform, variant) pair has its own document, so concurrent
// uploads of different variants touch disjoint files and cannot
// merge-conflict with each other. A shared metadata document tracks
// which variant was updated last, for cross-variant audit.
package record

import (
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"

	"github.com/mobilecd/browserstack-uploader/pkg/config"
	"github.com/mobilecd/browserstack-uploader/pkg/params"
)

// NotSet is the sentinel returned when no app reference has been
// recorded yet for a key.
const NotSet = "NOT_SET"

const updatedBy = "devops-automation"

// platformTitles names platforms in the fallback file name pattern.
var platformTitles = map[params.Platform]string{
	params.PlatformAndroid:   "Android",
	params.PlatformAndroidHW: "AndroidHW",
	params.PlatformIOS:       "iOS",
}

// InvalidYAMLError means an existing document could not be parsed;
// rewriting it would destroy content, so the workflow aborts.
type InvalidYAMLError struct {
	Path string
	Err  error
}

func (e *InvalidYAMLError) Error() string {
	return fmt.Sprintf("invalid YAML in %s: %s", e.Path, e.Err)
}

func (e *InvalidYAMLError) Unwrap() error { return e.Err }

type Updater struct {
	repoDir    string
	files      map[string]map[string]string
	sharedFile string
	logger     log.Logger

	now func() time.Time
}

func NewUpdater(cfg config.YAMLStructureConfig, repoDir string, logger log.Logger) *Updater {
	return &Updater{
		repoDir:    repoDir,
		files:      cfg.YAMLFiles,
		sharedFile: cfg.SharedFile,
		logger:     logger,
		now:        time.Now,
	}
}

// VariantFile returns the path of the document for (platform,
// variant), relative to the repo root. Configured names win; without
// one the deterministic fallback pattern is used.
func (u *Updater) VariantFile(platform params.Platform, variant params.AppVariant) string {
	if byVariant, ok := u.files[string(platform)]; ok {
		if name, ok := byVariant[string(variant)]; ok {
			return name
		}
	}
	return fmt.Sprintf("browserstack_%s_%s.yml", variant, platformTitles[platform])
}

// CurrentAppID reads the app reference currently recorded under
// apps.<variant>.<environment>.<buildType>. A missing or unreadable
// document yields NotSet rather than an error: first-time uploads
// have nothing to read.
func (u *Updater) CurrentAppID(platform params.Platform, variant params.AppVariant, environment params.Environment, buildType params.BuildType) string {
	path := filepath.Join(u.repoDir, u.VariantFile(platform, variant))

	raw, err := ioutil.ReadFile(path)
	if err != nil {
		u.logger.Log("msg", "variant document not found, assuming first upload", "path", path)
		return NotSet
	}
	var doc yaml.MapSlice
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		u.logger.Log("warning", "could not parse variant document", "path", path, "err", err)
		return NotSet
	}

	value, ok := getNested(doc, "apps", string(variant), string(environment), string(buildType), "app_id")
	if !ok {
		return NotSet
	}
	id, ok := value.(string)
	if !ok || id == "" {
		return NotSet
	}
	return id
}

// UpdateAppID records the new app reference plus build metadata in
// the variant document and the shared document, creating missing
// nested structure as needed. It returns the repo-relative paths of
// the files it rewrote.
func (u *Updater) UpdateAppID(p params.Parameters, newAppID string) ([]string, error) {
	timestamp := u.now().UTC().Format(time.RFC3339)

	variantFile := u.VariantFile(p.Platform, p.AppVariant)
	if err := u.updateVariantFile(variantFile, p, newAppID, timestamp); err != nil {
		return nil, err
	}
	u.logger.Log("msg", "updated variant document", "path", variantFile)

	if err := u.updateSharedFile(p, timestamp); err != nil {
		return nil, err
	}
	u.logger.Log("msg", "updated shared document", "path", u.sharedFile)

	return []string{filepath.ToSlash(variantFile), filepath.ToSlash(u.sharedFile)}, nil
}

func (u *Updater) updateVariantFile(relPath string, p params.Parameters, newAppID, timestamp string) error {
	path := filepath.Join(u.repoDir, relPath)
	doc, err := loadDocument(path)
	if err != nil {
		return err
	}

	entry := yaml.MapSlice{
		{Key: "app_id", Value: newAppID},
		{Key: "app_url", Value: newAppID},
	}
	if p.Version != "" {
		entry = append(entry, yaml.MapItem{Key: "version", Value: p.Version})
	}
	entry = append(entry,
		yaml.MapItem{Key: "build_id", Value: p.BuildID},
		yaml.MapItem{Key: "build_type", Value: string(p.BuildType)},
		yaml.MapItem{Key: "environment", Value: string(p.Environment)},
		yaml.MapItem{Key: "updated_at", Value: timestamp},
	)

	doc = setNested(doc, []string{"apps", string(p.AppVariant), string(p.Environment), string(p.BuildType)}, entry)
	return writeDocument(path, doc)
}

func (u *Updater) updateSharedFile(p params.Parameters, timestamp string) error {
	path := filepath.Join(u.repoDir, u.sharedFile)
	doc, err := loadDocument(path)
	if err != nil {
		return err
	}

	if _, ok := getNested(doc, "browserstack"); !ok {
		doc = setNested(doc, []string{"browserstack"}, yaml.MapSlice{
			{Key: "dashboard", Value: "https://app-live.browserstack.com"},
			{Key: "api_version", Value: "v1"},
			{Key: "retention_days", Value: 30},
		})
	}
	doc = setNested(doc, []string{"browserstack", "last_updated"}, timestamp)

	doc = setNested(doc, []string{"artifacts", string(p.Platform), string(p.AppVariant)}, yaml.MapSlice{
		{Key: "last_updated", Value: timestamp},
		{Key: "last_updated_by", Value: updatedBy},
		{Key: "last_build_id", Value: p.BuildID},
		{Key: "app_variants_updated", Value: []string{fmt.Sprintf("%s/%s", p.Environment, p.BuildType)}},
	})

	return writeDocument(path, doc)
}

// ValidateFiles re-parses the given repo-relative documents, catching
// a corrupt rewrite before it gets committed.
func (u *Updater) ValidateFiles(paths []string) error {
	for _, rel := range paths {
		path := filepath.Join(u.repoDir, rel)
		raw, err := ioutil.ReadFile(path)
		if err != nil {
			return errors.Wrapf(err, "reading %s", rel)
		}
		var doc yaml.MapSlice
		if err := yaml.Unmarshal(raw, &doc); err != nil {
			return &InvalidYAMLError{Path: rel, Err: err}
		}
	}
	return nil
}

func loadDocument(path string) (yaml.MapSlice, error) {
	raw, err := ioutil.ReadFile(path)
	if os.IsNotExist(err) {
		return yaml.MapSlice{}, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "reading %s", path)
	}
	var doc yaml.MapSlice
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, &InvalidYAMLError{Path: path, Err: err}
	}
	return doc, nil
}

func writeDocument(path string, doc yaml.MapSlice) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return errors.Wrapf(err, "creating directory for %s", path)
	}
	out, err := yaml.Marshal(doc)
	if err != nil {
		return errors.Wrapf(err, "serializing %s", path)
	}
	if err := ioutil.WriteFile(path, out, 0644); err != nil {
		return errors.Wrapf(err, "writing %s", path)
	}
	return nil
}

// getNested walks a path of mapping keys and returns the value at the
// end, if every level exists.
func getNested(doc yaml.MapSlice, path ...string) (interface{}, bool) {
	var current interface{} = doc
	for _, key := range path {
		ms, ok := current.(yaml.MapSlice)
		if !ok {
			return nil, false
		}
		found := false
		for _, item := range ms {
			if k, ok := item.Key.(string); ok && k == key {
				current = item.Value
				found = true
				break
			}
		}
		if !found {
			return nil, false
		}
	}
	return current, true
}

// setNested replaces the value at the given key path, creating
// intermediate mappings where they are missing and leaving every
// sibling key in place, in its original order.
func setNested(doc yaml.MapSlice, path []string, value interface{}) yaml.MapSlice {
	if len(path) == 0 {
		if ms, ok := value.(yaml.MapSlice); ok {
			return ms
		}
		return doc
	}
	key := path[0]
	for i, item := range doc {
		if k, ok := item.Key.(string); ok && k == key {
			if len(path) == 1 {
				doc[i].Value = value
			} else {
				child, _ := item.Value.(yaml.MapSlice)
				doc[i].Value = setNested(child, path[1:], value)
			}
			return doc
		}
	}
	if len(path) == 1 {
		return append(doc, yaml.MapItem{Key: key, Value: value})
	}
	return append(doc, yaml.MapItem{Key: key, Value: setNested(yaml.MapSlice{}, path[1:], value)})
}
