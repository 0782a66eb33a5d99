// Package params holds the validated input describing one upload
// request, as supplied on the command line or by a CI trigger.
package params

import (
	"fmt"
	"strings"

	"github.com/Masterminds/semver/v3"
)

type Platform string

const (
	PlatformAndroid   Platform = "android"
	PlatformAndroidHW Platform = "android_hw"
	PlatformIOS       Platform = "ios"
)

type Environment string

const (
	EnvironmentProduction Environment = "production"
	EnvironmentStaging    Environment = "staging"
)

type BuildType string

const (
	BuildTypeDebug   BuildType = "Debug"
	BuildTypeRelease BuildType = "Release"
)

type AppVariant string

const (
	VariantAgent  AppVariant = "agent"
	VariantRetail AppVariant = "retail"
	VariantWallet AppVariant = "wallet"
)

var (
	Platforms    = []Platform{PlatformAndroid, PlatformAndroidHW, PlatformIOS}
	Environments = []Environment{EnvironmentProduction, EnvironmentStaging}
	BuildTypes   = []BuildType{BuildTypeDebug, BuildTypeRelease}
	AppVariants  = []AppVariant{VariantAgent, VariantRetail, VariantWallet}
)

// Parameters is constructed once per invocation and never mutated.
type Parameters struct {
	Platform       Platform    `json:"platform"`
	Environment    Environment `json:"environment"`
	BuildType      BuildType   `json:"build_type"`
	AppVariant     AppVariant  `json:"app_variant"`
	Version        string      `json:"version,omitempty"`
	BuildID        string      `json:"build_id"`
	SourceBuildURL string      `json:"source_build_url"`
	SourceFolder   string      `json:"src_folder,omitempty"`
}

// Validate checks every field and returns one message per problem, so
// a CI log shows all mistakes at once rather than the first.
func (p Parameters) Validate() []string {
	var errs []string

	if p.Platform == "" {
		errs = append(errs, "missing required parameter: platform")
	} else if !containsPlatform(Platforms, p.Platform) {
		errs = append(errs, fmt.Sprintf("invalid platform: %q, must be one of %v", p.Platform, Platforms))
	}

	if p.Environment == "" {
		errs = append(errs, "missing required parameter: environment")
	} else if !containsEnvironment(Environments, p.Environment) {
		errs = append(errs, fmt.Sprintf("invalid environment: %q, must be one of %v", p.Environment, Environments))
	}

	if p.BuildType == "" {
		errs = append(errs, "missing required parameter: build-type")
	} else if !containsBuildType(BuildTypes, p.BuildType) {
		errs = append(errs, fmt.Sprintf("invalid build-type: %q, must be one of %v", p.BuildType, BuildTypes))
	}

	if p.AppVariant == "" {
		errs = append(errs, "missing required parameter: app-variant")
	} else if !containsVariant(AppVariants, p.AppVariant) {
		errs = append(errs, fmt.Sprintf("invalid app-variant: %q, must be one of %v", p.AppVariant, AppVariants))
	}

	if p.Version != "" && !validVersion(p.Version) {
		errs = append(errs, fmt.Sprintf("invalid version: %q, expected semantic version (e.g. 1.2.0 or 1.3.0-beta)", p.Version))
	}

	if p.BuildID == "" {
		errs = append(errs, "missing required parameter: build-id")
	}

	if p.SourceBuildURL == "" {
		errs = append(errs, "missing required parameter: source-build-url")
	} else if !strings.HasPrefix(p.SourceBuildURL, "http://") && !strings.HasPrefix(p.SourceBuildURL, "https://") {
		errs = append(errs, fmt.Sprintf("invalid source-build-url: %q, must be an HTTP(S) URL", p.SourceBuildURL))
	}

	return errs
}

// validVersion accepts MAJOR.MINOR.PATCH with an optional prerelease
// suffix; build metadata ("1.2.3+abc") is not accepted.
func validVersion(version string) bool {
	v, err := semver.StrictNewVersion(version)
	if err != nil {
		return false
	}
	return v.Metadata() == ""
}

func containsPlatform(set []Platform, v Platform) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

func containsEnvironment(set []Environment, v Environment) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

func containsBuildType(set []BuildType, v BuildType) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

func containsVariant(set []AppVariant, v AppVariant) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}
