package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/spf13/cobra"

	"github.com/mobilecd/browserstack-uploader/pkg/config"
	"github.com/mobilecd/browserstack-uploader/pkg/params"
	"github.com/mobilecd/browserstack-uploader/pkg/workflow"
)

type rootOpts struct {
	platform       string
	environment    string
	buildType      string
	appVariant     string
	version        string
	buildID        string
	sourceBuildURL string
	srcFolder      string
	configFile     string
	outputFile     string
	verbose        bool
}

func newRootCommand() *cobra.Command {
	opts := &rootOpts{}
	cmd := &cobra.Command{
		Use:   "bsuploader",
		Short: "Upload a mobile build artifact to BrowserStack and record its app ID",
		Long: `bsuploader uploads a build artifact to BrowserStack, writes the
returned app ID into the YAML configuration repository, opens a pull
request (or commits directly), notifies Teams and writes an audit
record.`,
		Example: `  bsuploader --platform android --environment production \
    --build-type Release --app-variant agent \
    --version 1.2.0 --build-id jenkins-1234 \
    --source-build-url https://jenkins.example.com/job/build/123`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(cmd)
		},
	}

	fs := cmd.Flags()
	fs.StringVar(&opts.platform, "platform", "", fmt.Sprintf("mobile platform %v", params.Platforms))
	fs.StringVar(&opts.environment, "environment", "", fmt.Sprintf("target environment %v", params.Environments))
	fs.StringVar(&opts.buildType, "build-type", "", fmt.Sprintf("build type %v", params.BuildTypes))
	fs.StringVar(&opts.appVariant, "app-variant", "", fmt.Sprintf("application variant %v", params.AppVariants))
	fs.StringVar(&opts.version, "version", "", "application version (semantic: X.Y.Z)")
	fs.StringVar(&opts.buildID, "build-id", "", "build identifier, e.g. jenkins-1234")
	fs.StringVar(&opts.sourceBuildURL, "source-build-url", "", "source build URL for reference")
	fs.StringVar(&opts.srcFolder, "src-folder", "", "override the configured artifact base path")
	fs.StringVar(&opts.configFile, "config-file", "config.yaml", "path to the YAML configuration file")
	fs.StringVar(&opts.outputFile, "output-file", "", "write the workflow result as JSON to this file")
	fs.BoolVarP(&opts.verbose, "verbose", "v", false, "enable debug logging")

	for _, f := range []string{"platform", "environment", "build-type", "app-variant", "build-id", "source-build-url"} {
		cmd.MarkFlagRequired(f)
	}
	return cmd
}

func (opts *rootOpts) run(cmd *cobra.Command) error {
	logger := log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	logger = log.With(logger, "ts", log.DefaultTimestampUTC)
	if opts.verbose {
		logger = level.NewFilter(logger, level.AllowDebug())
	} else {
		logger = level.NewFilter(logger, level.AllowInfo())
	}

	cfg, err := config.Load(opts.configFile)
	if err != nil {
		return fmt.Errorf("loading configuration: %v", err)
	}

	p := params.Parameters{
		Platform:       params.Platform(opts.platform),
		Environment:    params.Environment(opts.environment),
		BuildType:      params.BuildType(opts.buildType),
		AppVariant:     params.AppVariant(opts.appVariant),
		Version:        opts.version,
		BuildID:        opts.buildID,
		SourceBuildURL: opts.sourceBuildURL,
		SourceFolder:   opts.srcFolder,
	}

	orch, err := workflow.New(cfg, opts.srcFolder, opts.verbose, logger)
	if err != nil {
		return err
	}

	res, runErr := orch.Run(context.Background(), p)
	printSummary(cmd.OutOrStdout(), res)

	if opts.outputFile != "" {
		if err := writeOutput(opts.outputFile, res); err != nil {
			logger.Log("warning", "could not write output file", "path", opts.outputFile, "err", err)
		}
	}
	return runErr
}

func printSummary(out io.Writer, res *workflow.Result) {
	line := strings.Repeat("=", 70)
	fmt.Fprintln(out, line)
	fmt.Fprintf(out, "Workflow %s\n", res.Status)
	fmt.Fprintln(out, line)
	for _, s := range workflow.Steps {
		fmt.Fprintf(out, "  %-24s %s\n", s, res.Steps[s])
	}
	fmt.Fprintln(out, line)
	if res.BrowserStack != nil {
		fmt.Fprintf(out, "  App ID:     %s\n", res.BrowserStack.AppID)
	}
	if res.OldAppID != "" {
		fmt.Fprintf(out, "  Old App ID: %s\n", res.OldAppID)
	}
	if res.PullRequest != nil {
		fmt.Fprintf(out, "  PR:         %s\n", res.PullRequest.URL)
	}
	if res.AuditFile != "" {
		fmt.Fprintf(out, "  Audit:      %s\n", res.AuditFile)
	}
	if res.Error != "" {
		fmt.Fprintf(out, "  Error:      %s\n", res.Error)
	}
}

func writeOutput(path string, res *workflow.Result) error {
	data, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	return ioutil.WriteFile(path, data, 0644)
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
