package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"bhakti/pkg/fetch"
	"bhakti/pkg/inspect"
	"bhakti/pkg/payload"
	"bhakti/pkg/pycode"
	"bhakti/pkg/registry"
	gos3 "bhakti/pkg/s3"
	"bhakti/pkg/telemetry"
	"bhakti/services/checker"
	"bhakti/services/reports"
)

func main() {
	_ = godotenv.Load()
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var logLevel string

	cmd := &cobra.Command{
		Use:           "bhakti",
		Short:         "Find code hidden in Keras Lambda layers",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Minimum log level (DEBUG, INFO, WARN, ERROR); defaults to LOG_LEVEL")

	cmd.AddCommand(newCheckCommand(&logLevel))
	cmd.AddCommand(newReportCommand())
	return cmd
}

func newCheckCommand(logLevel *string) *cobra.Command {
	var (
		files       []string
		model       string
		resultsFile string
		dir         string
		token       string
		hubURL      string
		cleanUp     bool
		format      string
		minLen      int
		python      string
		concurrency int
	)

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Inspect model files or a hub repository for Lambda layer payloads",
		Example: `  bhakti check -m author/model -r results.jsonl -d /tmp/models -a hf_xxx --clean-up
  bhakti check -f model.h5 -f saved/keras_metadata.pb --format text
  bhakti check -f s3://intake/uploads/0d6c/model.h5`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			logger := telemetry.NewLogger("bhakti", cmd.ErrOrStderr(), telemetry.WithMinLevel(*logLevel))

			outFormat, err := checker.ParseFormat(format)
			if err != nil {
				return err
			}
			if minLen < 1 {
				return fmt.Errorf("--min-len must be at least 1")
			}
			if python != "" && !pycode.IsSupportedVersion(python) {
				return fmt.Errorf("--python %q is not one of %s", python, strings.Join(pycode.SupportedVersions, ", "))
			}

			locators := append([]string(nil), files...)
			if model != "" {
				if err := registry.ValidateRepo(model); err != nil {
					return err
				}
				if token == "" {
					logger.Printf("INFO no hub token given; downloading %s without authorization", model)
				}
				locators = append(locators, "hf://"+model)
			}

			fetchOpts := []fetch.Option{fetch.WithHub(registry.New(
				registry.WithBaseURL(hubURL),
				registry.WithToken(token),
				registry.WithLogger(logger),
			))}
			if anyS3(locators) {
				s3Client, err := gos3.NewClientFromEnv(ctx)
				if err != nil {
					return fmt.Errorf("s3 client: %w", err)
				}
				fetchOpts = append(fetchOpts, fetch.WithObjectStore(s3Client))
			}
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return fmt.Errorf("create download directory: %w", err)
			}
			fetcher, err := fetch.New(dir, fetchOpts...)
			if err != nil {
				return err
			}

			c, err := checker.New(checker.Config{
				Resolver: fetcher,
				Pipeline: inspect.New(
					inspect.WithLogger(logger),
					inspect.WithMinStringLength(minLen),
					inspect.WithPythonVersion(python),
				),
				ResultsFile: resultsFile,
				Format:      outFormat,
				CleanUp:     cleanUp,
				Concurrency: concurrency,
				Stdout:      cmd.OutOrStdout(),
				Logger:      logger,
			})
			if err != nil {
				return err
			}
			_, err = c.Check(ctx, locators)
			return err
		},
	}

	flags := cmd.Flags()
	flags.StringSliceVarP(&files, "file", "f", nil, "Model file to inspect: a local path or s3://bucket/key (repeatable)")
	flags.StringVarP(&model, "model", "m", "", "Hub repository to inspect (author/model)")
	flags.StringVarP(&resultsFile, "results-file", "r", "", "Append JSON line results to this file instead of printing them")
	flags.StringVarP(&dir, "dir", "d", ".", "Directory for downloaded models")
	flags.StringVarP(&token, "api-key", "a", os.Getenv("HF_TOKEN"), "Hub API token; defaults to HF_TOKEN")
	flags.StringVar(&hubURL, "hub-url", registry.DefaultBaseURL, "Hub base URL")
	flags.BoolVarP(&cleanUp, "clean-up", "c", false, "Delete downloaded models after inspection")
	flags.StringVar(&format, "format", string(checker.FormatJSON), "Output format: json, yaml or text")
	flags.IntVar(&minLen, "min-len", payload.DefaultMinLen, "Shortest printable run reported from a payload")
	flags.StringVar(&python, "python", "", "Python version of the payload, 3.7 to 3.12; detected from the code object when empty")
	flags.IntVar(&concurrency, "concurrency", 4, "Artifacts inspected in parallel")
	cmd.MarkFlagsMutuallyExclusive("file", "model")
	cmd.MarkFlagsOneRequired("file", "model")
	return cmd
}

func anyS3(locators []string) bool {
	for _, l := range locators {
		if strings.HasPrefix(l, "s3://") {
			return true
		}
	}
	return false
}

func newReportCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Signed evidence bundle operations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	cmd.AddCommand(newReportBuildCommand())
	cmd.AddCommand(newReportVerifyCommand())
	return cmd
}

func newReportBuildCommand() *cobra.Command {
	var (
		inputs []string
		output string
		upload string
	)

	cmd := &cobra.Command{
		Use:   "build",
		Short: "Create a signed bundle from results files",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			signer, err := reports.NewSignerFromEnv()
			if err != nil {
				return err
			}
			if _, err := reports.Build(ctx, reports.BuildConfig{
				Inputs: inputs,
				Output: output,
				Signer: signer,
				Stdout: cmd.OutOrStdout(),
			}); err != nil {
				return err
			}
			if upload == "" {
				return nil
			}
			bucket, key, err := gos3.ParseURL(upload)
			if err != nil {
				return err
			}
			s3Client, err := gos3.NewClientFromEnv(ctx)
			if err != nil {
				return fmt.Errorf("s3 client: %w", err)
			}
			if err := reports.Upload(ctx, s3Client, output, bucket, key); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "uploaded %s to %s\n", output, upload)
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&inputs, "input", nil, "Results file (.jsonl) or rendered report to include (repeatable)")
	cmd.Flags().StringVar(&output, "output", "", "Destination bundle file (tar.zst)")
	cmd.Flags().StringVar(&upload, "upload", "", "Also upload the bundle to s3://bucket/key")
	_ = cmd.MarkFlagRequired("input")
	_ = cmd.MarkFlagRequired("output")
	return cmd
}

func newReportVerifyCommand() *cobra.Command {
	var (
		bundleFile string
		extractDir string
	)

	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Check the signature and digests of a bundle",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			signer, err := reports.NewSignerFromEnv()
			if err != nil {
				return err
			}
			_, err = reports.Verify(ctx, reports.VerifyConfig{
				BundlePath: bundleFile,
				Signer:     signer,
				ExtractDir: extractDir,
				Stdout:     cmd.OutOrStdout(),
			})
			return err
		},
	}

	cmd.Flags().StringVar(&bundleFile, "file", "", "Path to the bundle tar.zst")
	cmd.Flags().StringVar(&extractDir, "extract-dir", "", "Directory to extract verified files into")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}
