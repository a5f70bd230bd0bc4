package cmd

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"sort"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/fulmenhq/gofulmen/crucible"
	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	errwrap "github.com/3leaps/golade/internal/errors"
	"github.com/3leaps/golade/internal/observability"
	"github.com/3leaps/golade/pkg/manifest"
	"github.com/3leaps/golade/pkg/resolve"
)

var doctorProject string

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run diagnostic checks",
	Long: `Run diagnostic checks on the system and the project, and suggest fixes for
common issues.

Examples:
  golade doctor                  # Check the project in the current directory
  golade doctor --project site/  # Check another project`,
	Run: runDoctor,
}

func init() {
	rootCmd.AddCommand(doctorCmd)
	doctorCmd.Flags().StringVar(&doctorProject, "project", ".", "Project directory holding golade.yaml")
}

func runDoctor(cmd *cobra.Command, args []string) {
	identity := GetAppIdentity()
	bannerName := "doctor"
	if identity != nil && identity.BinaryName != "" {
		bannerName = identity.BinaryName + " doctor"
	}
	observability.CLILogger.Info("=== " + bannerName + " ===")
	observability.CLILogger.Info("")
	observability.CLILogger.Info("Running diagnostic checks...")
	observability.CLILogger.Info("")

	// The project is loaded up front so the S3 checks can be counted.
	p, projectErr := loadProject(doctorProject, projectOverrides{})

	allChecks := true
	checkNum := 1
	totalChecks := 7
	if projectErr == nil && p.Settings.S3 != nil {
		totalChecks = 9
	}

	// Check 1: Go version
	goVersion := runtime.Version()
	if goVersion >= "go1.23" {
		observability.CLILogger.Info(fmt.Sprintf("[%d/%d] Checking Go version... ✅ %s", checkNum, totalChecks, goVersion),
			zap.String("go_version", goVersion))
	} else {
		observability.CLILogger.Warn(fmt.Sprintf("[%d/%d] Checking Go version... ⚠️  %s (recommended: go1.23+)", checkNum, totalChecks, goVersion),
			zap.String("go_version", goVersion))
		allChecks = false
	}
	checkNum++

	// Check 2: Crucible access
	version := crucible.GetVersion()
	if version.Crucible != "" {
		observability.CLILogger.Info(fmt.Sprintf("[%d/%d] Checking Crucible access... ✅ v%s", checkNum, totalChecks, version.Crucible),
			zap.String("crucible_version", version.Crucible))
	} else {
		observability.CLILogger.Error(fmt.Sprintf("[%d/%d] Checking Crucible access... ❌ Cannot access Crucible", checkNum, totalChecks))
		ExitWithCode(observability.CLILogger, foundry.ExitExternalServiceUnavailable, "Cannot access Crucible",
			errwrap.NewExternalServiceError("Crucible service unavailable"))
	}
	checkNum++

	// Check 3: Gofulmen access
	if version.Gofulmen != "" {
		observability.CLILogger.Info(fmt.Sprintf("[%d/%d] Checking Gofulmen access... ✅ v%s", checkNum, totalChecks, version.Gofulmen),
			zap.String("gofulmen_version", version.Gofulmen))
	} else {
		observability.CLILogger.Error(fmt.Sprintf("[%d/%d] Checking Gofulmen access... ❌ Cannot access Gofulmen", checkNum, totalChecks))
		allChecks = false
	}
	checkNum++

	// Check 4: Project file
	switch {
	case projectErr != nil:
		observability.CLILogger.Error(fmt.Sprintf("[%d/%d] Checking project file... ❌ %v", checkNum, totalChecks, projectErr),
			zap.String("project", doctorProject))
		observability.CLILogger.Info("")
		observability.CLILogger.Info("Remaining project checks skipped.")
		observability.CLILogger.Info("")
		observability.CLILogger.Warn("⚠️  Some checks failed. Review the output above for details.")
		return
	case p.ManifestPath == "":
		observability.CLILogger.Info(fmt.Sprintf("[%d/%d] Checking project file... ✅ none, using defaults", checkNum, totalChecks),
			zap.String("project", p.Dir))
	default:
		observability.CLILogger.Info(fmt.Sprintf("[%d/%d] Checking project file... ✅ %s", checkNum, totalChecks, p.ManifestPath),
			zap.String("project_file", p.ManifestPath))
	}
	checkNum++
	s := p.Settings

	// Check 5: Loader root
	if info, err := os.Stat(s.Root); err != nil || !info.IsDir() {
		observability.CLILogger.Error(fmt.Sprintf("[%d/%d] Checking loader root... ❌ %s is not a readable directory", checkNum, totalChecks, s.Root),
			zap.Error(err))
		allChecks = false
	} else {
		observability.CLILogger.Info(fmt.Sprintf("[%d/%d] Checking loader root... ✅ %s", checkNum, totalChecks, s.Root),
			zap.String("root", s.Root))
	}
	checkNum++

	// Check 6: Cache directory
	switch {
	case s.CacheDisabled:
		observability.CLILogger.Info(fmt.Sprintf("[%d/%d] Checking cache directory... ✅ disabled", checkNum, totalChecks))
	default:
		if err := checkWritableDir(s.CacheDir); err != nil {
			observability.CLILogger.Error(fmt.Sprintf("[%d/%d] Checking cache directory... ❌ %s is not writable", checkNum, totalChecks, s.CacheDir),
				zap.Error(err))
			allChecks = false
		} else {
			observability.CLILogger.Info(fmt.Sprintf("[%d/%d] Checking cache directory... ✅ %s", checkNum, totalChecks, s.CacheDir),
				zap.String("cache_dir", s.CacheDir))
		}
	}
	checkNum++

	// Check 7: Interpreters
	missing := missingInterpreters(resolve.DefaultInterpreters().Merge(s.Interpreters), exec.LookPath)
	if len(missing) == 0 {
		observability.CLILogger.Info(fmt.Sprintf("[%d/%d] Checking interpreters... ✅ all found on PATH", checkNum, totalChecks))
	} else {
		// Missing interpreters only matter for loaders that use them.
		observability.CLILogger.Warn(fmt.Sprintf("[%d/%d] Checking interpreters... ⚠️  %d not on PATH", checkNum, totalChecks, len(missing)),
			zap.Strings("missing", missing))
	}
	checkNum++

	if s.S3 != nil {
		allChecks = runS3Checks(cmd.Context(), s.S3, checkNum, totalChecks, allChecks)
	}

	observability.CLILogger.Info("")
	if allChecks {
		observability.CLILogger.Info(fmt.Sprintf("✅ All checks passed! Your %s installation is healthy.", bannerName))
	} else {
		observability.CLILogger.Warn("⚠️  Some checks failed. Review the output above for details.")
	}
	observability.CLILogger.Info("")
	observability.CLILogger.Info("=== End Diagnostics ===")
}

// checkWritableDir creates dir if needed and writes a probe file into it.
func checkWritableDir(dir string) error {
	// #nosec G301 -- cache directories use 0755 like other build outputs
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, ".doctor-*")
	if err != nil {
		return err
	}
	name := f.Name()
	_ = f.Close()
	return os.Remove(name)
}

// missingInterpreters returns "marker (command)" for every interpreter whose
// command is not found by lookPath, sorted by marker.
func missingInterpreters(interps resolve.Interpreters, lookPath func(string) (string, error)) []string {
	var missing []string
	for _, marker := range interps.Markers() {
		cmd := interps[marker]
		if len(cmd) == 0 {
			continue
		}
		if _, err := lookPath(cmd[0]); err != nil {
			missing = append(missing, fmt.Sprintf(".%s (%s)", marker, cmd[0]))
		}
	}
	sort.Strings(missing)
	return missing
}

// runS3Checks runs publish-target diagnostic checks.
func runS3Checks(ctx context.Context, target *manifest.S3Config, checkNum, totalChecks int, allChecks bool) bool {
	observability.CLILogger.Info("")
	observability.CLILogger.Info("S3 Publish Checks:")

	var opts []func(*config.LoadOptions) error
	if target.Region != "" {
		opts = append(opts, config.WithRegion(target.Region))
	}
	if target.Profile != "" {
		opts = append(opts, config.WithSharedConfigProfile(target.Profile))
	}

	// Check 8: AWS credentials
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		observability.CLILogger.Error(fmt.Sprintf("[%d/%d] Checking AWS credentials... ❌ Cannot load AWS config", checkNum, totalChecks),
			zap.Error(err))
		printAWSCredentialsHelp()
		return false
	}

	creds, err := cfg.Credentials.Retrieve(ctx)
	if err != nil {
		observability.CLILogger.Error(fmt.Sprintf("[%d/%d] Checking AWS credentials... ❌ Cannot retrieve credentials", checkNum, totalChecks),
			zap.Error(err))
		printAWSCredentialsHelp()
		return false
	}

	maskedKey := maskAccessKey(creds.AccessKeyID)
	observability.CLILogger.Info(fmt.Sprintf("[%d/%d] Checking AWS credentials... ✅ Found credentials", checkNum, totalChecks),
		zap.String("access_key", maskedKey),
		zap.String("source", creds.Source))
	checkNum++

	// Check 9: Publish target
	dest := "s3://" + target.Bucket
	if target.Prefix != "" {
		dest += "/" + target.Prefix
	}
	observability.CLILogger.Info(fmt.Sprintf("[%d/%d] Checking publish target... ✅ %s", checkNum, totalChecks, dest),
		zap.String("bucket", target.Bucket),
		zap.String("endpoint", target.Endpoint))

	return allChecks
}

// maskAccessKey masks all but the last 4 characters of an access key.
func maskAccessKey(key string) string {
	if len(key) <= 4 {
		return "****"
	}
	return "****" + key[len(key)-4:]
}

// printAWSCredentialsHelp prints help for configuring AWS credentials.
func printAWSCredentialsHelp() {
	observability.CLILogger.Info("")
	observability.CLILogger.Info("To configure AWS credentials for publishing:")
	observability.CLILogger.Info("  1. Set AWS_ACCESS_KEY_ID and AWS_SECRET_ACCESS_KEY environment variables, or")
	observability.CLILogger.Info("  2. Run 'aws configure' and set publish.s3.profile, or")
	observability.CLILogger.Info("  3. Use an IAM role when running on AWS infrastructure")
	observability.CLILogger.Info("")
	observability.CLILogger.Info("For S3-compatible storage (MinIO, Wasabi, etc.), also set:")
	observability.CLILogger.Info("  - publish.s3.endpoint in golade.yaml")
	observability.CLILogger.Info("")
}
