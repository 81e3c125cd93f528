package tpbuild

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gookit/color"
	"github.com/spf13/cobra"
)

type rootFlags struct {
	buildType     string
	clean         bool
	thirdpartyDir string
	jobs          int
}

// Main is the tpbuild entry point.
func Main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigs:
			colArrow.Print("\n-> ")
			color.Danger.Printf("Received %v. Cancelling build\n", sig)
			cancel()

			select {
			case <-sigs:
				colArrow.Print("\n-> ")
				color.Danger.Println("Second interrupt received. Forcing immediate exit.")
				os.Exit(130)
			case <-time.After(5 * time.Second):
				colArrow.Print("\n-> ")
				color.Danger.Println("Graceful shutdown timeout. Exiting.")
				os.Exit(130)
			}
		case <-ctx.Done():
		}
	}()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		colArrow.Print("-> ")
		colError.Printf("Error: %v\n", err)
		cancel()
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var f rootFlags

	rootCmd := &cobra.Command{
		Use:   "tpbuild [dependency...]",
		Short: "Fetch, patch and build third-party C/C++ dependencies",
		Long: `tpbuild builds the third-party dependencies listed in thirdparty.hcl
for every build variant (common, uninstrumented, asan, tsan), skipping
dependencies whose build definitions have not changed since their last
successful build.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBuild(cmd.Context(), f, args)
		},
	}

	rootCmd.Flags().StringVar(&f.buildType, "build-type", "", "only build this variant (common always runs first)")
	rootCmd.Flags().BoolVar(&f.clean, "clean", false, "remove downloads, sources, build dirs and stamps of the selected dependencies first")
	rootCmd.Flags().IntVarP(&f.jobs, "jobs", "j", 0, "parallel jobs passed to make (default: number of CPUs)")
	rootCmd.PersistentFlags().StringVar(&f.thirdpartyDir, "thirdparty-dir", defaultThirdpartyDir(), "third-party root directory")
	rootCmd.PersistentFlags().BoolVar(&Debug, "debug", false, "print debug output")
	rootCmd.PersistentFlags().BoolVarP(&Verbose, "verbose", "v", false, "stream build tool output instead of writing build/<variant>/<dep>.log")

	rootCmd.AddCommand(newChecksumCmd(), newVerifyCmd(&f), newVersionCmd())
	return rootCmd
}

func defaultThirdpartyDir() string {
	if dir := os.Getenv("TPBUILD_THIRDPARTY_DIR"); dir != "" {
		return dir
	}
	return "."
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("tpbuild %s (built %s)\n", version, buildDate)
		},
	}
}

func newChecksumCmd() *cobra.Command {
	var workers int
	cmd := &cobra.Command{
		Use:   "checksum <archive>...",
		Short: "Print checksum registry lines for archive files",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sums, err := ComputeChecksums(args, workers)
			if err != nil {
				return err
			}
			return writeChecksumLines(cmd.OutOrStdout(), args, sums)
		},
	}
	cmd.Flags().IntVar(&workers, "workers", 4, "files hashed in parallel")
	return cmd
}

// workspace is the configuration and catalog a subcommand operates on.
type workspace struct {
	layout   Layout
	settings Settings
	platform Platform
	catalog  *Catalog
	registry *ChecksumRegistry
}

// openWorkspace loads configuration, catalog and checksum registry from the
// third-party root.
func openWorkspace(dir string) (*workspace, error) {
	root, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFilesystem, err)
	}
	if err := requireDir(root); err != nil {
		return nil, err
	}
	ws := &workspace{layout: Layout{Root: root}}

	cfg, err := loadConfig(configSearchPath(root)...)
	if err != nil {
		return nil, err
	}
	if ws.settings, err = initConfig(cfg); err != nil {
		return nil, err
	}
	if ws.settings.Debug {
		Debug = true
	}
	if cfg.Source != "" {
		debugf("Loaded configuration from %s\n", cfg.Source)
	}

	if ws.platform, err = hostPlatform(); err != nil {
		return nil, err
	}
	if ws.catalog, err = LoadCatalog(ws.layout, ws.platform); err != nil {
		return nil, err
	}
	if ws.registry, err = LoadChecksumRegistry(ws.layout.ChecksumFile()); err != nil {
		return nil, err
	}
	return ws, nil
}

func newVerifyCmd(f *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "verify [dependency...]",
		Short: "Check downloaded archives against the checksum registry",
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, err := openWorkspace(f.thirdpartyDir)
			if err != nil {
				return err
			}
			deps, err := ws.catalog.Select(args)
			if err != nil {
				return err
			}
			statuses, err := VerifyArchives(ws.layout, ws.registry, deps)
			if err != nil {
				return err
			}
			return printArchiveStatus(statuses)
		},
	}
}

// runBuild wires every component from configuration and runs the driver.
func runBuild(ctx context.Context, f rootFlags, names []string) error {
	ws, err := openWorkspace(f.thirdpartyDir)
	if err != nil {
		return err
	}
	settings, layout, platform := ws.settings, ws.layout, ws.platform
	if f.jobs > 0 {
		settings.Jobs = f.jobs
	}

	var only Variant
	if f.buildType != "" {
		if only, err = ParseVariant(f.buildType); err != nil {
			return err
		}
	}

	executor := NewExecutor(ctx)
	var linuxbrew string
	if platform == PlatformLinux {
		linuxbrew = detectLinuxbrew(settings.LinuxbrewCandidates)
		if linuxbrew != "" {
			logStep("Using Linuxbrew toolchain at %s", linuxbrew)
		}
	}

	fetcher := &Fetcher{
		Registry: ws.registry,
		HTTP:     NewHTTPDownloader(executor, settings.UseCurl),
		Objects:  NewObjectStoreDownloader(settings),
	}
	builder := &Builder{
		Layout:   layout,
		Platform: platform,
		Catalog:  ws.catalog,
		Registry: ws.registry,
		Installer: &Installer{
			Layout:  layout,
			Fetcher: fetcher,
			Exec:    executor,
			CDNURL:  settings.CDNURL,
		},
		Stamps: &Fingerprinter{
			Layout: layout,
			VCS:    NewGitVCS(executor),
		},
		Composer: &Composer{
			Layout:     layout,
			Platform:   platform,
			Toolchains: newToolchainResolver(settings, layout, platform, linuxbrew),
			Linuxbrew:  linuxbrew,
		},
		Exec:    executor,
		Jobs:    settings.Jobs,
		DumpEnv: settings.DumpEnv,
		UseLock: true,
		Verbose: Verbose,
		Out:     os.Stdout,
	}

	return builder.Run(ctx, Options{
		BuildType:    only,
		Dependencies: names,
		Clean:        f.clean,
	})
}
