package tpbuild

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testBuild struct {
	builder *Builder
	layout  Layout
	vcs     *fakeVCS
	journal *[]string
}

// newTestBuild wires a Builder around deps with fake toolchains and a fake
// VCS. Deps with Recipe left nil get a recordingRecipe on the shared journal.
func newTestBuild(t *testing.T, deps ...*Descriptor) *testBuild {
	t.Helper()
	journal := &[]string{}
	for _, d := range deps {
		if d.Recipe == nil {
			d.Recipe = &recordingRecipe{journal: journal}
		}
	}
	cat, err := NewCatalog(deps...)
	require.NoError(t, err)

	composer, layout := newTestComposer(t, PlatformLinux)
	writeFile(t, layout.CatalogFile(), "build_order = []\n")
	for _, d := range deps {
		writeFile(t, filepath.Join(layout.Root, d.DefinitionFile), "")
	}

	reg := newRegistry(t, nil)
	executor := NewExecutor(context.Background())
	vcs := &fakeVCS{commit: "0123abcd"}
	return &testBuild{
		builder: &Builder{
			Layout:   layout,
			Platform: PlatformLinux,
			Catalog:  cat,
			Registry: reg,
			Installer: &Installer{
				Layout:  layout,
				Fetcher: newTestFetcher(reg),
				Exec:    executor,
			},
			Stamps:   &Fingerprinter{Layout: layout, VCS: vcs},
			Composer: composer,
			Exec:     executor,
			Jobs:     2,
			UseLock:  true,
			Out:      io.Discard,
		},
		layout:  layout,
		vcs:     vcs,
		journal: journal,
	}
}

func (tb *testBuild) run(t *testing.T, opts Options) error {
	t.Helper()
	*tb.journal = nil
	return tb.builder.Run(context.Background(), opts)
}

func testDep(name string, group BuildGroup) *Descriptor {
	d := emptyDep(name, group, nil)
	d.Recipe = nil
	return d
}

func TestBuildRunsVariantsInOrder(t *testing.T) {
	tb := newTestBuild(t, testDep("zlib", GroupCommon), testDep("gtest", GroupInstrumented))

	require.NoError(t, tb.run(t, Options{}))
	assert.Equal(t, []string{
		"common/zlib",
		"uninstrumented/gtest",
		"asan/gtest",
		"tsan/gtest",
	}, *tb.journal)

	zlib, _ := tb.builder.Catalog.Lookup("zlib")
	gtest, _ := tb.builder.Catalog.Lookup("gtest")
	compiler, err := os.ReadFile(filepath.Join(tb.layout.BuildDir(VariantCommon, zlib), "built"))
	require.NoError(t, err)
	assert.Equal(t, "gcc", string(compiler))
	compiler, err = os.ReadFile(filepath.Join(tb.layout.BuildDir(VariantASan, gtest), "built"))
	require.NoError(t, err)
	assert.Equal(t, "clang", string(compiler))

	assert.FileExists(t, tb.layout.StampPath(VariantCommon, zlib))
	assert.NoFileExists(t, tb.layout.StampPath(VariantCommon, gtest))
	for _, v := range allVariants[1:] {
		assert.FileExists(t, tb.layout.StampPath(v, gtest), v)
	}
}

func TestBuildIsIdempotent(t *testing.T) {
	tb := newTestBuild(t, testDep("zlib", GroupCommon), testDep("gtest", GroupInstrumented))
	require.NoError(t, tb.run(t, Options{}))
	require.Len(t, *tb.journal, 4)

	require.NoError(t, tb.run(t, Options{}))
	assert.Empty(t, *tb.journal, "an unchanged tree must not rebuild anything")
}

func TestBuildFingerprintChangeRebuilds(t *testing.T) {
	tb := newTestBuild(t, testDep("zlib", GroupCommon), testDep("gtest", GroupInstrumented))
	require.NoError(t, tb.run(t, Options{}))

	tb.vcs.setDiff("+patch_version = 2\n")
	require.NoError(t, tb.run(t, Options{}))
	assert.Len(t, *tb.journal, 4)
}

func TestBuildSelectsDependencies(t *testing.T) {
	tb := newTestBuild(t, testDep("zlib", GroupCommon), testDep("lz4", GroupCommon), testDep("gtest", GroupInstrumented))

	require.NoError(t, tb.run(t, Options{Dependencies: []string{"gtest", "lz4"}}))
	assert.Equal(t, []string{
		"common/lz4",
		"uninstrumented/gtest",
		"asan/gtest",
		"tsan/gtest",
	}, *tb.journal)

	zlib, _ := tb.builder.Catalog.Lookup("zlib")
	assert.NoDirExists(t, tb.layout.SourcePath(zlib))
}

func TestBuildTypeRunsCommonFirst(t *testing.T) {
	tb := newTestBuild(t, testDep("zlib", GroupCommon), testDep("gtest", GroupInstrumented))

	require.NoError(t, tb.run(t, Options{BuildType: VariantTSan}))
	assert.Equal(t, []string{"common/zlib", "tsan/gtest"}, *tb.journal)
	assert.NoDirExists(t, tb.layout.Prefix(VariantASan))
}

func TestBuildHonorsInstrumentation(t *testing.T) {
	libcxx := testDep("libcxx", GroupInstrumented)
	libcxx.Instrumentation = InstrumentOnly
	plain := testDep("plain", GroupInstrumented)
	plain.Instrumentation = InstrumentNever
	tb := newTestBuild(t, libcxx, plain)

	require.NoError(t, tb.run(t, Options{}))
	assert.Equal(t, []string{
		"uninstrumented/plain",
		"asan/libcxx",
		"tsan/libcxx",
	}, *tb.journal)
}

func TestBuildUnknownDependencyTouchesNothing(t *testing.T) {
	tb := newTestBuild(t, testDep("zlib", GroupCommon))

	err := tb.run(t, Options{Dependencies: []string{"zlib", "openssl"}})
	require.ErrorIs(t, err, ErrUnknownDependency)
	assert.Contains(t, err.Error(), "openssl")
	assert.Empty(t, *tb.journal)
	assert.NoDirExists(t, tb.layout.InstalledRoot())
	assert.NoDirExists(t, tb.layout.SrcDir())
	assert.NoFileExists(t, tb.layout.LockFile())
}

func TestBuildMissingChecksumFailsBeforeIO(t *testing.T) {
	snappy := testDep("snappy", GroupCommon)
	snappy.URL = ""
	snappy.Archive = "snappy-1.1.7.tar.gz"
	tb := newTestBuild(t, testDep("zlib", GroupCommon), snappy)

	err := tb.run(t, Options{})
	require.ErrorIs(t, err, ErrMissingChecksum)
	assert.Contains(t, err.Error(), "snappy-1.1.7.tar.gz")
	assert.Empty(t, *tb.journal)
	assert.NoDirExists(t, tb.layout.DownloadDir())
	assert.NoDirExists(t, tb.layout.InstalledRoot())
}

func TestBuildFailureStopsRunAndLeavesNoStamp(t *testing.T) {
	boom := errors.New("make: *** [all] Error 2")
	gtest := testDep("gtest", GroupInstrumented)
	tb := newTestBuild(t, testDep("zlib", GroupCommon), gtest, testDep("gflags", GroupInstrumented))
	gtest.Recipe.(*recordingRecipe).fail = boom

	err := tb.run(t, Options{})
	require.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "gtest (uninstrumented)")
	assert.Equal(t, []string{"common/zlib", "uninstrumented/gtest"}, *tb.journal)
	assert.NoFileExists(t, tb.layout.StampPath(VariantUninstrumented, gtest))

	// the next run resumes at the failed dependency
	gtest.Recipe.(*recordingRecipe).fail = nil
	require.NoError(t, tb.run(t, Options{}))
	assert.Equal(t, []string{
		"uninstrumented/gtest",
		"uninstrumented/gflags",
		"asan/gtest",
		"asan/gflags",
		"tsan/gtest",
		"tsan/gflags",
	}, *tb.journal)
}

func TestBuildCleanForcesRebuild(t *testing.T) {
	zlib := testDep("zlib", GroupCommon)
	tb := newTestBuild(t, zlib, testDep("gtest", GroupInstrumented))
	require.NoError(t, tb.run(t, Options{}))

	leftover := filepath.Join(tb.layout.BuildDir(VariantCommon, zlib), "stale.o")
	writeFile(t, leftover, "")
	installed := filepath.Join(tb.layout.Prefix(VariantCommon), "lib", "libz.a")
	writeFile(t, installed, "")

	require.NoError(t, tb.run(t, Options{Clean: true, Dependencies: []string{"zlib"}}))
	assert.Equal(t, []string{"common/zlib"}, *tb.journal)
	assert.NoFileExists(t, leftover)
	assert.FileExists(t, installed, "installed prefixes survive a clean")
	assert.FileExists(t, filepath.Join(tb.layout.SourcePath(zlib), zlib.MarkerName()))
}

func TestBuildPreparesOutputDirs(t *testing.T) {
	tb := newTestBuild(t, testDep("zlib", GroupCommon))
	require.NoError(t, tb.run(t, Options{BuildType: VariantASan}))

	for _, prefix := range []string{
		tb.layout.Prefix(VariantCommon),
		tb.layout.StdlibPrefix(VariantCommon),
		tb.layout.Prefix(VariantASan),
		tb.layout.StdlibPrefix(VariantASan),
	} {
		assert.DirExists(t, filepath.Join(prefix, "include"))
		target, err := os.Readlink(filepath.Join(prefix, "lib64"))
		require.NoError(t, err, prefix)
		assert.Equal(t, "lib", target)
	}
}

func TestBuildRefusesConcurrentRun(t *testing.T) {
	tb := newTestBuild(t, testDep("zlib", GroupCommon))
	held, err := acquireLock(tb.layout.LockFile(), false)
	require.NoError(t, err)
	defer held.Release()

	err = tb.run(t, Options{})
	require.ErrorIs(t, err, ErrConfiguration)
	assert.Empty(t, *tb.journal)
}

func TestBuildHonorsCancellation(t *testing.T) {
	tb := newTestBuild(t, testDep("zlib", GroupCommon))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := tb.builder.Run(ctx, Options{})
	require.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, *tb.journal)
}

func TestBuildOutputGoesToLogUnlessVerbose(t *testing.T) {
	zlib := testDep("zlib", GroupCommon)
	zlib.Recipe = &CommandsRecipe{Commands: [][]string{{"/bin/sh", "-c", "echo compiling adler32.c"}}}
	tb := newTestBuild(t, zlib)
	var out bytes.Buffer
	tb.builder.Out = &out

	require.NoError(t, tb.run(t, Options{}))
	assert.NotContains(t, out.String(), "adler32")
	log, err := os.ReadFile(tb.layout.BuildLog(VariantCommon, zlib))
	require.NoError(t, err)
	assert.Equal(t, "[zlib (common)] compiling adler32.c\n", string(log))

	require.NoError(t, os.Remove(tb.layout.BuildLog(VariantCommon, zlib)))
	require.NoError(t, tb.builder.Stamps.Forget(zlib))
	tb.builder.Verbose = true
	require.NoError(t, tb.run(t, Options{}))
	assert.Contains(t, out.String(), "[zlib (common)] compiling adler32.c\n")
	assert.NoFileExists(t, tb.layout.BuildLog(VariantCommon, zlib))
}

func TestBuildFailureShowsLogTail(t *testing.T) {
	zlib := testDep("zlib", GroupCommon)
	zlib.Recipe = &CommandsRecipe{Commands: [][]string{
		{"/bin/sh", "-c", "i=0; while [ $i -lt 50 ]; do echo line $i; i=$((i+1)); done; echo 'adler32.c:1: error' >&2; exit 1"},
	}}
	tb := newTestBuild(t, zlib)
	var out bytes.Buffer
	tb.builder.Out = &out

	err := tb.run(t, Options{})
	require.ErrorIs(t, err, ErrExternalTool)
	assert.Contains(t, err.Error(), tb.layout.BuildLog(VariantCommon, zlib))
	assert.Contains(t, out.String(), "[zlib (common)] adler32.c:1: error\n")
	assert.Contains(t, out.String(), "line 49\n")
	assert.NotContains(t, out.String(), "line 5\n", "only the tail is echoed")
}
