package main

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand_HasSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}

	expected := []string{"sample", "prepare", "infer", "replay", "gold", "evaluate", "runs"}
	for _, name := range expected {
		assert.True(t, names[name], "expected subcommand %q not found", name)
	}
}

func TestRootCommand_Metadata(t *testing.T) {
	assert.Equal(t, "disambench", rootCmd.Use)
	assert.NotEmpty(t, rootCmd.Short)
	assert.NotEmpty(t, rootCmd.Long)
	assert.True(t, rootCmd.SilenceUsage)
}

func TestRootCommand_PersistentFlags(t *testing.T) {
	flag := rootCmd.PersistentFlags().Lookup("env-file")
	require.NotNil(t, flag)
	assert.Equal(t, ".env", flag.DefValue)
	require.NotNil(t, rootCmd.PersistentFlags().Lookup("log-level"))
}

func TestInferCommand_Flags(t *testing.T) {
	for _, name := range []string{"provider", "model", "concurrency", "max-retries", "timeout", "rpm", "temperature", "top-p", "limit"} {
		assert.NotNil(t, inferCmd.Flags().Lookup(name), "infer should have --%s", name)
	}
}

func TestPrepareCommand_Flags(t *testing.T) {
	for _, name := range []string{"grouped", "disconnected", "manifest", "seed", "same", "different", "style", "enrich", "manifest-out"} {
		assert.NotNil(t, prepareCmd.Flags().Lookup(name), "prepare should have --%s", name)
	}
}

func TestRunsCommand_HasSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range runsCmd.Commands() {
		names[c.Name()] = true
	}
	for _, name := range []string{"list", "show", "stats"} {
		assert.True(t, names[name], "expected runs subcommand %q", name)
	}
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, exitOK, exitCode(nil))
	assert.Equal(t, exitFatal, exitCode(errors.New("boom")))
	assert.Equal(t, exitPartial, exitCode(&partialError{failed: 3}))
	assert.Equal(t, exitPartial, exitCode(errors.Join(errors.New("ctx"), &partialError{failed: 1})))
}

func TestPartialError_Message(t *testing.T) {
	assert.Equal(t, "run completed with 2 failed case(s)", (&partialError{failed: 2}).Error())
}

func TestLoadEnvFile(t *testing.T) {
	dir := t.TempDir()

	t.Run("missing default is ignored", func(t *testing.T) {
		assert.NoError(t, loadEnvFile(filepath.Join(dir, "absent.env"), false))
	})

	t.Run("missing explicit file fails", func(t *testing.T) {
		assert.Error(t, loadEnvFile(filepath.Join(dir, "absent.env"), true))
	})

	t.Run("empty path is a no-op", func(t *testing.T) {
		assert.NoError(t, loadEnvFile("", true))
	})

	t.Run("loads values without overriding", func(t *testing.T) {
		path := filepath.Join(dir, "test.env")
		require.NoError(t, os.WriteFile(path, []byte("DISAMBENCH_TEST_NEW=fromfile\nDISAMBENCH_TEST_SET=fromfile\n"), 0o600))
		t.Setenv("DISAMBENCH_TEST_SET", "fromenv")
		t.Setenv("DISAMBENCH_TEST_NEW", "")
		require.NoError(t, os.Unsetenv("DISAMBENCH_TEST_NEW"))

		require.NoError(t, loadEnvFile(path, true))
		assert.Equal(t, "fromfile", os.Getenv("DISAMBENCH_TEST_NEW"))
		assert.Equal(t, "fromenv", os.Getenv("DISAMBENCH_TEST_SET"))
	})
}
