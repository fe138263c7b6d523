package toolforge

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

const sdkmanagerList = `[=======================================] 100% Computing updates...
Installed packages:
  Path                 | Version | Description                    | Location
  -------              | ------- | -------                        | -------
  build-tools;34.0.0   | 34.0.0  | Android SDK Build-Tools 34     | build-tools/34.0.0
  platform-tools       | 35.0.1  | Android SDK Platform-Tools     | platform-tools

Available Packages:
  Path                 | Version | Description
  -------              | ------- | -------
  ndk;26.1.10909125    | 26.1.10909125 | NDK (Side by side) 26.1.10909125
  platforms;android-34 | 3       | Android SDK Platform 34

Available Updates:
  ID                   | Installed | Available
  -------              | -------   | -------
  emulator             | 34.1.9    | 34.1.19
`

func sdkmanagerInstaller(t *testing.T, spy *spyRunner) (*Installer, string) {
	t.Helper()
	in := newTestInstaller(t, &Catalog{}, spy)
	sdkmanager := filepath.Join(in.Registry.KindRoot(AndroidSDK), "cmdline-tools", "latest", "bin", "sdkmanager")
	touch(t, sdkmanager)
	return in, sdkmanager
}

func TestListAndroidComponents(t *testing.T) {
	t.Parallel()

	spy := &spyRunner{respond: func(ProcessRequest) (*ProcessResult, error) {
		return exited(0, sdkmanagerList), nil
	}}
	in, sdkmanager := sdkmanagerInstaller(t, spy)
	root := in.Registry.KindRoot(AndroidSDK)

	installed, err := in.ListAndroidComponents(context.Background(), false)
	require.NoError(t, err)
	require.Equal(t, []AndroidComponent{
		{Path: "build-tools;34.0.0", Version: "34.0.0", Description: "Android SDK Build-Tools 34", Location: "build-tools/34.0.0"},
		{Path: "platform-tools", Version: "35.0.1", Description: "Android SDK Platform-Tools", Location: "platform-tools"},
	}, installed)

	available, err := in.ListAndroidComponents(context.Background(), true)
	require.NoError(t, err)
	require.Equal(t, []AndroidComponent{
		{Path: "ndk;26.1.10909125", Version: "26.1.10909125", Description: "NDK (Side by side) 26.1.10909125"},
		{Path: "platforms;android-34", Version: "3", Description: "Android SDK Platform 34"},
	}, available)

	require.Equal(t, [][]string{
		{sdkmanager, "--list_installed", "--sdk_root=" + root},
		{sdkmanager, "--list", "--sdk_root=" + root},
	}, spy.argvs())
}

func TestListAndroidComponentsFailures(t *testing.T) {
	t.Parallel()

	_, err := newTestInstaller(t, &Catalog{}, &spyRunner{}).ListAndroidComponents(context.Background(), false)
	var notFound *ToolNotFoundError
	require.ErrorAs(t, err, &notFound)

	in, _ := sdkmanagerInstaller(t, &spyRunner{respond: func(ProcessRequest) (*ProcessResult, error) {
		return exited(1, "Error: Could not find or load main class\n"), nil
	}})
	_, err = in.ListAndroidComponents(context.Background(), false)
	var exitErr *ProcessExitError
	require.ErrorAs(t, err, &exitErr)

	in, _ = sdkmanagerInstaller(t, &spyRunner{respond: func(ProcessRequest) (*ProcessResult, error) {
		return exited(0, "Warning: something unexpected\n"), nil
	}})
	_, err = in.ListAndroidComponents(context.Background(), true)
	var parseErr *ProtocolParseError
	require.ErrorAs(t, err, &parseErr)
}

func TestParseComponentTableEmpty(t *testing.T) {
	comps, err := parseComponentTable("", sectionInstalled)
	require.NoError(t, err)
	require.Empty(t, comps)

	comps, err = parseComponentTable("Installed packages:\n", sectionInstalled)
	require.NoError(t, err)
	require.Empty(t, comps)
}
