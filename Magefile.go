//go:build mage
// +build mage

package main

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/magefile/mage/mg"
	"github.com/magefile/mage/sh"
)

const (
	binaryName   = "gpx_wasilak_datadog_datasource"
	coverProfile = "coverage/backend.out"
)

// Build represents build-related tasks
type Build mg.Namespace

type target struct {
	goos   string
	goarch string
	suffix string
}

var targets = []target{
	{"linux", "amd64", "linux_x64"},
	{"linux", "arm64", "linux_arm64"},
	{"darwin", "amd64", "darwin_x64"},
	{"darwin", "arm64", "darwin_arm64"},
	{"windows", "amd64", "windows_x64.exe"},
}

func buildTarget(t target) error {
	if err := os.MkdirAll("dist", 0755); err != nil {
		return err
	}

	output := filepath.Join("dist", binaryName+"_"+t.suffix)
	fmt.Printf("Building backend for %s/%s -> %s\n", t.goos, t.goarch, output)

	return sh.RunWith(
		map[string]string{
			"GO111MODULE": "on",
			"CGO_ENABLED": "0",
			"GOOS":        t.goos,
			"GOARCH":      t.goarch,
		},
		"go", "build",
		"-o", output,
		"-ldflags", "-s -w",
		"./pkg",
	)
}

// Backend builds the backend for the current platform and a generic executable matching plugin.json
func (Build) Backend() error {
	for _, t := range targets {
		if t.goos != runtime.GOOS || t.goarch != runtime.GOARCH {
			continue
		}
		if err := buildTarget(t); err != nil {
			return err
		}

		generic := filepath.Join("dist", binaryName)
		if runtime.GOOS == "windows" {
			generic += ".exe"
		}
		fmt.Printf("Creating generic executable: %s\n", generic)
		return sh.Copy(generic, filepath.Join("dist", binaryName+"_"+t.suffix))
	}

	return fmt.Errorf("unsupported platform: %s/%s", runtime.GOOS, runtime.GOARCH)
}

// BuildAll builds backend binaries for all supported platforms
func BuildAll() error {
	for _, t := range targets {
		if err := buildTarget(t); err != nil {
			return fmt.Errorf("failed to build %s/%s backend: %w", t.goos, t.goarch, err)
		}
	}

	fmt.Println("All backend binaries built successfully")
	return nil
}

// Test runs the backend unit tests with the race detector
func Test() error {
	return sh.RunV("go", "test", "-race", "./pkg/...")
}

// Coverage runs the backend tests and writes a coverage profile
func Coverage() error {
	if err := os.MkdirAll(filepath.Dir(coverProfile), 0755); err != nil {
		return err
	}
	if err := sh.RunV("go", "test", "-coverprofile="+coverProfile, "./pkg/..."); err != nil {
		return err
	}
	return sh.RunV("go", "tool", "cover", "-func="+coverProfile)
}
