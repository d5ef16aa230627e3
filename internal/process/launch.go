package process

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/mattn/go-shellwords"

	"github.com/loykin/ensemble/internal/topology"
)

// Launcher describes how managed runner libraries are executed.
type Launcher struct {
	// Command hosts managed libraries, e.g. "dotnet".
	Command string
	// Extension marks a managed library, e.g. ".dll".
	Extension string
	// Guess enables managed-library detection; when false every path is
	// executed directly.
	Guess bool
	// AppDir is searched for "<path><Extension>" when path is relative.
	// Empty means the directory of the supervisor executable.
	AppDir string
}

// DefaultLauncher matches the defaults of the configuration layer.
func DefaultLauncher() Launcher {
	return Launcher{Command: "dotnet", Extension: ".dll", Guess: true}
}

// Launch is a resolved command line.
type Launch struct {
	Command string
	Args    []string
	Managed bool
}

func (l Launch) String() string {
	return strings.TrimSpace(l.Command + " " + strings.Join(l.Args, " "))
}

// ResolveLaunch decides how def is executed. Arguments are split with shell
// quoting rules.
func ResolveLaunch(def *topology.Definition, l Launcher) (Launch, error) {
	args, err := shellwords.Parse(def.Arguments)
	if err != nil {
		return Launch{}, fmt.Errorf("arguments of %s: %w", def.Name, err)
	}
	if lib, ok := l.managedLibrary(def.Path, runtime.GOOS); ok {
		return Launch{Command: l.Command, Args: append([]string{lib}, args...), Managed: true}, nil
	}
	return Launch{Command: def.Path, Args: args}, nil
}

// managedLibrary returns the library to hand to the launcher, if path names
// one. The rules keep older documents working where "Name", "./Name" and
// "/abs/Name.dll" are managed but "Name.exe" on Windows or any existing
// file is native.
func (l Launcher) managedLibrary(path, goos string) (string, bool) {
	if !l.Guess || l.Command == "" || l.Extension == "" {
		return "", false
	}
	ext := filepath.Ext(path)
	if strings.EqualFold(ext, l.Extension) {
		return path, true
	}
	if goos == "windows" && strings.EqualFold(ext, ".exe") {
		return "", false
	}
	if fileExists(path) {
		return "", false
	}
	if filepath.IsAbs(path) {
		if alt := path + l.Extension; fileExists(alt) {
			return alt, true
		}
		return "", false
	}
	alt := filepath.Join(l.appDir(), path) + l.Extension
	if fileExists(alt) {
		return alt, true
	}
	return "", false
}

func (l Launcher) appDir() string {
	if l.AppDir != "" {
		return l.AppDir
	}
	exe, err := os.Executable()
	if err != nil {
		return "."
	}
	return filepath.Dir(exe)
}

func fileExists(p string) bool {
	st, err := os.Stat(p)
	return err == nil && !st.IsDir()
}

// WorkingDir is the directory of command when it is absolute, otherwise the
// configured working directory. The supervisor's own current directory is
// only used to look up relative executables.
func WorkingDir(command, configured string) string {
	if filepath.IsAbs(command) {
		return filepath.Dir(command)
	}
	return configured
}
