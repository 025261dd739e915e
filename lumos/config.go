package lumos

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"golang.org/x/mod/modfile"
	"gopkg.in/yaml.v3"
)

// ConfigFileNames are the project files searched for when no config file is given, in priority order.
var ConfigFileNames = []string{"lumos.toml", "lumos.yaml", "lumos.yml"}

const defaultPackagePattern = "./..."

// Config holds settings and state for an Engine.
type Config struct {
	ProjectDir, ConfigFile, ModeFlag, OverlayDir string
	ReportJsonFile, ReportChartsFile             string
	// Targets are the raw target specifications, malformed entries are ignored with a warning.
	Targets  []string
	Packages []string
	Tests    bool
	Verify   bool
	Restore  bool
	Verbose  bool
	// Computed fields
	Gopath, Gomodcache, AbsProjDir, ModulePath string
	Mode                                       Mode
	BuildFlags                                 []string
	// Internal state tracking
	prepared bool
}

// FileConfig is the content of a lumos.toml or lumos.yaml project file.
//
// Example lumos.toml:
//
//	[lumos]
//	targets = ["example.com/app/store.Store.Save(string,[]byte)"]
//	packages = ["./..."]
//	tests = true
//	build_tags = ["integration"]
type FileConfig struct {
	Targets   []string `toml:"targets" yaml:"targets"`
	Packages  []string `toml:"packages" yaml:"packages"`
	Tests     *bool    `toml:"tests" yaml:"tests"`
	BuildTags []string `toml:"build_tags" yaml:"build_tags"`
	Overlay   string   `toml:"overlay" yaml:"overlay"`
}

type fileConfigDoc struct {
	Lumos FileConfig `toml:"lumos" yaml:"lumos"`
}

// LoadFileConfig decodes a project file, the format is selected by the file extension.
func LoadFileConfig(path string) (FileConfig, error) {
	var doc fileConfigDoc
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".toml":
		meta, err := toml.DecodeFile(path, &doc)
		if err != nil {
			return FileConfig{}, fmt.Errorf("%s: failed to parse TOML: %w", path, err)
		} else if !meta.IsDefined("lumos") {
			return FileConfig{}, fmt.Errorf("%s: missing [lumos]", path)
		} else if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			return FileConfig{}, fmt.Errorf("%s: unknown key %s", path, undecoded[0].String())
		}
	case ".yaml", ".yml":
		data, err := os.ReadFile(path)
		if err != nil {
			return FileConfig{}, err
		}
		var root map[string]yaml.Node
		if err := yaml.Unmarshal(data, &root); err != nil {
			return FileConfig{}, fmt.Errorf("%s: failed to parse YAML: %w", path, err)
		} else if _, ok := root["lumos"]; !ok {
			return FileConfig{}, fmt.Errorf("%s: missing lumos section", path)
		}
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true) // match the TOML undecoded key check
		if err := dec.Decode(&doc); err != nil {
			return FileConfig{}, fmt.Errorf("%s: failed to parse YAML: %w", path, err)
		}
	default:
		return FileConfig{}, fmt.Errorf("%s: unsupported config format %q", path, ext)
	}
	return doc.Lumos, nil
}

// FindConfigFile walks up from startDir to locate a project file, stopping at the module or workspace root.
func FindConfigFile(startDir string) (path string, ok bool, err error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return "", false, fmt.Errorf("failed to resolve start directory: %w", err)
	}
	for {
		for _, name := range ConfigFileNames {
			candidate := filepath.Join(dir, name)
			if _, err := os.Stat(candidate); err == nil {
				return candidate, true, nil
			} else if !errors.Is(err, os.ErrNotExist) {
				return "", false, fmt.Errorf("failed to stat %q: %w", candidate, err)
			}
		}
		if FileExists(filepath.Join(dir, "go.mod")) || FileExists(filepath.Join(dir, "go.work")) {
			break // module root reached
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return "", false, nil
}

// Prepare validates the config, merges the project file, and computes the derived fields. It may only be invoked once.
func (c *Config) Prepare() error {
	if c.prepared {
		return errors.New("config has already been prepared")
	} else if c.ProjectDir == "" {
		return errors.New("project directory is required")
	}

	absProjDir, err := filepath.Abs(c.ProjectDir)
	if err != nil {
		return fmt.Errorf("error resolving project directory: %w", err)
	} else if info, err := os.Stat(absProjDir); err != nil {
		return fmt.Errorf("project directory is not accessible: %w", err)
	} else if !info.IsDir() {
		return fmt.Errorf("project path is not a directory: %s", absProjDir)
	}
	c.AbsProjDir = absProjDir

	if c.Restore {
		c.prepared = true
		return nil // only the project directory is needed to restore
	}

	if err := c.mergeFileConfig(); err != nil {
		return err
	}
	c.Targets = splitTargetList(c.Targets)

	c.ModulePath, err = readModulePath(absProjDir)
	if err != nil {
		return err
	}
	if len(c.Packages) == 0 {
		if c.Packages, err = defaultPackagePatterns(absProjDir); err != nil {
			return err
		}
	}

	if c.Mode, err = ParseMode(c.ModeFlag); err != nil {
		return err
	} else if c.Verify && c.Mode != ModeOverlay {
		return fmt.Errorf("-verify requires %s mode", ModeOverlay)
	}
	if c.OverlayDir == "" {
		c.OverlayDir = filepath.Join(absProjDir, stateDirName, "overlay")
	} else if c.OverlayDir, err = filepath.Abs(c.OverlayDir); err != nil {
		return fmt.Errorf("error resolving overlay directory: %w", err)
	}

	if c.ReportJsonFile != "" {
		if err := c.validateOutputPath(c.ReportJsonFile); err != nil {
			return fmt.Errorf("invalid JSON report file path: %w", err)
		}
	}
	if c.ReportChartsFile != "" {
		if err := c.validateOutputPath(c.ReportChartsFile); err != nil {
			return fmt.Errorf("invalid charts report file path: %w", err)
		}
	}

	c.prepared = true
	return nil
}

func (c *Config) mergeFileConfig() error {
	path := c.ConfigFile
	if path != "" {
		if err := c.validateFilePath(path, "config"); err != nil {
			return fmt.Errorf("invalid config file: %w", err)
		}
	} else {
		found, ok, err := FindConfigFile(c.AbsProjDir)
		if err != nil {
			return err
		} else if !ok {
			return nil
		}
		path = found
	}

	fc, err := LoadFileConfig(path)
	if err != nil {
		return err
	}
	c.ConfigFile = path
	c.Targets = append(c.Targets, fc.Targets...)
	if len(c.Packages) == 0 {
		c.Packages = fc.Packages
	}
	if fc.Tests != nil && *fc.Tests {
		c.Tests = true
	}
	if len(fc.BuildTags) > 0 {
		c.BuildFlags = append(c.BuildFlags, "-tags="+strings.Join(fc.BuildTags, ","))
	}
	if c.OverlayDir == "" && fc.Overlay != "" {
		c.OverlayDir = fc.Overlay
		if !filepath.IsAbs(c.OverlayDir) {
			c.OverlayDir = filepath.Join(filepath.Dir(path), c.OverlayDir)
		}
	}
	return nil
}

// splitTargetList expands comma separated entries. Commas inside a parameter list are retained.
func splitTargetList(raw []string) []string {
	var targets []string
	for _, entry := range raw {
		var depth, start int
		for i, r := range entry {
			switch r {
			case '(', '[':
				depth++
			case ')', ']':
				depth--
			case ',':
				if depth == 0 {
					if t := strings.TrimSpace(entry[start:i]); t != "" {
						targets = append(targets, t)
					}
					start = i + 1
				}
			}
		}
		if t := strings.TrimSpace(entry[start:]); t != "" {
			targets = append(targets, t)
		}
	}
	return targets
}

// readModulePath returns the module path of the project go.mod, or an empty string for a go.work only project.
func readModulePath(projectDir string) (string, error) {
	goModPath := filepath.Join(projectDir, "go.mod")
	data, err := os.ReadFile(goModPath)
	if errors.Is(err, os.ErrNotExist) {
		if FileExists(filepath.Join(projectDir, "go.work")) {
			return "", nil
		}
		return "", fmt.Errorf("no go.mod or go.work found in %s", projectDir)
	} else if err != nil {
		return "", fmt.Errorf("read %s failed: %w", goModPath, err)
	}
	modulePath := modfile.ModulePath(data)
	if modulePath == "" {
		return "", fmt.Errorf("no module directive in %s", goModPath)
	}
	return modulePath, nil
}

// defaultPackagePatterns selects every package of the module, and of each module used by a go.work file.
func defaultPackagePatterns(projectDir string) ([]string, error) {
	var patterns []string
	if FileExists(filepath.Join(projectDir, "go.mod")) {
		patterns = append(patterns, defaultPackagePattern)
	}
	workPath := filepath.Join(projectDir, "go.work")
	if FileExists(workPath) {
		data, err := os.ReadFile(workPath)
		if err != nil {
			return nil, fmt.Errorf("read %s failed: %w", workPath, err)
		}
		wf, err := modfile.ParseWork(workPath, data, nil)
		if err != nil {
			return nil, fmt.Errorf("parse %s failed: %w", workPath, err)
		}
		for _, u := range wf.Use {
			dir := filepath.Clean(u.Path)
			if dir == "." {
				continue // covered by the module pattern
			} else if filepath.IsAbs(dir) {
				patterns = append(patterns, filepath.Join(dir, "..."))
			} else {
				patterns = append(patterns, "./"+filepath.ToSlash(filepath.Join(dir, "...")))
			}
		}
	}
	if len(patterns) == 0 {
		return nil, fmt.Errorf("no go.mod or go.work found in %s", projectDir)
	}
	return patterns, nil
}

// validateFilePath validates that a file path exists and is readable
func (c *Config) validateFilePath(path, expectedType string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("file does not exist or is not accessible: %w", err)
	} else if info.IsDir() {
		return fmt.Errorf("path is a directory, expected a %s file", expectedType)
	}

	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("file is not readable: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("failed to close file: %w", err)
	}
	return nil
}

// validateOutputPath validates that an output file path can be written to
func (c *Config) validateOutputPath(path string) error {
	dir := filepath.Dir(path)

	if _, err := os.Stat(dir); os.IsNotExist(err) {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("cannot create output directory '%s': %w", dir, err)
		}
	}

	testFile := filepath.Join(dir, ".write_test")
	file, err := os.Create(testFile)
	if err != nil {
		return fmt.Errorf("cannot write to output directory '%s': %w", dir, err)
	}
	_ = file.Close()
	return os.Remove(testFile)
}
