package cmd

import (
	"errors"
	"flag"
	"go/build"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/PatchLens/go-lumos/lumos"
)

// CustomFlag defines a custom CLI option.
type CustomFlag struct {
	Name         string
	DefaultValue any
	Usage        string
	Type         string // "string", "int", "bool"
}

// stringList is a repeatable flag, each occurrence is appended.
type stringList []string

func (s *stringList) String() string {
	return strings.Join(*s, ",")
}

func (s *stringList) Set(value string) error {
	*s = append(*s, value)
	return nil
}

// ParseFlags builds Config from standard and custom flags. Custom flag values are returned as strings.
func ParseFlags(customFlags []CustomFlag) (*lumos.Config, map[string]string, error) {
	config := &lumos.Config{}

	// Define all standard flags
	var targets stringList
	projectDir := flag.String("project", "", "Path to the project directory")
	flag.Var(&targets, "target", "Target function to instrument, may be repeated or comma separated (e.g., example.com/app/store.Store.Save(string,[]byte))")
	configFile := flag.String("config", "", "Path to a lumos.toml or lumos.yaml file, discovered from the project directory when not set")
	packages := flag.String("packages", "", "Comma separated package patterns to rewrite (default ./... of the module)")
	tests := flag.Bool("tests", false, "Include test files and test packages")
	mode := flag.String("mode", string(lumos.ModeOverlay), "Output mode, values can be: overlay (default), write, diff")
	overlayDir := flag.String("overlay", "", "Directory for overlay output (default <project>/.lumos/overlay)")
	reportJsonFile := flag.String("json", "", "File to output rewrite details")
	reportChartsFile := flag.String("charts", "", "File to output rewrite overview chart image")
	verify := flag.Bool("verify", false, "Build the project with the overlay applied to confirm the rewrite compiles")
	restore := flag.Bool("restore", false, "Restore files rewritten by a prior -mode write run")
	verbose := flag.Bool("verbose", false, "Enable verbose logging")

	// Define custom flags
	customPtrs := make(map[string]interface{})
	for _, cf := range customFlags {
		switch cf.Type {
		case "string":
			customPtrs[cf.Name] = flag.String(cf.Name, cf.DefaultValue.(string), cf.Usage)
		case "int":
			customPtrs[cf.Name] = flag.Int(cf.Name, cf.DefaultValue.(int), cf.Usage)
		case "bool":
			customPtrs[cf.Name] = flag.Bool(cf.Name, cf.DefaultValue.(bool), cf.Usage)
		}
	}

	flag.Parse()

	// Validate standard flags
	if *projectDir == "" {
		return nil, nil, errors.New("usage: -project ../foo [-target <pkg>.<Type>.<Func>(<params>)] [-mode overlay|write|diff]\nrestore usage: -project ../foo -restore")
	} else if *restore && len(targets) > 0 {
		return nil, nil, errors.New("-restore can not be combined with -target")
	}

	// Populate config
	config.ProjectDir = *projectDir
	config.Targets = targets
	config.ConfigFile = *configFile
	if *packages != "" {
		for _, p := range strings.Split(*packages, ",") {
			if p = strings.TrimSpace(p); p != "" {
				config.Packages = append(config.Packages, p)
			}
		}
	}
	config.Tests = *tests
	config.ModeFlag = *mode
	config.OverlayDir = *overlayDir
	config.ReportJsonFile = *reportJsonFile
	config.ReportChartsFile = *reportChartsFile
	config.Verify = *verify
	config.Restore = *restore
	config.Verbose = *verbose

	// Populate custom flags - convert all to strings for ease of use
	customValues := make(map[string]string, len(customPtrs))
	for name, ptr := range customPtrs {
		switch v := ptr.(type) {
		case *string:
			customValues[name] = *v
		case *int:
			customValues[name] = strconv.Itoa(*v)
		case *bool:
			customValues[name] = strconv.FormatBool(*v)
		}
	}

	// Path resolution and environment setup
	if err := setupEnvironment(config); err != nil {
		return nil, nil, err
	}

	return config, customValues, nil
}

func setupEnvironment(c *lumos.Config) error {
	// Setup GOPATH and GOMODCACHE
	c.Gopath = build.Default.GOPATH
	c.Gomodcache = os.Getenv("GOMODCACHE")
	if c.Gomodcache == "" {
		if c.Gopath == "" {
			return errors.New("neither GOMODCACHE nor GOPATH is set")
		}
		c.Gomodcache = filepath.Join(c.Gopath, "pkg", "mod")
	}

	return nil
}
