package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"

	"github.com/charmbracelet/x/editor"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const defaultConfig = `# speech engine: edge (online) or mock (silent, for testing)
engine: "edge"
# session language as a BCP-47 tag
language: "en-US"
# preferred voice ID; empty picks from the ranked defaults
voice: ""
# global speech shape
rate: 0.95
pitch: 1.0
volume: 1.0
# silence between statements
pause_between: "2s"

# retry policy for recoverable synthesis failures
retries: 2
retry_delay: "250ms"

music:
  # play background music during sessions
  enabled: false
  # path to an MP3 file
  file: ""
  volume: 0.3
  loop: true
  # lower the music while a statement is spoken
  duck: true

stereo:
  # random start delay applied to the right ear
  offset_min: "1500ms"
  offset_max: "4s"

cache:
  # keep synthesized audio on disk between runs
  enabled: true
  # optional redis address for a shared cache level
  redis: ""
`

var configCmd = &cobra.Command{
	Use:     "config",
	Short:   "Edit the hypnotify config file",
	Long:    paragraph(fmt.Sprintf("\n%s the hypnotify config file. We’ll use EDITOR to determine which editor to use. If the config file doesn't exist, it will be created.", keyword("Edit"))),
	Example: paragraph("hypnotify config\nhypnotify config --config path/to/config.yml"),
	Args:    cobra.NoArgs,
	RunE: func(*cobra.Command, []string) error {
		if err := ensureConfigFile(); err != nil {
			return err
		}

		c, err := editor.Cmd("Hypnotify", configFile)
		if err != nil {
			return fmt.Errorf("unable to set config file: %w", err)
		}
		c.Stdin = os.Stdin
		c.Stdout = os.Stdout
		c.Stderr = os.Stderr
		if err := c.Run(); err != nil {
			return fmt.Errorf("unable to run command: %w", err)
		}

		fmt.Println("Wrote config file to:", configFile)
		return nil
	},
}

func ensureConfigFile() error {
	if configFile == "" {
		configFile = viper.GetViper().ConfigFileUsed()
		if err := os.MkdirAll(filepath.Dir(configFile), 0o755); err != nil { //nolint:gosec
			return fmt.Errorf("could not write configuration file: %w", err)
		}
	}

	if ext := path.Ext(configFile); ext != ".yaml" && ext != ".yml" {
		return fmt.Errorf("'%s' is not a supported configuration type: use '%s' or '%s'", ext, ".yaml", ".yml")
	}

	if _, err := os.Stat(configFile); errors.Is(err, fs.ErrNotExist) {
		// File doesn't exist yet, create all necessary directories and
		// write the default config file
		if err := os.MkdirAll(filepath.Dir(configFile), 0o700); err != nil {
			return fmt.Errorf("unable create directory: %w", err)
		}

		f, err := os.Create(configFile)
		if err != nil {
			return fmt.Errorf("unable to create config file: %w", err)
		}
		defer func() { _ = f.Close() }()

		if _, err := f.WriteString(defaultConfig); err != nil {
			return fmt.Errorf("unable to write config file: %w", err)
		}
	} else if err != nil { // some other error occurred
		return fmt.Errorf("unable to stat config file: %w", err)
	}
	return nil
}
