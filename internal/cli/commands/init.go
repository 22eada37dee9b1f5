// Copyright 2024 LatentFS Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"cloudfs/internal/config"
	"cloudfs/internal/storage"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the default configuration and catalog",
	Long: `Writes ~/.cloudfs/config.yaml (or $CLOUDFS_CONFIG_DIR/config.yaml) if it does
not exist yet, and creates the record catalog it points at.

Existing files are left untouched, so running init twice is safe.`,
	Args: cobra.NoArgs,
	RunE: runInit,
}

func init() {
	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	path := configPath
	if path == "" {
		var err error
		if path, err = config.Init(); err != nil {
			return err
		}
	} else if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("config file: %w", err)
	}
	fmt.Printf("Config: %s\n", path)

	loaded, err := config.Load(path)
	if err != nil {
		return err
	}
	cat, err := storage.OpenOrCreateCatalog(loaded.Catalog)
	if err != nil {
		return fmt.Errorf("failed to create catalog: %w", err)
	}
	defer cat.Close()
	fmt.Printf("Catalog: %s\n", cat.Dir())
	return nil
}
