// Copyright 2025 blobfs Authors
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

	"github.com/spf13/cobra"

	"blobfs/internal/catalog"
	"blobfs/internal/fs"
)

var mkfsCmd = &cobra.Command{
	Use:   "mkfs",
	Short: "Create a new blobfs catalog",
	Long: `Create a new, empty blobfs catalog at the configured catalog path.

Records the block size and the master key fingerprint in the catalog;
both are verified on every mount and cannot be changed afterwards.`,
	Args: cobra.NoArgs,
	RunE: runMkfs,
}

func init() {
	rootCmd.AddCommand(mkfsCmd)
}

func runMkfs(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	master, err := cfg.MasterKey()
	if err != nil {
		return err
	}

	cat, err := catalog.Create(cfg.CatalogPath, catalog.CreateParams{
		BlockSize:      cfg.BlockSize,
		KeyFingerprint: fs.KeyFingerprint(master),
	})
	if err != nil {
		return err
	}
	defer cat.Close()

	fmt.Printf("Created blobfs catalog at %s (block size %d)\n", cfg.CatalogPath, cfg.BlockSize)
	return nil
}
