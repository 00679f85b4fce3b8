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
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"blobfs/internal/catalog"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show catalog statistics",
	Long: `Show row counts, block state breakdown and byte totals for the
configured catalog. Logical bytes count file content before deduplication;
stored bytes count compressed, encrypted frames actually uploaded.`,
	Args: cobra.NoArgs,
	RunE: runStats,
}

func init() {
	rootCmd.AddCommand(statsCmd)
}

func runStats(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	cat, err := catalog.OpenUnchecked(cfg.CatalogPath)
	if err != nil {
		return err
	}
	defer cat.Close()

	s, err := cat.GetStats(context.Background())
	if err != nil {
		return err
	}

	fmt.Printf("Catalog:         %s\n", cfg.CatalogPath)
	fmt.Printf("Inodes:          %d\n", s.Inodes)
	fmt.Printf("Directory entries: %d\n", s.Dentries)
	fmt.Printf("Extents:         %d\n", s.Extents)
	fmt.Printf("Blocks:          %d (%d pending, %d uploaded, %d failed, %d unreferenced)\n",
		s.Blocks, s.BlocksPending, s.BlocksUploaded, s.BlocksFailed, s.ZeroRefBlocks)
	fmt.Printf("Logical bytes:   %d\n", s.LogicalBytes)
	fmt.Printf("Stored bytes:    %d\n", s.StoredBytes)
	if s.LogicalBytes > 0 {
		fmt.Printf("Storage ratio:   %.2f\n", float64(s.StoredBytes)/float64(s.LogicalBytes))
	}
	return nil
}
