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

	"blobfs/internal/fs"
)

var (
	gcLimit     int
	gcReconcile bool
)

var gcCmd = &cobra.Command{
	Use:   "gc",
	Short: "Remove unreferenced blocks",
	Long: `Mount the filesystem briefly and sweep blocks whose reference count
has dropped to zero: the remote object is deleted first, then the catalog
row. With --reconcile, the remote store is also listed and objects with no
catalog row (leftovers of interrupted sweeps) are removed.`,
	Args: cobra.NoArgs,
	RunE: runGC,
}

func init() {
	gcCmd.Flags().IntVar(&gcLimit, "limit", 0, "max blocks to sweep (0 = default)")
	gcCmd.Flags().BoolVar(&gcReconcile, "reconcile", false, "also delete remote objects with no catalog row")
	rootCmd.AddCommand(gcCmd)
}

func runGC(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := context.Background()

	filesystem, err := fs.Open(ctx, cfg)
	if err != nil {
		return err
	}
	defer filesystem.Close(ctx)

	result, err := filesystem.Sweeper().Sweep(ctx, gcLimit)
	if err != nil {
		return err
	}
	fmt.Printf("Swept %d block(s), freed %d bytes remotely (%d examined, %d skipped)\n",
		result.BlocksSwept, result.BytesFreed, result.BlocksExamined, result.Skipped)

	if gcReconcile {
		rec, err := filesystem.Sweeper().Reconcile(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("Removed %d orphaned remote object(s)\n", rec.OrphansRemoved)
	}
	return nil
}
