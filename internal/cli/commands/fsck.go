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
	"blobfs/internal/config"
	"blobfs/internal/remote"
)

var (
	fsckRepair      bool
	fsckCheckRemote bool
)

var fsckCmd = &cobra.Command{
	Use:   "fsck",
	Short: "Check catalog consistency",
	Long: `Check the catalog for internal inconsistencies: extents pointing at
missing blocks, directory entries pointing at missing inodes, wrong block
reference counts and wrong link counts. With --remote, also verify that
every uploaded block still exists in the object store.

With --repair, reference counts and link counts are corrected, dangling
extents and entries removed, and unreferenced blocks marked for garbage
collection. Run only on an unmounted catalog.`,
	Args: cobra.NoArgs,
	RunE: runFsck,
}

func init() {
	fsckCmd.Flags().BoolVar(&fsckRepair, "repair", false, "fix the problems found")
	fsckCmd.Flags().BoolVar(&fsckCheckRemote, "remote", false, "verify uploaded blocks exist in the object store")
	rootCmd.AddCommand(fsckCmd)
}

func runFsck(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	cat, err := catalog.OpenUnchecked(cfg.CatalogPath)
	if err != nil {
		return err
	}
	defer cat.Close()

	ctx := context.Background()
	db := cat.DB()
	problems := 0

	// Extents whose block row is gone.
	var danglingExtents int
	if err := db.NewRaw(`SELECT COUNT(*) FROM extents e
		LEFT JOIN blocks b ON b.id = e.block_id WHERE b.id IS NULL`).Scan(ctx, &danglingExtents); err != nil {
		return err
	}
	if danglingExtents > 0 {
		problems += danglingExtents
		fmt.Printf("%d extent(s) reference missing blocks\n", danglingExtents)
		if fsckRepair {
			if _, err := db.NewRaw(`DELETE FROM extents WHERE block_id NOT IN (SELECT id FROM blocks)`).Exec(ctx); err != nil {
				return err
			}
			fmt.Println("  removed (affected file ranges now read as holes)")
		}
	}

	// Dentries whose inode row is gone.
	var danglingDentries int
	if err := db.NewRaw(`SELECT COUNT(*) FROM dentries d
		LEFT JOIN inodes i ON i.ino = d.ino WHERE i.ino IS NULL`).Scan(ctx, &danglingDentries); err != nil {
		return err
	}
	if danglingDentries > 0 {
		problems += danglingDentries
		fmt.Printf("%d directory entr(ies) reference missing inodes\n", danglingDentries)
		if fsckRepair {
			if _, err := db.NewRaw(`DELETE FROM dentries WHERE ino NOT IN (SELECT ino FROM inodes)`).Exec(ctx); err != nil {
				return err
			}
			fmt.Println("  removed")
		}
	}

	// Blocks whose refcount disagrees with the extent table.
	var badRefcounts int
	if err := db.NewRaw(`SELECT COUNT(*) FROM blocks b WHERE b.refcount !=
		(SELECT COUNT(*) FROM extents e WHERE e.block_id = b.id)`).Scan(ctx, &badRefcounts); err != nil {
		return err
	}
	if badRefcounts > 0 {
		problems += badRefcounts
		fmt.Printf("%d block(s) have a wrong reference count\n", badRefcounts)
		if fsckRepair {
			if _, err := db.NewRaw(`UPDATE blocks SET refcount =
				(SELECT COUNT(*) FROM extents e WHERE e.block_id = blocks.id)`).Exec(ctx); err != nil {
				return err
			}
			fmt.Println("  recounted")
		}
	}

	// File inodes whose nlink disagrees with the dentry table.
	var badNlinks int
	if err := db.NewRaw(`SELECT COUNT(*) FROM inodes i
		WHERE i.mode & ? = ? AND i.nlink !=
		(SELECT COUNT(*) FROM dentries d WHERE d.ino = i.ino)`,
		catalog.ModeMask, catalog.ModeFile).Scan(ctx, &badNlinks); err != nil {
		return err
	}
	if badNlinks > 0 {
		problems += badNlinks
		fmt.Printf("%d file inode(s) have a wrong link count\n", badNlinks)
		if fsckRepair {
			if _, err := db.NewRaw(`UPDATE inodes SET nlink =
				(SELECT COUNT(*) FROM dentries d WHERE d.ino = inodes.ino)
				WHERE mode & ? = ?`, catalog.ModeMask, catalog.ModeFile).Exec(ctx); err != nil {
				return err
			}
			fmt.Println("  recounted")
		}
	}

	// Pending blocks: writes the previous mount acknowledged but never
	// uploaded. The cache was their only copy; after a crash the data is
	// gone and the affected files read stale or zero content there.
	pending, err := cat.BlocksByState(ctx, catalog.BlockPending)
	if err != nil {
		return err
	}
	failed, err := cat.BlocksByState(ctx, catalog.BlockUploadFailed)
	if err != nil {
		return err
	}
	if n := len(pending) + len(failed); n > 0 {
		problems += n
		fmt.Printf("%d block(s) were never uploaded (data lost if the cache is gone)\n", n)
		if fsckRepair {
			for _, b := range append(pending, failed...) {
				if err := cat.SetBlockState(ctx, b.ID, catalog.BlockOrphaned); err != nil {
					return err
				}
			}
			fmt.Println("  marked for garbage collection")
		}
	}

	if fsckCheckRemote {
		n, err := fsckRemote(ctx, cat, cfg)
		if err != nil {
			return err
		}
		problems += n
	}

	if problems == 0 {
		fmt.Println("Catalog is consistent")
		return nil
	}
	if !fsckRepair {
		return fmt.Errorf("%d problem(s) found (re-run with --repair to fix)", problems)
	}
	fmt.Printf("%d problem(s) repaired\n", problems)
	return nil
}

// fsckRemote verifies that every uploaded block still has its object in the
// remote store. Missing objects are unrecoverable data loss; with --repair
// the affected extents are removed so reads see holes instead of errors.
func fsckRemote(ctx context.Context, cat *catalog.Catalog, cfg *config.Config) (int, error) {
	store, err := remote.New(ctx, &cfg.Remote)
	if err != nil {
		return 0, err
	}
	keys, err := store.List(ctx, "")
	if err != nil {
		return 0, err
	}
	present := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		present[k] = struct{}{}
	}

	uploaded, err := cat.BlocksByState(ctx, catalog.BlockUploaded)
	if err != nil {
		return 0, err
	}
	missing := 0
	for _, b := range uploaded {
		if _, ok := present[b.ID]; ok {
			continue
		}
		missing++
		fmt.Printf("block %s is uploaded in the catalog but missing remotely\n", b.ID)
		if fsckRepair {
			db := cat.DB()
			if _, err := db.NewRaw(`DELETE FROM extents WHERE block_id = ?`, b.ID).Exec(ctx); err != nil {
				return missing, err
			}
			if err := cat.SetBlockState(ctx, b.ID, catalog.BlockOrphaned); err != nil {
				return missing, err
			}
		}
	}
	if missing > 0 && fsckRepair {
		if _, err := cat.DB().NewRaw(`UPDATE blocks SET refcount =
			(SELECT COUNT(*) FROM extents e WHERE e.block_id = blocks.id)`).Exec(ctx); err != nil {
			return missing, err
		}
		fmt.Println("  affected extents removed (file ranges now read as holes)")
	}
	return missing, nil
}
