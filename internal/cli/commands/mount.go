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
	"os/signal"
	"path/filepath"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"cloudfs/internal/cloud"
	"cloudfs/internal/storage"
	"cloudfs/internal/vfs"
)

var mountCmd = &cobra.Command{
	Use:   "mount <mount-point>",
	Short: "Mount the storage root",
	Long: `Mounts the calling user's storage root at the given mount point and serves
it until interrupted or unmounted.

Directories listed under "bundles" in the config are served from the record
catalog. Everything else is passed through to the local storage root.

Examples:
  cloudfs mount ~/cloud
  cloudfs mount /mnt/cloud --allow-other --metrics-addr 127.0.0.1:9469`,
	Args: cobra.ExactArgs(1),
	RunE: runMount,
}

var mountCheckCmd = &cobra.Command{
	Use:   "check <path>...",
	Short: "Check if paths are mounted",
	Long: `Check if one or more paths are currently mounted.

Returns exit code 0 if ALL paths are mounted, non-zero otherwise.
Use -q/--quiet to suppress output (useful in scripts).`,
	Args: cobra.MinimumNArgs(1),
	RunE: runMountCheck,
}

var (
	mountCheckQuiet bool
	mountAllowOther bool
	mountDebug      bool
	mountMetrics    string
)

func init() {
	rootCmd.AddCommand(mountCmd)
	mountCmd.AddCommand(mountCheckCmd)
	mountCheckCmd.Flags().BoolVarP(&mountCheckQuiet, "quiet", "q", false, "Suppress output, only set exit code")
	mountCmd.Flags().BoolVar(&mountAllowOther, "allow-other", false, "Allow other users to access the mount (overrides config)")
	mountCmd.Flags().BoolVar(&mountDebug, "debug", false, "Log every FUSE request")
	mountCmd.Flags().StringVar(&mountMetrics, "metrics-addr", "", "Serve Prometheus metrics on this address (overrides config)")
}

func runMount(cmd *cobra.Command, args []string) error {
	mountPoint, err := filepath.Abs(args[0])
	if err != nil {
		return fmt.Errorf("failed to resolve mount point: %w", err)
	}
	if info, err := os.Stat(mountPoint); err != nil {
		return fmt.Errorf("mount point: %w", err)
	} else if !info.IsDir() {
		return fmt.Errorf("mount point %s is not a directory", mountPoint)
	}
	if isMounted(mountPoint) {
		return fmt.Errorf("%s is already mounted", mountPoint)
	}

	logFile, err := setupLogging(cfg)
	if err != nil {
		return err
	}
	if logFile != nil {
		defer logFile.Close()
	}

	uid, gid := uint32(os.Getuid()), uint32(os.Getgid())
	root := storage.NewRoot(cfg.StorageRoot, uid)
	if err := root.Prepare(); err != nil {
		return err
	}
	defer root.Release()

	var db cloud.Database
	if len(cfg.Bundles) > 0 {
		cat, err := storage.OpenOrCreateCatalog(cfg.Catalog)
		if err != nil {
			return fmt.Errorf("failed to open catalog: %w", err)
		}
		defer cat.Close()
		db = cat
	}

	fs, err := vfs.New(vfs.OptionsFromConfig(cfg, root, db, uid, gid))
	if err != nil {
		return err
	}

	mc := vfs.MountConfig{
		AllowOther:  cfg.AllowOther || mountAllowOther,
		Debug:       mountDebug,
		MetricsAddr: cfg.MetricsAddr,
	}
	if mountMetrics != "" {
		mc.MetricsAddr = mountMetrics
	}
	srv, err := vfs.Mount(fs, mountPoint, mc)
	if err != nil {
		return err
	}
	fmt.Printf("Mounted %s at %s\n", root.Dir(), mountPoint)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	done := make(chan struct{})
	go func() {
		srv.Wait()
		close(done)
	}()

	select {
	case sig := <-sigCh:
		log.Infof("Received signal %v, unmounting %s", sig, mountPoint)
		if err := srv.Unmount(); err != nil {
			return fmt.Errorf("failed to unmount: %w", err)
		}
		<-done
	case <-done:
		log.Infof("%s was unmounted", mountPoint)
	}
	return nil
}

func runMountCheck(cmd *cobra.Command, args []string) error {
	missing := 0
	for _, p := range args {
		mounted := isMounted(p)
		if !mounted {
			missing++
		}
		if !mountCheckQuiet {
			state := "mounted"
			if !mounted {
				state = "not mounted"
			}
			fmt.Printf("%s: %s\n", p, state)
		}
	}
	if missing > 0 {
		cmd.SilenceErrors = mountCheckQuiet
		return fmt.Errorf("%d of %d paths not mounted", missing, len(args))
	}
	return nil
}
