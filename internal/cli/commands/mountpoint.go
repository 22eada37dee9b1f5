package commands

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

const (
	unmountTimeout = 5 * time.Second

	// How long, and how often, to watch the mount table for a detached
	// mount to disappear.
	unmountSettle     = 10 * time.Second
	unmountPollPeriod = 100 * time.Millisecond
)

// isMounted reports whether mountPoint appears in the mount table.
func isMounted(mountPoint string) bool {
	f, err := os.Open("/proc/self/mounts")
	if err != nil {
		return false
	}
	defer f.Close()
	return containsMount(bufio.NewScanner(f), resolveMountPoint(mountPoint))
}

// containsMount scans lines in /proc/mounts format for mountPoint.
func containsMount(sc *bufio.Scanner, mountPoint string) bool {
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 2 {
			continue
		}
		if unescapeMount(fields[1]) == mountPoint {
			return true
		}
	}
	return false
}

// unescapeMount decodes the octal escapes the kernel uses for spaces and
// other separators in mount paths.
func unescapeMount(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+3 < len(s) && isOctal(s[i+1]) && isOctal(s[i+2]) && isOctal(s[i+3]) {
			b.WriteByte((s[i+1]-'0')<<6 | (s[i+2]-'0')<<3 | (s[i+3] - '0'))
			i += 3
			continue
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

func isOctal(c byte) bool { return c >= '0' && c <= '7' }

func resolveMountPoint(p string) string {
	abs, err := filepath.Abs(p)
	if err != nil {
		return p
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return resolved
	}
	return abs
}

// unmount detaches a FUSE mount, falling back to a lazy unmount when the
// helper fails, and waits for the mount table to drop it.
func unmount(mountPoint string) error {
	mountPoint = resolveMountPoint(mountPoint)

	var lastErr error
	for _, helper := range []string{"fusermount3", "fusermount"} {
		ctx, cancel := context.WithTimeout(context.Background(), unmountTimeout)
		out, err := exec.CommandContext(ctx, helper, "-u", mountPoint).CombinedOutput()
		cancel()
		if err == nil {
			lastErr = nil
			break
		}
		log.Debugf("unmount: %s failed: %v, output: %s", helper, err, strings.TrimSpace(string(out)))
		lastErr = fmt.Errorf("%s: %w", helper, err)
	}
	if lastErr != nil {
		if err := unix.Unmount(mountPoint, unix.MNT_DETACH); err != nil {
			return fmt.Errorf("failed to unmount %s: %w (%v)", mountPoint, err, lastErr)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), unmountSettle)
	defer cancel()
	if err := waitDetached(ctx, unmountPollPeriod, func() bool { return isMounted(mountPoint) }); err != nil {
		return fmt.Errorf("%s still mounted: %w", mountPoint, err)
	}
	return nil
}

// waitDetached checks mounted every period until it reports false or ctx
// ends.
func waitDetached(ctx context.Context, period time.Duration, mounted func() bool) error {
	if !mounted() {
		return nil
	}
	tick := time.NewTicker(period)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
			if !mounted() {
				return nil
			}
		}
	}
}
