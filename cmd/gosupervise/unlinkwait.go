package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"
)

// unlinkwaitCmd is the auxiliary utility spec.md §6 names: block until
// path's link count reaches zero. Grounded on original_source's
// unlinkwait.c, which polls via inotify rather than a stat-loop.
var unlinkwaitCmd = &cobra.Command{
	Use:   "unlinkwait <path>",
	Short: "Block until path's link count reaches zero",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return waitForUnlink(args[0])
	},
}

func init() {
	rootCmd.AddCommand(unlinkwaitCmd)
}

func waitForUnlink(path string) error {
	if gone, err := linkCountZero(path); err != nil {
		return err
	} else if gone {
		return nil
	}

	fd, err := unix.InotifyInit1(unix.IN_CLOEXEC)
	if err != nil {
		return fmt.Errorf("inotify_init1: %w", err)
	}
	defer unix.Close(fd)

	if _, err := unix.InotifyAddWatch(fd, path, unix.IN_DELETE_SELF|unix.IN_ATTRIB); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("inotify_add_watch(%s): %w", path, err)
	}

	buf := make([]byte, unix.SizeofInotifyEvent+unix.PathMax+1)
	for {
		// IN_ATTRIB fires on every link-count change, not only on the
		// final unlink (e.g. a sibling hardlink being removed), so we
		// re-stat on every wakeup instead of trusting the event alone.
		if gone, err := linkCountZero(path); err != nil {
			return err
		} else if gone {
			return nil
		}
		if _, err := unix.Read(fd, buf); err != nil {
			return fmt.Errorf("read(inotify): %w", err)
		}
	}
}

func linkCountZero(path string) (bool, error) {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		if os.IsNotExist(err) {
			return true, nil
		}
		return false, fmt.Errorf("stat(%s): %w", path, err)
	}
	return st.Nlink == 0, nil
}
