package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/njfio/tau/internal/channelstore"
)

func inspectCmd() *cobra.Command {
	var stateDir string
	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Report jsonl integrity for every channel record",
		Run: func(cmd *cobra.Command, args []string) {
			if err := forEachChannel(stateDir, func(transport, session string, cs *channelstore.Store) error {
				report, err := cs.Inspect()
				if err != nil {
					return err
				}
				for _, f := range report.Files {
					if f.TotalLines == 0 && f.InvalidLines == 0 {
						continue
					}
					cmd.Printf("%s/%s %s: %d lines, %d invalid\n",
						transport, session, f.File, f.TotalLines, f.InvalidLines)
				}
				return nil
			}); err != nil {
				fmt.Fprintln(os.Stderr, "inspect error:", err)
				os.Exit(1)
			}
		},
	}
	cmd.Flags().StringVar(&stateDir, "multi-channel-state-dir", ".tau/multi-channel", "state directory to inspect")
	return cmd
}

func repairCmd() *cobra.Command {
	var stateDir string
	cmd := &cobra.Command{
		Use:   "repair",
		Short: "Move invalid jsonl lines to .backup siblings",
		Run: func(cmd *cobra.Command, args []string) {
			total := 0
			if err := forEachChannel(stateDir, func(transport, session string, cs *channelstore.Store) error {
				moved, err := cs.Repair()
				if err != nil {
					return err
				}
				if moved > 0 {
					cmd.Printf("%s/%s: moved %d invalid lines to .backup\n", transport, session, moved)
					total += moved
				}
				return nil
			}); err != nil {
				fmt.Fprintln(os.Stderr, "repair error:", err)
				os.Exit(1)
			}
			cmd.Printf("repair complete: %d lines moved\n", total)
		},
	}
	cmd.Flags().StringVar(&stateDir, "multi-channel-state-dir", ".tau/multi-channel", "state directory to repair")
	return cmd
}

func forEachChannel(stateDir string, fn func(transport, session string, cs *channelstore.Store) error) error {
	channelsDir := filepath.Join(stateDir, "channels")
	transports, err := os.ReadDir(channelsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, t := range transports {
		if !t.IsDir() {
			continue
		}
		sessions, err := os.ReadDir(filepath.Join(channelsDir, t.Name()))
		if err != nil {
			return err
		}
		for _, sess := range sessions {
			if !sess.IsDir() {
				continue
			}
			cs, err := channelstore.Open(stateDir, t.Name(), sess.Name())
			if err != nil {
				return err
			}
			if err := fn(t.Name(), sess.Name(), cs); err != nil {
				return err
			}
		}
	}
	return nil
}
