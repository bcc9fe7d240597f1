package main

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/spf13/cobra"

	"webauto/internal/config"
	"webauto/internal/profile"
)

var profileCmd = &cobra.Command{
	Use:   "profile",
	Short: "Inspect browser profiles and their lock state",
}

var profileListCmd = &cobra.Command{
	Use:   "list",
	Short: "List profiles under the profiles root",
	RunE: func(cmd *cobra.Command, args []string) error {
		entries, err := os.ReadDir(cfg.Profiles.Root)
		if err != nil {
			if os.IsNotExist(err) {
				fmt.Println("no profiles yet")
				return nil
			}
			return err
		}

		locker := profile.NewLocker(cfg.Profiles.Root)
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			if e.IsDir() {
				names = append(names, e.Name())
			}
		}
		sort.Strings(names)

		for _, name := range names {
			status := "free"
			if err := config.ValidateProfileID(name); err != nil {
				status = "invalid name"
			} else if locked, pid := locker.IsLocked(name); locked {
				status = fmt.Sprintf("locked (pid %d)", pid)
			}
			fmt.Printf("%-32s %s\n", name, status)
		}
		return nil
	},
}

var profileCreateCmd = &cobra.Command{
	Use:   "create <profileId>",
	Short: "Create a profile directory (platform_variant[_NN])",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id := args[0]
		if err := config.ValidateProfileID(id); err != nil {
			return err
		}
		dir := filepath.Join(cfg.Profiles.Root, id)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("creating profile directory: %w", err)
		}
		fmt.Printf("created %s\n", dir)
		return nil
	},
}

var profileUnlockCmd = &cobra.Command{
	Use:   "unlock <profileId>",
	Short: "Release a stale profile lock (only succeeds when the owner pid is gone)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id := args[0]
		if err := config.ValidateProfileID(id); err != nil {
			return err
		}
		locker := profile.NewLocker(cfg.Profiles.Root)
		// Acquire reclaims stale locks and fails on live ones; releasing
		// right after leaves the profile free either way.
		if err := locker.Acquire(id, os.Getpid()); err != nil {
			return err
		}
		locker.Release(id)
		fmt.Printf("%s unlocked\n", id)
		return nil
	},
}

func init() {
	profileCmd.AddCommand(profileListCmd)
	profileCmd.AddCommand(profileCreateCmd)
	profileCmd.AddCommand(profileUnlockCmd)
}
