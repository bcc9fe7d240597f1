package main

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"webauto/internal/container"
)

var containerCmd = &cobra.Command{
	Use:   "container",
	Short: "Validate and inspect the Container Library",
}

var containerValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Load the library and report validation errors",
	RunE: func(cmd *cobra.Command, args []string) error {
		registry := container.NewRegistry(cfg.Containers.LibraryDir)
		if err := registry.Load(); err != nil {
			return fmt.Errorf("library invalid: %w", err)
		}
		fmt.Printf("library ok: %d containers in %s\n", len(registry.IDs()), cfg.Containers.LibraryDir)
		return nil
	},
}

var containerListURL string

var containerListCmd = &cobra.Command{
	Use:   "list",
	Short: "List container definitions, optionally scoped to a URL",
	RunE: func(cmd *cobra.Command, args []string) error {
		registry := container.NewRegistry(cfg.Containers.LibraryDir)
		if err := registry.Load(); err != nil {
			return err
		}

		ids := registry.IDs()
		if containerListURL != "" {
			scoped := registry.GetContainersForURL(containerListURL)
			ids = ids[:0]
			for id := range scoped {
				ids = append(ids, id)
			}
			sort.Slice(ids, func(i, j int) bool {
				di, dj := container.Depth(ids[i]), container.Depth(ids[j])
				if di != dj {
					return di < dj
				}
				return ids[i] < ids[j]
			})
		}

		for _, id := range ids {
			def, _ := registry.Get(id)
			ops := make([]string, 0, len(def.Operations))
			for _, op := range def.Operations {
				ops = append(ops, string(op))
			}
			line := fmt.Sprintf("%-48s selectors=%d", id, len(def.Selectors))
			if len(ops) > 0 {
				line += " ops=" + strings.Join(ops, ",")
			}
			if def.Checkpoint != "" {
				line += " checkpoint=" + def.Checkpoint
			}
			fmt.Println(line)
		}
		return nil
	},
}

func init() {
	containerListCmd.Flags().StringVar(&containerListURL, "url", "", "only containers whose root matches this URL")
	containerCmd.AddCommand(containerValidateCmd)
	containerCmd.AddCommand(containerListCmd)
}
