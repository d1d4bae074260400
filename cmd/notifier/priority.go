package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"driftwatch/notifier/internal/config"
	"driftwatch/notifier/internal/priority"
	"driftwatch/notifier/internal/state"
)

var priorityCmd = &cobra.Command{
	Use:   "priority",
	Short: "Manage the priority-system list",
	Long: `Priority systems always notify with a broadcast mention, regardless
of the per-kind notification toggles. Only 32-bit fingerprints of normalized
names are stored, so the list cannot be read back as names.`,
}

var priorityAddCmd = &cobra.Command{
	Use:   "add <system-name>...",
	Short: "Mark systems as priority",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		pset, err := loadPrioritySet()
		if err != nil {
			return err
		}
		for _, name := range args {
			if err := pset.Add(name); err != nil {
				return fmt.Errorf("add %q: %w", name, err)
			}
			fmt.Printf("added %q (fingerprint %d)\n", name, priority.Fingerprint(name))
		}
		return nil
	},
}

var priorityRemoveCmd = &cobra.Command{
	Use:   "remove <system-name>...",
	Short: "Remove systems from the priority list",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		pset, err := loadPrioritySet()
		if err != nil {
			return err
		}
		for _, name := range args {
			if err := pset.Remove(name); err != nil {
				return fmt.Errorf("remove %q: %w", name, err)
			}
			fmt.Printf("removed %q\n", name)
		}
		return nil
	},
}

var priorityListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored priority fingerprints",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.Load()
		mgr, err := state.NewManager(cfg.StatePath)
		if err != nil {
			return fmt.Errorf("load state: %w", err)
		}
		fps := mgr.PrioritySystems()
		if len(fps) == 0 {
			fmt.Println("no priority systems")
			return nil
		}
		for _, fp := range fps {
			fmt.Println(fp)
		}
		return nil
	},
}

var priorityCheckCmd = &cobra.Command{
	Use:   "check <system-name>",
	Short: "Check whether a system is priority",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		pset, err := loadPrioritySet()
		if err != nil {
			return err
		}
		if pset.Contains(args[0]) {
			fmt.Printf("%q is a priority system\n", args[0])
		} else {
			fmt.Printf("%q is not a priority system\n", args[0])
		}
		return nil
	},
}

func loadPrioritySet() (*priority.Set, error) {
	cfg := config.Load()
	mgr, err := state.NewManager(cfg.StatePath)
	if err != nil {
		return nil, fmt.Errorf("load state: %w", err)
	}
	return priority.NewSet(mgr), nil
}

func init() {
	priorityCmd.AddCommand(priorityAddCmd)
	priorityCmd.AddCommand(priorityRemoveCmd)
	priorityCmd.AddCommand(priorityListCmd)
	priorityCmd.AddCommand(priorityCheckCmd)
}
