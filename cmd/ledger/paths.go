package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"
)

// path command
var pathCmd = &cobra.Command{
	Use:   "path",
	Short: "Browse and collect a client's path index",
}

var pathCollectCmd = &cobra.Command{
	Use:   "collect CLIENT_ID DIR",
	Short: "Record a local directory tree under a client and store its files",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd, "CollectDirectory")
		if err != nil {
			return err
		}
		defer a.Close()

		stats, err := a.CollectDirectory(cmd.Context(), args[0], args[1])
		if err != nil {
			return err
		}
		fmt.Printf("Collected %d directories and %d files (%d stored, %d bytes), skipped %d\n",
			stats.Directories, stats.Files, stats.Stored, stats.Bytes, stats.Skipped)
		return nil
	},
}

var pathListCmd = &cobra.Command{
	Use:   "ls CLIENT_ID [PATH]",
	Short: "List the entries below a client path",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		depth, _ := cmd.Flags().GetInt("depth")
		p := ""
		if len(args) == 2 {
			p = args[1]
		}

		a, err := newApp(cmd, "ListPath")
		if err != nil {
			return err
		}
		defer a.Close()

		paths, err := a.ListPath(cmd.Context(), args[0], p, depth)
		if err != nil {
			return err
		}
		if len(paths) == 0 {
			fmt.Println("No entries.")
			return nil
		}
		for _, e := range paths {
			kind := "-"
			name := e.Path
			if e.Directory {
				kind = "d"
				name = blue(e.Path + "/")
			}
			fmt.Printf("%s  %-19s  %-19s  %s\n", kind, optionalTime(e.LastStatAt), optionalTime(e.LastHashAt), name)
		}
		return nil
	},
}

var pathStatCmd = &cobra.Command{
	Use:   "stat CLIENT_ID PATH",
	Short: "Show the latest stat and hash of a client path",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd, "StatPath")
		if err != nil {
			return err
		}
		defer a.Close()

		info, stat, hash, err := a.StatPath(cmd.Context(), args[0], args[1])
		if err != nil {
			return err
		}
		fmt.Printf("Path:      %s\n", info.Path)
		fmt.Printf("Depth:     %d\n", info.Depth)
		fmt.Printf("Directory: %v\n", info.Directory)
		printEntry("Stat", stat)
		printEntry("Hash", hash)
		return nil
	},
}

func printEntry(title string, fields map[string]any) {
	if fields == nil {
		fmt.Printf("%s:      %s\n", title, faint("none"))
		return
	}
	fmt.Printf("%s:\n", title)
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Printf("  %-10s %v\n", k, fields[k])
	}
}
