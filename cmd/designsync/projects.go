package main

import (
	"context"
	"fmt"
	"time"

	designsync "github.com/interior-systems/designsync"
	"github.com/spf13/cobra"
)

var projectsOffline bool

func init() {
	rootCmd.AddCommand(projectsCmd)
	projectsCmd.AddCommand(projectsListCmd)
	projectsCmd.AddCommand(projectsCreateCmd)
	projectsCmd.PersistentFlags().BoolVar(&projectsOffline, "offline", false,
		"operate on the local cache without contacting the remote store")
}

var projectsCmd = &cobra.Command{
	Use:   "projects",
	Short: "List and create design projects",
}

var projectsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List projects",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient(!projectsOffline)
		defer client.Store().Close()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		projects, err := client.Projects.List(ctx)
		if err != nil {
			return err
		}
		if len(projects) == 0 {
			fmt.Println("No projects.")
			return nil
		}
		for _, p := range projects {
			status := string(p.Status)
			if status == "" {
				status = "-"
			}
			fmt.Printf("%-40s %-10s %s\n", p.ID, status, p.Name)
		}
		return nil
	},
}

var projectsCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a project",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient(!projectsOffline)
		defer client.Store().Close()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		proj, err := client.Projects.Create(ctx, &designsync.Project{
			Name:   args[0],
			Status: designsync.StatusDraft,
		})
		if err != nil {
			return err
		}
		if designsync.IsTempID(proj.ID) {
			fmt.Printf("Created %s (queued for sync)\n", proj.ID)
		} else {
			fmt.Printf("Created %s\n", proj.ID)
		}
		return nil
	},
}
