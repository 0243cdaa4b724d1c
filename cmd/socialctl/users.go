package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var usersJSON bool

func init() {
	rootCmd.AddCommand(usersCmd)
	usersCmd.Flags().BoolVar(&usersJSON, "json", false, "output as JSON")
}

var usersCmd = &cobra.Command{
	Use:   "users [user-id]",
	Short: "List the user directory, or show one user",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		engine := getEngine()
		defer engine.Close()
		ctx := cmd.Context()

		if len(args) == 1 {
			u, err := engine.API.Users.Get(ctx, args[0])
			if err != nil {
				return err
			}
			if usersJSON {
				return printJSON(u)
			}
			fmt.Printf("%-12s %s %s\n", u.ID, u.FirstName, u.LastName)
			return nil
		}

		users, err := engine.API.Users.List(ctx)
		if err != nil {
			return err
		}
		if usersJSON {
			return printJSON(users)
		}
		for _, u := range users {
			name := strings.TrimSpace(u.FirstName + " " + u.LastName)
			fmt.Printf("%-12s %-16s %s\n", u.ID, u.Username, name)
		}
		return nil
	},
}
