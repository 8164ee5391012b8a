package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var (
	personSync       bool
	personExternalID string
	personAll        bool
)

var personCmd = &cobra.Command{
	Use:   "person",
	Short: "Manage the people directory used for participant linking",
}

var personAddCmd = &cobra.Command{
	Use:   "add NAME",
	Short: "Add or update a person",
	Long: `Add a person to the directory, or update an existing one.

Attendee names on event pages are linked to people by exact name. With
--sync the person's own calendar is scraped on every run.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := setup(cmd.Context())
		if err != nil {
			return err
		}
		defer a.close()

		p, err := a.store.AddPerson(cmd.Context(), args[0], personExternalID, personSync)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "person %d: %s (sync=%t)\n", p.ID, p.Name, p.SyncEnabled)
		return nil
	},
}

var personListCmd = &cobra.Command{
	Use:   "list",
	Short: "List people whose calendars are synced",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := setup(cmd.Context())
		if err != nil {
			return err
		}
		defer a.close()

		list := a.store.SyncPeople
		if personAll {
			list = a.store.People
		}
		people, err := list(cmd.Context())
		if err != nil {
			return err
		}

		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tNAME\tEXTERNAL ID\tSYNC")
		for _, p := range people {
			fmt.Fprintf(tw, "%d\t%s\t%s\t%t\n", p.ID, p.Name, p.ExternalID, p.SyncEnabled)
		}
		return tw.Flush()
	},
}

func init() {
	personAddCmd.Flags().BoolVar(&personSync, "sync", false, "Scrape this person's own calendar")
	personAddCmd.Flags().StringVar(&personExternalID, "external-id", "", "Groupware user id of the person")
	personListCmd.Flags().BoolVar(&personAll, "all", false, "Include people whose calendars are not synced")
	personCmd.AddCommand(personAddCmd, personListCmd)
}
