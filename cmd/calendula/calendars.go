package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/pimalaya/calendula/internal/calendar"
)

func newCalendarsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "calendars",
		Aliases: []string{"calendar", "cal"},
		Short:   "List and manage calendars",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List the calendars of the account",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := a.client()
			if err != nil {
				return err
			}
			cals, err := c.ListCalendars(cmd.Context())
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNAME\tCOLOR\tDESCRIPTION")
			for _, cal := range cals {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", cal.ID, cal.DisplayName, cal.Color, cal.Description)
			}
			return tw.Flush()
		},
	}

	var props calendar.Calendar
	create := &cobra.Command{
		Use:   "create [ID]",
		Short: "Create a calendar, with a generated ID unless one is given",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.client()
			if err != nil {
				return err
			}
			cal := props
			if len(args) == 1 {
				cal.ID = args[0]
			}
			created, err := c.CreateCalendar(cmd.Context(), cal)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), created.ID)
			return nil
		},
	}
	calendarFlags(create, &props)

	var changes calendar.Calendar
	update := &cobra.Command{
		Use:   "update ID",
		Short: "Change the name, description or color of a calendar",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.client()
			if err != nil {
				return err
			}
			cal := changes
			cal.ID = args[0]
			return c.UpdateCalendar(cmd.Context(), cal)
		},
	}
	calendarFlags(update, &changes)

	remove := &cobra.Command{
		Use:     "delete ID",
		Aliases: []string{"rm"},
		Short:   "Delete a calendar and everything in it",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.client()
			if err != nil {
				return err
			}
			return c.DeleteCalendar(cmd.Context(), args[0])
		},
	}

	cmd.AddCommand(list, create, update, remove)
	return cmd
}

func calendarFlags(cmd *cobra.Command, cal *calendar.Calendar) {
	cmd.Flags().StringVarP(&cal.DisplayName, "name", "n", "", "display name")
	cmd.Flags().StringVarP(&cal.Description, "description", "d", "", "description")
	cmd.Flags().StringVar(&cal.Color, "color", "", "color, such as #3a87ad")
}
