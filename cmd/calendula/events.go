package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/pimalaya/calendula/internal/calendar"
)

func newEventsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "events",
		Aliases: []string{"event"},
		Short:   "Query events",
	}

	var from, to string
	list := &cobra.Command{
		Use:   "list CALENDAR",
		Short: "List the events overlapping a time range",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var tr calendar.TimeRange
			var err error
			if tr.Start, err = parseTime(from); err != nil {
				return fmt.Errorf("--from: %w", err)
			}
			if tr.End, err = parseTime(to); err != nil {
				return fmt.Errorf("--to: %w", err)
			}
			if !tr.Start.IsZero() && !tr.End.IsZero() && !tr.End.After(tr.Start) {
				return fmt.Errorf("--to must be after --from")
			}

			c, err := a.client()
			if err != nil {
				return err
			}
			items, err := c.ListEvents(cmd.Context(), args[0], tr)
			if err != nil {
				return err
			}
			return printItems(cmd.OutOrStdout(), items)
		},
	}
	list.Flags().StringVar(&from, "from", "", "range start, as 2006-01-02 or RFC 3339")
	list.Flags().StringVar(&to, "to", "", "range end, as 2006-01-02 or RFC 3339")

	cmd.AddCommand(list)
	return cmd
}

// parseTime accepts a date in local time or an RFC 3339 timestamp. Empty
// leaves that side of the range open.
func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.ParseInLocation("2006-01-02", s, time.Local); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, s)
}
