package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/pimalaya/calendula/internal/calendar"
	"github.com/pimalaya/calendula/internal/metrics"
)

func newItemsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "items",
		Aliases: []string{"item"},
		Short:   "List, read and write calendar items",
	}

	var changes bool
	list := &cobra.Command{
		Use:   "list CALENDAR",
		Short: "List the items of a calendar",
		Long: "List the items of a calendar. With --changes only what changed since the\n" +
			"last --changes run is printed, and the new sync state is saved.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.client()
			if err != nil {
				return err
			}
			if !changes {
				delta, err := c.ListItems(cmd.Context(), args[0], nil)
				if err != nil {
					return err
				}
				return printItems(cmd.OutOrStdout(), delta.Items())
			}

			ctx := metrics.WithAccount(cmd.Context(), c.Account)
			st, err := a.store(ctx)
			if err != nil {
				return err
			}
			defer st.Close()

			prior, err := st.Load(ctx, c.Account, args[0])
			if err != nil {
				return err
			}
			delta, err := c.ListItems(ctx, args[0], prior)
			if err != nil {
				return err
			}
			if delta.State != nil {
				if err := st.Save(ctx, c.Account, delta.State); err != nil {
					return err
				}
			}
			return printDelta(cmd.OutOrStdout(), delta)
		},
	}
	list.Flags().BoolVar(&changes, "changes", false, "only print changes since the saved sync state")

	get := &cobra.Command{
		Use:   "get CALENDAR ITEM",
		Short: "Print the raw iCalendar body of an item",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.client()
			if err != nil {
				return err
			}
			item, err := c.GetItem(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(item.Body)
			return err
		},
	}

	var createFile string
	create := &cobra.Command{
		Use:   "create CALENDAR",
		Short: "Create an item from an iCalendar body read from stdin or --file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := readBody(cmd, createFile)
			if err != nil {
				return err
			}
			c, err := a.client()
			if err != nil {
				return err
			}
			item, err := c.CreateItem(cmd.Context(), args[0], &calendar.Item{Body: body})
			if err != nil {
				return err
			}
			return printWritten(cmd.OutOrStdout(), item)
		},
	}
	create.Flags().StringVarP(&createFile, "file", "f", "", "read the body from this file instead of stdin")

	var updateFile, updateETag string
	update := &cobra.Command{
		Use:   "update CALENDAR [ITEM]",
		Short: "Replace an item, identified by ITEM or by the UID of the body",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := readBody(cmd, updateFile)
			if err != nil {
				return err
			}
			c, err := a.client()
			if err != nil {
				return err
			}
			item := &calendar.Item{Body: body, ETag: updateETag}
			if len(args) == 2 {
				item.ID = args[1]
			}
			updated, err := c.UpdateItem(cmd.Context(), args[0], item)
			if err != nil {
				return err
			}
			return printWritten(cmd.OutOrStdout(), updated)
		},
	}
	update.Flags().StringVarP(&updateFile, "file", "f", "", "read the body from this file instead of stdin")
	update.Flags().StringVar(&updateETag, "etag", "", "only replace the item if it still has this ETag")

	var deleteETag string
	remove := &cobra.Command{
		Use:     "delete CALENDAR ITEM",
		Aliases: []string{"rm"},
		Short:   "Delete an item",
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.client()
			if err != nil {
				return err
			}
			return c.DeleteItem(cmd.Context(), args[0], args[1], deleteETag)
		},
	}
	remove.Flags().StringVar(&deleteETag, "etag", "", "only delete the item if it still has this ETag")

	cmd.AddCommand(list, get, create, update, remove)
	return cmd
}

func readBody(cmd *cobra.Command, path string) ([]byte, error) {
	if path != "" && path != "-" {
		return os.ReadFile(path)
	}
	return io.ReadAll(cmd.InOrStdin())
}

func printItems(w io.Writer, items []calendar.Item) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTYPE\tETAG\tSUMMARY")
	for _, item := range items {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", item.ID, itemType(item), item.ETag, item.Summary)
	}
	return tw.Flush()
}

func printDelta(w io.Writer, delta *calendar.ItemsDelta) error {
	if delta.Reset {
		fmt.Fprintln(w, "# sync state was reset, listing everything")
	}
	for _, item := range delta.Added {
		fmt.Fprintf(w, "+ %s\t%s\n", item.ID, item.Summary)
	}
	for _, item := range delta.Updated {
		fmt.Fprintf(w, "~ %s\t%s\n", item.ID, item.Summary)
	}
	for _, id := range delta.Removed {
		fmt.Fprintf(w, "- %s\n", id)
	}
	return nil
}

func printWritten(w io.Writer, item *calendar.Item) error {
	if item.ETag == "" {
		_, err := fmt.Fprintln(w, item.ID)
		return err
	}
	_, err := fmt.Fprintf(w, "%s\t%s\n", item.ID, item.ETag)
	return err
}

// itemType names the components of an item below VCALENDAR.
func itemType(item calendar.Item) string {
	var kinds []string
	for _, c := range item.Components {
		if c != "VCALENDAR" {
			kinds = append(kinds, c)
		}
	}
	return strings.Join(kinds, ",")
}
