package cmd

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/comics-crawler/internal/catalogue"
)

// newListCmd creates the 'list' subcommand, which prints the catalogue.
func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "Prints the comic catalogue",
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "SLUG\tNAME\tACTIVE\tZONE\tSCHEDULE\tHISTORY")
			for _, e := range appInstance.Entries() {
				fmt.Fprintf(tw, "%s\t%s\t%t\t%s\t%s\t%s\n",
					e.Comic.Slug,
					e.Comic.Name,
					e.Comic.Active,
					e.Source.Location,
					schedule(e.Source.Schedule),
					history(e),
				)
			}
			return tw.Flush()
		},
	}
}

func schedule(days []time.Weekday) string {
	if len(days) == 0 {
		return "daily"
	}
	names := make([]string, 0, len(days))
	for _, d := range days {
		names = append(names, d.String()[:3])
	}
	return strings.Join(names, ",")
}

func history(e catalogue.Entry) string {
	switch {
	case e.Source.HistoryCapableDate != nil:
		return "since " + e.Source.HistoryCapableDate.String()
	case e.Source.HistoryCapableDays > 0:
		return fmt.Sprintf("%d days", e.Source.HistoryCapableDays)
	default:
		return "today only"
	}
}
