package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/foxzi/mailcast/internal/merge"
	"github.com/foxzi/mailcast/internal/recipient"
)

var (
	variablesDocs bool
	parseDedupe   bool
)

var variablesCmd = &cobra.Command{
	Use:   "variables",
	Short: "List personalization variables",
	RunE: func(cmd *cobra.Command, args []string) error {
		if variablesDocs {
			fmt.Fprint(cmd.OutOrStdout(), merge.Markdown())
			return nil
		}
		printVariables(cmd.OutOrStdout())
		return nil
	},
}

var parseCmd = &cobra.Command{
	Use:   "parse FILE",
	Short: "Check a recipient list and show the parsed records",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		records, errs := recipient.Collect(recipient.SourceFromFile(args[0]))
		if parseDedupe {
			records = recipient.Dedupe(records)
		}
		printRecords(cmd.OutOrStdout(), records, errs)
		if len(records) == 0 {
			return fmt.Errorf("no valid recipients in %s", args[0])
		}
		return nil
	},
}

func init() {
	variablesCmd.Flags().BoolVar(&variablesDocs, "docs", false, "Print the full Markdown documentation")
	parseCmd.Flags().BoolVar(&parseDedupe, "dedupe", false, "Drop repeated addresses")

	rootCmd.AddCommand(variablesCmd, parseCmd)
}

func printVariables(out io.Writer) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "VARIABLE\tCATEGORY\tEXAMPLE\tDESCRIPTION")
	fmt.Fprintln(w, "--------\t--------\t-------\t-----------")
	for _, v := range merge.Catalog() {
		fmt.Fprintf(w, "{%s}\t%s\t%s\t%s\n", v.Name, v.Category, v.Example, v.Description)
	}
	w.Flush()
}

func printRecords(out io.Writer, records []recipient.Record, errs []error) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "LINE\tEMAIL\tFIELDS")
	for _, r := range records {
		fields := "-"
		if len(r.Fields) > 0 {
			fields = ""
			for i, f := range r.Fields {
				if i > 0 {
					fields += ", "
				}
				fields += f.Key + "=" + f.Value
			}
		}
		fmt.Fprintf(w, "%d\t%s\t%s\n", r.LineNo, r.Email, fields)
	}
	w.Flush()

	fmt.Fprintf(out, "\n%d valid", len(records))
	if len(errs) > 0 {
		fmt.Fprintf(out, ", %d skipped:\n", len(errs))
		for _, err := range errs {
			fmt.Fprintf(out, "  %v\n", err)
		}
		return
	}
	fmt.Fprintln(out)
}
