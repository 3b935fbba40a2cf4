package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/pingcap-incubator/tinygraph/kv/graph"
	"github.com/pingcap-incubator/tinygraph/kv/index"
	"github.com/pingcap-incubator/tinygraph/kv/instance"
	"github.com/pingcap/errors"
	"github.com/spf13/cobra"
)

func newRowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "row <vertex-id>",
		Short: "Decode the relations stored in the row of a vertex",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			vertex, err := strconv.ParseUint(args[0], 10, 64)
			if err != nil {
				return errors.Annotatef(err, "vertex id %q", args[0])
			}
			return withInspector(func(i *graph.Inspector) error {
				rows, err := i.VertexRow(context.Background(), vertex)
				if err != nil {
					return err
				}
				printRow(os.Stdout, rows)
				return nil
			})
		},
	}
}

func newIndexKeyCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "index-key <index> <value>...",
		Short: "Print the row key of field values in a composite index",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withInspector(func(i *graph.Inspector) error {
				key, err := i.IndexKey(args[0], args[1:])
				if err != nil {
					return err
				}
				fmt.Printf("%x\n", key)
				return nil
			})
		},
	}
}

func newLookupCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "lookup <index> <value>...",
		Short: "List the elements stored under field values in a composite index",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withInspector(func(i *graph.Inspector) error {
				hits, err := i.Lookup(context.Background(), args[0], args[1:])
				if err != nil {
					return err
				}
				printHits(os.Stdout, hits)
				return nil
			})
		},
	}
}

func newInstancesCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "instances",
		Short: "List the instances registered for the graph",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withInspector(func(i *graph.Inspector) error {
				infos, err := i.Instances(context.Background())
				if err != nil {
					return err
				}
				printInstances(os.Stdout, infos)
				return nil
			})
		},
	}
}

func printRow(out io.Writer, rows []graph.RowEntry) {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "COLUMN\tTYPE\tDIRECTION\tRELATION\tVALUE\tPROPERTIES")
	for _, r := range rows {
		value := fmt.Sprintf("v%d", r.Relation.OtherVertexID)
		if r.Type.IsPropertyKey() {
			value = fmt.Sprintf("%v", r.Relation.Value)
		}
		keys := make([]uint64, 0, len(r.Relation.Properties))
		for k := range r.Relation.Properties {
			keys = append(keys, k)
		}
		sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
		props := ""
		for n, k := range keys {
			if n > 0 {
				props += " "
			}
			props += fmt.Sprintf("%d=%v", k, r.Relation.Properties[k])
		}
		fmt.Fprintf(w, "%x\t%s\t%s\t%d\t%s\t%s\n", r.Column, r.Type.Name, r.Relation.Direction,
			r.Relation.RelationID, value, props)
	}
	w.Flush()
}

func printHits(out io.Writer, hits []index.Hit) {
	for _, h := range hits {
		if h.VertexID != 0 {
			fmt.Fprintf(out, "v%d\n", h.VertexID)
		} else {
			fmt.Fprintln(out, h.Relation.String())
		}
	}
}

func printInstances(out io.Writer, infos []instance.Info) {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTARTED")
	for _, info := range infos {
		fmt.Fprintf(w, "%s\t%s\n", info.ID, info.Started.Format(time.RFC3339))
	}
	w.Flush()
}
