// bakery is the CLI for the bakery daemon.
//
// Commands:
//
//	bakery pies     Manage pies (list, create, delete)
//	bakery slices   Manage slices (list, create, stop, delete)
//	bakery status   Show daemon status
//	bakery version  Print the build version
package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/vebrasmusic/bakery/internal/client"
	"github.com/vebrasmusic/bakery/internal/version"
)

func main() {
	var host string
	var port int

	root := &cobra.Command{
		Use:           "bakery",
		Short:         "CLI for the bakery daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&host, "host", "127.0.0.1", "daemon host")
	root.PersistentFlags().IntVar(&port, "port", 47123, "daemon port")

	newClient := func() *client.Client {
		return client.New(host, port)
	}

	root.AddCommand(piesCmd(newClient))
	root.AddCommand(slicesCmd(newClient))
	root.AddCommand(statusCmd(newClient))
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the build version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version.Version())
		},
	})

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func piesCmd(newClient func() *client.Client) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pies",
		Short: "Manage pies",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List pies",
		RunE: func(cmd *cobra.Command, args []string) error {
			pies, err := newClient().ListPies(cmd.Context())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "SLUG\tNAME\tID\tCREATED")
			for _, p := range pies {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", p.Slug, p.Name, p.ID, p.CreatedAt.Format("2006-01-02 15:04"))
			}
			return w.Flush()
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "create <name>",
		Short: "Create a pie",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pie, err := newClient().CreatePie(cmd.Context(), strings.Join(args, " "))
			if err != nil {
				return err
			}
			fmt.Printf("created pie %s (slug %s)\n", pie.ID, pie.Slug)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "delete <id-or-slug>",
		Short: "Delete a pie and all its slices",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := newClient().DeletePie(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Printf("deleted pie %s\n", args[0])
			return nil
		},
	})

	return cmd
}

func slicesCmd(newClient func() *client.Client) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "slices",
		Short: "Manage slices",
	}

	var pieRef string
	list := &cobra.Command{
		Use:   "list",
		Short: "List slices",
		RunE: func(cmd *cobra.Command, args []string) error {
			slices, err := newClient().ListSlices(cmd.Context(), pieRef)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "HOST\tSTATUS\tORDINAL\tID\tROUTES")
			for _, s := range slices {
				var routes []string
				for _, r := range s.Resources {
					if r.RouteURL != "" {
						routes = append(routes, r.RouteURL)
					}
				}
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n", s.Host, s.Status, s.Ordinal, s.ID, strings.Join(routes, ","))
			}
			return w.Flush()
		},
	}
	list.Flags().StringVar(&pieRef, "pie", "", "filter by pie id or slug")
	cmd.AddCommand(list)

	var resourceSpecs []string
	create := &cobra.Command{
		Use:   "create <pie-id-or-slug>",
		Short: "Create a slice",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resources, err := parseResourceSpecs(resourceSpecs)
			if err != nil {
				return err
			}
			slice, err := newClient().CreateSlice(cmd.Context(), args[0], resources)
			if err != nil {
				return err
			}
			fmt.Printf("created slice %s (%s)\n", slice.ID, slice.Host)
			for _, r := range slice.Resources {
				line := fmt.Sprintf("  %s %s port %d", r.Key, r.Protocol, r.AllocatedPort)
				if r.RouteURL != "" {
					line += " " + r.RouteURL
				}
				fmt.Println(line)
			}
			return nil
		},
	}
	create.Flags().StringArrayVar(&resourceSpecs, "resource", []string{"web:http:primary"},
		"resource spec key:protocol:expose (repeatable)")
	cmd.AddCommand(create)

	cmd.AddCommand(&cobra.Command{
		Use:   "stop <slice-id>",
		Short: "Stop a slice",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := newClient().StopSlice(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Printf("stopped slice %s\n", args[0])
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "delete <slice-id>",
		Short: "Delete a slice",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := newClient().DeleteSlice(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Printf("deleted slice %s\n", args[0])
			return nil
		},
	})

	return cmd
}

func statusCmd(newClient func() *client.Client) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon status",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := newClient().Status(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("daemon: %s on %s:%d (router port %d)\n",
				st.Daemon.Status, st.Daemon.Host, st.Daemon.Port, st.Daemon.RouterPort)
			fmt.Printf("pies: %d  slices: %d (%d running, %d stopped)\n",
				st.Pies.Total, st.Slices.Total, st.Slices.ByStatus.Running, st.Slices.ByStatus.Stopped)
			for _, bd := range st.Slices.ByPie {
				fmt.Printf("  %s: %d slices, %d running\n", bd.PieSlug, bd.Total, bd.Running)
			}
			return nil
		},
	}
}

// parseResourceSpecs parses key:protocol:expose triples. Protocol and
// expose default to http and none when omitted.
func parseResourceSpecs(specs []string) ([]client.CreateResource, error) {
	resources := make([]client.CreateResource, 0, len(specs))
	for _, spec := range specs {
		parts := strings.Split(spec, ":")
		res := client.CreateResource{Protocol: "http", Expose: "none"}
		switch len(parts) {
		case 3:
			res.Expose = parts[2]
			fallthrough
		case 2:
			res.Protocol = parts[1]
			fallthrough
		case 1:
			res.Key = parts[0]
		default:
			return nil, fmt.Errorf("invalid resource spec %q (want key:protocol:expose)", spec)
		}
		if res.Key == "" {
			return nil, fmt.Errorf("invalid resource spec %q: empty key", spec)
		}
		resources = append(resources, res)
	}
	return resources, nil
}
