package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/KafClaw/memmesh/internal/namespace"
)

var nsCmd = &cobra.Command{
	Use:     "ns",
	Aliases: []string{"namespace"},
	Short:   "Manage namespaces and permissions",
}

var nsCreateCmd = &cobra.Command{
	Use:   "create <uri>",
	Short: "Create a namespace owned by the acting agent",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(a *app) error {
			ns, err := a.eng.CreateNamespace(cmd.Context(), flagAgent, args[0])
			if err != nil {
				return err
			}
			return render(cmd, ns, func(w io.Writer) {
				fmt.Fprintf(w, "Created %s (owner %s)\n", ns.ID, ns.Owner)
			})
		})
	},
}

var nsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List namespaces",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(a *app) error {
			all, err := a.eng.ListNamespaces(cmd.Context())
			if err != nil {
				return err
			}
			return render(cmd, all, func(w io.Writer) {
				for _, ns := range all {
					fmt.Fprintf(w, "%-40s %s\n", ns.ID, ns.Owner)
				}
			})
		})
	},
}

var nsMembersCmd = &cobra.Command{
	Use:   "members <uri>",
	Short: "List agents holding a grant in a namespace",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(a *app) error {
			members, err := a.eng.Members(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return render(cmd, members, func(w io.Writer) {
				for _, m := range members {
					fmt.Fprintln(w, m)
				}
			})
		})
	},
}

var nsPermsCmd = &cobra.Command{
	Use:   "perms <uri>",
	Short: "Show the acting agent's effective permissions",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(a *app) error {
			set, err := a.eng.Permissions(cmd.Context(), flagAgent, args[0])
			if err != nil {
				return err
			}
			return render(cmd, set.Names(), func(w io.Writer) {
				if set == 0 {
					fmt.Fprintln(w, "(none)")
					return
				}
				fmt.Fprintln(w, strings.Join(set.Names(), ","))
			})
		})
	},
}

var nsGrantCmd = &cobra.Command{
	Use:   "grant <uri> <agent-id> <perms>",
	Short: "Grant permissions (comma separated: read,write,share,admin)",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		perms, err := namespace.ParseSet(args[2])
		if err != nil {
			return err
		}
		return withApp(cmd.Context(), func(a *app) error {
			if err := a.eng.GrantPermission(cmd.Context(), flagAgent, args[0], args[1], perms); err != nil {
				return err
			}
			return render(cmd, map[string]any{"namespace": args[0], "grantee": args[1], "permissions": perms.Names()}, func(w io.Writer) {
				fmt.Fprintf(w, "Granted %s on %s to %s\n", perms, args[0], args[1])
			})
		})
	},
}

var nsAddMemberCmd = &cobra.Command{
	Use:   "add-member <uri> <agent-id>",
	Short: "Add an agent with the namespace's default member permissions",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(a *app) error {
			if err := a.eng.AddMember(cmd.Context(), flagAgent, args[0], args[1]); err != nil {
				return err
			}
			return render(cmd, map[string]string{"namespace": args[0], "member": args[1]}, func(w io.Writer) {
				fmt.Fprintf(w, "Added %s to %s\n", args[1], args[0])
			})
		})
	},
}

func init() {
	nsCmd.AddCommand(nsCreateCmd, nsListCmd, nsMembersCmd, nsPermsCmd, nsGrantCmd, nsAddMemberCmd)
}
