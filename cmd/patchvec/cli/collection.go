package cli

import (
	"net/http"
	"net/url"

	"github.com/spf13/cobra"
)

func collectionPath(tenant, collection string) string {
	return "/collections/" + url.PathEscape(tenant) + "/" + url.PathEscape(collection)
}

func newCreateCollectionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create-collection <tenant> <collection>",
		Short: "Create a collection (idempotent)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, status, err := clientFromCmd(cmd).do(http.MethodPost, collectionPath(args[0], args[1]), "", nil)
			if err != nil {
				return err
			}
			return render(cmd, data, status)
		},
	}
	addClientFlags(cmd)
	return cmd
}

func newDeleteCollectionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete-collection <tenant> <collection>",
		Short: "Delete a collection and all its documents",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, status, err := clientFromCmd(cmd).do(http.MethodDelete, collectionPath(args[0], args[1]), "", nil)
			if err != nil {
				return err
			}
			return render(cmd, data, status)
		},
	}
	addClientFlags(cmd)
	return cmd
}

func newRenameCollectionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rename-collection <tenant> <old-name> <new-name>",
		Short: "Rename a collection within its tenant",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, status, err := clientFromCmd(cmd).doJSON(http.MethodPut, collectionPath(args[0], args[1]),
				map[string]any{"new_name": args[2]})
			if err != nil {
				return err
			}
			return render(cmd, data, status)
		},
	}
	addClientFlags(cmd)
	return cmd
}

func newListCollectionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list-collections <tenant>",
		Short: "List a tenant's collections",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, status, err := clientFromCmd(cmd).do(http.MethodGet, "/collections/"+url.PathEscape(args[0])+"/", "", nil)
			if err != nil {
				return err
			}
			return render(cmd, data, status)
		},
	}
	addClientFlags(cmd)
	return cmd
}

func newListTenantsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list-tenants",
		Short: "List all tenants (admin)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			data, status, err := clientFromCmd(cmd).do(http.MethodGet, "/admin/tenants", "", nil)
			if err != nil {
				return err
			}
			return render(cmd, data, status)
		},
	}
	addClientFlags(cmd)
	return cmd
}
