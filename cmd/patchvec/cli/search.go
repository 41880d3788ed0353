package cli

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/spf13/cobra"
)

func newSearchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "search <tenant> <collection> <query>",
		Short: "Similarity search within a collection",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			k, _ := cmd.Flags().GetInt("k")
			body := map[string]any{"q": args[2], "k": k}

			if raw, _ := cmd.Flags().GetString("filters"); raw != "" {
				var filters map[string]any
				if err := json.Unmarshal([]byte(raw), &filters); err != nil {
					return fmt.Errorf("--filters must be a JSON object: %w", err)
				}
				body["filters"] = filters
			}
			if rid, _ := cmd.Flags().GetString("request-id"); rid != "" {
				body["request_id"] = rid
			}

			data, status, err := clientFromCmd(cmd).doJSON(http.MethodPost,
				collectionPath(args[0], args[1])+"/search", body)
			if err != nil {
				return err
			}
			return render(cmd, data, status)
		},
	}
	addClientFlags(cmd)
	cmd.Flags().IntP("k", "k", 5, "number of matches to return")
	cmd.Flags().String("filters", "", "metadata filter as a JSON object")
	cmd.Flags().String("request-id", "", "request id echoed in the response")
	return cmd
}
