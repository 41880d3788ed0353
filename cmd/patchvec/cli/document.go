package cli

import (
	"bytes"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

func newIngestCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ingest <tenant> <collection> <file>",
		Short: "Ingest a txt, pdf, or csv file into a collection",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			tenant, collection, path := args[0], args[1], args[2]
			content, err := os.ReadFile(path)
			if err != nil {
				return err
			}

			var buf bytes.Buffer
			w := multipart.NewWriter(&buf)
			part, err := w.CreateFormFile("file", filepath.Base(path))
			if err != nil {
				return err
			}
			if _, err := part.Write(content); err != nil {
				return err
			}
			for _, f := range []struct{ flag, field string }{
				{"docid", "docid"},
				{"metadata", "metadata"},
				{"request-id", "request_id"},
			} {
				if v, _ := cmd.Flags().GetString(f.flag); v != "" {
					if err := w.WriteField(f.field, v); err != nil {
						return err
					}
				}
			}
			if err := w.Close(); err != nil {
				return err
			}

			q := url.Values{}
			for _, f := range []struct{ flag, param string }{
				{"csv-has-header", "has_header"},
				{"csv-meta-cols", "meta_cols"},
				{"csv-include-cols", "include_cols"},
			} {
				if v, _ := cmd.Flags().GetString(f.flag); v != "" {
					q.Set(f.param, v)
				}
			}
			target := collectionPath(tenant, collection) + "/documents"
			if len(q) > 0 {
				target += "?" + q.Encode()
			}

			data, status, err := clientFromCmd(cmd).do(http.MethodPost, target, w.FormDataContentType(), &buf)
			if err != nil {
				return err
			}
			return render(cmd, data, status)
		},
	}
	addClientFlags(cmd)
	cmd.Flags().String("docid", "", "explicit document id (default derived from the filename)")
	cmd.Flags().String("metadata", "", "JSON object attached to every chunk")
	cmd.Flags().String("request-id", "", "request id echoed in the response")
	cmd.Flags().String("csv-has-header", "", "csv header handling: auto, yes, or no")
	cmd.Flags().String("csv-meta-cols", "", "csv columns stored as metadata only (names or 1-based indexes)")
	cmd.Flags().String("csv-include-cols", "", "csv columns included in chunk text (names or 1-based indexes)")
	return cmd
}

func newDeleteDocumentCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete-document <tenant> <collection> <docid>",
		Short: "Delete all chunks of a document (idempotent)",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			target := collectionPath(args[0], args[1]) + "/documents/" + url.PathEscape(args[2])
			data, status, err := clientFromCmd(cmd).do(http.MethodDelete, target, "", nil)
			if err != nil {
				return err
			}
			return render(cmd, data, status)
		},
	}
	addClientFlags(cmd)
	return cmd
}
