package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"
)

type submitRequest struct {
	Reference string `json:"reference"`
	Title     string `json:"title,omitempty"`
}

type submitResponse struct {
	ID     string `json:"id"`
	Source string `json:"source"`
}

// newSubmitCmd creates the 'submit' subcommand, which posts article URLs to a
// running service over its HTTP API.
func newSubmitCmd() *cobra.Command {
	var addr string
	var title string

	cmd := &cobra.Command{
		Use:   "submit URL [URL...]",
		Short: "Enqueue article URLs on a running service",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := &http.Client{Timeout: 10 * time.Second}
			for _, ref := range args {
				resp, err := postItem(cmd, client, addr, submitRequest{Reference: ref, Title: title})
				if err != nil {
					return err
				}
				cmd.Printf("accepted %s id=%s source=%s\n", ref, resp.ID, resp.Source)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "http://localhost:8080", "base URL of the running service")
	cmd.Flags().StringVar(&title, "title", "", "optional title attached to each submitted item")

	return cmd
}

func postItem(cmd *cobra.Command, client *http.Client, addr string, item submitRequest) (submitResponse, error) {
	body, err := json.Marshal(item)
	if err != nil {
		return submitResponse{}, fmt.Errorf("encode item: %w", err)
	}

	req, err := http.NewRequestWithContext(cmd.Context(), http.MethodPost,
		addr+"/v1/items", bytes.NewReader(body))
	if err != nil {
		return submitResponse{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return submitResponse{}, fmt.Errorf("submit %s: %w", item.Reference, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return submitResponse{}, fmt.Errorf("submit %s: status %d: %s",
			item.Reference, resp.StatusCode, bytes.TrimSpace(msg))
	}

	var out submitResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return submitResponse{}, fmt.Errorf("decode response: %w", err)
	}
	return out, nil
}
