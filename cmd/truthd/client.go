package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(addCmd)
	rootCmd.AddCommand(getCmd)
	rootCmd.AddCommand(updateCmd)
	rootCmd.AddCommand(rmCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(searchCmd)
	rootCmd.AddCommand(reindexCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(healthCmd)
	rootCmd.AddCommand(dbCmd)
}

// apiError is the echo error envelope.
type apiError struct {
	Message any `json:"message"`
}

// doRequest sends a JSON request to the daemon and decodes the response
// into out (which may be nil for empty responses).
func doRequest(method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, serverURL+path, reader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	client := &http.Client{Timeout: 60 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", serverURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if decodeErr := json.NewDecoder(resp.Body).Decode(&apiErr); decodeErr == nil && apiErr.Message != nil {
			return fmt.Errorf("server returned %d: %v", resp.StatusCode, apiErr.Message)
		}
		return fmt.Errorf("server returned %d", resp.StatusCode)
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

// parseMetaFlags turns repeated key=value flags into a map.
func parseMetaFlags(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	meta := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		k, v, ok := strings.Cut(pair, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid metadata %q, want key=value", pair)
		}
		meta[k] = v
	}
	return meta, nil
}

// readContentArg reads artifact content from the argument, or stdin when
// the argument is "-".
func readContentArg(arg string) (string, error) {
	if arg != "-" {
		return arg, nil
	}
	data, err := io.ReadAll(os.Stdin)
	if err != nil {
		return "", fmt.Errorf("reading stdin: %w", err)
	}
	return string(data), nil
}

// filterQuery builds the shared filter query string for list requests.
func filterQuery(kind, after, before string, limit int, meta []string) (string, error) {
	q := url.Values{}
	if kind != "" {
		q.Set("kind", kind)
	}
	if after != "" {
		q.Set("after", after)
	}
	if before != "" {
		q.Set("before", before)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	for _, pair := range meta {
		k, v, ok := strings.Cut(pair, "=")
		if !ok || k == "" {
			return "", fmt.Errorf("invalid metadata %q, want key=value", pair)
		}
		q.Set("meta", k+":"+v)
	}
	if len(q) == 0 {
		return "", nil
	}
	return "?" + q.Encode(), nil
}

var addCmd = &cobra.Command{
	Use:   "add <kind> <content>",
	Short: "Store a new artifact",
	Long: `Store a new artifact with the given kind and content.

Examples:
  truthd add intent "Orders must not ship until payment confirmed"
  cat contract.yaml | truthd add contract - --format yaml --name orders-api
  truthd add constraint "Max upload size: 100MB" --meta owner=platform`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		content, err := readContentArg(args[1])
		if err != nil {
			return err
		}
		meta, err := parseMetaFlags(addMeta)
		if err != nil {
			return err
		}

		req := map[string]any{
			"kind":    args[0],
			"content": content,
		}
		if addFormat != "" {
			req["format"] = addFormat
		}
		if addName != "" {
			req["name"] = addName
		}
		if addContext != "" {
			req["context"] = addContext
		}
		if meta != nil {
			req["metadata"] = meta
		}

		var out map[string]any
		if err := doRequest(http.MethodPost, "/api/v1/artifacts", req, &out); err != nil {
			return err
		}
		return render(out)
	},
}

var (
	addFormat  string
	addName    string
	addContext string
	addMeta    []string
)

func init() {
	addCmd.Flags().StringVar(&addFormat, "format", "", "content format (markdown, yaml, json, openapi, text)")
	addCmd.Flags().StringVar(&addName, "name", "", "artifact name")
	addCmd.Flags().StringVar(&addContext, "context", "", "retrieval context")
	addCmd.Flags().StringArrayVar(&addMeta, "meta", nil, "metadata label (key=value, repeatable)")
}

var getAtVersion int64

var getCmd = &cobra.Command{
	Use:   "get <id>",
	Short: "Fetch an artifact by ID",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := "/api/v1/artifacts/" + url.PathEscape(args[0])
		if cmd.Flags().Changed("at-version") {
			path = fmt.Sprintf("%s/versions/%d", path, getAtVersion)
		}
		var out map[string]any
		if err := doRequest(http.MethodGet, path, nil, &out); err != nil {
			return err
		}
		return render(out)
	},
}

func init() {
	getCmd.Flags().Int64Var(&getAtVersion, "at-version", 0, "read the artifact from a store snapshot version")
}

var (
	updateContent string
	updateName    string
	updateKind    string
	updateContext string
	updateMeta    []string
)

var updateCmd = &cobra.Command{
	Use:   "update <id>",
	Short: "Update fields of an artifact",
	Long: `Update fields of an existing artifact. Only flags you pass change;
pass an empty string to clear the name or context. Metadata labels with
empty values are removed.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		req := map[string]any{}
		if cmd.Flags().Changed("content") {
			req["content"] = updateContent
		}
		if cmd.Flags().Changed("name") {
			req["name"] = updateName
		}
		if cmd.Flags().Changed("kind") {
			req["kind"] = updateKind
		}
		if cmd.Flags().Changed("context") {
			req["context"] = updateContext
		}
		if len(updateMeta) > 0 {
			meta, err := parseMetaFlags(updateMeta)
			if err != nil {
				return err
			}
			req["metadata"] = meta
		}
		if len(req) == 0 {
			return fmt.Errorf("nothing to update: pass at least one of --content, --name, --kind, --context, --meta")
		}

		var out map[string]any
		if err := doRequest(http.MethodPatch, "/api/v1/artifacts/"+url.PathEscape(args[0]), req, &out); err != nil {
			return err
		}
		return render(out)
	},
}

func init() {
	updateCmd.Flags().StringVar(&updateContent, "content", "", "new content")
	updateCmd.Flags().StringVar(&updateName, "name", "", "new name (empty clears)")
	updateCmd.Flags().StringVar(&updateKind, "kind", "", "new kind slug")
	updateCmd.Flags().StringVar(&updateContext, "context", "", "new context (empty clears)")
	updateCmd.Flags().StringArrayVar(&updateMeta, "meta", nil, "metadata update (key=value, empty value removes, repeatable)")
}

var rmCmd = &cobra.Command{
	Use:   "rm <id>",
	Short: "Remove an artifact",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := doRequest(http.MethodDelete, "/api/v1/artifacts/"+url.PathEscape(args[0]), nil, nil); err != nil {
			return err
		}
		fmt.Printf("Removed %s\n", args[0])
		return nil
	},
}

var (
	listKind   string
	listAfter  string
	listBefore string
	listLimit  int
	listMeta   []string
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List artifacts",
	RunE: func(cmd *cobra.Command, args []string) error {
		query, err := filterQuery(listKind, listAfter, listBefore, listLimit, listMeta)
		if err != nil {
			return err
		}
		var out []map[string]any
		if err := doRequest(http.MethodGet, "/api/v1/artifacts"+query, nil, &out); err != nil {
			return err
		}
		return render(out)
	},
}

func init() {
	listCmd.Flags().StringVar(&listKind, "kind", "", "filter by kind slug")
	listCmd.Flags().StringVar(&listAfter, "after", "", "only artifacts updated at or after this time (RFC 3339)")
	listCmd.Flags().StringVar(&listBefore, "before", "", "only artifacts updated before this time (RFC 3339)")
	listCmd.Flags().IntVar(&listLimit, "limit", 0, "maximum results")
	listCmd.Flags().StringArrayVar(&listMeta, "meta", nil, "metadata filter (key=value, repeatable)")
}

var (
	searchKind  string
	searchLimit int
	searchMeta  []string
)

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Semantic search over artifact content",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		meta, err := parseMetaFlags(searchMeta)
		if err != nil {
			return err
		}

		req := map[string]any{"query": args[0]}
		if searchKind != "" {
			req["kind"] = searchKind
		}
		if searchLimit > 0 {
			req["limit"] = searchLimit
		}
		if meta != nil {
			req["metadata"] = meta
		}

		var out []map[string]any
		if err := doRequest(http.MethodPost, "/api/v1/search", req, &out); err != nil {
			return err
		}
		return render(out)
	},
}

func init() {
	searchCmd.Flags().StringVar(&searchKind, "kind", "", "filter by kind slug")
	searchCmd.Flags().IntVar(&searchLimit, "limit", 0, "maximum results (default 10)")
	searchCmd.Flags().StringArrayVar(&searchMeta, "meta", nil, "metadata filter (key=value, repeatable)")
}

var (
	reindexID     string
	reindexTarget string
	reindexKind   string
)

var reindexCmd = &cobra.Command{
	Use:   "reindex",
	Short: "Regenerate embeddings",
	Long: `Regenerate embeddings with the currently configured model.

Examples:
  truthd reindex
  truthd reindex --target both --kind intent
  truthd reindex --id k7mw2qns4x`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if reindexID != "" {
			req := map[string]any{}
			if reindexTarget != "" {
				req["target"] = reindexTarget
			}
			var out map[string]any
			path := "/api/v1/artifacts/" + url.PathEscape(reindexID) + "/reindex"
			if err := doRequest(http.MethodPost, path, req, &out); err != nil {
				return err
			}
			return render(out)
		}

		req := map[string]any{}
		if reindexTarget != "" {
			req["target"] = reindexTarget
		}
		if reindexKind != "" {
			req["kind"] = reindexKind
		}
		var out map[string]any
		if err := doRequest(http.MethodPost, "/api/v1/reindex", req, &out); err != nil {
			return err
		}
		return render(out)
	},
}

func init() {
	reindexCmd.Flags().StringVar(&reindexID, "id", "", "reindex a single artifact")
	reindexCmd.Flags().StringVar(&reindexTarget, "target", "", "which embeddings to regenerate: content, context, or both")
	reindexCmd.Flags().StringVar(&reindexKind, "kind", "", "only reindex artifacts of this kind")
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Check embedding consistency against the configured model",
	RunE: func(cmd *cobra.Command, args []string) error {
		var out map[string]any
		if err := doRequest(http.MethodGet, "/api/v1/consistency", nil, &out); err != nil {
			return err
		}
		return render(out)
	},
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check daemon health",
	RunE: func(cmd *cobra.Command, args []string) error {
		var out map[string]any
		if err := doRequest(http.MethodGet, "/healthz", nil, &out); err != nil {
			return err
		}
		fmt.Printf("Server Status: %v\n", out["status"])
		fmt.Printf("Server URL: %s\n", serverURL)
		return nil
	},
}

var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "Store maintenance: versions, snapshots, compaction",
}

var dbCleanupKeep int

func init() {
	dbVersionCmd := &cobra.Command{
		Use:   "version",
		Short: "Show the current store version",
		RunE: func(cmd *cobra.Command, args []string) error {
			var out map[string]any
			if err := doRequest(http.MethodGet, "/api/v1/version", nil, &out); err != nil {
				return err
			}
			return render(out)
		},
	}

	dbVersionsCmd := &cobra.Command{
		Use:   "versions",
		Short: "List snapshot versions, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			var out []map[string]any
			if err := doRequest(http.MethodGet, "/api/v1/versions", nil, &out); err != nil {
				return err
			}
			return render(out)
		},
	}

	dbSnapshotCmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Create a store snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			var out map[string]any
			if err := doRequest(http.MethodPost, "/api/v1/snapshot", nil, &out); err != nil {
				return err
			}
			return render(out)
		},
	}

	dbCompactCmd := &cobra.Command{
		Use:   "compact",
		Short: "Compact the store",
		RunE: func(cmd *cobra.Command, args []string) error {
			var out map[string]any
			if err := doRequest(http.MethodPost, "/api/v1/compact", nil, &out); err != nil {
				return err
			}
			return render(out)
		},
	}

	dbCleanupCmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete old snapshots, keeping the newest N",
		RunE: func(cmd *cobra.Command, args []string) error {
			var out map[string]any
			if err := doRequest(http.MethodPost, "/api/v1/cleanup", map[string]any{"keep": dbCleanupKeep}, &out); err != nil {
				return err
			}
			return render(out)
		},
	}
	dbCleanupCmd.Flags().IntVar(&dbCleanupKeep, "keep", 5, "number of snapshots to keep")

	dbCmd.AddCommand(dbVersionCmd, dbVersionsCmd, dbSnapshotCmd, dbCompactCmd, dbCleanupCmd)
}
