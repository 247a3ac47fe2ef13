package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kalambet/litscout/internal/api"
	"github.com/kalambet/litscout/internal/config"
	"github.com/kalambet/litscout/internal/ingest"
	"github.com/kalambet/litscout/internal/retrieval"
	"github.com/kalambet/litscout/internal/session"
	"github.com/kalambet/litscout/internal/storage"
	"github.com/kalambet/litscout/internal/telemetry"
)

// openLocalSession opens a session in this process instead of talking to a
// running server.
func openLocalSession(ctx context.Context) (*session.Session, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	setupLogging(cfg.Log.Level)
	return session.Open(ctx, session.Options{Config: cfg, Progress: os.Stderr})
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// splitList splits a comma separated flag value, dropping blanks.
func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// --- analyze ---

var analyzeCmd = &cobra.Command{
	Use:   "analyze <idea>",
	Short: "Retrieve and index papers for a research idea",
	Long: `Retrieve papers for a research idea from arXiv, Semantic Scholar and PubMed,
index them and print what was found. Runs in this process and writes a
session log under the data directory.

Examples:
  litscout analyze "sparse attention for long documents" --domains nlp,ml`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		idea := strings.Join(args, " ")
		domains, _ := cmd.Flags().GetString("domains")

		ctx, stop := signalContext()
		defer stop()

		sess, err := openLocalSession(ctx)
		if err != nil {
			return err
		}
		defer sess.Close()

		printStep("Searching catalogs for %q", idea)
		found, err := sess.RetrieveAndIndex(ctx, idea, splitList(domains))
		if errors.Is(err, ingest.ErrNoPapers) {
			return errors.New(api.NoPapersMessage)
		}
		if err != nil {
			return err
		}

		writePapers(cmd.OutOrStdout(), found)
		printSuccess("Indexed %d papers", len(found))
		writeSummary(os.Stderr, sess.Summary())
		return nil
	},
}

func init() {
	analyzeCmd.Flags().String("domains", "", "comma-separated research domains")
}

// --- search ---

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search the indexed literature",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		query := strings.Join(args, " ")
		k, _ := cmd.Flags().GetInt("k")
		local, _ := cmd.Flags().GetBool("local")

		if local {
			ctx, stop := signalContext()
			defer stop()
			sess, err := openLocalSession(ctx)
			if err != nil {
				return err
			}
			defer sess.Close()
			fmt.Fprintln(cmd.OutOrStdout(), sess.SimilaritySearch(ctx, query, k))
			return nil
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		text, err := remoteSearch(cmd.Context(), client, query, k)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), text)
		return nil
	},
}

func remoteSearch(ctx context.Context, client *apiClient, query string, k int) (string, error) {
	params := url.Values{"q": {query}}
	if k > 0 {
		params.Set("k", strconv.Itoa(k))
	}
	resp, err := client.get(ctx, "/search/formatted?"+params.Encode())
	if err != nil {
		return "", err
	}
	return readText(resp)
}

func init() {
	searchCmd.Flags().IntP("k", "k", 0, "number of passages (default from config)")
	searchCmd.Flags().Bool("local", false, "open the index in this process instead of asking the server")
}

// --- verify ---

var verifyCmd = &cobra.Command{
	Use:   "verify <claim>",
	Short: "Gather evidence for a claim",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		claim := strings.Join(args, " ")
		k, _ := cmd.Flags().GetInt("k")
		local, _ := cmd.Flags().GetBool("local")

		if local {
			ctx, stop := signalContext()
			defer stop()
			sess, err := openLocalSession(ctx)
			if err != nil {
				return err
			}
			defer sess.Close()
			fmt.Fprintln(cmd.OutOrStdout(), sess.VerifyClaim(ctx, claim, k))
			return nil
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/verify", api.VerifyRequest{Claim: claim, K: k})
		if err != nil {
			return err
		}
		var result api.VerifyResponse
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), result.Context)
		return nil
	},
}

func init() {
	verifyCmd.Flags().IntP("k", "k", 0, "number of passages (default 6)")
	verifyCmd.Flags().Bool("local", false, "open the index in this process instead of asking the server")
}

// --- index ---

var indexCmd = &cobra.Command{
	Use:   "index <file.pdf|file.json>",
	Short: "Queue a paper for indexing",
	Long: `Queue a PDF or a JSON sectioned document for indexing by the running server.

A JSON document looks like:
  {"sections":[{"field":"title","content":"..."},{"field":"abstract","content":"..."}]}`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		id, err := uploadFile(cmd.Context(), client, args[0])
		if err != nil {
			return err
		}
		printSuccess("Queued upload %s", id)
		return nil
	},
}

func uploadFile(ctx context.Context, client *apiClient, path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("reading file: %w", err)
	}

	var result map[string]string
	switch strings.ToLower(filepath.Ext(path)) {
	case ".pdf":
		resp, err := client.postFile(ctx, "/papers/pdf", filepath.Base(path), data)
		if err != nil {
			return "", err
		}
		if err := decodeJSON(resp, &result); err != nil {
			return "", err
		}
	case ".json":
		var doc ingest.UploadedDocument
		if err := json.Unmarshal(data, &doc); err != nil {
			return "", fmt.Errorf("parsing %s: %w", filepath.Base(path), err)
		}
		resp, err := client.post(ctx, "/papers", doc)
		if err != nil {
			return "", err
		}
		if err := decodeJSON(resp, &result); err != nil {
			return "", err
		}
	default:
		return "", fmt.Errorf("unsupported file type %q: want .pdf or .json", filepath.Ext(path))
	}
	return result["id"], nil
}

var indexStatusCmd = &cobra.Command{
	Use:   "status <upload-id>",
	Short: "Show the indexing status of an upload",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/papers/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}
		var u api.UploadResponse
		if err := decodeJSON(resp, &u); err != nil {
			return err
		}
		printStatus("Status", "%s", u.Status)
		if u.PaperTitle != "" {
			printStatus("Paper", "%s (%d chunks)", u.PaperTitle, u.Chunks)
		}
		if u.LastError != "" {
			printStatus("Error", "%s", u.LastError)
		}
		return nil
	},
}

var indexResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Delete the vector index and every indexed chunk",
	RunE: func(cmd *cobra.Command, args []string) error {
		confirm, _ := cmd.Flags().GetBool("confirm")
		if !confirm {
			printWarning("This will delete the whole index. Use --confirm to proceed.")
			return nil
		}

		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if serverRunning(cfg) {
			return errors.New("stop the running server before resetting the index")
		}

		store, err := storage.Open(cfg.Storage.DataDir)
		if err != nil {
			return fmt.Errorf("opening storage: %w", err)
		}
		defer store.Close()

		if err := retrieval.Reset(cmd.Context(), cfg.IndexDir(), retrieval.NewSQLiteStore(store.DB())); err != nil {
			return err
		}
		printSuccess("Index reset; it will be re-created on next use")
		return nil
	},
}

func init() {
	indexResetCmd.Flags().Bool("confirm", false, "confirm index reset")
	indexCmd.AddCommand(indexStatusCmd)
	indexCmd.AddCommand(indexResetCmd)
}

// --- metrics ---

var metricsCmd = &cobra.Command{
	Use:   "metrics",
	Short: "Show telemetry of the running server session",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/metrics")
		if err != nil {
			return err
		}
		var s telemetry.Summary
		if err := decodeJSON(resp, &s); err != nil {
			return err
		}
		writeSummary(cmd.OutOrStdout(), s)
		return nil
	},
}

var metricsCheckpointCmd = &cobra.Command{
	Use:   "checkpoint",
	Short: "Write a partial session log now",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/metrics/checkpoint", nil)
		if err != nil {
			return err
		}
		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		printSuccess("Checkpoint written to %s", result["path"])
		return nil
	},
}

func init() {
	metricsCmd.AddCommand(metricsCheckpointCmd)
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		keys := config.ShowAll(cfg)
		for _, k := range keys {
			fmt.Fprintf(cmd.OutOrStdout(), "  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
