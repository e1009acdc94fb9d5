package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	HTTPAdapter "github.com/bnema/reel/internal/adapter/http"
)

type clientFlags struct {
	server string
	token  string
}

func newRootCmd() *cobra.Command {
	cf := &clientFlags{}
	root := &cobra.Command{
		Use:           "reel",
		Short:         "Video transcoding and adaptive streaming pipeline",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&cf.server, "server", envOr("REEL_SERVER", "http://localhost:7891"), "API base URL")
	root.PersistentFlags().StringVar(&cf.token, "token", os.Getenv("REEL_API_TOKEN"), "API bearer token")

	root.AddCommand(
		newServeCmd(),
		newSubmitCmd(cf),
		newStatusCmd(cf),
		newCancelCmd(cf),
		newMigrateCmd(),
	)
	return root
}

func (cf *clientFlags) client() (*HTTPAdapter.Client, error) {
	return HTTPAdapter.NewClient(cf.server, cf.token, nil)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
