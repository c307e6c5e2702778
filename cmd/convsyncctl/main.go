package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/matheus3301/convsync/internal/api"
	"github.com/matheus3301/convsync/internal/profile"
)

var (
	profileFlag string
	jsonOutput  bool
	timeoutFlag time.Duration
)

var rootCmd = &cobra.Command{
	Use:   "convsyncctl",
	Short: "Control a running convsync daemon",
	Long: "Command-line interface for the convsync daemon.\n" +
		"Manage profiles, inspect sync state and drive conversations through the daemon's control socket.",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&profileFlag, "profile", "", "profile name (overrides config default)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().DurationVar(&timeoutFlag, "timeout", 40*time.Second, "request timeout")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		if d, ok := api.ErrorDetail(err); ok {
			fmt.Fprintf(os.Stderr, "kind: %s (retriable: %v)\n", d.Kind, d.Retriable)
			if d.Hint != "" {
				fmt.Fprintf(os.Stderr, "hint: %s\n", d.Hint)
			}
		}
		os.Exit(1)
	}
}

// activeProfile resolves and validates the --profile flag.
func activeProfile() (string, error) {
	name := profile.Resolve(profileFlag)
	if err := profile.ValidateName(name); err != nil {
		return "", err
	}
	return name, nil
}

// call dials the active profile's daemon and invokes one method.
func call(method string, req map[string]any) (map[string]any, error) {
	name, err := activeProfile()
	if err != nil {
		return nil, err
	}
	c, err := api.Dial(profile.SocketPath(name))
	if err != nil {
		return nil, fmt.Errorf("cannot connect to daemon for profile %q: %w", name, err)
	}
	defer func() { _ = c.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), timeoutFlag)
	defer cancel()
	return c.Call(ctx, method, req)
}

func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "json encode error: %v\n", err)
	}
}

func str(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func num(m map[string]any, key string) int {
	f, _ := m[key].(float64)
	return int(f)
}

func list(m map[string]any, key string) []map[string]any {
	raw, _ := m[key].([]any)
	out := make([]map[string]any, 0, len(raw))
	for _, v := range raw {
		if item, ok := v.(map[string]any); ok {
			out = append(out, item)
		}
	}
	return out
}
