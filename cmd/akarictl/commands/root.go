package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// proxyHost is the akarid host for all commands.
	proxyHost string

	// proxyPort is the akarid UDP port.
	proxyPort uint16

	// pskValue is the inline pre-shared key.
	pskValue string

	// pskFile is a path to a file holding the pre-shared key.
	pskFile string
)

// rootCmd is the top-level cobra command for akarictl.
var rootCmd = &cobra.Command{
	Use:   "akarictl",
	Short: "CLI client for the AKARI-UDP proxy",
	Long:  "akarictl tunnels HTTP requests through an akarid proxy over authenticated UDP.",
	// Silence cobra's built-in usage/error printing so we control it.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&proxyHost, "host", "localhost",
		"akarid proxy host")
	rootCmd.PersistentFlags().Uint16Var(&proxyPort, "port", 7643,
		"akarid proxy UDP port")
	rootCmd.PersistentFlags().StringVar(&pskValue, "psk", "",
		"pre-shared key (prefer --psk-file or AKARI_PSK)")
	rootCmd.PersistentFlags().StringVar(&pskFile, "psk-file", "",
		"path to a file holding the pre-shared key")

	rootCmd.AddCommand(getCmd())
	rootCmd.AddCommand(versionCmd())
	rootCmd.AddCommand(shellCmd())
}

// resolvePSK returns the key material from --psk-file, --psk, or the
// AKARI_PSK environment variable, in that order.
func resolvePSK() ([]byte, error) {
	if pskFile != "" {
		data, err := os.ReadFile(pskFile)
		if err != nil {
			return nil, fmt.Errorf("read psk file: %w", err)
		}
		for len(data) > 0 && (data[len(data)-1] == '\n' || data[len(data)-1] == '\r') {
			data = data[:len(data)-1]
		}
		return data, nil
	}
	if pskValue != "" {
		return []byte(pskValue), nil
	}
	if env := os.Getenv("AKARI_PSK"); env != "" {
		return []byte(env), nil
	}
	return nil, fmt.Errorf("no pre-shared key: set --psk, --psk-file, or AKARI_PSK")
}

// Execute runs the root command and exits with code 1 on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
