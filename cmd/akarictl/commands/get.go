package commands

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ncc2025seisaku/akari-go/internal/akari"
)

// getFlags holds the per-request flags of the get command.
type getFlags struct {
	method     string
	headers    []string
	output     string
	timeout    time.Duration
	sockTO     time.Duration
	retries    uint32
	nackRounds int
	aggTag     bool
	shortID    bool
	shortLen   bool
	encrypt    bool
	showStats  bool
	verbose    bool
}

func getCmd() *cobra.Command {
	var f getFlags

	cmd := &cobra.Command{
		Use:   "get <url>",
		Short: "Fetch a URL through the proxy",
		Long:  "Performs an HTTP exchange through the akarid proxy and writes the response body to stdout or a file.",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return runGet(args[0], &f)
		},
	}

	cmd.Flags().StringVarP(&f.method, "method", "X", "GET", "HTTP method: GET, HEAD, POST")
	cmd.Flags().StringArrayVarP(&f.headers, "header", "H", nil, `request header, "Name: value" (repeatable)`)
	cmd.Flags().StringVarP(&f.output, "output", "o", "", "write the body to a file instead of stdout")
	cmd.Flags().DurationVar(&f.timeout, "timeout", 10*time.Second, "overall request deadline (0 = infinite)")
	cmd.Flags().DurationVar(&f.sockTO, "sock-timeout", time.Second, "per-receive deadline driving the NACK clock")
	cmd.Flags().Uint32Var(&f.retries, "retries", 1, "request retransmissions before any response is seen")
	cmd.Flags().IntVar(&f.nackRounds, "nack-rounds", 3, "cap on NACK emissions (-1 = unbounded)")
	cmd.Flags().BoolVar(&f.aggTag, "agg-tag", true, "aggregate body authentication instead of per-packet tags")
	cmd.Flags().BoolVar(&f.shortID, "short-id", false, "16-bit message ids on the wire")
	cmd.Flags().BoolVar(&f.shortLen, "short-len", false, "24-bit body length fields")
	cmd.Flags().BoolVar(&f.encrypt, "encrypt", false, "AEAD payload encryption (excludes --agg-tag)")
	cmd.Flags().BoolVar(&f.showStats, "stats", false, "print transfer statistics to stderr")
	cmd.Flags().BoolVarP(&f.verbose, "verbose", "v", false, "debug logging to stderr")

	return cmd
}

// runGet performs one exchange and renders the result.
func runGet(url string, f *getFlags) error {
	method, err := akari.ParseMethod(strings.ToUpper(f.method))
	if err != nil {
		return err
	}
	headers, err := parseHeaderFlags(f.headers)
	if err != nil {
		return err
	}
	psk, err := resolvePSK()
	if err != nil {
		return err
	}

	level := slog.LevelWarn
	if f.verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	client, err := akari.NewClient(proxyHost, proxyPort, psk, logger)
	if err != nil {
		return err
	}
	defer client.Close()

	cfg := akari.RequestConfig{
		Timeout:               f.timeout,
		MaxNackRounds:         f.nackRounds,
		InitialRequestRetries: f.retries,
		SockTimeout:           f.sockTO,
		AggTag:                f.aggTag,
		ShortID:               f.shortID,
		ShortLen:              f.shortLen,
		Encrypt:               f.encrypt,
	}
	if f.encrypt {
		// AEAD and aggregate tags are mutually exclusive; --encrypt
		// wins over the --agg-tag default.
		cfg.AggTag = false
	}

	resp, err := client.SendRequest(context.Background(), method, url, headers, cfg)
	if err != nil {
		return err
	}

	fmt.Fprintf(os.Stderr, "HTTP %d\n", resp.StatusCode)
	for _, h := range resp.Headers {
		fmt.Fprintf(os.Stderr, "%s: %s\n", h.Name, h.Value)
	}

	out := io.Writer(os.Stdout)
	if f.output != "" {
		file, err := os.Create(f.output)
		if err != nil {
			return fmt.Errorf("create output file: %w", err)
		}
		defer file.Close()
		out = file
	}
	if _, err := out.Write(resp.Body); err != nil {
		return fmt.Errorf("write body: %w", err)
	}

	if f.showStats {
		fmt.Fprintf(os.Stderr, "sent %d B, received %d B, nacks %d, retries %d\n",
			resp.Stats.BytesSent, resp.Stats.BytesReceived,
			resp.Stats.NacksSent, resp.Stats.RequestRetries)
	}
	return nil
}

// parseHeaderFlags splits repeated "Name: value" flags into fields.
func parseHeaderFlags(raw []string) ([]akari.HeaderField, error) {
	var fields []akari.HeaderField
	for _, h := range raw {
		name, value, ok := strings.Cut(h, ":")
		if !ok {
			return nil, fmt.Errorf("malformed header %q, want \"Name: value\"", h)
		}
		fields = append(fields, akari.HeaderField{
			Name:  strings.TrimSpace(name),
			Value: strings.TrimSpace(value),
		})
	}
	return fields, nil
}
