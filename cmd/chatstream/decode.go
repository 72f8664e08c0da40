package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/capitalize-ai/chatstream/internal/clock"
	"github.com/capitalize-ai/chatstream/internal/transport"
	"github.com/capitalize-ai/chatstream/internal/wire"
)

func newDecodeCommand(a *app) *cobra.Command {
	var chunkSize int

	cmd := &cobra.Command{
		Use:   "decode <transcript>",
		Short: "Decode a recorded transcript and print its events as JSON lines",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if chunkSize <= 0 {
				return errors.New("--chunk-size must be positive")
			}
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			return a.decode(&chunkedBody{r: f, c: f, size: chunkSize}, cmd.OutOrStdout())
		},
	}
	cmd.Flags().IntVar(&chunkSize, "chunk-size", 4096, "bytes per simulated network read")
	return cmd
}

func (a *app) decode(body io.ReadCloser, out io.Writer) error {
	src := transport.NewReaderSource(body, a.log)
	defer src.Abort()

	pipe := wire.NewPipeline(wire.NewDecoder(clock.Real(), a.log, wire.WithoutMetrics()))
	enc := json.NewEncoder(out)

	var count int
	for !pipe.Stopped() {
		chunk, err := src.Read()
		if errors.Is(err, io.EOF) {
			for _, ev := range pipe.End() {
				if err := enc.Encode(ev); err != nil {
					return err
				}
				count++
			}
			break
		}
		if err != nil {
			return fmt.Errorf("failed to read transcript: %w", err)
		}
		for _, ev := range pipe.Feed(chunk) {
			if err := enc.Encode(ev); err != nil {
				return err
			}
			count++
		}
	}

	a.log.Info("transcript decoded",
		zap.Int("events", count),
		zap.Int("dropped", pipe.Decoder().Dropped()),
		zap.Bool("terminated", pipe.Stopped()),
	)
	return nil
}

// chunkedBody caps every Read at size bytes so a transcript splits the way a
// slow network would split it.
type chunkedBody struct {
	r    io.Reader
	c    io.Closer
	size int
}

func (b *chunkedBody) Read(p []byte) (int, error) {
	if len(p) > b.size {
		p = p[:b.size]
	}
	return b.r.Read(p)
}

func (b *chunkedBody) Close() error {
	return b.c.Close()
}
