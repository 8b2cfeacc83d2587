package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/pflag"

	"retrace/internal/convert"
	"retrace/internal/modmap"
	"retrace/internal/sink"
)

func cmdConvert(args []string) error {
	fs := pflag.NewFlagSet("convert", pflag.ExitOnError)
	modules := fs.StringArray("module", nil, "recorded module image (repeatable)")
	outDir := fs.String("out", "", "output directory")
	format := fs.String("format", "zip", "output format: zip, zst, lz4, flat")
	chunkInstrs := fs.Uint64("chunk-instrs", convert.DefaultChunkInstrCount, "instructions per archive chunk, 0 disables splitting")
	workers := fs.Int("workers", 0, "threads converted concurrently")
	verbose := fs.Bool("verbose", false, "debug logging")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if len(*modules) == 0 {
		return fmt.Errorf("--module is required")
	}
	if *outDir == "" {
		return fmt.Errorf("--out is required")
	}
	raws := fs.Args()
	if len(raws) == 0 {
		return fmt.Errorf("no raw streams given")
	}

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	mapper := modmap.New()
	for _, path := range *modules {
		index, err := mapper.AddELF(path)
		if err != nil {
			return fmt.Errorf("load module %s: %w", path, err)
		}
		logger.Debug("loaded module", "index", index, "path", path)
	}

	if err := os.MkdirAll(*outDir, 0o755); err != nil {
		return err
	}

	var (
		inputs  []io.Reader
		sinks   []sink.Sink
		closers []io.Closer
	)
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i].Close()
		}
	}()
	for _, path := range raws {
		in, err := os.Open(path)
		if err != nil {
			return err
		}
		closers = append(closers, in)
		inputs = append(inputs, in)

		out, closer, err := openSink(*outDir, path, *format)
		if err != nil {
			return err
		}
		closers = append(closers, closer)
		sinks = append(sinks, out)
	}

	conv := convert.New(mapper, convert.Options{
		ChunkInstrCount: *chunkInstrs,
		Workers:         *workers,
		Logger:          logger,
	})
	if err := conv.Convert(inputs, sinks); err != nil {
		return err
	}

	// Close in order so compression frames and zip directories flush
	// before the files close; report the first failure.
	var firstErr error
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i].Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	closers = nil
	return firstErr
}

// openSink creates the output file for one raw stream and wraps it in the
// requested sink. The returned closer finalizes the sink and the file.
func openSink(dir, rawPath, format string) (sink.Sink, io.Closer, error) {
	base := strings.TrimSuffix(filepath.Base(rawPath), filepath.Ext(rawPath))
	var ext string
	switch format {
	case "zip":
		ext = ".trace.zip"
	case "zst":
		ext = ".trace.zst"
	case "lz4":
		ext = ".trace.lz4"
	case "flat":
		ext = ".trace"
	default:
		return nil, nil, fmt.Errorf("unknown format %q", format)
	}
	f, err := os.Create(filepath.Join(dir, base+ext))
	if err != nil {
		return nil, nil, err
	}
	switch format {
	case "zip":
		z := sink.NewZip(f)
		return z, multiCloser{z, f}, nil
	case "zst":
		zw, err := sink.NewZstd(f)
		if err != nil {
			f.Close()
			return nil, nil, err
		}
		return sink.Flat{Writer: zw}, multiCloser{zw, f}, nil
	case "lz4":
		lw := sink.NewLZ4(f)
		return sink.Flat{Writer: lw}, multiCloser{lw, f}, nil
	default:
		return sink.Flat{Writer: f}, f, nil
	}
}

type multiCloser []io.Closer

func (m multiCloser) Close() error {
	var firstErr error
	for _, c := range m {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
