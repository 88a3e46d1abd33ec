package main

import (
	"context"
	"fmt"
	"io"
	"os"

	json "github.com/goccy/go-json"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/mxgemm/pkg/mxf"
)

func inspectCmd() *cli.Command {
	var path string

	return &cli.Command{
		Name:      "inspect",
		Usage:     "Print the header, sections and metadata of an .mxf file",
		ArgsUsage: "<file.mxf>",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "file",
				Aliases:     []string{"f"},
				Usage:       "path to .mxf file",
				Destination: &path,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if path == "" {
				path = cmd.Args().First()
			}
			if path == "" {
				return cli.Exit("error: inspect needs an .mxf path", 1)
			}
			f, err := mxf.Open(path)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: open %s: %v", path, err), 1)
			}
			defer func() { _ = f.Close() }()

			if err := printContainer(os.Stdout, f); err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			return nil
		},
	}
}

func printContainer(w io.Writer, f *mxf.File) error {
	h := f.Header
	_, _ = fmt.Fprintf(w, "MXF v%d.%d  %d bytes  flags=%#x\n", h.Major, h.Minor, h.FileSize, h.Flags)
	_, _ = fmt.Fprintf(w, "Sections (%d):\n", h.SectionCount)
	for _, s := range f.Sections {
		_, _ = fmt.Fprintf(w, "  %-8s v%d  offset=%-8d size=%d\n", mxf.SectionType(s.Type), s.Version, s.Offset, s.Size)
	}

	meta, err := f.ReadMeta()
	if err != nil {
		return err
	}
	out, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(w, "Meta:\n%s\n", out)

	wf, err := f.Weights()
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(w, "Weights: %dx%d, %d packed bytes, %d scales (layout ok)\n",
		wf.K, wf.N, len(wf.Packed), len(wf.Scales))
	return nil
}
