package main

import (
	"fmt"
	"io"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/jpoly/classfile"
	"github.com/pithecene-io/jpoly/mount"
)

func classifyCommand() *cli.Command {
	return &cli.Command{
		Name:      "classify",
		Usage:     "Print the content kind of each file",
		ArgsUsage: "FILE...",
		Action: func(c *cli.Context) error {
			if c.NArg() == 0 {
				return cli.Exit("classify requires at least one file", 1)
			}
			failed := false
			for _, path := range c.Args().Slice() {
				if err := classifyFile(c.App.Writer, path); err != nil {
					fmt.Fprintf(c.App.ErrWriter, "%s: %v\n", path, err)
					failed = true
				}
			}
			if failed {
				return cli.Exit("", 1)
			}
			return nil
		},
	}
}

// classifyFile writes "path<TAB>kind[<TAB>detail]".
func classifyFile(w io.Writer, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	kind := mount.Classify(data)
	var detail string
	switch kind {
	case mount.ClassFile:
		name, err := classfile.Analyze(data)
		if err != nil {
			return err
		}
		detail = name
	case mount.SourceText:
		class, pkg, ok := mount.ScanSource(string(data))
		if !ok {
			kind = mount.Unrecognized
			break
		}
		detail = class
		if pkg != "" {
			detail = pkg + "." + class
		}
	}
	if detail == "" {
		_, err = fmt.Fprintf(w, "%s\t%s\n", path, kind)
	} else {
		_, err = fmt.Fprintf(w, "%s\t%s\t%s\n", path, kind, detail)
	}
	return err
}
