package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/recera/vango-thin/internal/config"
	"github.com/recera/vango-thin/pkg/document"
	"github.com/recera/vango-thin/pkg/live"
	"github.com/recera/vango-thin/pkg/renderer/dom"
	htmlrender "github.com/recera/vango-thin/pkg/renderer/html"
	"github.com/recera/vango-thin/pkg/vango/vdom"
)

func newApplyCommand() *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "apply <page.html> <patches.json>",
		Short: "Apply a patch list or a frame to an HTML file",
		Long: `Parses the page, hydrates its slots and applies the patches. The patch
file holds either a JSON array of patches (path-addressed objects or slot
tuples) or a single boot/frame message. Skipped patches are reported on
stderr; the patched page is written to stdout or --output.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if output != "" {
				f, err := os.Create(output)
				if err != nil {
					return fmt.Errorf("failed to create %s: %w", output, err)
				}
				defer f.Close()
				out = f
			}
			return runApply(cfg, args[0], args[1], out, cmd.ErrOrStderr())
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "Write the patched page to a file")

	return cmd
}

func runApply(cfg *config.Config, pagePath, patchPath string, out, diag io.Writer) error {
	f, err := os.Open(pagePath)
	if err != nil {
		return err
	}
	defer f.Close()
	doc, err := document.Parse(f)
	if err != nil {
		return fmt.Errorf("parse %s: %w", pagePath, err)
	}

	data, err := os.ReadFile(patchPath)
	if err != nil {
		return err
	}
	patches, err := readPatches(data, cfg.Transport.Compress)
	if err != nil {
		return fmt.Errorf("%s: %w", patchPath, err)
	}

	window, sanitizer, fragments := renderOptions(cfg)
	a := dom.NewApplier(doc, dom.Options{Window: window, Sanitizer: sanitizer, Fragments: fragments})
	slots := a.Hydrate()
	res := a.Apply(patches)
	glog.V(1).Infof("[Apply] %d slots, %d patches", slots, len(patches))

	fmt.Fprintf(diag, "applied %d, skipped %d\n", res.Applied, res.Skipped)
	for _, err := range res.Errors {
		fmt.Fprintf(diag, "  %v\n", err)
	}

	_, err = io.WriteString(out, htmlrender.RenderToString(doc.Top()))
	return err
}

// readPatches decodes a patch array or a validated boot/frame message
func readPatches(data []byte, compress bool) ([]vdom.Patch, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, nil
	}
	if data[0] == '[' {
		var patches []vdom.Patch
		if err := json.Unmarshal(data, &patches); err != nil {
			return nil, err
		}
		return patches, nil
	}

	codec, err := live.NewCodec(compress)
	if err != nil {
		return nil, err
	}
	m, err := codec.Decode(websocket.TextMessage, data)
	if err != nil {
		return nil, err
	}
	if m.T != live.TypeBoot && m.T != live.TypeFrame {
		return nil, fmt.Errorf("%s message carries no patches", m.T)
	}
	return m.Patch, nil
}
