package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/tidwall/sjson"

	"cdpblock/internal/rules"
	"cdpblock/pkg/traffic"
)

func newCheckCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "check <url>...",
		Short: "Classify URLs against the denylist without a browser",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			engine := rules.Default()
			out := cmd.OutOrStdout()
			for _, u := range args {
				d := engine.Eval(u)
				if asJSON {
					line, err := decisionJSON(u, d)
					if err != nil {
						return err
					}
					fmt.Fprintln(out, string(line))
					continue
				}
				if d.Blocked() {
					fmt.Fprintf(out, "blocked\t%s\t%s\t%s\n", u, d.Pattern, traffic.BlockedBody())
				} else {
					fmt.Fprintf(out, "passed\t%s\n", u)
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print one JSON object per URL")
	return cmd
}

// decisionJSON 生成单个 URL 的判定结果
func decisionJSON(url string, d rules.Decision) ([]byte, error) {
	line, err := sjson.SetBytes(nil, "url", url)
	if err != nil {
		return nil, err
	}
	if line, err = sjson.SetBytes(line, "decision", d.Action.String()); err != nil {
		return nil, err
	}
	if !d.Blocked() {
		return line, nil
	}
	if line, err = sjson.SetBytes(line, "pattern", d.Pattern); err != nil {
		return nil, err
	}
	res := traffic.BlockedResponse()
	if line, err = sjson.SetBytes(line, "response.status", res.StatusCode); err != nil {
		return nil, err
	}
	if line, err = sjson.SetBytes(line, "response.contentType", res.Headers.Get("Content-Type")); err != nil {
		return nil, err
	}
	return sjson.SetRawBytes(line, "response.body", res.Body)
}
