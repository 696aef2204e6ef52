package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/tidwall/gjson"

	"github.com/onboardiq/platform/internal/streamchat"
)

func newHealthCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Report API and vendor health",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()

			out := cmd.OutOrStdout()
			body, err := getJSON(ctx, a.cfg.Client.APIBaseURL+"/health")
			if err != nil {
				return err
			}
			printHealth(out, body)

			chat := streamchat.NewClient(a.cfg.Client.APIBaseURL, a.logger)
			streaming := "unavailable"
			if chat.CheckHealth(ctx) {
				streaming = "operational"
			}
			fmt.Fprintf(out, "  %-12s %s\n", "streaming", streaming)
			return nil
		},
	}
}

func getJSON(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errors.Wrap(err, "health: build request")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "health: GET %s", url)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, errors.Wrap(err, "health: read body")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("health: GET %s: status %d", url, resp.StatusCode)
	}
	return body, nil
}

func printHealth(out io.Writer, body []byte) {
	r := gjson.GetManyBytes(body, "status", "version", "environment", "uptime")
	fmt.Fprintf(out, "API %s (version %s, %s, up %ds)\n", r[0].String(), r[1].String(), r[2].String(), r[3].Int())

	services := map[string]string{}
	gjson.GetBytes(body, "services").ForEach(func(k, v gjson.Result) bool {
		services[k.String()] = v.String()
		return true
	})
	names := make([]string, 0, len(services))
	for name := range services {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(out, "  %-12s %s\n", name, services[name])
	}
}
