package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"pkt.systems/pslog"
	"pkt.systems/wsync/internal/appconfig"
	"pkt.systems/wsync/schema"
)

const rpcTimeout = 30 * time.Second

func newRPCCmd() *cobra.Command {
	var cfgPath string
	var endpoint string
	cmd := &cobra.Command{
		Use:   "rpc METHOD [JSON]",
		Short: "Call a backend rpc method",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := appconfig.Load(cfgPath)
			if err != nil {
				return err
			}
			target, err := rpcEndpoint(firstNonEmpty(endpoint, cfg.Client.URL))
			if err != nil {
				return err
			}
			var params json.RawMessage
			if len(args) > 1 {
				params = json.RawMessage(args[1])
				if !json.Valid(params) {
					return fmt.Errorf("%w: params are not valid json", schema.ErrInvalidRequest)
				}
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), rpcTimeout)
			defer cancel()
			result, err := callRPC(ctx, http.DefaultClient, target, args[0], params)
			if err != nil {
				return err
			}
			var pretty bytes.Buffer
			if err := json.Indent(&pretty, result, "", "  "); err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s\n", pretty.Bytes())
			return err
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "path to config file")
	cmd.Flags().StringVar(&endpoint, "url", "", "backend url (ws or http)")
	return cmd
}

// rpcEndpoint maps the configured websocket url onto the json rpc endpoint
// served next to it.
func rpcEndpoint(raw string) (string, error) {
	parsed, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("%w: %v", schema.ErrInvalidRequest, err)
	}
	switch parsed.Scheme {
	case "ws", "http":
		parsed.Scheme = "http"
	case "wss", "https":
		parsed.Scheme = "https"
	default:
		return "", fmt.Errorf("%w: unsupported scheme %q", schema.ErrInvalidRequest, parsed.Scheme)
	}
	path := strings.TrimRight(parsed.Path, "/")
	switch {
	case strings.HasSuffix(path, "/api/ws"):
		path = strings.TrimSuffix(path, "/ws") + "/rpc"
	case strings.HasSuffix(path, "/api/rpc"):
	default:
		path += "/api/rpc"
	}
	parsed.Path = path
	parsed.RawQuery = ""
	return parsed.String(), nil
}

func callRPC(ctx context.Context, client *http.Client, target, method string, params json.RawMessage) (json.RawMessage, error) {
	body, err := json.Marshal(schema.RPCRequest{ID: uuid.NewString(), Method: method, Params: params})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("rpc %s: %w", method, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	var out schema.RPCResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("rpc %s: decode reply (status %d): %w", method, resp.StatusCode, err)
	}
	if out.Error != nil {
		return nil, out.Error
	}
	pslog.Ctx(ctx).Debug("rpc ok", "method", method, "status", resp.StatusCode, "bytes", len(out.Result))
	return out.Result, nil
}
