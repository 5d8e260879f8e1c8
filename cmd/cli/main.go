package main

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/mucan54/remoteql/internal/auth"
	"github.com/mucan54/remoteql/internal/client"
	"github.com/mucan54/remoteql/internal/crypto"
	"github.com/mucan54/remoteql/internal/query"
)

var (
	flagURL        string
	flagToken      string
	flagTimeout    time.Duration
	flagRetries    int
	flagKey        string
	flagAntiReplay bool
)

var rootCmd = &cobra.Command{
	Use:   "remoteql",
	Short: "Remote query client",
	Long:  "Send query ASTs, service calls and batches to a remoteql server.",
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func buildClient() (*client.Client, error) {
	cfg := client.Config{
		BaseURL:    flagURL,
		Timeout:    flagTimeout,
		Retries:    flagRetries,
		AntiReplay: flagAntiReplay,
	}
	if flagToken != "" {
		cfg.Token = auth.StaticToken(flagToken)
	}
	if flagKey != "" {
		key, err := decodeKey(flagKey)
		if err != nil {
			return nil, err
		}
		sealer, err := crypto.NewSealer(key)
		if err != nil {
			return nil, err
		}
		cfg.Sealer = sealer
	}
	return client.New(cfg), nil
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

// decodeKey accepts a 32-byte key in either base64 or hex encoding.
func decodeKey(s string) ([]byte, error) {
	if key, err := base64.StdEncoding.DecodeString(s); err == nil && len(key) == 32 {
		return key, nil
	}
	if key, err := hex.DecodeString(s); err == nil && len(key) == 32 {
		return key, nil
	}
	return nil, fmt.Errorf("key must decode to 32 bytes of base64 or hex")
}

// ---- health ----

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check server health",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := buildClient()
		if err != nil {
			return err
		}
		status, err := c.Health(context.Background())
		if err != nil {
			return err
		}
		return printJSON(status)
	},
}

// ---- query ----

var (
	queryWhere    []string
	queryOrderBy  string
	queryDesc     bool
	queryLimit    int
	queryOffset   int
	querySelect   []string
	queryWith     []string
	queryTerminal string
	queryColumn   string
	queryPerPage  int
	queryPage     int
)

// whereOperators are tried in order; two-character operators must come
// before their single-character prefixes.
var whereOperators = []string{">=", "<=", "!=", "=", ">", "<"}

func parseWhere(b *query.Builder, clause string) error {
	for _, op := range whereOperators {
		idx := strings.Index(clause, op)
		if idx <= 0 {
			continue
		}
		field := strings.TrimSpace(clause[:idx])
		raw := strings.TrimSpace(clause[idx+len(op):])
		if op == "=" {
			b.Where(field, parseValue(raw))
		} else {
			b.Where(field, op, parseValue(raw))
		}
		return nil
	}
	return fmt.Errorf("invalid where clause %q; expected field=value or field>=value", clause)
}

// parseValue keeps numbers and booleans typed so server-side casts apply.
func parseValue(raw string) any {
	if raw == "null" {
		return nil
	}
	if raw == "true" || raw == "false" {
		return raw == "true"
	}
	if n, err := strconv.ParseFloat(raw, 64); err == nil {
		return n
	}
	return raw
}

var queryCmd = &cobra.Command{
	Use:   "query <model>",
	Short: "Run a query against an entity",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := buildClient()
		if err != nil {
			return err
		}

		b := query.Model(args[0])
		for _, clause := range queryWhere {
			if err := parseWhere(b, clause); err != nil {
				return err
			}
		}
		if queryOrderBy != "" {
			if queryDesc {
				b.OrderByDesc(queryOrderBy)
			} else {
				b.OrderBy(queryOrderBy)
			}
		}
		if queryLimit > 0 {
			b.Limit(queryLimit)
		}
		if queryOffset > 0 {
			b.Offset(queryOffset)
		}
		if len(querySelect) > 0 {
			b.Select(querySelect...)
		}
		if len(queryWith) > 0 {
			b.With(queryWith...)
		}

		ctx := context.Background()
		switch queryTerminal {
		case "get":
			rows, err := c.Get(ctx, b)
			if err != nil {
				return err
			}
			return printJSON(rows)
		case "first":
			row, err := c.First(ctx, b)
			if err != nil {
				return err
			}
			return printJSON(row)
		case "count":
			n, err := c.Count(ctx, b)
			if err != nil {
				return err
			}
			fmt.Println(n)
			return nil
		case "exists":
			ok, err := c.Exists(ctx, b)
			if err != nil {
				return err
			}
			fmt.Println(ok)
			return nil
		case "sum", "avg", "min", "max":
			if queryColumn == "" {
				return fmt.Errorf("--column is required for %s", queryTerminal)
			}
			v, err := c.Aggregate(ctx, b, queryTerminal, queryColumn)
			if err != nil {
				return err
			}
			fmt.Println(v)
			return nil
		case "pluck":
			if queryColumn == "" {
				return fmt.Errorf("--column is required for pluck")
			}
			values, err := c.Pluck(ctx, b, queryColumn)
			if err != nil {
				return err
			}
			return printJSON(values)
		case "value":
			if queryColumn == "" {
				return fmt.Errorf("--column is required for value")
			}
			v, err := c.Value(ctx, b, queryColumn)
			if err != nil {
				return err
			}
			return printJSON(v)
		case "paginate":
			page, err := c.Paginate(ctx, b, queryPerPage, queryPage)
			if err != nil {
				return err
			}
			return printJSON(page)
		default:
			return fmt.Errorf("unknown terminal %q", queryTerminal)
		}
	},
}

var findCmd = &cobra.Command{
	Use:   "find <model> <id>",
	Short: "Fetch a single entity by id",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := buildClient()
		if err != nil {
			return err
		}
		row, err := c.Find(context.Background(), query.Model(args[0]), args[1])
		if err != nil {
			return err
		}
		return printJSON(row)
	},
}

// ---- service ----

var serviceCmd = &cobra.Command{
	Use:   "service <name> <method> [json-arg...]",
	Short: "Invoke a remote service method",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := buildClient()
		if err != nil {
			return err
		}
		callArgs := make([]any, 0, len(args)-2)
		for _, raw := range args[2:] {
			var v any
			if err := json.Unmarshal([]byte(raw), &v); err != nil {
				// Bare words are passed through as strings.
				v = raw
			}
			callArgs = append(callArgs, v)
		}
		result, err := c.CallService(context.Background(), args[0], args[1], callArgs...)
		if err != nil {
			return err
		}
		return printJSON(result)
	},
}

// ---- batch ----

var batchFile string

var batchCmd = &cobra.Command{
	Use:   "batch",
	Short: "Run a batch of dependent queries from a JSON file",
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(batchFile)
		if err != nil {
			return fmt.Errorf("read batch file: %w", err)
		}
		var req query.BatchQueryRequest
		if err := json.Unmarshal(data, &req); err != nil {
			return fmt.Errorf("decode batch file: %w", err)
		}

		c, err := buildClient()
		if err != nil {
			return err
		}
		results, err := c.Batch(context.Background(), req.Queries)
		if err != nil {
			return err
		}
		return printJSON(results)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagURL, "url", "http://localhost:8080", "Server base URL")
	rootCmd.PersistentFlags().StringVar(&flagToken, "token", "", "Bearer token")
	rootCmd.PersistentFlags().DurationVar(&flagTimeout, "timeout", 30*time.Second, "Per-request timeout")
	rootCmd.PersistentFlags().IntVar(&flagRetries, "retries", 2, "Retries on network errors and 5xx responses")
	rootCmd.PersistentFlags().StringVar(&flagKey, "key", "", "Payload encryption key (base64 or hex, 32 bytes)")
	rootCmd.PersistentFlags().BoolVar(&flagAntiReplay, "anti-replay", false, "Attach anti-replay timestamp and nonce")

	queryCmd.Flags().StringArrayVar(&queryWhere, "where", nil, "Filter clause, e.g. status=active or age>=21 (repeatable)")
	queryCmd.Flags().StringVar(&queryOrderBy, "order-by", "", "Order by column")
	queryCmd.Flags().BoolVar(&queryDesc, "desc", false, "Order descending")
	queryCmd.Flags().IntVar(&queryLimit, "limit", 0, "Limit result rows")
	queryCmd.Flags().IntVar(&queryOffset, "offset", 0, "Skip result rows")
	queryCmd.Flags().StringSliceVar(&querySelect, "select", nil, "Columns to project")
	queryCmd.Flags().StringSliceVar(&queryWith, "with", nil, "Relations to eager-load")
	queryCmd.Flags().StringVar(&queryTerminal, "terminal", "get", "Terminal method (get, first, count, exists, sum, avg, min, max, pluck, value, paginate)")
	queryCmd.Flags().StringVar(&queryColumn, "column", "", "Column for aggregate, pluck and value terminals")
	queryCmd.Flags().IntVar(&queryPerPage, "per-page", 15, "Page size for paginate")
	queryCmd.Flags().IntVar(&queryPage, "page", 1, "Page number for paginate")

	batchCmd.Flags().StringVar(&batchFile, "file", "batch.json", "Batch request file")

	rootCmd.AddCommand(healthCmd, queryCmd, findCmd, serviceCmd, batchCmd)
}
