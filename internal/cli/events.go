package cli

import (
	"bufio"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentsh/execgate/internal/events"
	"github.com/agentsh/execgate/internal/store/sqlite"
	"github.com/agentsh/execgate/pkg/types"
)

func newEventsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Watch/query events",
	}

	cmd.AddCommand(newEventsTailCmd())
	cmd.AddCommand(newEventsQueryCmd())
	return cmd
}

func newEventsTailCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tail [SESSION_ID]",
		Short: "Tail live events from the server (SSE); all sessions by default",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sessionID := events.AllSessions
			if len(args) == 1 {
				sessionID = args[0]
			}
			c, err := newClient(cmd)
			if err != nil {
				return err
			}
			body, err := c.StreamEvents(cmd.Context(), sessionID)
			if err != nil {
				return err
			}
			defer body.Close()

			sc := bufio.NewScanner(body)
			for sc.Scan() {
				line := sc.Text()
				if strings.HasPrefix(line, "data: ") {
					fmt.Fprintln(cmd.OutOrStdout(), strings.TrimPrefix(line, "data: "))
				}
			}
			if cmd.Context().Err() != nil {
				return nil
			}
			return sc.Err()
		},
	}
	return cmd
}

type eventQueryFlags struct {
	sessionID string
	commandID string
	agent     string
	typesCSV  string
	decision  string
	since     string
	until     string
	pathLike  string
	textLike  string
	limit     int
	offset    int
	order     string
}

func newEventsQueryCmd() *cobra.Command {
	var (
		f        eventQueryFlags
		directDB bool
		dbPath   string
	)

	cmd := &cobra.Command{
		Use:   "query",
		Short: "Query events (API by default; --direct-db for offline)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if directDB {
				if dbPath == "" {
					cfg, err := loadConfig(cmd)
					if err != nil {
						return err
					}
					dbPath = cfg.Audit.SQLitePath
				}
				st, err := sqlite.Open(dbPath)
				if err != nil {
					return err
				}
				defer st.Close()

				q, err := buildEventQuery(f)
				if err != nil {
					return err
				}
				evs, err := st.QueryEvents(cmd.Context(), q)
				if err != nil {
					return err
				}
				return printJSON(cmd, evs)
			}

			c, err := newClient(cmd)
			if err != nil {
				return err
			}
			evs, err := c.SearchEvents(cmd.Context(), f.values())
			if err != nil {
				return err
			}
			return printJSON(cmd, evs)
		},
	}

	cmd.Flags().StringVar(&f.sessionID, "session", "", "Filter by session ID")
	cmd.Flags().StringVar(&f.commandID, "command-id", "", "Filter by check/approval id")
	cmd.Flags().StringVar(&f.agent, "agent", "", "Filter by agent")
	cmd.Flags().StringVar(&f.typesCSV, "type", "", "Comma-separated event types")
	cmd.Flags().StringVar(&f.decision, "decision", "", "Policy decision filter (allow|deny|approve)")
	cmd.Flags().StringVar(&f.since, "since", "", "Start time (RFC3339) or duration (e.g. 1h)")
	cmd.Flags().StringVar(&f.until, "until", "", "End time (RFC3339) or duration (e.g. 5m)")
	cmd.Flags().StringVar(&f.pathLike, "path-like", "", "SQL LIKE pattern for resolved path (e.g. %/bin/rm)")
	cmd.Flags().StringVar(&f.textLike, "text-like", "", "SQL LIKE pattern for raw JSON payload")
	cmd.Flags().IntVar(&f.limit, "limit", 200, "Result limit")
	cmd.Flags().IntVar(&f.offset, "offset", 0, "Result offset")
	cmd.Flags().StringVar(&f.order, "order", "desc", "Sort order: asc|desc")

	cmd.Flags().BoolVar(&directDB, "direct-db", false, "Query local SQLite directly (offline)")
	cmd.Flags().StringVar(&dbPath, "db-path", "", "SQLite DB path (default: audit.sqlite_path)")

	return cmd
}

func (f eventQueryFlags) values() url.Values {
	params := url.Values{}
	set := func(k, v string) {
		if v != "" {
			params.Set(k, v)
		}
	}
	set("session_id", f.sessionID)
	set("command_id", f.commandID)
	set("agent", f.agent)
	set("type", f.typesCSV)
	set("decision", f.decision)
	set("since", f.since)
	set("until", f.until)
	set("path_like", f.pathLike)
	set("text_like", f.textLike)
	set("order", f.order)
	if f.limit != 0 {
		params.Set("limit", strconv.Itoa(f.limit))
	}
	if f.offset != 0 {
		params.Set("offset", strconv.Itoa(f.offset))
	}
	return params
}

func buildEventQuery(f eventQueryFlags) (types.EventQuery, error) {
	var q types.EventQuery
	q.SessionID = f.sessionID
	q.CommandID = f.commandID
	q.Agent = f.agent
	if f.typesCSV != "" {
		q.Types = strings.Split(f.typesCSV, ",")
	}
	if f.decision != "" {
		d := types.Decision(f.decision)
		q.Decision = &d
	}
	if f.since != "" {
		t, err := parseTimeOrAgo(f.since)
		if err != nil {
			return q, fmt.Errorf("--since: %w", err)
		}
		q.Since = &t
	}
	if f.until != "" {
		t, err := parseTimeOrAgo(f.until)
		if err != nil {
			return q, fmt.Errorf("--until: %w", err)
		}
		q.Until = &t
	}
	q.PathLike = f.pathLike
	q.TextLike = f.textLike
	q.Limit = f.limit
	q.Offset = f.offset
	q.Asc = strings.EqualFold(f.order, "asc")
	return q, nil
}

func parseTimeOrAgo(s string) (time.Time, error) {
	if strings.ContainsAny(s, "smh") && !strings.Contains(s, "T") {
		d, err := time.ParseDuration(s)
		if err != nil {
			return time.Time{}, err
		}
		return time.Now().UTC().Add(-d), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}
