package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/ohler55/ojg/oj"
	"github.com/spf13/cobra"

	"github.com/flowbase/qconn"
)

func main() {
	_ = godotenv.Load()

	rootCmd := &cobra.Command{
		Use:   "qshell",
		Short: "Interactive shell and one-shot runner for a qconn server",
		Long: `qshell is a small client for servers speaking qconn's
length-prefixed JSON query protocol. It reads connection settings
from QCONN_* environment variables (see qconn.ConfigFromEnv), falling
back to localhost:28015 with no auth key.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(runCmd(), shellCmd())

	if err := rootCmd.Execute(); err != nil {
		errorMsg("%s", err)
		os.Exit(1)
	}
}

func connectFromEnv() (*qconn.Connection, error) {
	opts := qconn.ConfigFromEnv()
	opts.AutoReconnect = true
	conn, err := qconn.Connect(context.Background(), opts)
	if err != nil {
		return nil, err
	}
	qconn.SetDefault(conn)
	return conn, nil
}

func runCmd() *cobra.Command {
	var db string
	var waitSeconds int
	cmd := &cobra.Command{
		Use:   "run [query-json]",
		Short: "Run a single query term and print its result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := connectFromEnv()
			if err != nil {
				return err
			}
			defer conn.Close(qconn.DefaultCloseOpts())

			body, err := oj.ParseString(args[0])
			if err != nil {
				return fmt.Errorf("parse query: %w", err)
			}

			return runAndPrint(conn, body, db, time.Duration(waitSeconds)*time.Second)
		},
	}
	cmd.Flags().StringVar(&db, "db", "", "default database for this query")
	cmd.Flags().IntVar(&waitSeconds, "wait", 0, "cursor batch wait in seconds, 0 means block forever")
	return cmd
}

func shellCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "shell",
		Short: "Start an interactive REPL: one query term per line",
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := connectFromEnv()
			if err != nil {
				return err
			}
			defer conn.Close(qconn.DefaultCloseOpts())

			info("connected, type a query term per line, \"use <db>\" to switch databases, \"quit\" to exit")
			scanner := bufio.NewScanner(os.Stdin)
			for {
				fmt.Print("> ")
				if !scanner.Scan() {
					return nil
				}
				line := strings.TrimSpace(scanner.Text())
				switch {
				case line == "":
					continue
				case line == "quit" || line == "exit":
					return nil
				case strings.HasPrefix(line, "use "):
					db := strings.TrimSpace(line[len("use "):])
					conn.Use(db)
					success("using database %q", db)
					continue
				}
				body, err := oj.ParseString(line)
				if err != nil {
					errorMsg("parse: %s", err)
					continue
				}
				if err := runAndPrint(conn, body, "", 0); err != nil {
					errorMsg("%s", err)
				}
			}
		},
	}
	return cmd
}

func runAndPrint(conn *qconn.Connection, body interface{}, db string, wait time.Duration) error {
	result, err := conn.Run(context.Background(), body, qconn.RunOpts{DB: db}, nil)
	if err != nil {
		return err
	}
	if result.Cursor != nil {
		return drainCursor(result.Cursor, wait)
	}
	out, err := oj.Marshal(result.Value)
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func drainCursor(cur *qconn.Cursor, wait time.Duration) error {
	ctx := context.Background()
	if wait == 0 {
		// Cursor.Next treats 0 as "do not wait"; a negative wait blocks.
		wait = -1
	}
	for {
		v, err := cur.Next(ctx, wait)
		if err != nil {
			if _, ok := err.(*qconn.StopIteration); ok {
				return nil
			}
			return err
		}
		out, err := oj.Marshal(v)
		if err != nil {
			return err
		}
		fmt.Println(string(out))
	}
}

func success(format string, args ...any) {
	fmt.Printf("\033[32m✓\033[0m %s\n", fmt.Sprintf(format, args...))
}

func info(format string, args ...any) {
	fmt.Printf("  %s\n", fmt.Sprintf(format, args...))
}

func errorMsg(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "\033[31m✗\033[0m %s\n", fmt.Sprintf(format, args...))
}
