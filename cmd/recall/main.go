package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/stellarlinkco/recall/internal/config"
	"github.com/stellarlinkco/recall/internal/conversation"
	"github.com/stellarlinkco/recall/internal/memory"
	"github.com/stellarlinkco/recall/internal/service"
	"github.com/stellarlinkco/recall/internal/strategy"
)

const chatPrompt = `You are a helpful assistant. Continue the conversation below. Reply with the assistant's next message only, no role label.

%s`

// ChatOptions for running chat with custom dependencies
type ChatOptions struct {
	CompleterFactory service.CompleterFactory
	Store            memory.Store
	Stdin            io.Reader
	Stdout           io.Writer
	Stderr           io.Writer
}

var rootCmd = &cobra.Command{
	Use:   "recall",
	Short: "recall - conversation memory engine",
}

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Chat with a memory-backed session (single message or REPL)",
	RunE:  runChat,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP gateway with maintenance jobs",
	RunE:  runServe,
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize config",
	RunE:  runInit,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show recall status",
	RunE:  runStatus,
}

var rememberCmd = &cobra.Command{
	Use:   "remember <text>",
	Short: "Write one long-term memory",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runRemember,
}

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search long-term memory",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runSearch,
}

var importCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Replay a JSONL transcript into a session",
	Args:  cobra.ExactArgs(1),
	RunE:  runImport,
}

var (
	messageFlag     string
	chatSessionFlag string
	chatOwnerFlag   string

	rememberOwnerFlag  string
	rememberKindFlag   string
	rememberTopicsFlag []string

	searchOwnerFlag string
	searchKindFlag  string
	searchLimitFlag int

	importSessionFlag  string
	importOwnerFlag    string
	importCompressFlag bool
	importStrategyFlag string
)

func init() {
	chatCmd.Flags().StringVarP(&messageFlag, "message", "m", "", "Single message to send")
	chatCmd.Flags().StringVar(&chatSessionFlag, "session", "cli", "Session to chat on")
	chatCmd.Flags().StringVar(&chatOwnerFlag, "owner", "local", "Owner of extracted memories")

	rememberCmd.Flags().StringVar(&rememberOwnerFlag, "owner", "local", "Owner of the memory")
	rememberCmd.Flags().StringVar(&rememberKindFlag, "kind", "", "Memory kind: semantic, episodic or message")
	rememberCmd.Flags().StringSliceVar(&rememberTopicsFlag, "topics", nil, "Topics for the memory")

	searchCmd.Flags().StringVar(&searchOwnerFlag, "owner", "local", "Owner to search")
	searchCmd.Flags().StringVar(&searchKindFlag, "kind", "", "Restrict to one memory kind")
	searchCmd.Flags().IntVar(&searchLimitFlag, "limit", 10, "Maximum results")

	importCmd.Flags().StringVar(&importSessionFlag, "session", "imported", "Session to replay into")
	importCmd.Flags().StringVar(&importOwnerFlag, "owner", "local", "Owner of the replayed turns")
	importCmd.Flags().BoolVar(&importCompressFlag, "compress", false, "Force a compression pass after the replay")
	importCmd.Flags().StringVar(&importStrategyFlag, "strategy", "", "Strategy for the --compress pass (default: decision policy)")

	rootCmd.AddCommand(chatCmd, serveCmd, initCmd, statusCmd, rememberCmd, searchCmd, importCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// runChat is the command handler that uses default options
func runChat(cmd *cobra.Command, args []string) error {
	return runChatWithOptions(ChatOptions{})
}

// runChatWithOptions runs the chat with injectable dependencies for testing
func runChatWithOptions(opts ChatOptions) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if opts.CompleterFactory == nil && cfg.Provider.APIKey == "" {
		return fmt.Errorf("API key not set. Run 'recall init' or set RECALL_API_KEY / ANTHROPIC_API_KEY")
	}

	svc, err := service.NewWithOptions(cfg, service.Options{
		CompleterFactory: opts.CompleterFactory,
		Store:            opts.Store,
	})
	if err != nil {
		return err
	}
	defer svc.Shutdown()

	stdin := opts.Stdin
	if stdin == nil {
		stdin = os.Stdin
	}
	stdout := opts.Stdout
	if stdout == nil {
		stdout = os.Stdout
	}
	stderr := opts.Stderr
	if stderr == nil {
		stderr = os.Stderr
	}

	ctx := context.Background()

	// Single message mode
	if messageFlag != "" {
		reply, err := chatTurn(ctx, svc, chatSessionFlag, chatOwnerFlag, messageFlag)
		if err != nil {
			return fmt.Errorf("chat error: %w", err)
		}
		fmt.Fprintln(stdout, reply)
		return nil
	}

	// REPL mode
	fmt.Fprintln(stdout, "recall chat (type '/exit' to quit, '/help' for commands)")
	scanner := bufio.NewScanner(stdin)
	for {
		fmt.Fprint(stdout, "\n> ")
		if !scanner.Scan() {
			break
		}
		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}
		if input == "/exit" || input == "/quit" || input == "exit" {
			break
		}
		if strings.HasPrefix(input, "/") {
			if err := runSlash(ctx, svc, stdout, input); err != nil {
				fmt.Fprintf(stderr, "Error: %v\n", err)
			}
			continue
		}

		reply, err := chatTurn(ctx, svc, chatSessionFlag, chatOwnerFlag, input)
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			continue
		}
		fmt.Fprintln(stdout, reply)
	}
	return nil
}

// chatTurn records the user turn, completes against the active context,
// and records the reply.
func chatTurn(ctx context.Context, svc *service.Service, sessionID, owner, content string) (string, error) {
	mgr := svc.Manager()
	if _, err := mgr.AppendTurn(ctx, sessionID, owner, conversation.RoleUser, content); err != nil {
		return "", err
	}
	msgs, err := mgr.ActiveContext(ctx, sessionID)
	if err != nil {
		return "", err
	}
	reply, err := svc.Completer().Complete(ctx, fmt.Sprintf(chatPrompt, conversation.Transcript(msgs)))
	if err != nil {
		return "", err
	}
	reply = strings.TrimSpace(reply)
	if reply == "" {
		return "", fmt.Errorf("empty completion")
	}
	if _, err := mgr.AppendTurn(ctx, sessionID, owner, conversation.RoleAssistant, reply); err != nil {
		return "", err
	}
	return reply, nil
}

func runSlash(ctx context.Context, svc *service.Service, stdout io.Writer, input string) error {
	mgr := svc.Manager()
	cmd, rest, _ := strings.Cut(input, " ")
	rest = strings.TrimSpace(rest)

	switch cmd {
	case "/help":
		fmt.Fprintln(stdout, "Commands:")
		fmt.Fprintln(stdout, "  /context            show the active context")
		fmt.Fprintln(stdout, "  /compress [kind]    force a compression pass")
		fmt.Fprintln(stdout, "  /remember <text>    write one long-term memory")
		fmt.Fprintln(stdout, "  /search <query>     search long-term memory")
		fmt.Fprintln(stdout, "  /exit               quit")
		return nil

	case "/context":
		msgs, err := mgr.ActiveContext(ctx, chatSessionFlag)
		if err != nil {
			return err
		}
		for _, m := range msgs {
			fmt.Fprintf(stdout, "  [%s] %s\n", m.Role, m.Content)
		}
		fmt.Fprintf(stdout, "%d message(s), %d tokens\n", len(msgs), conversation.TotalTokens(msgs))
		return nil

	case "/compress":
		kind := strategy.KindNone
		if rest != "" {
			parsed, err := strategy.ParseKind(rest)
			if err != nil {
				return err
			}
			kind = parsed
		}
		report, err := mgr.ForceCompress(ctx, chatSessionFlag, kind)
		if err != nil {
			return err
		}
		fmt.Fprintf(stdout, "compressed with %s: %d -> %d message(s), %d -> %d tokens\n",
			report.StrategyUsed, report.BeforeMessages, report.AfterMessages,
			report.BeforeTokens, report.AfterTokens)
		return nil

	case "/remember":
		if rest == "" {
			return fmt.Errorf("usage: /remember <text>")
		}
		rec, err := mgr.Remember(ctx, chatOwnerFlag, rest, "", nil)
		if err != nil {
			return err
		}
		fmt.Fprintf(stdout, "remembered [%d] %s\n", rec.ID, rec.Text)
		return nil

	case "/search":
		if rest == "" {
			return fmt.Errorf("usage: /search <query>")
		}
		recs, err := mgr.SearchLongTerm(ctx, memory.SearchQuery{OwnerUserID: chatOwnerFlag, Query: rest})
		if err != nil {
			return err
		}
		if len(recs) == 0 {
			fmt.Fprintln(stdout, "no memories found")
			return nil
		}
		for _, rec := range recs {
			fmt.Fprintf(stdout, "  [%s] %s\n", rec.Kind, rec.Text)
		}
		return nil
	}
	return fmt.Errorf("unknown command %q (try /help)", cmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	svc, err := service.New(cfg)
	if err != nil {
		return fmt.Errorf("create service: %w", err)
	}
	return svc.Run(context.Background())
}

func runInit(cmd *cobra.Command, args []string) error {
	cfgPath := config.ConfigPath()

	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		if err := config.SaveConfig(config.DefaultConfig()); err != nil {
			return fmt.Errorf("write config: %w", err)
		}
		fmt.Printf("Created config: %s\n", cfgPath)
	} else {
		fmt.Printf("Config already exists: %s\n", cfgPath)
	}

	cfg, _ := config.LoadConfig()
	fmt.Printf("Memory database: %s\n", cfg.Memory.DBPath)
	fmt.Println("\nNext steps:")
	fmt.Printf("  1. Edit %s to set your API key\n", cfgPath)
	fmt.Println("  2. Or set RECALL_API_KEY environment variable")
	fmt.Println("  3. Run 'recall chat -m \"Hello\"' to test")

	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Printf("Config: error (%v)\n", err)
		return nil
	}

	fmt.Printf("Config: %s\n", config.ConfigPath())
	fmt.Printf("Model: %s\n", cfg.Provider.Model)
	fmt.Printf("Provider: %s\n", providerDisplay(cfg.Provider.Type))
	if cfg.Provider.APIKey != "" && len(cfg.Provider.APIKey) > 8 {
		masked := cfg.Provider.APIKey[:4] + "..." + cfg.Provider.APIKey[len(cfg.Provider.APIKey)-4:]
		fmt.Printf("API Key: %s\n", masked)
	} else if cfg.Provider.APIKey != "" {
		fmt.Println("API Key: set")
	} else {
		fmt.Println("API Key: not set")
	}
	fmt.Printf("Strategy: %s (quality=%s latency=%s cost=%s)\n",
		cfg.Memory.Strategy, cfg.Memory.Quality, cfg.Memory.Latency, cfg.Memory.Cost)
	fmt.Printf("Compression: trigger at %d tokens or %d messages, keep %d recent\n",
		cfg.Memory.TokenThreshold, cfg.Memory.MessageCountThreshold, cfg.Memory.KeepRecent)
	fmt.Printf("Session TTL: %s\n", cfg.Memory.SessionTTL)
	fmt.Printf("Extraction: enabled=%v\n", cfg.Extraction.Enabled)

	// Stat first so status never creates the database as a side effect.
	if _, err := os.Stat(cfg.Memory.DBPath); err != nil {
		fmt.Println("Store: empty (no database yet)")
		return nil
	}
	store, err := memory.NewSQLiteStore(cfg.Memory.DBPath)
	if err != nil {
		fmt.Printf("Store: error (%v)\n", err)
		return nil
	}
	defer store.Close()

	stats, err := store.Stats(context.Background())
	if err != nil {
		fmt.Printf("Store: error (%v)\n", err)
		return nil
	}
	fmt.Printf("Store: %d record(s) at %s\n", stats.Records, cfg.Memory.DBPath)
	kinds := make([]string, 0, len(stats.ByKind))
	for k := range stats.ByKind {
		kinds = append(kinds, string(k))
	}
	sort.Strings(kinds)
	for _, k := range kinds {
		fmt.Printf("  %s: %d\n", k, stats.ByKind[memory.Kind(k)])
	}
	if !stats.LastWrite.IsZero() {
		fmt.Printf("Last write: %s\n", stats.LastWrite.Format("2006-01-02 15:04:05"))
	}
	return nil
}

func providerDisplay(t string) string {
	if t == "" {
		return "anthropic (default)"
	}
	return t
}

func runRemember(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	var kind memory.Kind
	if rememberKindFlag != "" {
		kind, err = memory.ParseKind(rememberKindFlag)
		if err != nil {
			return err
		}
	}

	svc, err := service.NewWithOptions(cfg, service.Options{})
	if err != nil {
		return err
	}
	defer svc.Shutdown()

	rec, err := svc.Manager().Remember(context.Background(), rememberOwnerFlag, strings.Join(args, " "), kind, rememberTopicsFlag)
	if err != nil {
		return err
	}
	fmt.Printf("Remembered [%d] (%s) %s\n", rec.ID, rec.Kind, rec.Text)
	return nil
}

func runSearch(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	query := memory.SearchQuery{
		OwnerUserID: searchOwnerFlag,
		Query:       strings.Join(args, " "),
		Limit:       searchLimitFlag,
	}
	if searchKindFlag != "" {
		kind, err := memory.ParseKind(searchKindFlag)
		if err != nil {
			return err
		}
		query.Kind = kind
	}

	svc, err := service.NewWithOptions(cfg, service.Options{})
	if err != nil {
		return err
	}
	defer svc.Shutdown()

	recs, err := svc.Manager().SearchLongTerm(context.Background(), query)
	if err != nil {
		return err
	}
	if len(recs) == 0 {
		fmt.Println("No memories found.")
		return nil
	}
	for _, rec := range recs {
		fmt.Printf("[%d] (%s) %s\n", rec.ID, rec.Kind, rec.Text)
		if len(rec.Topics) > 0 {
			fmt.Printf("    topics: %s\n", strings.Join(rec.Topics, ", "))
		}
	}
	return nil
}

func runImport(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	f, err := os.Open(args[0])
	if err != nil {
		return fmt.Errorf("open transcript: %w", err)
	}
	defer f.Close()

	svc, err := service.NewWithOptions(cfg, service.Options{})
	if err != nil {
		return err
	}
	defer svc.Shutdown()

	ctx := context.Background()
	mgr := svc.Manager()

	var turn struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}
	imported := 0
	lineNo := 0
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		lineNo++
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}
		if err := json.Unmarshal(raw, &turn); err != nil {
			return fmt.Errorf("line %d: %w", lineNo, err)
		}
		role, err := conversation.ParseRole(turn.Role)
		if err != nil {
			return fmt.Errorf("line %d: %w", lineNo, err)
		}
		if _, err := mgr.AppendTurn(ctx, importSessionFlag, importOwnerFlag, role, turn.Content); err != nil {
			return fmt.Errorf("line %d: %w", lineNo, err)
		}
		imported++
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read transcript: %w", err)
	}

	fmt.Printf("Imported %d turn(s) into session %q\n", imported, importSessionFlag)

	if importCompressFlag {
		kind := strategy.KindNone
		if importStrategyFlag != "" {
			kind, err = strategy.ParseKind(importStrategyFlag)
			if err != nil {
				return err
			}
		}
		report, err := mgr.ForceCompress(ctx, importSessionFlag, kind)
		if err != nil {
			return fmt.Errorf("compress: %w", err)
		}
		fmt.Printf("Compressed with %s: %d -> %d message(s), %d -> %d tokens\n",
			report.StrategyUsed, report.BeforeMessages, report.AfterMessages,
			report.BeforeTokens, report.AfterTokens)
	}

	msgs, err := mgr.ActiveContext(ctx, importSessionFlag)
	if err != nil {
		return err
	}
	fmt.Printf("Active context: %d message(s), %d tokens\n", len(msgs), conversation.TotalTokens(msgs))
	return nil
}
