package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stellarlinkco/recall/internal/config"
	"github.com/stellarlinkco/recall/internal/memory"
	"github.com/stellarlinkco/recall/internal/service"
	"github.com/stellarlinkco/recall/internal/strategy"
)

type stubCompleter struct {
	reply string
	err   error
}

func (s *stubCompleter) Complete(ctx context.Context, prompt string) (string, error) {
	return s.reply, s.err
}

func stubFactory(c strategy.Completer) service.CompleterFactory {
	return func(cfg *config.Config) (strategy.Completer, error) { return c, nil }
}

// setupHome isolates config, env and the database path under a temp dir.
func setupHome(t *testing.T) string {
	t.Helper()
	tmpDir := t.TempDir()
	t.Setenv("HOME", tmpDir)
	t.Setenv("RECALL_API_KEY", "")
	t.Setenv("ANTHROPIC_API_KEY", "")
	t.Setenv("ANTHROPIC_AUTH_TOKEN", "")
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("RECALL_DB_PATH", filepath.Join(tmpDir, "memory.db"))
	return tmpDir
}

// captureStdout runs fn with os.Stdout redirected to a pipe.
func captureStdout(t *testing.T, fn func() error) (string, error) {
	t.Helper()
	oldStdout := os.Stdout
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("pipe: %v", err)
	}
	os.Stdout = w

	fnErr := fn()

	w.Close()
	os.Stdout = oldStdout

	var buf bytes.Buffer
	io.Copy(&buf, r)
	return buf.String(), fnErr
}

func TestInitCommands(t *testing.T) {
	if rootCmd == nil {
		t.Fatal("rootCmd should not be nil")
	}
	for _, cmd := range []struct {
		name string
		got  interface{ Name() string }
	}{
		{"chat", chatCmd}, {"serve", serveCmd}, {"init", initCmd},
		{"status", statusCmd}, {"remember", rememberCmd}, {"search", searchCmd},
		{"import", importCmd},
	} {
		if cmd.got == nil {
			t.Errorf("%s command should not be nil", cmd.name)
		}
	}

	if chatCmd.Flags().Lookup("message") == nil {
		t.Error("message flag should exist")
	}
	if importCmd.Flags().Lookup("compress") == nil {
		t.Error("compress flag should exist")
	}
}

func TestRunInit(t *testing.T) {
	tmpDir := setupHome(t)

	output, err := captureStdout(t, func() error { return runInit(initCmd, nil) })
	if err != nil {
		t.Fatalf("runInit error: %v", err)
	}

	cfgPath := filepath.Join(tmpDir, ".recall", "config.json")
	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		t.Error("config file was not created")
	}
	if !strings.Contains(output, "Created config") {
		t.Errorf("unexpected output: %s", output)
	}
	if !strings.Contains(output, "RECALL_API_KEY") {
		t.Errorf("output should mention the env var: %s", output)
	}

	output, err = captureStdout(t, func() error { return runInit(initCmd, nil) })
	if err != nil {
		t.Fatalf("second runInit error: %v", err)
	}
	if !strings.Contains(output, "Config already exists") {
		t.Errorf("expected 'Config already exists', got: %s", output)
	}
}

func TestRunStatus_NoKey(t *testing.T) {
	setupHome(t)

	output, err := captureStdout(t, func() error { return runStatus(statusCmd, nil) })
	if err != nil {
		t.Fatalf("runStatus error: %v", err)
	}

	for _, want := range []string{"Config:", "API Key: not set", "Strategy: auto", "Store: empty"} {
		if !strings.Contains(output, want) {
			t.Errorf("missing %q in output: %s", want, output)
		}
	}
}

func TestRunStatus_MaskedKey(t *testing.T) {
	setupHome(t)
	t.Setenv("RECALL_API_KEY", "sk-ant-test-key-12345678")

	output, err := captureStdout(t, func() error { return runStatus(statusCmd, nil) })
	if err != nil {
		t.Fatalf("runStatus error: %v", err)
	}
	if !strings.Contains(output, "sk-a...") {
		t.Errorf("API key should be masked in output: %s", output)
	}
	if strings.Contains(output, "sk-ant-test-key-12345678") {
		t.Errorf("API key should never be printed in full: %s", output)
	}
}

func TestRunStatus_WithRecords(t *testing.T) {
	tmpDir := setupHome(t)
	dbPath := filepath.Join(tmpDir, "memory.db")

	store, err := memory.NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	_, err = store.Write(context.Background(), memory.Record{
		OwnerUserID: "local", Text: "drinks tea", Kind: memory.KindSemantic,
	})
	store.Close()
	if err != nil {
		t.Fatalf("Write: %v", err)
	}

	output, err := captureStdout(t, func() error { return runStatus(statusCmd, nil) })
	if err != nil {
		t.Fatalf("runStatus error: %v", err)
	}
	if !strings.Contains(output, "Store: 1 record(s)") {
		t.Errorf("missing store stats in output: %s", output)
	}
	if !strings.Contains(output, "semantic: 1") {
		t.Errorf("missing kind breakdown in output: %s", output)
	}
}

func TestRunChat_NoAPIKey(t *testing.T) {
	setupHome(t)

	err := runChat(chatCmd, nil)
	if err == nil {
		t.Fatal("expected error when API key is not set")
	}
	if !strings.Contains(err.Error(), "API key not set") {
		t.Errorf("error should mention API key: %v", err)
	}
}

func TestRunChatWithOptions_SingleMessage(t *testing.T) {
	setupHome(t)

	oldFlag := messageFlag
	messageFlag = "test message"
	defer func() { messageFlag = oldFlag }()

	var stdout bytes.Buffer
	err := runChatWithOptions(ChatOptions{
		CompleterFactory: stubFactory(&stubCompleter{reply: "Hello from stub!"}),
		Store:            memory.NewMemStore(),
		Stdout:           &stdout,
	})
	if err != nil {
		t.Fatalf("runChatWithOptions error: %v", err)
	}
	if !strings.Contains(stdout.String(), "Hello from stub!") {
		t.Errorf("expected stub reply in output, got: %s", stdout.String())
	}
}

func TestRunChatWithOptions_SingleMessage_Error(t *testing.T) {
	setupHome(t)

	oldFlag := messageFlag
	messageFlag = "test"
	defer func() { messageFlag = oldFlag }()

	err := runChatWithOptions(ChatOptions{
		CompleterFactory: stubFactory(&stubCompleter{err: errors.New("provider down")}),
		Store:            memory.NewMemStore(),
		Stdout:           io.Discard,
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "chat error") {
		t.Errorf("expected 'chat error', got: %v", err)
	}
}

func TestRunChatWithOptions_REPLMode(t *testing.T) {
	setupHome(t)

	oldFlag := messageFlag
	messageFlag = ""
	defer func() { messageFlag = oldFlag }()

	stdin := strings.NewReader("hello\n/context\n/exit\n")
	var stdout, stderr bytes.Buffer

	err := runChatWithOptions(ChatOptions{
		CompleterFactory: stubFactory(&stubCompleter{reply: "REPL reply"}),
		Store:            memory.NewMemStore(),
		Stdin:            stdin,
		Stdout:           &stdout,
		Stderr:           &stderr,
	})
	if err != nil {
		t.Fatalf("runChatWithOptions error: %v", err)
	}

	out := stdout.String()
	if !strings.Contains(out, "recall chat") {
		t.Errorf("expected REPL welcome message, got: %s", out)
	}
	if !strings.Contains(out, "REPL reply") {
		t.Errorf("expected stub reply, got: %s", out)
	}
	if !strings.Contains(out, "[user] hello") || !strings.Contains(out, "[assistant] REPL reply") {
		t.Errorf("/context should list both turns, got: %s", out)
	}
	if !strings.Contains(out, "2 message(s)") {
		t.Errorf("/context should count both turns, got: %s", out)
	}
}

func TestRunChatWithOptions_RememberAndSearch(t *testing.T) {
	setupHome(t)

	oldFlag := messageFlag
	messageFlag = ""
	defer func() { messageFlag = oldFlag }()

	stdin := strings.NewReader("/remember likes green tea\n/search tea\n/exit\n")
	var stdout, stderr bytes.Buffer

	err := runChatWithOptions(ChatOptions{
		CompleterFactory: stubFactory(&stubCompleter{reply: "unused"}),
		Store:            memory.NewMemStore(),
		Stdin:            stdin,
		Stdout:           &stdout,
		Stderr:           &stderr,
	})
	if err != nil {
		t.Fatalf("runChatWithOptions error: %v", err)
	}

	out := stdout.String()
	if !strings.Contains(out, "remembered [") {
		t.Errorf("expected remember ack, got: %s", out)
	}
	if !strings.Contains(out, "[semantic] likes green tea") {
		t.Errorf("expected search hit, got: %s", out)
	}
}

func TestRunChatWithOptions_CompleterError(t *testing.T) {
	setupHome(t)

	oldFlag := messageFlag
	messageFlag = ""
	defer func() { messageFlag = oldFlag }()

	stdin := strings.NewReader("hello\n/exit\n")
	var stdout, stderr bytes.Buffer

	err := runChatWithOptions(ChatOptions{
		CompleterFactory: stubFactory(&stubCompleter{err: errors.New("provider down")}),
		Store:            memory.NewMemStore(),
		Stdin:            stdin,
		Stdout:           &stdout,
		Stderr:           &stderr,
	})
	if err != nil {
		t.Fatalf("runChatWithOptions error: %v", err)
	}
	if !strings.Contains(stderr.String(), "Error:") {
		t.Errorf("expected error in stderr, got: %s", stderr.String())
	}
}

func TestRunChatWithOptions_UnknownSlash(t *testing.T) {
	setupHome(t)

	oldFlag := messageFlag
	messageFlag = ""
	defer func() { messageFlag = oldFlag }()

	stdin := strings.NewReader("/bogus\n/exit\n")
	var stdout, stderr bytes.Buffer

	err := runChatWithOptions(ChatOptions{
		CompleterFactory: stubFactory(&stubCompleter{reply: "unused"}),
		Store:            memory.NewMemStore(),
		Stdin:            stdin,
		Stdout:           &stdout,
		Stderr:           &stderr,
	})
	if err != nil {
		t.Fatalf("runChatWithOptions error: %v", err)
	}
	if !strings.Contains(stderr.String(), "unknown command") {
		t.Errorf("expected unknown command error, got: %s", stderr.String())
	}
}

func TestRunRememberAndSearch(t *testing.T) {
	setupHome(t)

	oldOwner, oldKind := rememberOwnerFlag, rememberKindFlag
	rememberOwnerFlag, rememberKindFlag = "alice", ""
	defer func() { rememberOwnerFlag, rememberKindFlag = oldOwner, oldKind }()

	output, err := captureStdout(t, func() error {
		return runRemember(rememberCmd, []string{"prefers", "dark", "mode"})
	})
	if err != nil {
		t.Fatalf("runRemember error: %v", err)
	}
	if !strings.Contains(output, "Remembered [") || !strings.Contains(output, "prefers dark mode") {
		t.Errorf("unexpected output: %s", output)
	}

	oldSearchOwner := searchOwnerFlag
	searchOwnerFlag = "alice"
	defer func() { searchOwnerFlag = oldSearchOwner }()

	output, err = captureStdout(t, func() error {
		return runSearch(searchCmd, []string{"dark"})
	})
	if err != nil {
		t.Fatalf("runSearch error: %v", err)
	}
	if !strings.Contains(output, "(semantic) prefers dark mode") {
		t.Errorf("expected search hit, got: %s", output)
	}
}

func TestRunRemember_BadKind(t *testing.T) {
	setupHome(t)

	oldKind := rememberKindFlag
	rememberKindFlag = "vibes"
	defer func() { rememberKindFlag = oldKind }()

	err := runRemember(rememberCmd, []string{"text"})
	if err == nil {
		t.Fatal("expected error for unknown kind")
	}
	if !errors.Is(err, memory.ErrUnknownKind) {
		t.Errorf("err = %v, want ErrUnknownKind", err)
	}
}

func TestRunSearch_NoResults(t *testing.T) {
	setupHome(t)

	output, err := captureStdout(t, func() error {
		return runSearch(searchCmd, []string{"nothing"})
	})
	if err != nil {
		t.Fatalf("runSearch error: %v", err)
	}
	if !strings.Contains(output, "No memories found.") {
		t.Errorf("unexpected output: %s", output)
	}
}

func TestRunImport(t *testing.T) {
	tmpDir := setupHome(t)

	transcript := filepath.Join(tmpDir, "chat.jsonl")
	lines := []string{
		`{"role":"user","content":"what is a goroutine?"}`,
		``,
		`{"role":"assistant","content":"a lightweight thread managed by the runtime"}`,
		`{"role":"user","content":"thanks"}`,
	}
	if err := os.WriteFile(transcript, []byte(strings.Join(lines, "\n")), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	oldSession := importSessionFlag
	importSessionFlag = "replay"
	defer func() { importSessionFlag = oldSession }()

	output, err := captureStdout(t, func() error {
		return runImport(importCmd, []string{transcript})
	})
	if err != nil {
		t.Fatalf("runImport error: %v", err)
	}
	if !strings.Contains(output, `Imported 3 turn(s) into session "replay"`) {
		t.Errorf("unexpected output: %s", output)
	}
	if !strings.Contains(output, "Active context: 3 message(s)") {
		t.Errorf("missing context summary: %s", output)
	}
}

func TestRunImport_WithCompress(t *testing.T) {
	tmpDir := setupHome(t)

	transcript := filepath.Join(tmpDir, "chat.jsonl")
	content := `{"role":"user","content":"hello"}` + "\n" + `{"role":"assistant","content":"hi"}` + "\n"
	if err := os.WriteFile(transcript, []byte(content), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	oldCompress := importCompressFlag
	importCompressFlag = true
	defer func() { importCompressFlag = oldCompress }()

	output, err := captureStdout(t, func() error {
		return runImport(importCmd, []string{transcript})
	})
	if err != nil {
		t.Fatalf("runImport error: %v", err)
	}
	if !strings.Contains(output, "Compressed with") {
		t.Errorf("missing compression report: %s", output)
	}
}

func TestRunImport_BadLine(t *testing.T) {
	tmpDir := setupHome(t)

	transcript := filepath.Join(tmpDir, "chat.jsonl")
	content := `{"role":"user","content":"fine"}` + "\n" + `{"role":"alien","content":"bad"}` + "\n"
	if err := os.WriteFile(transcript, []byte(content), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	err := runImport(importCmd, []string{transcript})
	if err == nil {
		t.Fatal("expected error for bad role")
	}
	if !strings.Contains(err.Error(), "line 2") {
		t.Errorf("error should name the line: %v", err)
	}
}

func TestRunImport_MissingFile(t *testing.T) {
	setupHome(t)

	err := runImport(importCmd, []string{"/nonexistent/chat.jsonl"})
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestProviderDisplay(t *testing.T) {
	if got := providerDisplay(""); got != "anthropic (default)" {
		t.Errorf("providerDisplay(empty) = %q", got)
	}
	if got := providerDisplay("openai"); got != "openai" {
		t.Errorf("providerDisplay(openai) = %q", got)
	}
}
