package main

import (
	"bytes"
	"strings"
	"testing"
)

func TestChatCmd_Help(t *testing.T) {
	out, err := runCmd(t, "chat", "send", "--help")
	if err != nil {
		t.Fatalf("chat send --help failed: %v", err)
	}
	for _, flag := range []string{"--provider", "--chat", "--rewind", "--max-tokens"} {
		if !strings.Contains(out, flag) {
			t.Errorf("expected help to mention %s, got: %s", flag, out)
		}
	}
}

func TestChatSendCmd_MissingConfig(t *testing.T) {
	_, err := runCmd(t, "chat", "send", "hi", "-u", "u", "-p", "echo", "-c", "/nonexistent/paynless.yaml")
	if err == nil {
		t.Fatal("expected error for missing config file")
	}
	if !strings.Contains(err.Error(), "load config") {
		t.Errorf("error = %q, want to contain %q", err.Error(), "load config")
	}
}

func TestChatSendCmd_InsufficientFunds(t *testing.T) {
	path := seededConfig(t)
	out, err := runCmd(t, "chat", "send", "hello there", "-c", path, "-u", "broke", "-p", "echo")
	if err == nil {
		t.Fatal("expected error for an empty wallet")
	}
	if strings.Contains(out, "Echo from") {
		t.Errorf("output = %q, want no model reply", out)
	}
}

func TestChatCmd_SendListHistory(t *testing.T) {
	path := seededConfig(t)
	if _, err := runCmd(t, "wallet", "credit", "1000", "-c", path, "-u", "user-1"); err != nil {
		t.Fatalf("wallet credit: %v", err)
	}

	out, err := runCmd(t, "chat", "send", "hello", "pf", "-c", path, "-u", "user-1", "-p", "echo")
	if err != nil {
		t.Fatalf("chat send: %v\n%s", err, out)
	}
	if !strings.Contains(out, "Echo from echo: hello pf") {
		t.Errorf("send output = %q, want echoed reply", out)
	}
	if !strings.Contains(out, "tokens, balance") {
		t.Errorf("send output = %q, want debit line", out)
	}

	out, err = runCmd(t, "chat", "list", "-c", path, "-u", "user-1")
	if err != nil {
		t.Fatalf("chat list: %v", err)
	}
	if !strings.Contains(out, "hello pf") {
		t.Errorf("list output = %q, want chat titled from first message", out)
	}
	chatID := strings.Fields(out)[0]

	out, err = runCmd(t, "chat", "history", "-c", path, "-u", "user-1", "--chat", chatID)
	if err != nil {
		t.Fatalf("chat history: %v", err)
	}
	if !strings.Contains(out, "user") || !strings.Contains(out, "assistant") {
		t.Errorf("history output = %q, want both roles", out)
	}

	_, err = runCmd(t, "chat", "history", "-c", path, "-u", "intruder", "--chat", chatID)
	if err == nil || !strings.Contains(err.Error(), "another user") {
		t.Errorf("history as another user: err = %v, want ownership error", err)
	}
}

func TestChatSendCmd_ReadsPipedStdin(t *testing.T) {
	path := seededConfig(t)
	if _, err := runCmd(t, "wallet", "credit", "1000", "-c", path, "-u", "user-1"); err != nil {
		t.Fatalf("wallet credit: %v", err)
	}

	cmd := newRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetIn(strings.NewReader("piped question\n"))
	cmd.SetArgs([]string{"chat", "send", "-c", path, "-u", "user-1", "-p", "echo"})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("chat send from stdin: %v\n%s", err, buf.String())
	}
	if !strings.Contains(buf.String(), "Echo from echo: piped question") {
		t.Errorf("output = %q, want reply to piped message", buf.String())
	}
}

func TestChatSendCmd_EmptyStdin(t *testing.T) {
	cmd := newRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetIn(strings.NewReader("  \n"))
	cmd.SetArgs([]string{"chat", "send", "-u", "user-1", "-p", "echo"})

	err := cmd.Execute()
	if err == nil {
		t.Fatal("expected error for empty stdin")
	}
	if !strings.Contains(err.Error(), "stdin was empty") {
		t.Errorf("error = %q, want empty stdin error", err.Error())
	}
}
