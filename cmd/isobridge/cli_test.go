package main

import (
	"bytes"
	"fmt"
	"strings"
	"testing"

	"github.com/spf13/cobra"
)

func executeCommand(root *cobra.Command, args ...string) (string, error) {
	buf := new(bytes.Buffer)
	root.SetOut(buf)
	root.SetErr(buf)
	root.SetArgs(args)
	err := root.Execute()
	return buf.String(), err
}

func TestCLIHelp(t *testing.T) {
	output, err := executeCommand(rootCmd, "--help")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for _, phrase := range []string{"isobridge", "isolated executor", "call", "repl", "serve", "worker", "--config", "--transport"} {
		if !strings.Contains(output, phrase) {
			t.Errorf("help output should contain %q", phrase)
		}
	}
}

func TestCLICallHelp(t *testing.T) {
	defer callCmd.Flags().Set("help", "false")

	output, err := executeCommand(rootCmd, "call", "--help")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for _, phrase := range []string{"--stream", "--bootstrap", "--timeout", "--codec", "METHOD"} {
		if !strings.Contains(output, phrase) {
			t.Errorf("call help output should contain %q", phrase)
		}
	}
}

func TestCLIReplHelp(t *testing.T) {
	output, err := executeCommand(rootCmd, "repl", "--help")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for _, phrase := range []string{"--history", ":stream", ":pending", ":restart", "Command history", "Line editing"} {
		if !strings.Contains(output, phrase) {
			t.Errorf("repl help output should contain %q", phrase)
		}
	}
}

func TestCLIServeHelp(t *testing.T) {
	output, err := executeCommand(rootCmd, "serve", "--help")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for _, phrase := range []string{"--port", "/contexts", "/execute", "/stream", "/health"} {
		if !strings.Contains(output, phrase) {
			t.Errorf("serve help output should contain %q", phrase)
		}
	}
}

func TestCLICallEcho(t *testing.T) {
	t.Chdir(t.TempDir())
	callCmd.Flags().Set("stream", "false")

	output, err := executeCommand(rootCmd, "call", "echo", `{"x":1}`, "--transport", "local")
	if err != nil {
		t.Fatalf("call failed: %v\n%s", err, output)
	}
	if !strings.Contains(output, `{"x":1}`) {
		t.Errorf("output should contain echoed params, got %q", output)
	}
}

func TestCLICallCBOR(t *testing.T) {
	t.Chdir(t.TempDir())
	callCmd.Flags().Set("stream", "false")

	output, err := executeCommand(rootCmd, "call", "echo", "plain", "--transport", "local", "--codec", "cbor")
	if err != nil {
		t.Fatalf("call failed: %v\n%s", err, output)
	}
	if !strings.Contains(output, "plain") {
		t.Errorf("output should contain echoed string, got %q", output)
	}
}

func TestCLICallStream(t *testing.T) {
	t.Chdir(t.TempDir())
	defer callCmd.Flags().Set("stream", "false")

	output, err := executeCommand(rootCmd, "call", "count", `{"n":3}`, "--stream", "--transport", "local")
	if err != nil {
		t.Fatalf("stream failed: %v\n%s", err, output)
	}
	for _, want := range []string{"1\n", "2\n", "3\n", "stream complete"} {
		if !strings.Contains(output, want) {
			t.Errorf("stream output should contain %q, got %q", want, output)
		}
	}
}

func TestCLICallTimeout(t *testing.T) {
	t.Chdir(t.TempDir())
	callCmd.Flags().Set("stream", "false")

	output, err := executeCommand(rootCmd, "call", "sleep", `{"ms":2000}`, "--transport", "local", "--timeout", "20ms")
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if !strings.Contains(output, "timed out") {
		t.Errorf("output should report the timeout, got %q", output)
	}
	rootCmd.PersistentFlags().Set("timeout", "0s")
}

func TestCLIInvalidTransport(t *testing.T) {
	t.Chdir(t.TempDir())

	_, err := executeCommand(rootCmd, "call", "echo", "--transport", "carrier-pigeon")
	if err == nil {
		t.Fatal("expected validation error for unknown transport")
	}
	if !strings.Contains(err.Error(), "transport.kind") {
		t.Errorf("error should name transport.kind, got: %v", err)
	}
	rootCmd.PersistentFlags().Set("transport", "local")
}

func TestParseParams(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"", "<nil>", false},
		{`{"a":1}`, "map[a:1]", false},
		{"[1,2]", "[1 2]", false},
		{"42", "42", false},
		{"hello", "hello", false},
		{`{"a":`, "", true},
	}

	for _, tt := range tests {
		got, err := parseParams(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("parseParams(%q) expected error", tt.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("parseParams(%q) error: %v", tt.in, err)
			continue
		}
		if s := fmt.Sprint(got); s != tt.want {
			t.Errorf("parseParams(%q) = %s, want %s", tt.in, s, tt.want)
		}
	}
}

func TestParseReplLine(t *testing.T) {
	l, err := parseReplLine(`echo {"x": 1}`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if l.command != "call" || l.method != "echo" {
		t.Errorf("got %+v", l)
	}

	l, err = parseReplLine(`:stream count {"n": 2}`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if l.command != "stream" || l.method != "count" {
		t.Errorf("got %+v", l)
	}

	l, err = parseReplLine(":pending")
	if err != nil || l.command != "pending" {
		t.Errorf("got %+v, %v", l, err)
	}

	if _, err := parseReplLine(":stream"); err == nil {
		t.Error("expected error for :stream without method")
	}
}

func TestFormatResult(t *testing.T) {
	if got := formatResult("text"); got != "text" {
		t.Errorf("formatResult(string) = %q", got)
	}
	if got := formatResult(map[string]any{"k": []any{1.0, true}}); got != `{"k":[1,true]}` {
		t.Errorf("formatResult(map) = %q", got)
	}
}
