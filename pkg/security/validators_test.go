package security

import (
	"fmt"
	"strings"
	"testing"
)

func TestValidateKillByName(t *testing.T) {
	tests := []struct {
		args []string
		ok   bool
	}{
		{[]string{"node"}, true},
		{[]string{"-f", "python.*server"}, true},
		{[]string{"-9", "gopls"}, true},
		{[]string{"redis-server"}, true},
		{[]string{"python3.11"}, true},
		{[]string{"chrome"}, false},
		{[]string{"sshd"}, false},
		{[]string{"-f"}, false},
		{nil, false},
	}
	for _, tt := range tests {
		err := validateKillByName(tt.args)
		if (err == nil) != tt.ok {
			t.Errorf("validateKillByName(%v) err=%v, want ok=%v", tt.args, err, tt.ok)
		}
	}
}

func TestValidateKill(t *testing.T) {
	tests := []struct {
		args []string
		ok   bool
	}{
		{[]string{"-9", "12345"}, true},
		{[]string{"-TERM", "12345"}, true},
		{[]string{"-1"}, false},
		{[]string{"0"}, false},
		{[]string{"-0"}, false},
		{[]string{"-9", "-1"}, false},
	}
	for _, tt := range tests {
		err := validateKill(tt.args)
		if (err == nil) != tt.ok {
			t.Errorf("validateKill(%v) err=%v, want ok=%v", tt.args, err, tt.ok)
		}
	}
}

func TestValidateRm(t *testing.T) {
	tests := []struct {
		args []string
		ok   bool
	}{
		{[]string{"file.txt"}, true},
		{[]string{"-rf", "build"}, true},
		{[]string{"-rf", "/"}, false},
		{[]string{"-fr", "~"}, false},
		{[]string{"-r", ".."}, false},
		{[]string{"--recursive", "--force", "$HOME"}, false},
		{[]string{"-rf", "$HOME/"}, false},
		{[]string{"/"}, true},
	}
	for _, tt := range tests {
		err := validateRm(tt.args)
		if (err == nil) != tt.ok {
			t.Errorf("validateRm(%v) err=%v, want ok=%v", tt.args, err, tt.ok)
		}
	}
}

func TestValidateGit(t *testing.T) {
	tests := []struct {
		args []string
		ok   bool
	}{
		{[]string{"status"}, true},
		{[]string{"push", "origin", "feature/login"}, true},
		{[]string{"push", "--force", "origin", "feature/login"}, true},
		{[]string{"push", "--force", "origin", "main"}, false},
		{[]string{"push", "-f", "origin", "HEAD:master"}, false},
		{[]string{"push", "-f", "origin", "refs/heads/main"}, false},
		{[]string{"push", "--force-with-lease", "origin", "main"}, true},
		{[]string{"clean", "-fdx"}, false},
		{[]string{"clean", "-fd", "-x"}, false},
		{[]string{"clean", "-fdx", "build/"}, true},
		{[]string{"clean", "-fd"}, true},
		{nil, true},
	}
	for _, tt := range tests {
		err := validateGit(tt.args)
		if (err == nil) != tt.ok {
			t.Errorf("validateGit(%v) err=%v, want ok=%v", tt.args, err, tt.ok)
		}
	}
}

func TestValidateChmod(t *testing.T) {
	tests := []struct {
		args []string
		ok   bool
	}{
		{[]string{"755", "script.sh"}, true},
		{[]string{"-R", "755", "/"}, true},
		{[]string{"777", "tmp"}, true},
		{[]string{"-R", "777", "/"}, false},
		{[]string{"--recursive", "777", "/"}, false},
	}
	for _, tt := range tests {
		err := validateChmod(tt.args)
		if (err == nil) != tt.ok {
			t.Errorf("validateChmod(%v) err=%v, want ok=%v", tt.args, err, tt.ok)
		}
	}
}

func TestRegisterValidator(t *testing.T) {
	profile := DefaultProfile("go")
	profile.AddCustom("docker")
	t.Cleanup(func() { RegisterValidator("docker", nil) })

	if d := CheckToolCall(shellCall("docker system prune"), profile); !d.Allowed {
		t.Fatalf("docker denied before a validator exists: %s", d.Reason)
	}

	RegisterValidator("docker", func(args []string) error {
		if len(args) >= 2 && args[0] == "system" && args[1] == "prune" {
			return fmt.Errorf("prune removes shared images")
		}
		return nil
	})

	d := CheckToolCall(shellCall("docker system prune"), profile)
	if d.Allowed {
		t.Fatal("registered validator should deny docker system prune")
	}
	if !strings.Contains(d.Reason, "prune removes shared images") {
		t.Fatalf("reason should carry the validator error, got %q", d.Reason)
	}
	if d := CheckToolCall(shellCall("docker ps"), profile); !d.Allowed {
		t.Fatalf("validator should pass docker ps: %s", d.Reason)
	}

	RegisterValidator("docker", nil)
	if d := CheckToolCall(shellCall("docker system prune"), profile); !d.Allowed {
		t.Fatal("removing the validator should restore plain membership checks")
	}
}
