package agenix

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
)

// Secret is one age-encrypted file in a nix-secrets repo managed by agenix.
type Secret struct {
	Repo       string
	Rules      string
	Name       string
	Recipients []string
	// Binary defaults to "agenix" on PATH.
	Binary string
}

// Path returns the encrypted file location and the rules file in use.
func (s Secret) Path() (secretPath, rulesPath string, err error) {
	if s.Repo == "" {
		return "", "", fmt.Errorf("agenix repo path is required")
	}
	name := s.Name
	if name == "" {
		return "", "", fmt.Errorf("agenix secret name is required")
	}
	if !strings.HasSuffix(name, ".age") {
		name += ".age"
	}
	rulesPath = s.Rules
	if rulesPath == "" {
		rulesPath = filepath.Join(s.Repo, "secrets.nix")
	}
	return filepath.Join(s.Repo, name), rulesPath, nil
}

// Write declares the secret in the rules file when needed, then encrypts
// plaintext into it.
func (s Secret) Write(ctx context.Context, plaintext []byte) (string, error) {
	secretPath, rulesPath, err := s.Path()
	if err != nil {
		return "", err
	}
	recipients := s.Recipients
	if len(recipients) == 0 {
		if recipients, err = RecipientsFrom(rulesPath); err != nil {
			return "", err
		}
	}
	if err := Declare(rulesPath, filepath.Base(secretPath), recipients); err != nil {
		return "", err
	}

	binary := s.Binary
	if binary == "" {
		binary = "agenix"
	}
	cmd := exec.CommandContext(ctx, binary, "-e", secretPath)
	cmd.Dir = s.Repo
	cmd.Env = append(os.Environ(), "RULES="+rulesPath, "EDITOR=cp /dev/stdin")
	cmd.Stdin = bytes.NewReader(plaintext)
	if out, err := cmd.CombinedOutput(); err != nil {
		return "", fmt.Errorf("agenix: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return secretPath, nil
}

// Declare adds `"<name>".publicKeys = [ ... ];` to the rules file unless an
// entry for name already exists.
func Declare(rulesPath, name string, recipients []string) error {
	info, err := os.Stat(rulesPath)
	if err != nil {
		return fmt.Errorf("stat secrets.nix: %w", err)
	}
	content, err := os.ReadFile(rulesPath)
	if err != nil {
		return fmt.Errorf("read secrets.nix: %w", err)
	}
	declared := regexp.MustCompile(regexp.QuoteMeta(`"`+name+`"`) + `\s*\.publicKeys`)
	if declared.Match(content) {
		return nil
	}
	if len(recipients) == 0 {
		return fmt.Errorf("no recipients for %s", name)
	}
	idx := bytes.LastIndex(content, []byte("\n}"))
	if idx == -1 {
		return fmt.Errorf("secrets.nix missing closing brace")
	}
	entry := fmt.Sprintf("\n  %q.publicKeys = [ %s ];", name, strings.Join(recipients, " "))
	updated := append([]byte{}, content[:idx]...)
	updated = append(updated, entry...)
	updated = append(updated, content[idx:]...)
	return os.WriteFile(rulesPath, updated, info.Mode().Perm())
}

var gohomeRecipients = regexp.MustCompile(`"gohome-[^"]+\.age"\s*\.publicKeys\s*=\s*\[([^\]]+)\]`)

// RecipientsFrom reuses the key list of the first gohome-* secret in the
// rules file.
func RecipientsFrom(rulesPath string) ([]string, error) {
	content, err := os.ReadFile(rulesPath)
	if err != nil {
		return nil, fmt.Errorf("read secrets.nix: %w", err)
	}
	match := gohomeRecipients.FindSubmatch(content)
	if match == nil {
		return nil, fmt.Errorf("no gohome recipients found in %s", rulesPath)
	}
	fields := strings.Fields(string(match[1]))
	if len(fields) == 0 {
		return nil, fmt.Errorf("empty recipient list in %s", rulesPath)
	}
	return fields, nil
}
