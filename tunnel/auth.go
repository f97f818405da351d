package tunnel

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"
	"golang.org/x/term"
)

// defaultKeyFiles are tried, in order, under ~/.ssh when no
// authentication method is configured.
var defaultKeyFiles = []string{"id_ed25519", "id_ecdsa", "id_rsa"}

// Auth is the ordered list of methods offered to the gateway.  It may
// hold a connection to ssh-agent, which must stay open for as long as
// handshakes may use it; Close releases it.
type Auth struct {
	Methods []ssh.AuthMethod
	agent   net.Conn
}

// Close releases the agent connection, if any.
func (a *Auth) Close() error {
	if a == nil || a.agent == nil {
		return nil
	}
	return a.agent.Close()
}

// BuildAuth assembles the methods for cfg: an explicit key, then the
// agent, then a password (given, or prompted for).  With none of those
// configured it falls back to the agent and the usual key files.
func BuildAuth(cfg *SSHConfig) (*Auth, error) {
	a := &Auth{}
	fail := func(err error) (*Auth, error) {
		a.Close()
		return nil, err
	}

	if cfg.KeyPath != "" {
		signer, err := loadKey(cfg.KeyPath, cfg.prompt)
		if err != nil {
			return fail(fmt.Errorf("key %s: %w", cfg.KeyPath, err))
		}
		a.Methods = append(a.Methods, ssh.PublicKeys(signer))
	}

	if cfg.UseAgent {
		if err := a.addAgent(); err != nil {
			return fail(fmt.Errorf("ssh-agent: %w", err))
		}
	}

	if cfg.Password != "" {
		a.Methods = append(a.Methods, ssh.Password(cfg.Password))
	} else if cfg.PromptPass {
		pass, err := cfg.prompt(fmt.Sprintf("%s@%s's password: ", cfg.User, cfg.Host))
		if err != nil {
			return fail(fmt.Errorf("reading password: %w", err))
		}
		a.Methods = append(a.Methods, ssh.Password(string(pass)))
	}

	if len(a.Methods) == 0 {
		a.addDefaults()
	}
	if len(a.Methods) == 0 {
		return nil, errors.New("no SSH authentication methods available; use --ssh-key, --ssh-password, or --ssh-agent")
	}
	return a, nil
}

func (a *Auth) addAgent() error {
	sock := os.Getenv("SSH_AUTH_SOCK")
	if sock == "" {
		return errors.New("SSH_AUTH_SOCK is not set")
	}
	conn, err := net.Dial("unix", sock)
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", sock, err)
	}
	a.agent = conn
	a.Methods = append(a.Methods, ssh.PublicKeysCallback(agent.NewClient(conn).Signers))
	return nil
}

// addDefaults adds whatever works of the agent and ~/.ssh key files.
// Encrypted default keys are skipped rather than prompted for.
func (a *Auth) addDefaults() {
	a.addAgent() //nolint:errcheck // the agent is optional here

	home, err := os.UserHomeDir()
	if err != nil {
		return
	}
	var signers []ssh.Signer
	for _, name := range defaultKeyFiles {
		signer, err := loadKey(filepath.Join(home, ".ssh", name), nil)
		if err == nil {
			signers = append(signers, signer)
		}
	}
	if len(signers) > 0 {
		a.Methods = append(a.Methods, ssh.PublicKeys(signers...))
	}
}

// loadKey parses a private key file, asking prompt for the passphrase
// when the key is encrypted.  A nil prompt refuses encrypted keys.
func loadKey(path string, prompt func(string) ([]byte, error)) (ssh.Signer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	signer, err := ssh.ParsePrivateKey(data)
	var missing *ssh.PassphraseMissingError
	if !errors.As(err, &missing) {
		return signer, err
	}
	if prompt == nil {
		return nil, err
	}

	pass, err := prompt(fmt.Sprintf("Enter passphrase for %s: ", path))
	if err != nil {
		return nil, fmt.Errorf("reading passphrase: %w", err)
	}
	signer, err = ssh.ParsePrivateKeyWithPassphrase(data, pass)
	if err != nil {
		return nil, fmt.Errorf("decrypting: %w", err)
	}
	return signer, nil
}

// readSecret prompts on stderr and reads from the terminal without
// echo.  Without a terminal there is nobody to answer, so it fails
// instead of blocking.
func readSecret(prompt string) ([]byte, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return nil, errors.New("stdin is not a terminal")
	}
	fmt.Fprint(os.Stderr, prompt)
	b, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	return b, err
}

// hostKeyCallback verifies the gateway's key against known_hosts when
// StrictHostKey is set.
func hostKeyCallback(cfg *SSHConfig) (ssh.HostKeyCallback, error) {
	if cfg.HostKeyCallback != nil {
		return cfg.HostKeyCallback, nil
	}
	if !cfg.StrictHostKey {
		//nolint:gosec // user opted out of host key checking
		return ssh.InsecureIgnoreHostKey(), nil
	}

	path := cfg.KnownHosts
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("locating home directory: %w", err)
		}
		path = filepath.Join(home, ".ssh", "known_hosts")
	}
	cb, err := knownhosts.New(path)
	if err != nil {
		return nil, fmt.Errorf("loading %s: %w", path, err)
	}
	return cb, nil
}
