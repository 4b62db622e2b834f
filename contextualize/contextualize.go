package contextualize

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/alessio/shellescape"
	"github.com/gammadia/nodepool/inventory"
	"golang.org/x/crypto/ssh"
)

const (
	DefaultDelimiter      = "# nodepool: tenant keys below this line are managed automatically"
	DefaultAuthorizedKeys = "/root/.ssh/authorized_keys"
)

// Runner runs a shell command on a remote host.
type Runner interface {
	Run(ctx context.Context, host string, command string) error
}

type Config struct {
	Logger *slog.Logger
	// Runner defaults to an SSH runner, which requires Signer.
	Runner Runner
	Signer ssh.Signer

	User           string
	Port           int
	Timeout        time.Duration
	Delimiter      string
	AuthorizedKeys string
}

func (c *Config) setDefaults() {
	if c.Logger == nil {
		c.Logger = slog.New(slog.DiscardHandler)
	}
	if c.User == "" {
		c.User = "root"
	}
	if c.Port == 0 {
		c.Port = 22
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.Delimiter == "" {
		c.Delimiter = DefaultDelimiter
	}
	if c.AuthorizedKeys == "" {
		c.AuthorizedKeys = DefaultAuthorizedKeys
	}
}

// SSH installs and removes tenant keys in the authorized keys file of nodes.
// Everything after the delimiter line belongs to the current tenant.
type SSH struct {
	config Config
	runner Runner
	log    *slog.Logger
}

func New(config Config) (*SSH, error) {
	config.setDefaults()
	if strings.ContainsAny(config.Delimiter, "\n") {
		return nil, errors.New("delimiter must be a single line")
	}

	runner := config.Runner
	if runner == nil {
		if config.Signer == nil {
			return nil, errors.New("an SSH key is required to contextualize nodes")
		}
		runner = &sshRunner{
			user:    config.User,
			port:    config.Port,
			timeout: config.Timeout,
			signer:  config.Signer,
		}
	}

	return &SSH{
		config: config,
		runner: runner,
		log:    config.Logger,
	}, nil
}

// LoadSigner reads a private key file.
func LoadSigner(path string) (ssh.Signer, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read SSH key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	return signer, nil
}

// DecontextualizeCommand truncates the authorized keys file at the delimiter.
func (s *SSH) DecontextualizeCommand() string {
	file := shellescape.Quote(s.config.AuthorizedKeys)
	expr := shellescape.Quote("/^" + escapeBRE(s.config.Delimiter) + "$/,$d")
	return fmt.Sprintf("if [ -f %s ]; then sed -i %s %s; fi", file, expr, file)
}

// ContextualizeCommand removes any previous tenant block then appends one for key.
func (s *SSH) ContextualizeCommand(key string) string {
	file := shellescape.Quote(s.config.AuthorizedKeys)
	return fmt.Sprintf("%s && printf '%%s\\n%%s\\n' %s %s >> %s",
		s.DecontextualizeCommand(),
		shellescape.Quote(s.config.Delimiter),
		shellescape.Quote(strings.TrimSpace(key)),
		file,
	)
}

func (s *SSH) Contextualize(ctx context.Context, node *inventory.Node, key string) error {
	if strings.TrimSpace(key) == "" {
		return errors.New("tenant has no SSH key")
	}
	host, err := target(node)
	if err != nil {
		return err
	}

	s.log.Debug("Contextualizing node", "node", node.ID, "host", host)
	if err := s.runner.Run(ctx, host, s.ContextualizeCommand(key)); err != nil {
		return fmt.Errorf("failed to contextualize node %d (%s): %w", node.ID, host, err)
	}
	return nil
}

func (s *SSH) Decontextualize(ctx context.Context, node *inventory.Node) error {
	host, err := target(node)
	if err != nil {
		return err
	}

	s.log.Debug("Decontextualizing node", "node", node.ID, "host", host)
	if err := s.runner.Run(ctx, host, s.DecontextualizeCommand()); err != nil {
		return fmt.Errorf("failed to decontextualize node %d (%s): %w", node.ID, host, err)
	}
	return nil
}

func target(node *inventory.Node) (string, error) {
	if node.IPAddr != "" {
		return node.IPAddr, nil
	}
	if node.Hostname != "" {
		return node.Hostname, nil
	}
	return "", fmt.Errorf("node %d has no address", node.ID)
}

func escapeBRE(s string) string {
	var b strings.Builder
	for _, r := range s {
		if strings.ContainsRune(`\.[]*^$/`, r) {
			b.WriteRune('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

type sshRunner struct {
	user    string
	port    int
	timeout time.Duration
	signer  ssh.Signer
}

func (r *sshRunner) Run(ctx context.Context, host string, command string) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	address := net.JoinHostPort(host, strconv.Itoa(r.port))
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return err
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, address, &ssh.ClientConfig{
		User:            r.user,
		Timeout:         r.timeout,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Auth: []ssh.AuthMethod{
			ssh.PublicKeys(r.signer),
		},
	})
	if err != nil {
		_ = conn.Close()
		return err
	}
	client := ssh.NewClient(sshConn, chans, reqs)
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return fmt.Errorf("failed to create SSH session: %w", err)
	}
	defer session.Close()

	output, err := session.CombinedOutput(command)
	if err != nil {
		return fmt.Errorf("%w: %s", err, strings.TrimSpace(string(output)))
	}
	return nil
}
