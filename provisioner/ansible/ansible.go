package ansible

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/alessio/shellescape"
	"github.com/gammadia/nodepool/inventory"
	"github.com/gammadia/nodepool/pools"
	"github.com/google/uuid"
)

const (
	Type = "ansible"

	// InputVar is the extra variable holding the nodes handed to a playbook.
	InputVar = "nodepool_in"
	// OutputFact is the fact a playbook sets, through its last set_fact task,
	// to report the nodes it handled.
	OutputFact = "nodepool_out"
)

var ErrNoOutput = errors.New("playbook did not set " + OutputFact)

type Playbook struct {
	Playbook  string         `yaml:"playbook"`
	ExtraVars map[string]any `yaml:"extra-vars"`
}

type Config struct {
	TopDir      string   `yaml:"topdir"`
	Binary      string   `yaml:"binary"`
	Provision   Playbook `yaml:"provision"`
	Deprovision Playbook `yaml:"deprovision"`
}

func (c Config) Validate() error {
	if c.TopDir == "" {
		return errors.New("topdir must be set")
	}
	if c.Provision.Playbook == "" {
		return errors.New("provision.playbook must be set")
	}
	if c.Deprovision.Playbook == "" {
		return errors.New("deprovision.playbook must be set")
	}
	return nil
}

// Runner executes ansible-runner with the given arguments and returns its
// standard output, the JSON event stream.
type Runner interface {
	Run(ctx context.Context, binary string, args []string) ([]byte, error)
}

type execRunner struct {
	log *slog.Logger
}

func (r execRunner) Run(ctx context.Context, binary string, args []string) ([]byte, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, binary, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if stderr.Len() > 0 {
		r.log.Debug("ansible-runner stderr", "output", strings.TrimSpace(stderr.String()))
	}
	return stdout.Bytes(), err
}

type Mechanism struct {
	pool   *pools.Pool
	config Config
	runner Runner
	log    *slog.Logger
}

// Mechanism implements pools.Mechanism
var _ pools.Mechanism = (*Mechanism)(nil)

// Factory returns the pools.MechanismFactory of ansible pools. A nil runner
// executes the real ansible-runner binary.
func Factory(logger *slog.Logger, runner Runner) pools.MechanismFactory {
	return func(pool *pools.Pool, raw map[string]any) (pools.Mechanism, error) {
		var config Config
		if err := pools.DecodeConfig(raw, &config); err != nil {
			return nil, err
		}
		if err := config.Validate(); err != nil {
			return nil, err
		}
		if config.Binary == "" {
			config.Binary = "ansible-runner"
		}

		log := logger.With("pool", pool.Name, "mechanism", Type)
		if runner == nil {
			runner = execRunner{log: log}
		}

		return &Mechanism{
			pool:   pool,
			config: config,
			runner: runner,
			log:    log,
		}, nil
	}
}

func (m *Mechanism) Provision(ctx context.Context, nodes []*inventory.Node) (*pools.Result, error) {
	return m.run(ctx, m.config.Provision, pools.NodesPayload(nodes, false))
}

func (m *Mechanism) Deprovision(ctx context.Context, nodes []*inventory.Node) (*pools.Result, error) {
	return m.run(ctx, m.config.Deprovision, pools.NodesPayload(nodes, true))
}

func (m *Mechanism) run(ctx context.Context, playbook Playbook, payload []map[string]any) (*pools.Result, error) {
	rendered, err := m.pool.RenderTemplatesInObj(playbook.ExtraVars, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to render extra-vars: %w", err)
	}
	extraVars, _ := rendered.(map[string]any)
	if extraVars == nil {
		extraVars = map[string]any{}
	}
	extraVars[InputVar] = map[string]any{"nodes": payload}

	varsFile, err := writeExtraVars(extraVars)
	if err != nil {
		return nil, err
	}
	defer os.Remove(varsFile)

	args := []string{
		"run", m.config.TopDir,
		"--playbook", playbook.Playbook,
		"--ident", uuid.NewString(),
		"--json",
		"--cmdline", "--extra-vars @" + shellescape.Quote(varsFile),
	}

	m.log.Info("Running playbook", "playbook", playbook.Playbook, "nodes", len(payload))
	stdout, runErr := m.runner.Run(ctx, m.config.Binary, args)

	output, parseErr := ParseEvents(bytes.NewReader(stdout))
	if runErr != nil {
		return nil, fmt.Errorf("playbook '%s' did not succeed: %w", playbook.Playbook, runErr)
	}
	if parseErr != nil {
		return nil, fmt.Errorf("playbook '%s': %w", playbook.Playbook, parseErr)
	}
	return output, nil
}

func writeExtraVars(extraVars map[string]any) (string, error) {
	raw, err := json.Marshal(extraVars)
	if err != nil {
		return "", fmt.Errorf("failed to encode extra-vars: %w", err)
	}

	file, err := os.CreateTemp("", "nodepool-extravars-*.json")
	if err != nil {
		return "", fmt.Errorf("failed to create extra-vars file: %w", err)
	}
	defer file.Close()

	if _, err := file.Write(raw); err != nil {
		_ = os.Remove(file.Name())
		return "", fmt.Errorf("failed to write extra-vars file: %w", err)
	}
	return filepath.Clean(file.Name()), nil
}

type event struct {
	Event     string `json:"event"`
	EventData struct {
		TaskAction string `json:"task_action"`
		Res        struct {
			AnsibleFacts map[string]json.RawMessage `json:"ansible_facts"`
		} `json:"res"`
	} `json:"event_data"`
}

// ParseEvents reads an ansible-runner JSON event stream and returns the
// value of the output fact set by the last successful set_fact task. Lines
// that are not JSON events are skipped.
func ParseEvents(r io.Reader) (*pools.Result, error) {
	var output json.RawMessage

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 || line[0] != '{' {
			continue
		}

		var e event
		if err := json.Unmarshal(line, &e); err != nil {
			continue
		}
		if e.Event != "runner_on_ok" || !isSetFact(e.EventData.TaskAction) {
			continue
		}
		if fact, ok := e.EventData.Res.AnsibleFacts[OutputFact]; ok {
			output = fact
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read event stream: %w", err)
	}
	if output == nil {
		return nil, ErrNoOutput
	}

	var result pools.Result
	if err := json.Unmarshal(output, &result); err != nil {
		return nil, fmt.Errorf("malformed %s: %w", OutputFact, err)
	}
	return &result, nil
}

func isSetFact(action string) bool {
	return action == "set_fact" || action == "ansible.builtin.set_fact"
}
