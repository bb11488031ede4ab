package probe

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/guseggert/stdiorpc/internal/files"
	"gopkg.in/yaml.v3"
)

// ScenarioFile is the name FindScenario looks for.
const ScenarioFile = ".stdiorpc.yaml"

const (
	DefaultProtocolVersion = "2025-03-26"
	DefaultClientName      = "stdiorpc-probe"
	DefaultClientVersion   = "1.0"
	DefaultStepTimeout     = 15 * time.Second
	DefaultExpectedTool    = "store_node"
	DefaultMaxLatency      = 4 * time.Second
)

// Check names the validation applied to a step's response.
type Check string

const (
	// CheckNone only requires that the response is not an error.
	CheckNone       Check = ""
	CheckInitialize Check = "initialize"
	CheckTools      Check = "tools"
	CheckResources  Check = "resources"
	CheckToolCall   Check = "tool-call"
)

func (c Check) valid() bool {
	switch c {
	case CheckNone, CheckInitialize, CheckTools, CheckResources, CheckToolCall:
		return true
	}
	return false
}

type ClientInfo struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

// Scenario is a sequence of requests and notifications run against one child.
type Scenario struct {
	ProtocolVersion string        `yaml:"protocolVersion"`
	Client          ClientInfo    `yaml:"client"`
	StepTimeout     time.Duration `yaml:"stepTimeout"`
	Steps           []Step        `yaml:"steps"`
}

type Step struct {
	Name   string `yaml:"name"`
	Method string `yaml:"method"`
	Params Params `yaml:"params"`
	// RawParams is sent as is instead of Params. Initialize still gets its handshake fields filled in.
	RawParams json.RawMessage `yaml:"-"`
	// Notify sends the step as a notification. No response is awaited and Check must be empty.
	Notify      bool          `yaml:"notify"`
	Timeout     time.Duration `yaml:"timeout"`
	Check       Check         `yaml:"check"`
	ExpectTools []string      `yaml:"expectTools"`
	// MaxLatency fails the step if the exchange took longer, even when the response was fine.
	MaxLatency time.Duration `yaml:"maxLatency"`
}

func (s Step) displayName() string {
	if s.Name != "" {
		return s.Name
	}
	return s.Method
}

// params returns the step's params, filling in the handshake fields of an initialize request from the scenario.
func (s Step) params(sc *Scenario) map[string]any {
	params := map[string]any{}
	for k, v := range s.Params {
		params[k] = v
	}
	if s.Method != "initialize" {
		return params
	}
	if _, ok := params["protocolVersion"]; !ok {
		params["protocolVersion"] = sc.ProtocolVersion
	}
	if _, ok := params["capabilities"]; !ok {
		params["capabilities"] = map[string]any{}
	}
	if _, ok := params["clientInfo"]; !ok {
		params["clientInfo"] = map[string]any{"name": sc.Client.Name, "version": sc.Client.Version}
	}
	return params
}

// requestParams is what goes on the wire for the step.
func (s Step) requestParams(sc *Scenario) any {
	if len(s.RawParams) == 0 {
		return s.params(sc)
	}
	if s.Method != "initialize" {
		return s.RawParams
	}
	dec := json.NewDecoder(bytes.NewReader(s.RawParams))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		// left for the request encoder to reject
		return s.RawParams
	}
	return Step{Method: s.Method, Params: m}.params(sc)
}

// Params are a step's request params. Numbers are kept as json.Number so they reach the wire exactly as written.
type Params map[string]any

func (p *Params) UnmarshalYAML(node *yaml.Node) error {
	v, err := yamlValue(node)
	if err != nil {
		return err
	}
	if v == nil {
		*p = nil
		return nil
	}
	m, ok := v.(map[string]any)
	if !ok {
		return fmt.Errorf("line %d: params must be a mapping", node.Line)
	}
	*p = m
	return nil
}

func yamlValue(n *yaml.Node) (any, error) {
	switch n.Kind {
	case yaml.DocumentNode:
		if len(n.Content) == 0 {
			return nil, nil
		}
		return yamlValue(n.Content[0])
	case yaml.AliasNode:
		return yamlValue(n.Alias)
	case yaml.MappingNode:
		m := make(map[string]any, len(n.Content)/2)
		for i := 0; i+1 < len(n.Content); i += 2 {
			k := n.Content[i]
			if k.Kind != yaml.ScalarNode {
				return nil, fmt.Errorf("line %d: params keys must be scalars", k.Line)
			}
			v, err := yamlValue(n.Content[i+1])
			if err != nil {
				return nil, err
			}
			m[k.Value] = v
		}
		return m, nil
	case yaml.SequenceNode:
		l := make([]any, 0, len(n.Content))
		for _, c := range n.Content {
			v, err := yamlValue(c)
			if err != nil {
				return nil, err
			}
			l = append(l, v)
		}
		return l, nil
	}
	switch n.ShortTag() {
	case "!!int", "!!float":
		// hex, octal and .inf are not JSON and go through the normal decoding
		if json.Valid([]byte(n.Value)) {
			return json.Number(n.Value), nil
		}
	}
	var v any
	if err := n.Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}

func (s *Scenario) applyDefaults() {
	if s.ProtocolVersion == "" {
		s.ProtocolVersion = DefaultProtocolVersion
	}
	if s.Client.Name == "" {
		s.Client.Name = DefaultClientName
	}
	if s.Client.Version == "" {
		s.Client.Version = DefaultClientVersion
	}
	if s.StepTimeout <= 0 {
		s.StepTimeout = DefaultStepTimeout
	}
}

// Validate reports the first problem with the scenario, if any.
func (s *Scenario) Validate() error {
	if len(s.Steps) == 0 {
		return errors.New("scenario has no steps")
	}
	for i, step := range s.Steps {
		if step.Method == "" {
			return fmt.Errorf("step %d: method is required", i)
		}
		if !step.Check.valid() {
			return fmt.Errorf("step %d (%s): unknown check %q", i, step.displayName(), step.Check)
		}
		if step.Notify && step.Check != CheckNone {
			return fmt.Errorf("step %d (%s): notifications cannot have a check", i, step.displayName())
		}
		if len(step.ExpectTools) > 0 && step.Check != CheckTools {
			return fmt.Errorf("step %d (%s): expectTools requires the tools check", i, step.displayName())
		}
	}
	return nil
}

// LoadScenario reads a YAML scenario. Unknown fields are rejected.
func LoadScenario(path string) (*Scenario, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading scenario: %w", err)
	}
	return ParseScenario(b)
}

func ParseScenario(b []byte) (*Scenario, error) {
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	var s Scenario
	if err := dec.Decode(&s); err != nil {
		return nil, fmt.Errorf("decoding scenario: %w", err)
	}
	s.applyDefaults()
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// FindScenario returns the nearest ScenarioFile in dir or its parents, or "" if there is none.
func FindScenario(dir string) (string, error) {
	return files.FindUp(ScenarioFile, dir)
}

// DefaultOptions tune DefaultScenario.
type DefaultOptions struct {
	ProtocolVersion string
	ClientName      string
	ClientVersion   string
	// ExpectedTool must be listed by tools/list. Empty disables the check.
	ExpectedTool string
	// Latency ceilings default to DefaultMaxLatency. A negative value disables them.
	MaxInitialize time.Duration
	MaxDiscovery  time.Duration
	StepTimeout   time.Duration
}

func orDefaultLatency(d time.Duration) time.Duration {
	if d == 0 {
		return DefaultMaxLatency
	}
	return d
}

// DefaultScenario is the standard handshake and discovery smoke test:
// initialize, the initialized notification, tools/list and resources/list.
func DefaultScenario(opts DefaultOptions) *Scenario {
	s := &Scenario{
		ProtocolVersion: opts.ProtocolVersion,
		Client:          ClientInfo{Name: opts.ClientName, Version: opts.ClientVersion},
		StepTimeout:     opts.StepTimeout,
	}
	s.applyDefaults()

	maxInit := orDefaultLatency(opts.MaxInitialize)
	maxDiscovery := orDefaultLatency(opts.MaxDiscovery)
	var expect []string
	if opts.ExpectedTool != "" {
		expect = []string{opts.ExpectedTool}
	}
	s.Steps = []Step{
		{Name: "initialize", Method: "initialize", Check: CheckInitialize, MaxLatency: maxInit},
		{Name: "notifications/initialized", Method: "notifications/initialized", Notify: true},
		{Name: "tools/list", Method: "tools/list", Check: CheckTools, ExpectTools: expect, MaxLatency: maxDiscovery},
		{Name: "resources/list", Method: "resources/list", Check: CheckResources, MaxLatency: maxDiscovery},
	}
	return s
}
